package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/pkg/types"
)

func newTestStore(t *testing.T) core.Store {
	t.Helper()

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	// Shared-cache in-memory database, one per test, foreign keys on for
	// every pooled connection.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := NewStore(config.DatabaseConfig{
		Driver:         "sqlite3",
		DSN:            dsn,
		MaxConnections: 1,
		MaxIdleConns:   1,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func createTestScan(t *testing.T, store core.Store, owner string) *types.Scan {
	t.Helper()
	scan := &types.Scan{Target: "example.com", OwnerID: owner}
	require.NoError(t, store.CreateScan(context.Background(), scan))
	return scan
}

func TestCreateAndGetScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	scan := createTestScan(t, store, "alice")
	assert.NotEmpty(t, scan.ID)
	assert.Equal(t, types.ScanStatusPending, scan.Status)
	assert.False(t, scan.CreatedAt.IsZero())

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.ID, got.ID)
	assert.Equal(t, "example.com", got.Target)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, types.ScanStatusPending, got.Status)
}

func TestGetScanNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetScan(context.Background(), "no-such-scan")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransitionScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	running, err := store.TransitionScan(ctx, scan.ID,
		[]types.ScanStatus{types.ScanStatusPending}, types.ScanStatusRunning, "")
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusRunning, running.Status)

	completed, err := store.TransitionScan(ctx, scan.ID,
		[]types.ScanStatus{types.ScanStatusPending, types.ScanStatusRunning}, types.ScanStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, completed.Status)

	// Terminal state is never a valid source.
	_, err = store.TransitionScan(ctx, scan.ID,
		[]types.ScanStatus{types.ScanStatusPending, types.ScanStatusRunning}, types.ScanStatusCancelled, "")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusCompleted, got.Status)
}

func TestTransitionScanUnknownID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.TransitionScan(context.Background(), "no-such-scan",
		[]types.ScanStatus{types.ScanStatusPending}, types.ScanStatusRunning, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransitionScanRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	failed, err := store.TransitionScan(ctx, scan.ID,
		[]types.ScanStatus{types.ScanStatusPending, types.ScanStatusRunning},
		types.ScanStatusFailed, "worker unreachable")
	require.NoError(t, err)
	assert.Equal(t, types.ScanStatusFailed, failed.Status)
	assert.Equal(t, "worker unreachable", failed.ErrorMessage)
}

func TestListScansFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alice1 := createTestScan(t, store, "alice")
	alice2 := createTestScan(t, store, "alice")
	bob := createTestScan(t, store, "bob")

	_, err := store.TransitionScan(ctx, alice2.ID,
		[]types.ScanStatus{types.ScanStatusPending}, types.ScanStatusRunning, "")
	require.NoError(t, err)

	all, err := store.ListScans(ctx, core.ScanFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	aliceScans, err := store.ListScans(ctx, core.ScanFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, aliceScans, 2)

	pending, err := store.ListScans(ctx, core.ScanFilter{Status: types.ScanStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, s := range pending {
		assert.NotEqual(t, alice2.ID, s.ID)
	}

	recent, err := store.ListScans(ctx, core.ScanFilter{Since: "7days"})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	_ = alice1
	_ = bob
}

func TestUpsertSubdomainsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	items := []types.Subdomain{
		{Name: "www.example.com", IPs: []string{"1.2.3.4"}, IP: "1.2.3.4", Alive: true},
		{Name: "mail.example.com", IPs: []string{"5.6.7.8"}, IP: "5.6.7.8"},
	}
	require.NoError(t, store.UpsertSubdomains(ctx, scan.ID, items))

	// Same batch again with changed attributes: merged, not duplicated.
	items[0].Alive = false
	items[0].ErrorMsg = "connection refused"
	require.NoError(t, store.UpsertSubdomains(ctx, scan.ID, items))

	got, err := store.GetSubdomains(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "mail.example.com", got[0].Name)
	assert.Equal(t, "www.example.com", got[1].Name)
	assert.False(t, got[1].Alive)
	assert.Equal(t, "connection refused", got[1].ErrorMsg)
	assert.Equal(t, []string{"1.2.3.4"}, got[1].IPs)
}

func TestUpsertSubdomainsConcurrentSameKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			item := types.Subdomain{
				Name: "www.example.com",
				IP:   fmt.Sprintf("10.0.0.%d", n),
				IPs:  []string{fmt.Sprintf("10.0.0.%d", n)},
			}
			assert.NoError(t, store.UpsertSubdomains(ctx, scan.ID, []types.Subdomain{item}))
		}(i)
	}
	wg.Wait()

	got, err := store.GetSubdomains(ctx, scan.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertEndpointsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	items := []types.Endpoint{
		{
			URL:          "https://example.com/login",
			StatusCode:   200,
			Title:        "Login",
			Headers:      map[string]string{"Server": "nginx"},
			Fingerprints: []string{"nginx", "php"},
			Evidence:     map[string]any{"redirects": float64(2)},
		},
	}
	require.NoError(t, store.UpsertEndpoints(ctx, scan.ID, items))
	require.NoError(t, store.UpsertEndpoints(ctx, scan.ID, items))

	got, err := store.GetEndpoints(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 200, got[0].StatusCode)
	assert.Equal(t, map[string]string{"Server": "nginx"}, got[0].Headers)
	assert.Equal(t, []string{"nginx", "php"}, got[0].Fingerprints)
	assert.Equal(t, map[string]any{"redirects": float64(2)}, got[0].Evidence)
}

func TestUpsertPortFindingsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	item := types.PortFinding{
		Host: "example.com", Port: 22, Protocol: "tcp",
		State: "open", Service: "ssh",
	}
	require.NoError(t, store.UpsertPortFindings(ctx, scan.ID, []types.PortFinding{item}))

	item.Service = "openssh"
	item.RiskTags = []string{types.RiskTagHighRisk}
	require.NoError(t, store.UpsertPortFindings(ctx, scan.ID, []types.PortFinding{item}))

	got, err := store.GetPortFindings(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "openssh", got[0].Service)
	assert.Equal(t, []string{types.RiskTagHighRisk}, got[0].RiskTags)
}

func TestReplaceTLSResultSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	valid := true
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	first := types.TLSResult{
		Host:              "example.com",
		HasHTTPS:          true,
		SupportedVersions: []string{"TLS1.0", "TLS1.2"},
		WeakVersions:      []string{"TLS1.0"},
		CertValid:         &valid,
		CertExpiresAt:     &expires,
		CertIssuer:        "Example CA",
		Issues:            []string{"weak_tls_version_10"},
	}
	require.NoError(t, store.ReplaceTLSResult(ctx, scan.ID, first))

	// A rescan replaces the whole snapshot, including clearing fields.
	second := types.TLSResult{
		Host:              "example.com",
		HasHTTPS:          true,
		SupportedVersions: []string{"TLS1.2", "TLS1.3"},
	}
	require.NoError(t, store.ReplaceTLSResult(ctx, scan.ID, second))

	got, err := store.GetTLSResults(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"TLS1.2", "TLS1.3"}, got[0].SupportedVersions)
	assert.Empty(t, got[0].WeakVersions)
	assert.Empty(t, got[0].Issues)
	assert.Nil(t, got[0].CertValid)
	assert.Nil(t, got[0].CertExpiresAt)
}

func TestUpsertDirectoryFindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	items := []types.DirectoryFinding{
		{Host: "example.com", BaseURL: "https://example.com", Path: "/.git/config", StatusCode: 200, IssueType: types.DirIssueGitExposed},
		{Host: "example.com", BaseURL: "https://example.com", Path: "/.env", StatusCode: 200, IssueType: types.DirIssueEnvExposed},
	}
	require.NoError(t, store.UpsertDirectoryFindings(ctx, scan.ID, items))
	require.NoError(t, store.UpsertDirectoryFindings(ctx, scan.ID, items[:1]))

	got, err := store.GetDirectoryFindings(ctx, scan.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestInsertVulnerabilitiesAcceptsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	// No natural key on vulnerability findings: identical rows accumulate.
	item := types.VulnerabilityFinding{
		Host:          "example.com",
		URL:           "https://example.com/login",
		OWASPCategory: types.OWASPBrokenAccessControl,
		Title:         "IDOR on profile endpoint",
		Severity:      types.LevelHigh,
		Confidence:    types.LevelMedium,
	}
	require.NoError(t, store.InsertVulnerabilities(ctx, scan.ID, []types.VulnerabilityFinding{item}))
	require.NoError(t, store.InsertVulnerabilities(ctx, scan.ID, []types.VulnerabilityFinding{item}))

	got, err := store.GetVulnerabilities(ctx, scan.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCountFindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	require.NoError(t, store.UpsertSubdomains(ctx, scan.ID, []types.Subdomain{
		{Name: "www.example.com", Alive: true},
		{Name: "mail.example.com"},
	}))
	require.NoError(t, store.UpsertPortFindings(ctx, scan.ID, []types.PortFinding{
		{Host: "example.com", Port: 443, Protocol: "tcp", State: "open"},
	}))

	counts, err := store.CountFindings(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Subdomains)
	assert.Equal(t, 1, counts.AliveSubdomains)
	assert.Equal(t, 1, counts.PortFindings)
	assert.Equal(t, 0, counts.Endpoints)
	assert.Equal(t, 0, counts.Vulnerabilities)
}

func TestDeleteScanCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scan := createTestScan(t, store, "alice")

	require.NoError(t, store.UpsertSubdomains(ctx, scan.ID, []types.Subdomain{{Name: "www.example.com"}}))
	require.NoError(t, store.DeleteScan(ctx, scan.ID))

	_, err := store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	subs, err := store.GetSubdomains(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	assert.ErrorIs(t, store.DeleteScan(ctx, scan.ID), core.ErrNotFound)
}

func TestSQLiteForeignKeysDSN(t *testing.T) {
	assert.Equal(t, "revulnera.db?_fk=1", sqliteForeignKeysDSN("revulnera.db"))
	assert.Equal(t, "file:test?mode=memory&_fk=1", sqliteForeignKeysDSN("file:test?mode=memory"))
	assert.Equal(t, "file:test?_fk=0", sqliteForeignKeysDSN("file:test?_fk=0"))
	assert.Equal(t, "file:test?_foreign_keys=on", sqliteForeignKeysDSN("file:test?_foreign_keys=on"))
}

func TestForeignKeysEnforcedOnEveryConnection(t *testing.T) {
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	// A pool wider than one connection. The DSN does not ask for foreign
	// keys; NewStore has to turn them on for each connection it opens.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := NewStore(config.DatabaseConfig{
		Driver:         "sqlite3",
		DSN:            dsn,
		MaxConnections: 4,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		err := store.UpsertSubdomains(ctx, "no-such-scan", []types.Subdomain{
			{Name: fmt.Sprintf("host%d.example.com", i)},
		})
		require.Error(t, err)
	}
}
