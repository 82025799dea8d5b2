package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/pkg/types"
)

type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.Store, error) {
	log = log.WithComponent("database")

	if cfg.Driver == "sqlite3" {
		cfg.DSN = sqliteForeignKeysDSN(cfg.DSN)
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Database store initialized",
		"driver", cfg.Driver,
		"max_connections", cfg.MaxConnections,
	)

	return store, nil
}

// sqliteForeignKeysDSN makes sure every pooled connection opens with
// foreign keys enabled. The pragma is per-connection, so setting it once
// after connect would leave the rest of the pool with cascades off.
func sqliteForeignKeysDSN(dsn string) string {
	if strings.Contains(dsn, "_fk=") || strings.Contains(dsn, "_foreign_keys=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_fk=1"
	}
	return dsn + "?_fk=1"
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// --- scans ---

func (s *Store) CreateScan(ctx context.Context, scan *types.Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	scan.CreatedAt = now
	scan.UpdatedAt = now
	if scan.Status == "" {
		scan.Status = types.ScanStatusPending
	}

	query := `
		INSERT INTO scans (id, target, status, owner_id, error_message, created_at, updated_at)
		VALUES (:id, :target, :status, :owner_id, :error_message, :created_at, :updated_at)
	`
	_, err := s.db.NamedExecContext(ctx, query, scan)
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}

	s.logger.WithScanID(scan.ID).Debugw("Scan created",
		"target", scan.Target,
		"owner_id", scan.OwnerID,
	)
	return nil
}

func (s *Store) GetScan(ctx context.Context, scanID string) (*types.Scan, error) {
	var scan types.Scan
	query := s.db.Rebind(`
		SELECT id, target, status, owner_id, error_message, created_at, updated_at
		FROM scans WHERE id = ?
	`)
	err := s.db.GetContext(ctx, &scan, query, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return &scan, nil
}

func (s *Store) ListScans(ctx context.Context, filter core.ScanFilter) ([]*types.Scan, error) {
	query := `
		SELECT id, target, status, owner_id, error_message, created_at, updated_at
		FROM scans WHERE 1=1
	`
	args := []interface{}{}

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if cutoff, ok := sinceCutoff(filter.Since); ok {
		query += " AND created_at >= ?"
		args = append(args, cutoff)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	scans := []*types.Scan{}
	if err := s.db.SelectContext(ctx, &scans, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return scans, nil
}

func sinceCutoff(window string) (time.Time, bool) {
	now := time.Now().UTC()
	switch window {
	case "7days":
		return now.AddDate(0, 0, -7), true
	case "30days":
		return now.AddDate(0, 0, -30), true
	}
	return time.Time{}, false
}

// TransitionScan is a conditional update: the status only changes when the
// current status is one of from. With two racing writers exactly one sees
// rows_affected=1; the loser gets ErrInvalidTransition, never a silent
// overwrite of a terminal state.
func (s *Store) TransitionScan(ctx context.Context, scanID string, from []types.ScanStatus, to types.ScanStatus, errorMessage string) (*types.Scan, error) {
	query, args, err := sqlx.In(`
		UPDATE scans SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?)
	`, to, errorMessage, time.Now().UTC(), scanID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to build transition query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition scan: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish unknown scan from an illegal transition.
		if _, err := s.GetScan(ctx, scanID); err != nil {
			return nil, err
		}
		return nil, core.ErrInvalidTransition
	}

	return s.GetScan(ctx, scanID)
}

func (s *Store) DeleteScan(ctx context.Context, scanID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM scans WHERE id = ?`), scanID)
	if err != nil {
		return fmt.Errorf("failed to delete scan: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// --- subdomains ---

func (s *Store) UpsertSubdomains(ctx context.Context, scanID string, items []types.Subdomain) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO subdomains (scan_id, name, ips, ip, alive, error_msg)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (scan_id, name) DO UPDATE SET
				ips = excluded.ips,
				ip = excluded.ip,
				alive = excluded.alive,
				error_msg = excluded.error_msg
		`)
		for _, it := range items {
			ipsJSON, err := json.Marshal(orEmptyList(it.IPs))
			if err != nil {
				return fmt.Errorf("failed to marshal ips: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, scanID, it.Name, string(ipsJSON), it.IP, it.Alive, it.ErrorMsg); err != nil {
				return fmt.Errorf("failed to upsert subdomain %q: %w", it.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) GetSubdomains(ctx context.Context, scanID string) ([]types.Subdomain, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT scan_id, name, ips, ip, alive, error_msg
		FROM subdomains WHERE scan_id = ? ORDER BY name
	`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subdomains: %w", err)
	}
	defer rows.Close()

	items := []types.Subdomain{}
	for rows.Next() {
		var it types.Subdomain
		var ipsJSON string
		if err := rows.Scan(&it.ScanID, &it.Name, &ipsJSON, &it.IP, &it.Alive, &it.ErrorMsg); err != nil {
			return nil, fmt.Errorf("failed to scan subdomain row: %w", err)
		}
		if err := json.Unmarshal([]byte(ipsJSON), &it.IPs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ips: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- endpoints ---

func (s *Store) UpsertEndpoints(ctx context.Context, scanID string, items []types.Endpoint) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO endpoints (scan_id, url, status_code, title, headers, fingerprints, evidence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scan_id, url) DO UPDATE SET
				status_code = excluded.status_code,
				title = excluded.title,
				headers = excluded.headers,
				fingerprints = excluded.fingerprints,
				evidence = excluded.evidence
		`)
		for _, it := range items {
			headersJSON, err := json.Marshal(orEmptyMap(it.Headers))
			if err != nil {
				return fmt.Errorf("failed to marshal headers: %w", err)
			}
			fpJSON, err := json.Marshal(orEmptyList(it.Fingerprints))
			if err != nil {
				return fmt.Errorf("failed to marshal fingerprints: %w", err)
			}
			evJSON, err := json.Marshal(orEmptyAnyMap(it.Evidence))
			if err != nil {
				return fmt.Errorf("failed to marshal evidence: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, scanID, it.URL, it.StatusCode, it.Title,
				string(headersJSON), string(fpJSON), string(evJSON)); err != nil {
				return fmt.Errorf("failed to upsert endpoint %q: %w", it.URL, err)
			}
		}
		return nil
	})
}

func (s *Store) GetEndpoints(ctx context.Context, scanID string) ([]types.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT scan_id, url, status_code, title, headers, fingerprints, evidence
		FROM endpoints WHERE scan_id = ? ORDER BY url
	`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	items := []types.Endpoint{}
	for rows.Next() {
		var it types.Endpoint
		var headersJSON, fpJSON, evJSON string
		if err := rows.Scan(&it.ScanID, &it.URL, &it.StatusCode, &it.Title, &headersJSON, &fpJSON, &evJSON); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}
		if err := json.Unmarshal([]byte(headersJSON), &it.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
		if err := json.Unmarshal([]byte(fpJSON), &it.Fingerprints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fingerprints: %w", err)
		}
		if err := json.Unmarshal([]byte(evJSON), &it.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- port findings ---

func (s *Store) UpsertPortFindings(ctx context.Context, scanID string, items []types.PortFinding) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO port_findings (scan_id, host, port, protocol, ip, state, service, product, version, banner, risk_tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scan_id, host, port, protocol) DO UPDATE SET
				ip = excluded.ip,
				state = excluded.state,
				service = excluded.service,
				product = excluded.product,
				version = excluded.version,
				banner = excluded.banner,
				risk_tags = excluded.risk_tags
		`)
		for _, it := range items {
			tagsJSON, err := json.Marshal(orEmptyList(it.RiskTags))
			if err != nil {
				return fmt.Errorf("failed to marshal risk tags: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, scanID, it.Host, it.Port, it.Protocol,
				it.IP, it.State, it.Service, it.Product, it.Version, it.Banner, string(tagsJSON)); err != nil {
				return fmt.Errorf("failed to upsert port finding %s:%d: %w", it.Host, it.Port, err)
			}
		}
		return nil
	})
}

func (s *Store) GetPortFindings(ctx context.Context, scanID string) ([]types.PortFinding, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT scan_id, host, port, protocol, ip, state, service, product, version, banner, risk_tags
		FROM port_findings WHERE scan_id = ? ORDER BY host, port
	`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query port findings: %w", err)
	}
	defer rows.Close()

	items := []types.PortFinding{}
	for rows.Next() {
		var it types.PortFinding
		var tagsJSON string
		if err := rows.Scan(&it.ScanID, &it.Host, &it.Port, &it.Protocol, &it.IP, &it.State,
			&it.Service, &it.Product, &it.Version, &it.Banner, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan port finding row: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &it.RiskTags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk tags: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- tls results ---

func (s *Store) ReplaceTLSResult(ctx context.Context, scanID string, result types.TLSResult) error {
	supportedJSON, err := json.Marshal(orEmptyList(result.SupportedVersions))
	if err != nil {
		return fmt.Errorf("failed to marshal supported versions: %w", err)
	}
	weakJSON, err := json.Marshal(orEmptyList(result.WeakVersions))
	if err != nil {
		return fmt.Errorf("failed to marshal weak versions: %w", err)
	}
	issuesJSON, err := json.Marshal(orEmptyList(result.Issues))
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	// Full snapshot replace: every column is overwritten, not merged.
	query := s.db.Rebind(`
		INSERT INTO tls_results (scan_id, host, has_https, supported_versions, weak_versions, cert_valid, cert_expires_at, cert_issuer, issues)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scan_id, host) DO UPDATE SET
			has_https = excluded.has_https,
			supported_versions = excluded.supported_versions,
			weak_versions = excluded.weak_versions,
			cert_valid = excluded.cert_valid,
			cert_expires_at = excluded.cert_expires_at,
			cert_issuer = excluded.cert_issuer,
			issues = excluded.issues
	`)
	_, err = s.db.ExecContext(ctx, query, scanID, result.Host, result.HasHTTPS,
		string(supportedJSON), string(weakJSON), result.CertValid, result.CertExpiresAt,
		result.CertIssuer, string(issuesJSON))
	if err != nil {
		return fmt.Errorf("failed to replace tls result for %q: %w", result.Host, err)
	}
	return nil
}

func (s *Store) GetTLSResults(ctx context.Context, scanID string) ([]types.TLSResult, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT scan_id, host, has_https, supported_versions, weak_versions, cert_valid, cert_expires_at, cert_issuer, issues
		FROM tls_results WHERE scan_id = ? ORDER BY host
	`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tls results: %w", err)
	}
	defer rows.Close()

	items := []types.TLSResult{}
	for rows.Next() {
		var it types.TLSResult
		var supportedJSON, weakJSON, issuesJSON string
		if err := rows.Scan(&it.ScanID, &it.Host, &it.HasHTTPS, &supportedJSON, &weakJSON,
			&it.CertValid, &it.CertExpiresAt, &it.CertIssuer, &issuesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan tls result row: %w", err)
		}
		if err := json.Unmarshal([]byte(supportedJSON), &it.SupportedVersions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal supported versions: %w", err)
		}
		if err := json.Unmarshal([]byte(weakJSON), &it.WeakVersions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weak versions: %w", err)
		}
		if err := json.Unmarshal([]byte(issuesJSON), &it.Issues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal issues: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- directory findings ---

func (s *Store) UpsertDirectoryFindings(ctx context.Context, scanID string, items []types.DirectoryFinding) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO directory_findings (scan_id, host, base_url, path, status_code, issue_type, evidence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scan_id, host, path) DO UPDATE SET
				base_url = excluded.base_url,
				status_code = excluded.status_code,
				issue_type = excluded.issue_type,
				evidence = excluded.evidence
		`)
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, query, scanID, it.Host, it.BaseURL, it.Path,
				it.StatusCode, it.IssueType, it.Evidence); err != nil {
				return fmt.Errorf("failed to upsert directory finding %s%s: %w", it.Host, it.Path, err)
			}
		}
		return nil
	})
}

func (s *Store) GetDirectoryFindings(ctx context.Context, scanID string) ([]types.DirectoryFinding, error) {
	items := []types.DirectoryFinding{}
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT scan_id, host, base_url, path, status_code, issue_type, evidence
		FROM directory_findings WHERE scan_id = ? ORDER BY host, path
	`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query directory findings: %w", err)
	}
	return items, nil
}

// --- vulnerability findings ---

func (s *Store) InsertVulnerabilities(ctx context.Context, scanID string, items []types.VulnerabilityFinding) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO vulnerability_findings (id, scan_id, host, url, owasp_category, title, severity, confidence, evidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		for _, it := range items {
			evJSON, err := json.Marshal(orEmptyAnyMap(it.Evidence))
			if err != nil {
				return fmt.Errorf("failed to marshal evidence: %w", err)
			}
			createdAt := it.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx, query, uuid.New().String(), scanID, it.Host, it.URL,
				string(it.OWASPCategory), it.Title, string(it.Severity), string(it.Confidence),
				string(evJSON), createdAt); err != nil {
				return fmt.Errorf("failed to insert vulnerability finding: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetVulnerabilities(ctx context.Context, scanID string) ([]types.VulnerabilityFinding, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT scan_id, host, url, owasp_category, title, severity, confidence, evidence, created_at
		FROM vulnerability_findings WHERE scan_id = ? ORDER BY created_at
	`), scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vulnerability findings: %w", err)
	}
	defer rows.Close()

	items := []types.VulnerabilityFinding{}
	for rows.Next() {
		var it types.VulnerabilityFinding
		var evJSON string
		if err := rows.Scan(&it.ScanID, &it.Host, &it.URL, &it.OWASPCategory, &it.Title,
			&it.Severity, &it.Confidence, &evJSON, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability row: %w", err)
		}
		if err := json.Unmarshal([]byte(evJSON), &it.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- counts ---

func (s *Store) CountFindings(ctx context.Context, scanID string) (*types.FindingCounts, error) {
	counts := &types.FindingCounts{}
	queries := []struct {
		dst   *int
		query string
	}{
		{&counts.Subdomains, `SELECT COUNT(*) FROM subdomains WHERE scan_id = ?`},
		{&counts.AliveSubdomains, `SELECT COUNT(*) FROM subdomains WHERE scan_id = ? AND alive`},
		{&counts.Endpoints, `SELECT COUNT(*) FROM endpoints WHERE scan_id = ?`},
		{&counts.PortFindings, `SELECT COUNT(*) FROM port_findings WHERE scan_id = ?`},
		{&counts.TLSResults, `SELECT COUNT(*) FROM tls_results WHERE scan_id = ?`},
		{&counts.DirectoryFindings, `SELECT COUNT(*) FROM directory_findings WHERE scan_id = ?`},
		{&counts.Vulnerabilities, `SELECT COUNT(*) FROM vulnerability_findings WHERE scan_id = ?`},
	}
	for _, q := range queries {
		if err := s.db.GetContext(ctx, q.dst, s.db.Rebind(q.query), scanID); err != nil {
			return nil, fmt.Errorf("failed to count findings: %w", err)
		}
	}
	return counts, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func orEmptyList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptyMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func orEmptyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
