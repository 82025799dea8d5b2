package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/database"
	"github.com/revulnera/revulnera/internal/events"
	"github.com/revulnera/revulnera/internal/ingest"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/internal/metrics"
	"github.com/revulnera/revulnera/internal/report"
	"github.com/revulnera/revulnera/internal/scans"
	"github.com/revulnera/revulnera/pkg/types"
)

const (
	aliceToken   = "token-alice"
	adminToken   = "token-admin"
	workerSecret = "wkr-secret"
)

type apiEnv struct {
	server *httptest.Server
	worker *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(worker.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Security.APIKeys = map[string]string{
		aliceToken: "alice",
		adminToken: "root:admin",
	}
	cfg.Security.WorkerSecret = workerSecret
	cfg.Worker.BaseURL = worker.URL
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.Database.MaxConnections = 1

	store, err := database.NewStore(cfg.Database, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sqlStore := store.(*database.Store)

	bus := events.NewMemoryBus(log)
	t.Cleanup(func() { bus.Close() })

	authz := core.NewAuthorizer()
	workerClient := scans.NewWorkerClient(cfg.Worker)
	scanSvc := scans.NewService(store, bus, workerClient, authz, cfg.Worker.CallbackBase, log)
	ingestSvc := ingest.NewService(store, bus, log)
	reports := report.NewAggregator(store, authz, log)

	handlers := NewHandlers(scanSvc, ingestSvc, reports, bus, log)
	router := NewRouter(cfg, handlers, sqlStore, log)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiEnv{server: server, worker: worker}
}

func (e *apiEnv) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *apiEnv) doWorker(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-Token", workerSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *apiEnv) startScan(t *testing.T, token string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/scans", token, `{"target":"example.com"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/scans", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/scans", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartScanLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	resp, body := env.do(t, http.MethodGet, "/api/v1/scans/"+id, aliceToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scan := body["scan"].(map[string]any)
	assert.Equal(t, string(types.ScanStatusRunning), scan["status"])
	assert.NotNil(t, body["findings"])
}

func TestStartScanRequiresTarget(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/scans", aliceToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanVisibilityScopedToOwner(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	// The admin sees it; a plain GET as another user would 404, and the
	// list for admin contains it.
	resp, _ := env.do(t, http.MethodGet, "/api/v1/scans/"+id, adminToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/v1/scans", adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["scans"], 1)
}

func TestWorkerIngestRequiresSecret(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	req, err := http.NewRequest(http.MethodPost,
		env.server.URL+"/api/v1/scans/"+id+"/ingest/subdomains",
		strings.NewReader(`{"items":[{"name":"www.example.com"}]}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkerIngestSubdomains(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	resp, body := env.doWorker(t, "/api/v1/scans/"+id+"/ingest/subdomains",
		`{"items":[{"name":"www.example.com","alive":true},{"name":""}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["count"])

	resp, body = env.doWorker(t, "/api/v1/scans/unknown/ingest/subdomains",
		`{"items":[{"name":"www.example.com"}]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = body
}

func TestWorkerIngestTLS(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	resp, body := env.doWorker(t, "/api/v1/scans/"+id+"/network/tls/ingest",
		`{"host":"example.com","has_https":true,"issues":["weak_tls_version_10"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["created"])
}

func TestWorkerStatusCallback(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	// Unrecognized status values are a 400, including CANCELLED which only
	// the caller-facing cancel endpoint may set.
	resp, _ := env.doWorker(t, "/api/v1/scans/"+id+"/status", `{"status":"EXPLODED"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.doWorker(t, "/api/v1/scans/"+id+"/status", `{"status":"CANCELLED"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.doWorker(t, "/api/v1/scans/"+id+"/status", `{"status":"COMPLETED"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	// A late FAILED report loses against the terminal state.
	resp, _ = env.doWorker(t, "/api/v1/scans/"+id+"/status", `{"status":"FAILED","error":"timeout"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelAfterCompletionConflicts(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	resp, _ := env.doWorker(t, "/api/v1/scans/"+id+"/status", `{"status":"COMPLETED"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/scans/"+id+"/cancel", aliceToken, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReportEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	resp, _ := env.doWorker(t, "/api/v1/scans/"+id+"/network/ports/ingest",
		`{"items":[{"host":"example.com","port":3389,"service":"rdp","risk_tags":["high-risk"]}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/v1/reports/scans/"+id, aliceToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	critical := body["criticalFindings"].([]any)
	require.Len(t, critical, 1)

	resp, body = env.do(t, http.MethodGet, "/api/v1/reports/scans?range=7days", aliceToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7days", body["range"])
	assert.Len(t, body["results"], 1)
}

func TestWebsocketSubscribe(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/v1/scans/" + id + "/subscribe?access_token=" + aliceToken

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello["type"])
	assert.Equal(t, id, hello["scan_id"])

	wsResp, _ := env.doWorker(t, "/api/v1/scans/"+id+"/ingest/subdomains",
		`{"items":[{"name":"www.example.com"}]}`)
	require.Equal(t, http.StatusOK, wsResp.StatusCode)

	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, string(types.EventSubdomains), event["type"])
	assert.Equal(t, id, event["scan_id"])
}

func TestWebsocketSubscriberGaugeCountsConnectionOnce(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startScan(t, aliceToken)

	before := testutil.ToFloat64(metrics.Subscribers)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/v1/scans/" + id + "/subscribe?access_token=" + aliceToken
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	// One connection, one subscriber. The bus owns the gauge.
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Subscribers))

	conn.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Subscribers) == before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketSubscribeUnknownScan(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/scans/unknown/subscribe?access_token="+aliceToken, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
