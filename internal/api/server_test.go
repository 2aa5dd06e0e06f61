package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetbot/valet/internal/events"
	"github.com/valetbot/valet/internal/stats"
	"github.com/valetbot/valet/internal/store"
)

type fixedInflight int

func (f fixedInflight) InflightCount() int { return int(f) }

func newTestServer(t *testing.T, apiKey string) (*Server, *events.Hub, *store.Store) {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	sts, err := stats.New(db, "UTC")
	require.NoError(t, err)

	hub := events.NewHub(32)
	return New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, sts, fixedInflight(2), hub), hub, st
}

func seedExecution(t *testing.T, st *store.Store, status store.ExecStatus, cost float64) string {
	t.Helper()
	ctx := context.Background()
	conv, err := st.GetOrCreateConversation(ctx, store.ThreadKey{ChannelID: "C1", ThreadID: "T1"}, "u1")
	require.NoError(t, err)
	id, err := st.CreateExecution(ctx, conv.ID, "test-model", "prompt")
	require.NoError(t, err)
	require.NoError(t, st.MarkExecutionRunning(ctx, id))
	require.NoError(t, st.SettleExecution(ctx, id, store.Settlement{Status: status, CostUSD: cost}))
	return id
}

func TestHealthzNoAuth(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Inflight)
}

func TestMetricsNoAuth(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	router := s.setupRoutes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/daily", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stats/daily", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/stats/daily", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledWithEmptyKey(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/daily", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsDaily(t *testing.T) {
	s, _, st := newTestServer(t, "")
	seedExecution(t, st, store.ExecCompleted, 0.40)
	seedExecution(t, st, store.ExecFailed, 0.10)

	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/daily", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stats.DayTotals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Executions)
	assert.Equal(t, 1, resp.Completed)
	assert.InDelta(t, 0.50, resp.CostUSD, 1e-9)
}

func TestStatsDailyRejectsBadDate(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/daily?date=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionsFilter(t *testing.T) {
	s, _, st := newTestServer(t, "")
	seedExecution(t, st, store.ExecCompleted, 0.40)
	wantID := seedExecution(t, st, store.ExecTimeout, 0.10)

	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executions?status=timeout", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var execs []stats.ExecutionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, wantID, execs[0].ID)
}

func TestExecutionsEmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestEventsStreamReplaysBuffer(t *testing.T) {
	s, hub, _ := newTestServer(t, "")
	hub.Publish(events.TypeExecutionStarted, map[string]any{"execution_id": "e1"})

	srv := httptest.NewServer(s.setupRoutes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for range 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: "+events.TypeExecutionStarted, lines[1])
	assert.Contains(t, lines[2], `"execution_id":"e1"`)
}
