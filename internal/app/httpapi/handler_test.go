package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/insight_runtime/internal/engine/actions"
	"github.com/R3E-Network/insight_runtime/internal/engine/events"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

type fakeRuntime struct {
	ready      bool
	components []ComponentStatus
	events     []events.ChangeEvent
	progress   map[events.Category]actions.Progress

	gotCategory events.Category
	gotN        int
}

func (f *fakeRuntime) Ready() bool                   { return f.ready }
func (f *fakeRuntime) Components() []ComponentStatus { return f.components }

func (f *fakeRuntime) RecentEvents(category events.Category, n int) []events.ChangeEvent {
	f.gotCategory, f.gotN = category, n
	return f.events
}

func (f *fakeRuntime) Progress(category events.Category) (actions.Progress, bool) {
	p, ok := f.progress[category]
	return p, ok
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestHandler(rt Runtime, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return NewHandler(rt, opts)
}

func TestHealthAndReadiness(t *testing.T) {
	rt := &fakeRuntime{}
	h := newTestHandler(rt, Options{})

	assert.Equal(t, http.StatusOK, serve(t, h, "/healthz").Code)

	rec := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "initializing")

	rt.ready = true
	rec = serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestComponents(t *testing.T) {
	rt := &fakeRuntime{components: []ComponentStatus{
		{Name: "app-init", State: state.StatusInitialized},
		{Token: "IDataProvider", Name: "memory-provider", State: state.StatusInitializing},
	}}
	rec := serve(t, newTestHandler(rt, Options{}), "/components")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "app-init", got[0]["name"])
	assert.Empty(t, got[0]["token"])
	assert.Equal(t, "initialized", got[0]["state"])
	assert.Equal(t, "IDataProvider", got[1]["token"])
	assert.Equal(t, "initializing", got[1]["state"])
}

func TestEvents(t *testing.T) {
	rt := &fakeRuntime{events: []events.ChangeEvent{{
		ID:        "evt-1",
		Category:  events.CategoryLogout,
		Origin:    events.OriginUser,
		Timestamp: time.Now(),
	}}}
	h := newTestHandler(rt, Options{})

	rec := serve(t, h, "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultEventLimit, rt.gotN)
	assert.Equal(t, events.Category(""), rt.gotCategory)

	var got []events.ChangeEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].ID)

	rec = serve(t, h, "/events?category=LOGOUT&n=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, events.CategoryLogout, rt.gotCategory)
	assert.Equal(t, 3, rt.gotN)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, "/events?n=lots").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, h, "/events?n=-1").Code)
}

func TestEventsEmptyListIsArray(t *testing.T) {
	rec := serve(t, newTestHandler(&fakeRuntime{}, Options{}), "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestProgress(t *testing.T) {
	rt := &fakeRuntime{progress: map[events.Category]actions.Progress{
		events.CategoryUserProfileRefresh: {
			ID:               "run-1",
			Category:         events.CategoryUserProfileRefresh,
			Status:           actions.RunCompleted,
			TotalActions:     1,
			CompletedActions: 1,
		},
	}}
	h := newTestHandler(rt, Options{})

	rec := serve(t, h, "/actions/"+string(events.CategoryUserProfileRefresh)+"/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var got actions.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, actions.RunCompleted, got.Status)

	assert.Equal(t, http.StatusNotFound, serve(t, h, "/actions/LOGOUT/progress").Code)
}

func TestMetricsRoute(t *testing.T) {
	h := newTestHandler(&fakeRuntime{}, Options{})
	assert.Equal(t, http.StatusNotFound, serve(t, h, "/metrics").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("insight_up 1\n"))
	})
	h = newTestHandler(&fakeRuntime{}, Options{Metrics: metrics})
	rec := serve(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "insight_up 1")
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(&fakeRuntime{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/components", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuditRecordsRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	h := newTestHandler(&fakeRuntime{}, Options{AuditSize: 2, AuditFile: path})

	serve(t, h, "/healthz")
	serve(t, h, "/readyz")
	serve(t, h, "/actions/LOGOUT/progress")

	rec := serve(t, h, "/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []auditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "/readyz", entries[0].Path)
	assert.Equal(t, http.StatusServiceUnavailable, entries[0].Status)
	assert.Equal(t, "/actions/{category}/progress", entries[1].Route)
	assert.Equal(t, http.StatusNotFound, entries[1].Status)

	rec = serve(t, h, "/audit?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "/audit", entries[0].Path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 5)
}

func TestCloseReleasesAuditFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	h := NewHandler(&fakeRuntime{}, Options{Logger: logger.NewNop(), AuditFile: path})

	serve(t, h, "/healthz")
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	serve(t, h, "/healthz")
	rec := serve(t, h, "/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []auditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "\n"))
}

func TestRateLimitPerClient(t *testing.T) {
	h := newTestHandler(&fakeRuntime{}, Options{RequestsPerSecond: 1, Burst: 2})

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:5000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:5002"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:5000"))
}
