// Package httpapi serves the runtime's admin surface: health and readiness,
// component lifecycle states, recent change events, action progress and
// Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/insight_runtime/internal/engine/actions"
	"github.com/R3E-Network/insight_runtime/internal/engine/events"
	"github.com/R3E-Network/insight_runtime/internal/engine/state"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

const defaultEventLimit = 50

// ComponentStatus is one row of GET /components.
type ComponentStatus struct {
	Token string       `json:"token,omitempty"`
	Name  string       `json:"name"`
	State state.Status `json:"state"`
}

// Runtime is what the admin surface reads from.
type Runtime interface {
	Ready() bool
	Components() []ComponentStatus
	RecentEvents(category events.Category, n int) []events.ChangeEvent
	Progress(category events.Category) (actions.Progress, bool)
}

// Options configures the handler.
type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *logger.Logger

	// AuditSize bounds the in-memory request log. AuditFile, when set,
	// also appends every entry to that file as JSON lines.
	AuditSize int
	AuditFile string

	// RequestsPerSecond limits each client. Zero disables limiting.
	RequestsPerSecond int
	Burst             int
}

type handler struct {
	rt    Runtime
	audit *auditLog
}

// Handler is the admin router. Close releases the audit file.
type Handler struct {
	http.Handler
	audit *auditLog
}

// Close stops appending to the audit file. The in-memory log keeps working.
func (h *Handler) Close() error { return h.audit.close() }

// NewHandler returns the admin router.
func NewHandler(rt Runtime, opts Options) *Handler {
	log := logger.OrDefault(opts.Logger, "admin-http")
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		log.WithError(err).Warn("audit file unavailable; keeping the request log in memory only")
		sink = nil
	}
	h := &handler{rt: rt, audit: newAuditLog(opts.AuditSize, sink)}

	r := mux.NewRouter()
	r.Use(accessLog(log, h.audit))
	if opts.RequestsPerSecond > 0 {
		r.Use(newRateLimiter(opts.RequestsPerSecond, opts.Burst, log).handler)
	}

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ready).Methods(http.MethodGet)
	r.HandleFunc("/components", h.components).Methods(http.MethodGet)
	r.HandleFunc("/events", h.events).Methods(http.MethodGet)
	r.HandleFunc("/actions/{category}/progress", h.progress).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	return &Handler{Handler: r, audit: h.audit}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) ready(w http.ResponseWriter, _ *http.Request) {
	if !h.rt.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handler) components(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Components())
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	n, ok := parseLimit(w, r.URL.Query().Get("n"), defaultEventLimit)
	if !ok {
		return
	}
	category := events.Category(r.URL.Query().Get("category"))
	evts := h.rt.RecentEvents(category, n)
	if evts == nil {
		evts = []events.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	category := events.Category(mux.Vars(r)["category"])
	p, ok := h.rt.Progress(category)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run recorded for " + string(category)})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"), 0)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func parseLimit(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
