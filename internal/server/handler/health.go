package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Probe reports the live statistics of one component.
type Probe func() any

// Check verifies a dependency such as the database.
type Check func(ctx context.Context) error

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	mode    string
	started time.Time
	probes  map[string]Probe
	checks  map[string]Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler for the given run mode.
func NewHealthHandler(mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:    mode,
		started: time.Now().UTC(),
		probes:  map[string]Probe{},
		checks:  map[string]Check{},
		timeout: 2 * time.Second,
		logger:  logHandler(logger, "health"),
	}
}

// AddProbe registers a component whose stats appear in the response.
func (h *HealthHandler) AddProbe(name string, p Probe) *HealthHandler {
	h.probes[name] = p
	return h
}

// AddCheck registers a dependency check. Any failing check turns the
// response into 503.
func (h *HealthHandler) AddCheck(name string, c Check) *HealthHandler {
	h.checks[name] = c
	return h
}

// HealthCheck responds with component stats and dependency status.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for _, name := range sortedKeys(h.checks) {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", slog.String("check", name), slog.String("error", err.Error()))
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	components := make(map[string]any, len(h.probes))
	for name, p := range h.probes {
		components[name] = p()
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"mode":       h.mode,
		"uptime_s":   int64(time.Since(h.started).Seconds()),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"checks":     checks,
		"components": components,
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
