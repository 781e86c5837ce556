package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// maxInstrumentsPerRequest bounds one subscription change request.
const maxInstrumentsPerRequest = 1000

// Subscriber is a feed session whose instrument set can change at runtime.
type Subscriber interface {
	Subscriptions() []domain.InstrumentKey
	Subscribe(ctx context.Context, keys []domain.InstrumentKey) error
	Unsubscribe(ctx context.Context, keys []domain.InstrumentKey) error
}

type subscriptionRequest struct {
	Instruments []domain.InstrumentKey `json:"-"`
	Raw         []string               `json:"instruments"`
}

// SubscriptionHandler lists and changes the instruments of named sessions.
type SubscriptionHandler struct {
	sessions map[string]Subscriber
	logger   *slog.Logger
}

// NewSubscriptionHandler creates a handler over sessions keyed by name
// ("ticks", "depth").
func NewSubscriptionHandler(sessions map[string]Subscriber, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{sessions: sessions, logger: logHandler(logger, "subscriptions")}
}

// List returns the session's current instruments.
// GET /api/sessions/{name}/subscriptions
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	keys := s.Subscriptions()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": out})
}

// Add subscribes the session to more instruments.
// POST /api/sessions/{name}/subscriptions
func (h *SubscriptionHandler) Add(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "subscribe", func(ctx context.Context, s Subscriber, keys []domain.InstrumentKey) error {
		return s.Subscribe(ctx, keys)
	})
}

// Remove unsubscribes the session from instruments.
// DELETE /api/sessions/{name}/subscriptions
func (h *SubscriptionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "unsubscribe", func(ctx context.Context, s Subscriber, keys []domain.InstrumentKey) error {
		return s.Unsubscribe(ctx, keys)
	})
}

func (h *SubscriptionHandler) change(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, Subscriber, []domain.InstrumentKey) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Raw) == 0 || len(req.Raw) > maxInstrumentsPerRequest {
		writeError(w, http.StatusBadRequest, "instruments must list 1 to 1000 entries")
		return
	}
	for _, raw := range req.Raw {
		key, err := domain.ParseInstrumentKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Instruments = append(req.Instruments, key)
	}

	if err := fn(r.Context(), s, req.Instruments); err != nil {
		h.logger.Error(op+" failed", slog.String("session", r.PathValue("name")), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.logger.Info(op, slog.String("session", r.PathValue("name")), slog.Int("instruments", len(req.Instruments)))
	h.List(w, r)
}

func (h *SubscriptionHandler) session(w http.ResponseWriter, r *http.Request) (Subscriber, bool) {
	s, ok := h.sessions[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session "+r.PathValue("name"))
	}
	return s, ok
}
