package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// StateReader exposes the in-memory latest signal states.
type StateReader interface {
	Get(key domain.InstrumentKey) (domain.SignalState, bool)
	List() []domain.SignalState
}

// StateHistory loads the last persisted state when memory has none, for
// example right after a restart.
type StateHistory interface {
	Latest(ctx context.Context, key domain.InstrumentKey) (domain.SignalState, error)
}

// levelSummary is one row of GET /api/levels.
type levelSummary struct {
	Instrument  string           `json:"instrument"`
	Time        time.Time        `json:"time"`
	Price       float64          `json:"price"`
	State       domain.FlowState `json:"state"`
	Levels      int              `json:"levels"`
	Absorptions int              `json:"absorptions"`
}

// LevelsHandler serves verified levels, pressure and absorption state.
type LevelsHandler struct {
	states  StateReader
	history StateHistory
	logger  *slog.Logger
}

// NewLevelsHandler creates a LevelsHandler. history may be nil.
func NewLevelsHandler(states StateReader, history StateHistory, logger *slog.Logger) *LevelsHandler {
	return &LevelsHandler{states: states, history: history, logger: logHandler(logger, "levels")}
}

// ListLevels returns a summary per instrument with a current state.
// GET /api/levels?limit=N
func (h *LevelsHandler) ListLevels(w http.ResponseWriter, r *http.Request) {
	states := h.states.List()
	limit := intQuery(r, "limit", 500, 5000)
	if len(states) > limit {
		states = states[:limit]
	}
	out := make([]levelSummary, 0, len(states))
	for _, st := range states {
		out = append(out, levelSummary{
			Instrument:  st.Key().String(),
			Time:        st.Time,
			Price:       st.Price,
			State:       st.State,
			Levels:      len(st.Levels),
			Absorptions: len(st.Absorptions),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLevels returns the full latest state of one instrument. ?top=K trims
// the level list.
// GET /api/levels/{segment}/{id}
func (h *LevelsHandler) GetLevels(w http.ResponseWriter, r *http.Request) {
	key, err := instrumentParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, ok := h.states.Get(key)
	if !ok && h.history != nil {
		st, err = h.history.Latest(r.Context(), key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			h.logger.Error("load persisted state", slog.String("instrument", key.String()), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to load state")
			return
		default:
			ok = true
		}
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no state for "+key.String())
		return
	}

	if top := intQuery(r, "top", 0, len(st.Levels)); top > 0 && top < len(st.Levels) {
		st.Levels = st.Levels[:top]
	}
	writeJSON(w, http.StatusOK, st)
}
