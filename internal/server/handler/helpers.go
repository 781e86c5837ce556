// Package handler implements the read-only HTTP API over ingestion status
// and the latest depth signal states.
package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/depthfeed/internal/domain"
)

// writeJSON marshals v and writes it with status. A marshal failure
// becomes a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// instrumentParam reads the {segment} and {id} path values.
func instrumentParam(r *http.Request) (domain.InstrumentKey, error) {
	seg, err := domain.ParseSegment(r.PathValue("segment"))
	if err != nil {
		return domain.InstrumentKey{}, err
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return domain.InstrumentKey{}, fmt.Errorf("invalid security id %q", r.PathValue("id"))
	}
	return domain.InstrumentKey{Segment: seg, SecurityID: uint32(id)}, nil
}

// intQuery returns a positive integer query parameter or def, capped at ceiling.
func intQuery(r *http.Request, name string, def, ceiling int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, ceiling)
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
