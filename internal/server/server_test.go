package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/server/handler"
)

type emptyStates struct{}

func (emptyStates) Get(domain.InstrumentKey) (domain.SignalState, bool) { return domain.SignalState{}, false }
func (emptyStates) List() []domain.SignalState { return nil }

func TestRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(Config{APIKey: "k"}, Handlers{
		Health:  handler.NewHealthHandler("depth", logger),
		Levels:  handler.NewLevelsHandler(emptyStates{}, nil, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}, logger)

	cases := []struct {
		method, path, key string
		want              int
	}{
		{http.MethodGet, "/api/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/levels", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/levels", "k", http.StatusOK},
		{http.MethodGet, "/api/levels/NSE_FNO/52175", "k", http.StatusNotFound},
		{http.MethodPost, "/api/levels", "k", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/sessions/depth/subscriptions", "k", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.key != "" {
				r.Header.Set("X-API-Key", tc.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{Port: 0}, Handlers{Health: handler.NewHealthHandler("ticks", logger)}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, time.Second) }()
	cancel()
	assert.NoError(t, <-done)
}
