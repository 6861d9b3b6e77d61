package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deskrelay/deskrelay/pkg/observability"
)

func TestReadyzReportsBackendFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		ready ReadyFunc
		code  int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"down", func(context.Context) error { return errors.New("redis down") }, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mux := NewMux("relay", nil, tc.ready)
			res := httptest.NewRecorder()
			mux.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if res.Code != tc.code {
				t.Fatalf("expected %d got %d", tc.code, res.Code)
			}
		})
	}
}

func TestMetricsIncludesRelayCounters(t *testing.T) {
	t.Parallel()
	m := observability.NewMetrics()
	m.SessionsAccepted.Add(2)
	mux := NewMux("relay", m, nil)
	res := httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(res.Body.String(), `deskrelay_sessions_accepted_total{service="relay"} 2`) {
		t.Fatalf("relay counters missing:\n%s", res.Body.String())
	}
}
