package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"

	"hls-cors-proxy/internal/client"
	"hls-cors-proxy/internal/middleware"
	"hls-cors-proxy/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger, nil)

	proxy := NewProxyHandler(svc, cfg, logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	e.Use(middleware.CORS())
	RegisterRoutes(e, proxy, health)

	target := url.QueryEscape(upstream.URL + "/seg0.ts")

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /api/proxy", http.MethodGet, "/api/proxy?url=" + target, http.StatusOK},
		{"OPTIONS /api/proxy", http.MethodOptions, "/api/proxy", http.StatusNoContent},
		{"POST /api/proxy rejected", http.MethodPost, "/api/proxy", http.StatusMethodNotAllowed},
		{"GET /api/proxy without url", http.MethodGet, "/api/proxy", http.StatusBadRequest},
		{"GET /unknown", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
			}
		})
	}
}
