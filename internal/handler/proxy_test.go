package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"hls-cors-proxy/internal/client"
	"hls-cors-proxy/internal/config"
	"hls-cors-proxy/internal/model"
	"hls-cors-proxy/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			UserAgent:       "test-agent/1.0",
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxRedirects:    5,
		},
		Proxy: config.ProxyConfig{
			DefaultReferer: "https://player.example.com/",
		},
	}
}

func newHandler(cfg *config.Config) *ProxyHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger, nil)
	return NewProxyHandler(svc, cfg, logger)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var body model.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	return body
}

func TestProxyHandler_RewritesPlaylist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Referer"); got != "https://player.example.com/" {
			t.Errorf("upstream Referer = %q, want default referer", got)
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\nseg0.ts\n"))
	}))
	defer upstream.Close()

	h := newHandler(testConfig())

	target := upstream.URL + "/videos/abc/index.m3u8"
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url="+url.QueryEscape(target), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	// httptest.NewRequest sets Host to example.com; the rewritten links
	// must be derived from it, not from the upstream address.
	body := rec.Body.String()
	if !strings.Contains(body, "http://example.com/api/proxy?url=") {
		t.Fatalf("rewritten links should target the proxy's own host, got:\n%s", body)
	}
	if !strings.Contains(body, url.QueryEscape(upstream.URL+"/videos/abc/seg0.ts")) {
		t.Fatalf("segment should resolve against the manifest directory, got:\n%s", body)
	}
}

func TestProxyHandler_MissingURL(t *testing.T) {
	h := newHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?referer=https%3A%2F%2Fx.example.com", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	body := decodeError(t, rec)
	if body.Error != "URL parameter is required" {
		t.Errorf("error = %q, want %q", body.Error, "URL parameter is required")
	}
}

func TestProxyHandler_UndecodableQuery(t *testing.T) {
	h := newHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=%zz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	body := decodeError(t, rec)
	if body.Error == "" || body.Message == "" {
		t.Errorf("expected error and underlying decode message, got %+v", body)
	}
}

func TestProxyHandler_RelativeURLRejected(t *testing.T) {
	h := newHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=videos%2Findex.m3u8", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProxyHandler_StrictRefererRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.StrictReferer = true
	h := newHandler(cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet,
		"/api/proxy?url="+url.QueryEscape("https://cdn.example.com/v/index.m3u8")+"&referer=not-absolute", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProxyHandler_PermissiveRefererAccepted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Referer"); got != "not-absolute" {
			t.Errorf("Referer = %q, want the raw permissive value", got)
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	h := newHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet,
		"/api/proxy?url="+url.QueryEscape(upstream.URL+"/seg0.ts")+"&referer=not-absolute", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestProxyHandler_Options(t *testing.T) {
	h := newHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodOptions, "/api/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("OPTIONS body should be empty, got %q", rec.Body.String())
	}
}

func TestProxyHandler_MethodNotAllowed(t *testing.T) {
	h := newHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	body := decodeError(t, rec)
	if len(body.AllowedMethods) != 2 || body.AllowedMethods[0] != http.MethodGet {
		t.Errorf("allowedMethods = %v, want [GET OPTIONS]", body.AllowedMethods)
	}
}

func TestProxyHandler_Upstream403PassedThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	h := newHandler(testConfig())
	target := upstream.URL + "/videos/abc/index.m3u8"

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url="+url.QueryEscape(target), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d (upstream status passthrough)", rec.Code, http.StatusForbidden)
	}
	body := decodeError(t, rec)
	if body.Status != http.StatusForbidden {
		t.Errorf("body.status = %d, want %d", body.Status, http.StatusForbidden)
	}
	if body.URL != target {
		t.Errorf("body.url = %q, want %q", body.URL, target)
	}
}

func TestProxyHandler_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	h := newHandler(cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url="+url.QueryEscape(upstream.URL+"/slow.m3u8"), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	body := decodeError(t, rec)
	if !strings.Contains(body.Error, "timeout") && !strings.Contains(body.Error, "timed out") {
		t.Errorf("error = %q, want gateway timeout indication", body.Error)
	}
}

func TestProxyHandler_mapError_DNSError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	pr := &model.ProxyRequest{TargetURL: &url.URL{Scheme: "https", Host: "cdn.example.com"}}
	dnsErr := &net.DNSError{Err: "no such host", Name: "cdn.example.com"}
	wrapped := fmt.Errorf("fetch upstream: %w", dnsErr)

	if err := h.mapError(c, pr, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeError(t, rec)
	if body.Error != "upstream host unreachable" {
		t.Errorf("error = %q, want %q", body.Error, "upstream host unreachable")
	}
}

func TestProxyHandler_mapError_URLError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	pr := &model.ProxyRequest{TargetURL: &url.URL{Scheme: "https", Host: "cdn.example.com"}}
	urlErr := &url.Error{Op: "Get", URL: "https://cdn.example.com/v", Err: fmt.Errorf("connection refused")}
	wrapped := fmt.Errorf("fetch upstream: %w", urlErr)

	if err := h.mapError(c, pr, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeError(t, rec)
	if body.Error != "upstream connection failed" {
		t.Errorf("error = %q, want %q", body.Error, "upstream connection failed")
	}
}
