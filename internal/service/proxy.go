// Package service implements the core relay logic: fetch, rewrite decision,
// response assembly.
package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"hls-cors-proxy/internal/client"
	"hls-cors-proxy/internal/config"
	"hls-cors-proxy/internal/metrics"
	"hls-cors-proxy/internal/model"
	"hls-cors-proxy/internal/rewriter"
)

// UpstreamError is returned when the CDN answered with a failure status.
// It is not a proxy failure: the original status code, status text and
// target URL are passed through to the caller unchanged.
type UpstreamError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %s for %s", e.Status, e.URL)
}

// ProxyService relays a validated request to the CDN and assembles the
// client-facing response. It holds no per-request state; configuration is
// immutable after construction.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional;
// pass nil to disable rewrite metrics recording.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Relay performs the single outbound fetch and branches: playlist bodies
// are rewritten so every reference routes back through proxyBase, anything
// else passes through as raw bytes. The upstream status code is propagated
// in both branches; upstream statuses >= 400 surface as *UpstreamError.
func (s *ProxyService) Relay(pr *model.ProxyRequest, proxyBase string) (*model.RelayResult, error) {
	resp, err := s.client.Fetch(pr)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			URL:        pr.TargetURL.String(),
		}
	}

	if rewriter.IsPlaylist(resp.ContentType, pr.TargetURL) {
		res := rewriter.Rewrite(string(resp.Body), pr.TargetURL, proxyBase, pr.Referer)

		s.logger.Debug("playlist rewritten",
			"host", pr.TargetURL.Host,
			"references", res.References,
		)
		if s.metrics != nil {
			s.metrics.PlaylistsRewritten.Inc()
			s.metrics.ReferencesRewritten.Add(float64(res.References))
		}

		body := []byte(res.Body)
		return &model.RelayResult{
			StatusCode: resp.StatusCode,
			Header:     assembleHeaders(resp, pr.TargetURL.Path, len(body), true),
			Body:       body,
		}, nil
	}

	return &model.RelayResult{
		StatusCode: resp.StatusCode,
		Header:     assembleHeaders(resp, pr.TargetURL.Path, len(resp.Body), false),
		Body:       resp.Body,
	}, nil
}

// PublicBaseURL resolves the externally reachable scheme://host of this
// proxy for one request. The configured override wins; otherwise the value
// is reconstructed from forwarded-protocol/forwarded-host headers, falling
// back to the request's own host. Computed per request, never cached: one
// deployment may be reached via multiple hostnames.
func (s *ProxyService) PublicBaseURL(r *http.Request) string {
	if s.cfg.Proxy.PublicBaseURL != "" {
		return s.cfg.Proxy.PublicBaseURL
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + host
}
