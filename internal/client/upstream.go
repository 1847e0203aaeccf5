// Package client provides the outbound HTTP client for upstream CDN fetches.
package client

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hls-cors-proxy/internal/config"
	"hls-cors-proxy/internal/metrics"
	"hls-cors-proxy/internal/model"
)

// forwardableRequestHeaders are the inbound headers replayed upstream when
// the client sent them. Accept-Encoding is excluded: the proxy negotiates
// gzip itself so that playlist bodies arrive in a form it can rewrite.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
}

const (
	defaultAccept         = "*/*"
	defaultAcceptLanguage = "en-US,en;q=0.9"
	acceptEncoding        = "gzip"
)

// UpstreamClient fetches manifests and media segments from the CDN.
type UpstreamClient struct {
	httpClient *http.Client
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, a
// bounded timeout and a bounded redirect count. The metrics parameter is
// optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		cfg:     cfg,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Fetch performs exactly one outbound GET for the validated request and
// buffers the full response body in memory. Buffering before any decision
// is deliberate: the rewrite-vs-passthrough branch needs the content type
// and, for playlists, the full text. The provided context controls the
// lifetime of the upstream request; when the client disconnects the fetch
// is canceled with it.
func (c *UpstreamClient) Fetch(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	target := pr.TargetURL.String()

	req, err := http.NewRequestWithContext(pr.Ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	c.applyHeaders(req, pr)

	c.logger.Debug("upstream request",
		"host", pr.TargetURL.Host,
		"path", pr.TargetURL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// applyHeaders builds the browser-like outbound header set. Referer and
// Origin both carry the referer so segment fetches present the same
// credential context as the manifest fetch, and the inbound Range header is
// forwarded verbatim to keep byte-range seeking working in the player.
func (c *UpstreamClient) applyHeaders(req *http.Request, pr *model.ProxyRequest) {
	req.Header.Set("User-Agent", c.cfg.Upstream.UserAgent)
	req.Header.Set("Accept", defaultAccept)
	req.Header.Set("Accept-Language", defaultAcceptLanguage)
	req.Header.Set("Accept-Encoding", acceptEncoding)

	for _, key := range forwardableRequestHeaders {
		if v := pr.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	req.Header.Set("Referer", pr.Referer)
	req.Header.Set("Origin", originOf(pr.Referer))

	if pr.Range != "" {
		req.Header.Set("Range", pr.Range)
	}
}

// readBody buffers the response body, transparently decompressing gzip.
// Setting Accept-Encoding by hand disables the transport's automatic
// decompression, so it is done here; the stored header keeps neither
// Content-Encoding nor Content-Length, which no longer describe the bytes.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		reader = gz
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}

	return io.ReadAll(reader)
}

// originOf trims a referer URL down to its scheme://host origin component.
func originOf(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimSuffix(referer, "/")
	}
	return u.Scheme + "://" + u.Host
}
