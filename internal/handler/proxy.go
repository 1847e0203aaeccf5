package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"hls-cors-proxy/internal/config"
	"hls-cors-proxy/internal/model"
	"hls-cors-proxy/internal/service"
)

var allowedMethods = []string{http.MethodGet, http.MethodOptions}

// ProxyHandler serves the /api/proxy endpoint: it validates the inbound
// request, relays it to the CDN and writes the assembled response.
type ProxyHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle validates the request, performs the single upstream fetch and
// writes either the rewritten playlist or the raw upstream bytes. OPTIONS
// short-circuits before any upstream work; the CORS middleware has already
// attached the cross-origin headers by the time this runs.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	switch req.Method {
	case http.MethodOptions:
		return c.NoContent(http.StatusNoContent)
	case http.MethodGet:
		// proceed
	default:
		return c.JSON(http.StatusMethodNotAllowed, model.ErrorResponse{
			Error:          "method not allowed",
			AllowedMethods: allowedMethods,
		})
	}

	pr, rejection := h.parseRequest(c)
	if rejection != nil {
		return c.JSON(http.StatusBadRequest, rejection)
	}

	result, err := h.service.Relay(pr, h.service.PublicBaseURL(req))
	if err != nil {
		return h.mapError(c, pr, err)
	}

	res := c.Response()
	for key, vals := range result.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(result.StatusCode)

	if _, err := res.Write(result.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"url", pr.TargetURL.String(),
		)
	}

	return nil
}

// parseRequest produces a validated ProxyRequest or a structured rejection.
// The rejection path never contacts upstream.
func (h *ProxyHandler) parseRequest(c echo.Context) (*model.ProxyRequest, *model.ErrorResponse) {
	// Parse the raw query ourselves: Echo's QueryParam silently drops
	// pairs with broken percent-escapes, and a decode failure here must
	// surface as a 400 with the underlying error.
	query, err := url.ParseQuery(c.QueryString())
	if err != nil {
		return nil, &model.ErrorResponse{
			Error:   "invalid query encoding",
			Message: err.Error(),
		}
	}

	raw := query.Get("url")
	if raw == "" {
		return nil, &model.ErrorResponse{Error: "URL parameter is required"}
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, &model.ErrorResponse{
			Error:   "invalid url parameter",
			Message: err.Error(),
			URL:     raw,
		}
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, &model.ErrorResponse{
			Error: "url must be an absolute http(s) URL",
			URL:   raw,
		}
	}

	referer := query.Get("referer")
	if referer == "" {
		referer = h.cfg.Proxy.DefaultReferer
	} else if h.cfg.Proxy.StrictReferer {
		u, err := url.Parse(referer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, &model.ErrorResponse{
				Error: "referer must be an absolute URL",
				URL:   referer,
			}
		}
	}

	req := c.Request()
	return &model.ProxyRequest{
		Ctx:       req.Context(),
		TargetURL: target,
		Referer:   referer,
		Range:     req.Header.Get("Range"),
		Header:    req.Header,
	}, nil
}

// mapError translates relay failures into the error taxonomy: upstream
// failure statuses pass through with their original code, timeouts become
// 504, DNS and connection failures become 502.
func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		return c.JSON(ue.StatusCode, model.ErrorResponse{
			Error:   "upstream error",
			Message: ue.Status,
			Status:  ue.StatusCode,
			URL:     ue.URL,
		})
	}

	h.logger.Error("relay error",
		"err", err,
		"url", pr.TargetURL.String(),
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, model.ErrorResponse{
			Error: "gateway timeout: upstream request timed out",
			URL:   pr.TargetURL.String(),
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, model.ErrorResponse{
			Error: "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, model.ErrorResponse{
			Error: "upstream host unreachable",
			URL:   pr.TargetURL.String(),
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, model.ErrorResponse{
				Error: "gateway timeout: upstream request timed out",
				URL:   pr.TargetURL.String(),
			})
		}
		return c.JSON(http.StatusBadGateway, model.ErrorResponse{
			Error: "upstream connection failed",
			URL:   pr.TargetURL.String(),
		})
	}

	return c.JSON(http.StatusBadGateway, model.ErrorResponse{
		Error: "upstream request failed",
	})
}
