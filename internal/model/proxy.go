// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
	"net/url"
)

// ProxyRequest is a validated inbound client request. All state is
// request-scoped; nothing here outlives the response.
type ProxyRequest struct {
	Ctx       context.Context
	TargetURL *url.URL
	Referer   string
	Range     string
	Header    http.Header
}

// UpstreamResponse is the buffered CDN reply. The body is held fully in
// memory so the rewrite-vs-passthrough decision can inspect content type
// and full text before anything is sent to the client.
type UpstreamResponse struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

// RelayResult is the assembled client-facing response: upstream status,
// the derived header set, and either the rewritten playlist text or the
// raw upstream bytes.
type RelayResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrorResponse is the JSON body shape for every error the proxy emits.
type ErrorResponse struct {
	Error          string   `json:"error"`
	Message        string   `json:"message,omitempty"`
	Status         int      `json:"status,omitempty"`
	URL            string   `json:"url,omitempty"`
	AllowedMethods []string `json:"allowedMethods,omitempty"`
}
