package service

import (
	"net/http"
	"strconv"
	"strings"

	"hls-cors-proxy/internal/model"
)

// forwardableResponseHeaders are replayed from the upstream response when
// present. Content-Length is recomputed from the buffered body instead.
var forwardableResponseHeaders = []string{
	"Content-Type",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

// Cache policy by content kind. Segments are content-addressed and never
// change; playlists mutate on live streams and must always be refetched.
const (
	cacheSegment  = "public, max-age=31536000, immutable"
	cachePlaylist = "no-cache, no-store, must-revalidate"
	cacheDefault  = "public, max-age=3600"
)

var segmentSuffixes = []string{".ts", ".m4s", ".mp4"}

var playlistSuffixes = []string{".m3u8", ".mpd"}

// contentTypeDefaults maps path suffixes to a Content-Type used when the
// upstream omits the header.
var contentTypeDefaults = map[string]string{
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".m3u8": "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
}

// assembleHeaders builds the client-facing header set from the upstream
// response: forwarded validators and range headers, a suffix-derived
// Content-Type fallback, the content-kind cache policy, and a recomputed
// Content-Length. Accept-Ranges defaults to "bytes" even when upstream
// omits it, declaring range-request support for the player.
func assembleHeaders(resp *model.UpstreamResponse, targetPath string, bodyLen int, rewritten bool) http.Header {
	h := make(http.Header)

	for _, key := range forwardableResponseHeaders {
		if v := resp.Header.Get(key); v != "" {
			h.Set(key, v)
		}
	}

	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", defaultContentType(targetPath))
	}
	if h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}
	if rewritten {
		// The rewritten text no longer matches upstream's range/validator
		// metadata.
		h.Del("Content-Range")
		h.Del("ETag")
	}
	h.Set("Content-Length", strconv.Itoa(bodyLen))

	applyCachePolicy(h, targetPath)

	return h
}

// applyCachePolicy sets Cache-Control by path suffix, with the legacy
// Pragma/Expires pair for playlist kinds.
func applyCachePolicy(h http.Header, targetPath string) {
	p := strings.ToLower(targetPath)

	for _, suffix := range playlistSuffixes {
		if strings.HasSuffix(p, suffix) {
			h.Set("Cache-Control", cachePlaylist)
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
			return
		}
	}
	for _, suffix := range segmentSuffixes {
		if strings.HasSuffix(p, suffix) {
			h.Set("Cache-Control", cacheSegment)
			return
		}
	}
	h.Set("Cache-Control", cacheDefault)
}

func defaultContentType(targetPath string) string {
	p := strings.ToLower(targetPath)
	for suffix, ct := range contentTypeDefaults {
		if strings.HasSuffix(p, suffix) {
			return ct
		}
	}
	return "application/octet-stream"
}
