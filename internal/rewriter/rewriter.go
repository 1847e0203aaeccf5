// Package rewriter transforms HLS playlist manifests so every referenced
// URL routes back through the proxy itself.
package rewriter

import (
	"net/url"
	"strings"
)

// playlistContentTypes are the MPEG-URL markers seen in the wild for HLS
// manifests. Matching is case-insensitive and substring-based because CDNs
// append charset parameters.
var playlistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/mpegurl",
	"audio/x-mpegurl",
}

// IsPlaylist reports whether an upstream response holds an HLS manifest,
// judged by content type or by the target URL's path suffix. DASH .mpd
// manifests are deliberately excluded: their references are left as-is.
func IsPlaylist(contentType string, target *url.URL) bool {
	ct := strings.ToLower(contentType)
	for _, marker := range playlistContentTypes {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return strings.HasSuffix(strings.ToLower(target.Path), ".m3u8")
}

// Result summarizes one rewrite pass.
type Result struct {
	Body       string
	References int // media/sub-manifest lines and URI attributes rewritten
}

// Rewrite transforms a playlist line by line, preserving order and the
// trailing-newline structure. Non-blank, non-directive lines are treated as
// media or sub-manifest references and replaced with a self-referencing
// proxy URL; directive lines carrying a URI="..." attribute (encryption
// keys, media-initialization segments, I-frame streams) have only the
// quoted value rewritten. References that fail to resolve are left intact:
// a malformed line must never corrupt the rest of the manifest.
//
// Rewriting is idempotent up to URL identity because the absolute upstream
// URL is always re-derived before encoding, never inferred from prior
// proxy markers.
func Rewrite(manifest string, upstream *url.URL, proxyBase, referer string) Result {
	lines := strings.Split(manifest, "\n")
	out := make([]string, 0, len(lines))
	refs := 0

	for _, line := range lines {
		trim := strings.TrimSpace(line)
		switch {
		case trim == "":
			out = append(out, line)
		case strings.HasPrefix(trim, "#"):
			if strings.Contains(line, `URI="`) {
				if rewritten, ok := rewriteURIAttr(line, upstream, proxyBase, referer); ok {
					line = rewritten
					refs++
				}
			}
			out = append(out, line)
		default:
			resolved, err := resolveReference(upstream, trim)
			if err != nil {
				out = append(out, line)
				continue
			}
			out = append(out, proxyURL(proxyBase, resolved, referer))
			refs++
		}
	}

	return Result{Body: strings.Join(out, "\n"), References: refs}
}

// rewriteURIAttr replaces the quoted value of a URI="..." attribute with a
// proxy URL, leaving the rest of the directive untouched. Returns ok=false
// when the attribute is absent or the reference does not resolve.
func rewriteURIAttr(line string, upstream *url.URL, proxyBase, referer string) (string, bool) {
	start := strings.Index(line, `URI="`)
	if start == -1 {
		return line, false
	}
	start += len(`URI="`)
	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return line, false
	}

	resolved, err := resolveReference(upstream, line[start:start+end])
	if err != nil {
		return line, false
	}

	return line[:start] + proxyURL(proxyBase, resolved, referer) + line[start+end:], true
}

// resolveReference resolves ref against the manifest's own directory.
// Absolute references pass through unchanged.
func resolveReference(upstream *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return ref, nil
	}
	return upstream.ResolveReference(u).String(), nil
}

// proxyURL builds the self-referencing proxy call for an absolute target.
// The referer is carried along so subsequent segment fetches present the
// same credential context the manifest was fetched with.
func proxyURL(proxyBase, target, referer string) string {
	return proxyBase + "/api/proxy?url=" + url.QueryEscape(target) + "&referer=" + url.QueryEscape(referer)
}
