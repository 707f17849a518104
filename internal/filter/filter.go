package filter

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/config"
	"github.com/yourorg/apirecorder/pkg/types"
)

// FilterConfig is an alias of config.FilterConfig.
type FilterConfig = config.FilterConfig

// Apply drops preflights, static assets and retried 5xx responses from an
// archive. Order of the surviving entries is kept.
func Apply(entries []types.ArchiveEntry, cfg FilterConfig) []types.ArchiveEntry {
	filtered := make([]types.ArchiveEntry, 0, len(entries))
	for _, e := range entries {
		if strings.EqualFold(e.Request.Method, "OPTIONS") {
			continue
		}
		p := urlPath(e.Request.URL)
		if hasIgnoredExtension(p, cfg.IgnoreExtensions) {
			continue
		}
		if matchesContentType(responseType(e), cfg.IgnoreContentTypes) {
			continue
		}
		if hasIgnoredPath(p, cfg.IgnorePaths) {
			continue
		}
		filtered = append(filtered, e)
	}
	return removeConsecutive5xx(filtered)
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func responseType(e types.ArchiveEntry) string {
	if e.Response.MimeType != "" {
		return e.Response.MimeType
	}
	return archive.HeaderValue(e.Response.Headers, "Content-Type")
}

func hasIgnoredExtension(p string, exts []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(strings.TrimSpace(e)) == ext {
			return true
		}
	}
	return false
}

func hasIgnoredPath(p string, prefixes []string) bool {
	for _, pref := range prefixes {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		if strings.HasPrefix(p, pref) {
			return true
		}
	}
	return false
}

func matchesContentType(ct string, ignores []string) bool {
	if strings.TrimSpace(ct) == "" {
		return false
	}
	base := archive.BaseMimeType(ct)
	for _, p := range ignores {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(base, prefix) {
				return true
			}
			continue
		}
		if base == p {
			return true
		}
	}
	return false
}

// removeConsecutive5xx keeps only the first of back-to-back 5xx responses
// to the same request, which is how client retries show up in a capture.
func removeConsecutive5xx(entries []types.ArchiveEntry) []types.ArchiveEntry {
	out := make([]types.ArchiveEntry, 0, len(entries))
	var prevKey string
	var prevWas5xx bool
	for _, e := range entries {
		key := requestKey(e.Request.Method, e.Request.URL)
		if prevWas5xx && key == prevKey && is5xx(e.Response.Status) {
			continue
		}
		out = append(out, e)
		prevKey = key
		prevWas5xx = is5xx(e.Response.Status)
	}
	return out
}

func is5xx(code int) bool {
	return code >= 500 && code <= 599
}

func requestKey(method, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToUpper(method) + " " + rawURL
	}
	return strings.ToUpper(method) + " " + u.Host + u.Path + "?" + canonicalQuery(u.Query())
}

func canonicalQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			vals.Add(k, v)
		}
	}
	return vals.Encode()
}
