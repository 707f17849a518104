package filter

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/yourorg/apirecorder/internal/config"
	"github.com/yourorg/apirecorder/pkg/types"
)

// SanitizeConfig is an alias of config.SanitizeConfig.
type SanitizeConfig = config.SanitizeConfig

// Sanitize redacts sensitive data in headers, query params and JSON bodies.
// The input slice is not modified.
func Sanitize(entries []types.ArchiveEntry, cfg SanitizeConfig) []types.ArchiveEntry {
	headerSet := toLowerSet(cfg.Headers)
	fieldSet := toLowerSet(cfg.BodyFields)
	replacement := cfg.Replacement
	out := make([]types.ArchiveEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].Request.Headers = sanitizePairs(e.Request.Headers, headerSet, replacement)
		out[i].Response.Headers = sanitizePairs(e.Response.Headers, headerSet, replacement)
		out[i].Request.QueryParams = sanitizePairs(e.Request.QueryParams, fieldSet, replacement)
		out[i].Request.URL = sanitizeURL(e.Request.URL, fieldSet, replacement)
		if b := e.Request.Body; b != nil && b.Encoding == "" {
			cpy := *b
			cpy.Text = sanitizeBody(b.Text, fieldSet, replacement)
			out[i].Request.Body = &cpy
		}
		if e.Response.BodyEncoding == "" {
			out[i].Response.BodyText = sanitizeBody(e.Response.BodyText, fieldSet, replacement)
		}
	}
	return out
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func sanitizePairs(in []types.Header, set map[string]struct{}, replacement string) []types.Header {
	if len(in) == 0 {
		return in
	}
	out := make([]types.Header, len(in))
	for i, h := range in {
		out[i] = h
		if _, ok := set[strings.ToLower(h.Name)]; ok {
			out[i].Value = replacement
		}
	}
	return out
}

func sanitizeURL(raw string, set map[string]struct{}, replacement string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	changed := false
	for k, vs := range q {
		if _, ok := set[strings.ToLower(k)]; !ok {
			continue
		}
		for i := range vs {
			vs[i] = replacement
		}
		changed = true
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func sanitizeBody(body string, set map[string]struct{}, replacement string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	var v interface{}
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	v = sanitizeJSONValue(v, set, replacement)
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return string(out)
}

func sanitizeJSONValue(v interface{}, set map[string]struct{}, replacement string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, v2 := range val {
			if _, ok := set[strings.ToLower(k)]; ok {
				val[k] = replacement
				continue
			}
			val[k] = sanitizeJSONValue(v2, set, replacement)
		}
		return val
	case []interface{}:
		for i := range val {
			val[i] = sanitizeJSONValue(val[i], set, replacement)
		}
		return val
	default:
		return val
	}
}
