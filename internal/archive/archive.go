// Package archive builds normalized archive entries from raw exchange data.
package archive

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yourorg/apirecorder/pkg/types"
)

// DefaultMaxBodyBytes bounds bodies kept in memory when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// NewID returns a fresh entry id.
func NewID() string {
	return uuid.NewString()
}

// HeaderPairs flattens an http.Header into name/value pairs. Keys are sorted
// because http.Header does not keep wire order; repeated values stay in order.
func HeaderPairs(h http.Header) []types.Header {
	if len(h) == 0 {
		return []types.Header{}
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Header, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, types.Header{Name: k, Value: v})
		}
	}
	return out
}

// QueryParams returns the query string of rawURL as ordered pairs.
func QueryParams(rawURL string) []types.Header {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return []types.Header{}
	}
	out := make([]types.Header, 0)
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		out = append(out, types.Header{Name: name, Value: value})
	}
	return out
}

// HeaderValue returns the first value of name, case-insensitively.
func HeaderValue(headers []types.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// BaseMimeType strips parameters from a Content-Type value.
func BaseMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

// IsTextual reports whether the mime type carries human readable content.
func IsTextual(contentType string) bool {
	mt := BaseMimeType(contentType)
	if mt == "" {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	for _, marker := range []string{"json", "xml", "javascript", "ecmascript", "x-www-form-urlencoded", "graphql", "yaml"} {
		if strings.Contains(mt, marker) {
			return true
		}
	}
	return false
}

// EncodeBody returns the text form of data for the given mime type. Binary or
// oversized content yields ok=false and only its size should be kept.
// Textual content that is not valid UTF-8 is returned base64 encoded.
func EncodeBody(contentType string, data []byte, limit int) (text, encoding string, ok bool) {
	if len(data) == 0 || !IsTextual(contentType) {
		return "", "", false
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if len(data) > limit {
		return "", "", false
	}
	if utf8.Valid(data) {
		return string(data), "", true
	}
	return base64.StdEncoding.EncodeToString(data), "base64", true
}

// RequestBody builds the request body record, or nil when nothing should be kept.
func RequestBody(contentType string, data []byte, limit int) *types.Body {
	text, enc, ok := EncodeBody(contentType, data, limit)
	if !ok {
		return nil
	}
	return &types.Body{MimeType: BaseMimeType(contentType), Text: text, Encoding: enc}
}

// Decompress undoes a gzip or deflate Content-Encoding, reading at most
// limit decoded bytes. ok is false for other encodings or corrupt input.
func Decompress(contentEncoding string, data []byte, limit int) ([]byte, bool) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	var r io.ReadCloser
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false
		}
		r = zr
	case "deflate":
		r = flate.NewReader(bytes.NewReader(data))
	default:
		return nil, false
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, false
	}
	return out, true
}

// DurationMs returns the elapsed milliseconds between start and end, never negative.
func DurationMs(start, end time.Time) int64 {
	d := end.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// Summarize converts an entry into its wire summary. seq is 1-based.
func Summarize(seq int, e types.ArchiveEntry) types.EntrySummary {
	return types.EntrySummary{
		ID:           e.ID,
		Seq:          seq,
		StartedAt:    e.StartedAt,
		Method:       e.Request.Method,
		URL:          e.Request.URL,
		Status:       e.Response.Status,
		StatusText:   e.Response.StatusText,
		DurationMs:   e.DurationMs,
		MimeType:     e.Response.MimeType,
		ContentSize:  e.Response.ContentSize,
		ResourceType: e.ResourceType,
		ErrorText:    e.Response.ErrorText,
	}
}

// SummarizeAll summarizes entries in archive order.
func SummarizeAll(entries []types.ArchiveEntry) []types.EntrySummary {
	out := make([]types.EntrySummary, 0, len(entries))
	for i, e := range entries {
		out = append(out, Summarize(i+1, e))
	}
	return out
}

// GuessResourceType maps a response mime type to a browser-style resource
// type for traffic that did not come from a browser.
func GuessResourceType(contentType string) string {
	mt := BaseMimeType(contentType)
	switch {
	case mt == "":
		return "other"
	case strings.Contains(mt, "json"), strings.Contains(mt, "xml") && mt != "image/svg+xml":
		return "xhr"
	case mt == "text/html":
		return "document"
	case mt == "text/css":
		return "stylesheet"
	case strings.Contains(mt, "javascript"), strings.Contains(mt, "ecmascript"):
		return "script"
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "font/"), strings.Contains(mt, "font"):
		return "font"
	case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		return "media"
	default:
		return "other"
	}
}
