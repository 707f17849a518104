package har

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/pkg/types"
)

const (
	Version     = "1.2"
	CreatorName = "apirecorder"
)

// FromArchive builds a HAR document from entries in archive order.
func FromArchive(entries []types.ArchiveEntry, creatorVersion string) *Document {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryFromArchive(e))
	}
	return &Document{Log: Log{
		Version: Version,
		Creator: Creator{Name: CreatorName, Version: creatorVersion},
		Entries: out,
	}}
}

// EntryFromArchive converts one archive entry.
func EntryFromArchive(e types.ArchiveEntry) Entry {
	req := Request{
		Method:      e.Request.Method,
		URL:         e.Request.URL,
		HTTPVersion: httpVersion(e.Request.HTTPVersion),
		Cookies:     []NameValue{},
		Headers:     toNameValues(e.Request.Headers),
		QueryString: toNameValues(e.Request.QueryParams),
		HeadersSize: -1,
		BodySize:    e.Request.BodySize,
	}
	if b := e.Request.Body; b != nil {
		mt := b.MimeType
		if mt == "" {
			mt = archive.BaseMimeType(archive.HeaderValue(e.Request.Headers, "Content-Type"))
		}
		req.PostData = &PostData{MimeType: mt, Text: b.Text, Encoding: b.Encoding}
	}
	resp := Response{
		Status:      e.Response.Status,
		StatusText:  e.Response.StatusText,
		HTTPVersion: httpVersion(e.Response.HTTPVersion),
		Cookies:     []NameValue{},
		Headers:     toNameValues(e.Response.Headers),
		Content: Content{
			Size:     e.Response.ContentSize,
			MimeType: e.Response.MimeType,
			Text:     e.Response.BodyText,
			Encoding: e.Response.BodyEncoding,
		},
		RedirectURL: archive.HeaderValue(e.Response.Headers, "Location"),
		HeadersSize: -1,
		BodySize:    e.Response.ContentSize,
		Error:       e.Response.ErrorText,
	}
	if e.Response.ErrorText != "" {
		resp.BodySize = -1
	}
	total := float64(e.DurationMs)
	return Entry{
		StartedDateTime: e.StartedAt.UTC().Format(time.RFC3339Nano),
		Time:            total,
		Request:         req,
		Response:        resp,
		Timings:         Timings{Send: 0, Wait: total, Receive: 0},
		ResourceType:    e.ResourceType,
		ID:              e.ID,
	}
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteFile writes doc to path, replacing any existing file atomically.
func WriteFile(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write har: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".har-*")
	if err != nil {
		return fmt.Errorf("write har: %w", err)
	}
	if err := Write(tmp, doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write har: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write har: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write har: %w", err)
	}
	return nil
}

func toNameValues(in []types.Header) []NameValue {
	out := make([]NameValue, 0, len(in))
	for _, h := range in {
		out = append(out, NameValue{Name: h.Name, Value: h.Value})
	}
	return out
}

func httpVersion(v string) string {
	if v == "" {
		return "HTTP/1.1"
	}
	return v
}
