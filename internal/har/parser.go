package har

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/pkg/types"
)

// Parse reads a HAR file into archive entries, keeping document order.
func Parse(filePath string) ([]types.ArchiveEntry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a HAR document from r.
func Decode(r io.Reader) ([]types.ArchiveEntry, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode har: %w", err)
	}
	out := make([]types.ArchiveEntry, 0, len(doc.Log.Entries))
	for i, e := range doc.Log.Entries {
		entry, err := EntryToArchive(e)
		if err != nil {
			return nil, fmt.Errorf("har entry %d: %w", i, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// EntryToArchive converts one HAR entry into the archive model.
func EntryToArchive(e Entry) (types.ArchiveEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
	if err != nil {
		return types.ArchiveEntry{}, fmt.Errorf("parse startedDateTime: %w", err)
	}
	req := types.ArchiveRequest{
		Method:      e.Request.Method,
		URL:         e.Request.URL,
		HTTPVersion: e.Request.HTTPVersion,
		Headers:     fromNameValues(e.Request.Headers),
		QueryParams: fromNameValues(e.Request.QueryString),
		BodySize:    e.Request.BodySize,
	}
	if len(req.QueryParams) == 0 {
		req.QueryParams = archive.QueryParams(e.Request.URL)
	}
	if pd := e.Request.PostData; pd != nil && (pd.Text != "" || pd.Encoding != "") {
		req.Body = &types.Body{MimeType: pd.MimeType, Text: pd.Text, Encoding: pd.Encoding}
	}
	resp := types.ArchiveResponse{
		Status:       e.Response.Status,
		StatusText:   e.Response.StatusText,
		HTTPVersion:  e.Response.HTTPVersion,
		Headers:      fromNameValues(e.Response.Headers),
		ContentSize:  e.Response.Content.Size,
		BodyText:     e.Response.Content.Text,
		BodyEncoding: e.Response.Content.Encoding,
		MimeType:     e.Response.Content.MimeType,
		ErrorText:    e.Response.Error,
	}
	if resp.ContentSize <= 0 && e.Response.BodySize > 0 {
		resp.ContentSize = e.Response.BodySize
	}
	if resp.MimeType == "" {
		resp.MimeType = archive.BaseMimeType(archive.HeaderValue(resp.Headers, "Content-Type"))
	}
	// binary content is size-only
	if resp.BodyText != "" && !archive.IsTextual(resp.MimeType) {
		resp.BodyText = ""
		resp.BodyEncoding = ""
	}
	id := e.ID
	if id == "" {
		id = archive.NewID()
	}
	return types.ArchiveEntry{
		ID:           id,
		StartedAt:    ts.UTC(),
		DurationMs:   int64(e.Time),
		Request:      req,
		Response:     resp,
		ResourceType: e.ResourceType,
	}, nil
}

func fromNameValues(in []NameValue) []types.Header {
	out := make([]types.Header, 0, len(in))
	for _, h := range in {
		out = append(out, types.Header{Name: h.Name, Value: h.Value})
	}
	return out
}
