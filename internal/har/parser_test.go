package har

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/yourorg/apirecorder/pkg/types"
)

func TestParseNormalHAR(t *testing.T) {
	entries, err := Parse(filepath.Join("testdata", "sample.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Request.Method != "GET" || entries[1].Request.Method != "POST" {
		t.Fatalf("document order not kept")
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Fatalf("ids not assigned")
	}
	if len(entries[0].Request.QueryParams) != 2 {
		t.Fatalf("expected query params from url, got %+v", entries[0].Request.QueryParams)
	}
	if entries[0].Response.BodyText != "{\"ok\":true}" {
		t.Fatalf("unexpected response body: %s", entries[0].Response.BodyText)
	}
	if entries[1].Request.Body == nil || entries[1].Request.Body.Text != "{\"user\":\"a\"}" {
		t.Fatalf("post data lost: %+v", entries[1].Request.Body)
	}
}

func TestParseBinaryBodyIsSizeOnly(t *testing.T) {
	entries, err := Parse(filepath.Join("testdata", "sample.har"))
	if err != nil {
		t.Fatal(err)
	}
	resp := entries[1].Response
	if resp.BodyText != "" || resp.BodyEncoding != "" {
		t.Fatalf("binary body must not be kept, got %q/%q", resp.BodyText, resp.BodyEncoding)
	}
	if resp.ContentSize != 4 || resp.MimeType != "image/png" {
		t.Fatalf("unexpected size/mime %d %s", resp.ContentSize, resp.MimeType)
	}
}

func TestParseEmptyHAR(t *testing.T) {
	entries, err := Parse(filepath.Join("testdata", "empty.har"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty archive")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := Parse(filepath.Join("testdata", "malformed.har")); err == nil {
		t.Fatalf("expected error for truncated document")
	}
	if _, err := Parse(filepath.Join("testdata", "not-exist.har")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExportFailedEntry(t *testing.T) {
	e := types.ArchiveEntry{
		ID:        "x",
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Request:   types.ArchiveRequest{Method: "GET", URL: "http://down.test/"},
		Response:  types.ArchiveResponse{Status: 0, ErrorText: "connection refused"},
	}
	doc := FromArchive([]types.ArchiveEntry{e}, "test")
	if doc.Log.Version != Version || doc.Log.Creator.Name != CreatorName {
		t.Fatalf("unexpected log header %+v", doc.Log)
	}
	got := doc.Log.Entries[0]
	if got.Response.Error != "connection refused" || got.Response.BodySize != -1 {
		t.Fatalf("failure not exported: %+v", got.Response)
	}
	if got.Request.HTTPVersion != "HTTP/1.1" {
		t.Fatalf("default http version missing")
	}
}

func TestWriteFileAndParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "capture.har")
	e := types.ArchiveEntry{
		ID:         "abc",
		StartedAt:  time.Date(2026, 3, 4, 5, 6, 7, 8000000, time.UTC),
		DurationMs: 25,
		Request: types.ArchiveRequest{
			Method:      "PUT",
			URL:         "http://example.test/items/1?x=y",
			HTTPVersion: "HTTP/1.1",
			Headers:     []types.Header{{Name: "Content-Type", Value: "application/json"}},
			QueryParams: []types.Header{{Name: "x", Value: "y"}},
			Body:        &types.Body{MimeType: "application/json", Text: "{}"},
			BodySize:    2,
		},
		Response: types.ArchiveResponse{
			Status:      204,
			StatusText:  "No Content",
			HTTPVersion: "HTTP/1.1",
			Headers:     []types.Header{},
			MimeType:    "text/plain",
		},
		ResourceType: "fetch",
	}
	if err := WriteFile(path, FromArchive([]types.ArchiveEntry{e}, "test")); err != nil {
		t.Fatal(err)
	}
	back, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(back))
	}
	got := back[0]
	if got.ID != "abc" || !got.StartedAt.Equal(e.StartedAt) || got.DurationMs != 25 {
		t.Fatalf("entry identity lost: %+v", got)
	}
	if got.Request.Body == nil || got.Request.Body.Text != "{}" || got.ResourceType != "fetch" {
		t.Fatalf("request details lost: %+v", got.Request)
	}
}

func sameHeaders(a, b []types.Header) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExportParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		genHeader := rapid.Custom(func(t *rapid.T) types.Header {
			return types.Header{
				Name:  rapid.StringMatching(`[A-Z][a-z]{1,8}`).Draw(t, "name"),
				Value: rapid.StringMatching(`[ -~]{0,16}`).Draw(t, "value"),
			}
		})
		n := rapid.IntRange(0, 5).Draw(t, "n")
		in := make([]types.ArchiveEntry, 0, n)
		for i := 0; i < n; i++ {
			in = append(in, types.ArchiveEntry{
				ID:         rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "id"),
				StartedAt:  time.Unix(rapid.Int64Range(0, 4e9).Draw(t, "sec"), rapid.Int64Range(0, 999).Draw(t, "ms")*1e6).UTC(),
				DurationMs: rapid.Int64Range(0, 60000).Draw(t, "dur"),
				Request: types.ArchiveRequest{
					Method:      rapid.SampledFrom([]string{"GET", "POST", "DELETE"}).Draw(t, "method"),
					URL:         "http://example.test/" + rapid.StringMatching(`[a-z]{0,10}`).Draw(t, "path"),
					HTTPVersion: "HTTP/1.1",
					Headers:     rapid.SliceOfN(genHeader, 0, 4).Draw(t, "reqHeaders"),
				},
				Response: types.ArchiveResponse{
					Status:      rapid.IntRange(100, 599).Draw(t, "status"),
					HTTPVersion: "HTTP/1.1",
					Headers:     rapid.SliceOfN(genHeader, 0, 4).Draw(t, "respHeaders"),
					ContentSize: rapid.Int64Range(1, 1<<20).Draw(t, "size"),
					BodyText:    rapid.StringMatching(`[a-z{}":]{1,20}`).Draw(t, "body"),
					MimeType:    "application/json",
				},
			})
		}

		var buf bytes.Buffer
		if err := Write(&buf, FromArchive(in, "test")); err != nil {
			t.Fatal(err)
		}
		out, err := Decode(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != len(in) {
			t.Fatalf("entry count %d != %d", len(out), len(in))
		}
		for i := range in {
			a, b := in[i], out[i]
			if a.ID != b.ID || !a.StartedAt.Equal(b.StartedAt) || a.DurationMs != b.DurationMs {
				t.Fatalf("entry %d identity differs: %+v vs %+v", i, a, b)
			}
			if a.Request.Method != b.Request.Method || a.Request.URL != b.Request.URL {
				t.Fatalf("entry %d request differs", i)
			}
			if !sameHeaders(a.Request.Headers, b.Request.Headers) || !sameHeaders(a.Response.Headers, b.Response.Headers) {
				t.Fatalf("entry %d headers differ", i)
			}
			if a.Response.Status != b.Response.Status || a.Response.BodyText != b.Response.BodyText || a.Response.ContentSize != b.Response.ContentSize {
				t.Fatalf("entry %d response differs: %+v vs %+v", i, a.Response, b.Response)
			}
		}
	})
}
