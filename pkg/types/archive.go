package types

import "time"

// Header is one name/value pair. Slices of Header keep wire order and duplicates.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Body is a captured payload. Encoding is empty for UTF-8 text or "base64".
type Body struct {
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

// ArchiveRequest is the request half of an exchange.
type ArchiveRequest struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion,omitempty"`
	Headers     []Header `json:"headers"`
	QueryParams []Header `json:"queryParams"`
	Body        *Body    `json:"body,omitempty"`
	BodySize    int64    `json:"bodySize"`
}

// ArchiveResponse is the response half of an exchange. ErrorText is set when
// the exchange failed before any response existed.
type ArchiveResponse struct {
	Status       int      `json:"status"`
	StatusText   string   `json:"statusText"`
	HTTPVersion  string   `json:"httpVersion,omitempty"`
	Headers      []Header `json:"headers"`
	ContentSize  int64    `json:"contentSize"`
	BodyText     string   `json:"bodyText,omitempty"`
	BodyEncoding string   `json:"bodyEncoding,omitempty"`
	MimeType     string   `json:"mimeType"`
	ErrorText    string   `json:"errorText,omitempty"`
}

// ArchiveEntry is one recorded HTTP exchange.
type ArchiveEntry struct {
	ID           string          `json:"id"`
	StartedAt    time.Time       `json:"startedAt"`
	DurationMs   int64           `json:"durationMs"`
	Request      ArchiveRequest  `json:"request"`
	Response     ArchiveResponse `json:"response"`
	ResourceType string          `json:"resourceType,omitempty"`
}

// EntrySummary is the compact wire form of an entry sent to observers.
type EntrySummary struct {
	ID           string    `json:"id"`
	Seq          int       `json:"seq"`
	StartedAt    time.Time `json:"startedAt"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Status       int       `json:"status"`
	StatusText   string    `json:"statusText,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	MimeType     string    `json:"mimeType,omitempty"`
	ContentSize  int64     `json:"contentSize"`
	ResourceType string    `json:"resourceType,omitempty"`
	ErrorText    string    `json:"errorText,omitempty"`
}
