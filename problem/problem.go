// Package problem consumes RFC 7807 problem-document payloads: the
// machine-readable error format library-content servers use to describe
// failures such as "no active loan" or "invalid credentials".
package problem

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// Media types that mark a response body as a problem document. Some servers
// in the wild still send the older api-problem registration, so both are
// accepted.
const (
	MediaType    = "application/problem+json"
	MediaTypeAPI = "application/api-problem+json"
)

// Document holds the fields of an RFC 7807 problem document. Type is a URI
// identifying the problem category and is the field callers branch on;
// Title and Detail are human-readable.
type Document struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   int    `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// String renders the document for diagnostics.
func (d *Document) String() string {
	var b strings.Builder
	b.WriteString(d.Title)
	if d.Detail != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(d.Detail)
	}
	if d.Type != "" {
		fmt.Fprintf(&b, " (%s)", d.Type)
	}
	if b.Len() == 0 {
		return "problem document"
	}
	return b.String()
}

// IsProblemContentType reports whether the Content-Type header value declares
// a problem-document payload. Parameters such as charset are ignored.
func IsProblemContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// A malformed header cannot declare a problem document.
		return false
	}
	return mediaType == MediaType || mediaType == MediaTypeAPI
}

// Parse decodes a problem document from body. An empty body, malformed JSON,
// or a document with none of the RFC 7807 fields set is an error; the caller
// is expected to fall back to its original failure signal.
func Parse(body []byte) (*Document, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("problem: empty body")
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("problem: malformed document: %w", err)
	}

	if doc.Type == "" && doc.Title == "" && doc.Status == 0 && doc.Detail == "" {
		return nil, fmt.Errorf("problem: document carries no recognized fields")
	}

	return &doc, nil
}
