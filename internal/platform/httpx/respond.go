package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"

	// maxBodyBytes caps request payloads; receipts with a few thousand lines fit well below it.
	maxBodyBytes = 1 << 20
)

// ProblemDetail is the RFC7807 body returned for every failed request.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, contentTypeJSON, status, data)
}

// Problem writes an RFC7807 response. The type URI is derived from the title.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	write(w, contentTypeProblem, status, ProblemDetail{
		Type:   problemType(title),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func write(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func problemType(title string) string {
	if title == "" {
		return "about:blank"
	}
	return "urn:costing:problem:" + strings.ReplaceAll(strings.ToLower(title), " ", "-")
}

// DecodeJSON reads a single JSON document from the request body.
func DecodeJSON(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON document")
	}
	return nil
}
