package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	apperrors "github.com/bridgeaid/client/pkg/errors"
)

// Request describes one backend call. It is a value: the With* methods
// return modified copies and never touch the receiver.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string
	// Anonymous requests carry no bearer and never trigger a token refresh.
	// Login, registration and the refresh call itself are anonymous.
	Anonymous bool
}

// NewRequest returns a request without a body.
func NewRequest(method, path string) Request {
	return Request{Method: method, Path: path}
}

// JSONRequest returns a request whose body is v encoded as JSON.
func JSONRequest(method, path string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s %s body: %w", method, path, err)
	}
	return Request{Method: method, Path: path, Body: body, ContentType: "application/json"}, nil
}

// WithQuery returns a copy with q merged into the query string.
func (r Request) WithQuery(q url.Values) Request {
	merged := make(url.Values, len(r.Query)+len(q))
	for k, v := range r.Query {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range q {
		merged[k] = append(merged[k], v...)
	}
	r.Query = merged
	return r
}

// WithHeader returns a copy with header key set to value.
func (r Request) WithHeader(key, value string) Request {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(key, value)
	r.Header = h
	return r
}

// WithBody returns a copy carrying body with the given content type.
func (r Request) WithBody(contentType string, body []byte) Request {
	r.ContentType = contentType
	r.Body = append([]byte(nil), body...)
	return r
}

// AsAnonymous returns a copy that is sent without credentials.
func (r Request) AsAnonymous() Request {
	r.Anonymous = true
	return r
}

// Response is a backend reply with the body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON returns the body as raw JSON, or nil when it is empty (204 and friends).
func (r *Response) JSON() json.RawMessage {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.RawMessage(r.Body)
}

// Decode unmarshals the body into v. An empty or malformed body is an
// invalid response, not a transport error.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return apperrors.InvalidResponse("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apperrors.InvalidResponse(fmt.Sprintf("decode response body: %v", err))
	}
	return nil
}
