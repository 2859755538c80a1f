package httpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	apperrors "github.com/bridgeaid/client/pkg/errors"
)

// APIError is a non-2xx response from the backend. The raw body is kept so
// callers can pass it through unchanged.
type APIError struct {
	Status int
	// Code is the machine-readable "code" field (e.g. "token_not_valid").
	Code string
	// Detail is the backend's "detail" message, if any.
	Detail string
	// Fields holds per-field validation messages, including non_field_errors.
	Fields map[string][]string
	Body   []byte
}

func (e *APIError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// Unwrap maps the status onto the pkg/errors sentinels so callers can use
// errors.Is(err, apperrors.ErrUnauthorized) and friends.
func (e *APIError) Unwrap() error {
	return apperrors.FromStatus(e.Status)
}

// Message returns the most specific human-readable message in the body:
// detail first, then non_field_errors, then the first field error in key order.
func (e *APIError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if msgs := e.Fields["non_field_errors"]; len(msgs) > 0 {
		return msgs[0]
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if msgs := e.Fields[k]; len(msgs) > 0 {
			return k + ": " + msgs[0]
		}
	}
	return ""
}

// ParseResponseError builds an APIError from a non-2xx status and its body.
// Django REST framework bodies are understood:
//
//	{"detail": "...", "code": "..."}
//	{"email": ["user with this email already exists."]}
//	{"non_field_errors": ["..."]}
//
// Anything else is kept only as the raw body.
func ParseResponseError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: body}

	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) != nil {
		return apiErr
	}

	for key, raw := range fields {
		switch key {
		case "detail":
			_ = json.Unmarshal(raw, &apiErr.Detail)
		case "code":
			_ = json.Unmarshal(raw, &apiErr.Code)
		case "messages":
			// simplejwt per-token diagnostics; detail already summarizes them.
		default:
			if msgs := decodeMessages(raw); len(msgs) > 0 {
				if apiErr.Fields == nil {
					apiErr.Fields = make(map[string][]string)
				}
				apiErr.Fields[key] = msgs
			}
		}
	}

	return apiErr
}

func decodeMessages(raw json.RawMessage) []string {
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	var single string
	if json.Unmarshal(raw, &single) == nil && strings.TrimSpace(single) != "" {
		return []string{single}
	}
	return nil
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}

// IsSuccess returns true for 2xx status codes.
func IsSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
