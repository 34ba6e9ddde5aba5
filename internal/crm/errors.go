package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized matches any 401 from the CRM once the token refresh has
// been tried.
var ErrUnauthorized = errors.New("crm: unauthorized")

// ErrorItem is one entry of a CRM error list.
type ErrorItem struct {
	Message    string   `json:"message"`
	ErrorCode  string   `json:"errorCode,omitempty"`
	StatusCode string   `json:"statusCode,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}

func (e ErrorItem) String() string {
	code := e.ErrorCode
	if code == "" {
		code = e.StatusCode
	}
	s := code + ": " + e.Message
	if len(e.Fields) > 0 {
		s += " [" + strings.Join(e.Fields, ", ") + "]"
	}
	return s
}

// APIError is returned for non-2xx CRM responses.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Errors     []ErrorItem
	Body       string
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		body := e.Body
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return fmt.Sprintf("crm %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
	}
	msgs := make([]string, len(e.Errors))
	for i, item := range e.Errors {
		msgs[i] = item.String()
	}
	return fmt.Sprintf("crm %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, strings.Join(msgs, "; "))
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// newAPIError decodes the CRM's error array, or the OAuth error object
// returned by the token endpoint.
func newAPIError(status int, method, path string, body []byte) *APIError {
	e := &APIError{StatusCode: status, Method: method, Path: path, Body: string(body)}
	var items []ErrorItem
	if json.Unmarshal(body, &items) == nil && len(items) > 0 {
		e.Errors = items
		return e
	}
	var oauth struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &oauth) == nil && oauth.Error != "" {
		e.Errors = []ErrorItem{{ErrorCode: oauth.Error, Message: oauth.ErrorDescription}}
	}
	return e
}
