package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RemoteAPIError is returned for non-2xx responses. It is never retried.
type RemoteAPIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *RemoteAPIError) Error() string {
	if msg := apiErrorMessage(e.Body); msg != "" {
		return fmt.Sprintf("API Error: %s (%s)", e.Status, msg)
	}
	return fmt.Sprintf("API Error: %s", e.Status)
}

// StreamParseError describes one undecodable event line. It is logged and
// the stream continues.
type StreamParseError struct {
	Line string
	Err  error
}

func (e *StreamParseError) Error() string {
	return fmt.Sprintf("parse stream line %q: %v", e.Line, e.Err)
}

func (e *StreamParseError) Unwrap() error {
	return e.Err
}

// apiErrorMessage pulls error.message out of an OpenAI-style error body,
// falling back to the trimmed body.
func apiErrorMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return body
}
