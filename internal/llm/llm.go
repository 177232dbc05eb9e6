// Package llm streams chat completions from an OpenAI-compatible HTTP endpoint.
package llm

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// headerTimeout bounds the wait for the response headers. The body of a
// stream has no deadline and is read until the server ends it.
const headerTimeout = 2 * time.Minute

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Endpoint identifies the remote backend for one request.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// URL returns the chat completions URL for the endpoint.
func (e Endpoint) URL() string {
	return strings.TrimRight(e.BaseURL, "/") + "/chat/completions"
}

// DeltaHandler receives text deltas in arrival order. Returning an error
// stops the stream.
type DeltaHandler func(delta string) error

// Config describes how to build a Client.
type Config struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues streaming chat completion requests. It holds no credentials;
// each call names its Endpoint so settings changes apply to the next turn.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: pickHTTPClient(cfg.HTTPClient), logger: logger}
}

func pickHTTPClient(custom *http.Client) *http.Client {
	if custom != nil {
		return custom
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}
