// Package ollama implements worker.Runtime over a local Ollama server.
//
// Fetching the tokenizer pulls the model (reporting per-layer progress) and
// reads its template metadata; loading the model asks the server to place it
// in memory and then checks /api/ps to confirm the requested device was used.
// The generate context array is the multi-turn cache.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/worker"
)

const (
	defaultHost      = "http://127.0.0.1:11434"
	defaultKeepAlive = "30m"
	unloadTimeout    = 5 * time.Second
	warmupPrompt     = "Hello"
)

// Config describes how to reach the server.
type Config struct {
	Host       string
	KeepAlive  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Runtime talks to one Ollama server.
type Runtime struct {
	host      string
	keepAlive string
	client    *http.Client
	logger    *zap.Logger
}

var _ worker.Runtime = (*Runtime)(nil)

// New builds a Runtime.
func New(cfg Config) *Runtime {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = defaultHost
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = defaultKeepAlive
	}
	client := cfg.HTTPClient
	if client == nil {
		// No client timeout: generation streams are bounded by the caller's context.
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{host: host, keepAlive: keepAlive, client: client, logger: logger}
}

// CheckDevice checks that the server answers. GPU availability is confirmed
// after the model is placed, see LoadModel.
func (r *Runtime) CheckDevice(ctx context.Context, device string) error {
	var version struct {
		Version string `json:"version"`
	}
	if err := r.getJSON(ctx, "/api/version", &version); err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", r.host, err)
	}
	r.logger.Debug("ollama device check", zap.String("version", version.Version), zap.String("device", device))
	return nil
}

// LoadTokenizer pulls the model tag and reads its template.
func (r *Runtime) LoadTokenizer(ctx context.Context, spec worker.ModelSpec, placement worker.Placement, progress worker.ProgressFunc) (worker.Tokenizer, error) {
	if err := r.pull(ctx, placement.Tag, progress); err != nil {
		return nil, err
	}
	var show showResponse
	if err := r.postJSON(ctx, "/api/show", map[string]any{"model": placement.Tag}, &show); err != nil {
		return nil, fmt.Errorf("read template for %s: %w", placement.Tag, err)
	}
	if strings.TrimSpace(show.Template) == "" {
		return nil, fmt.Errorf("model %s has no chat template", placement.Tag)
	}
	r.logger.Info("ollama template loaded",
		zap.String("tag", placement.Tag),
		zap.Bool("thinking", show.hasCapability("thinking")),
		zap.Bool("reasoning", spec.Reasoning))
	return &tokenizer{}, nil
}

// LoadModel loads the tag into memory with the requested placement.
func (r *Runtime) LoadModel(ctx context.Context, spec worker.ModelSpec, placement worker.Placement, progress worker.ProgressFunc) (worker.Model, error) {
	m := &model{rt: r, tag: placement.Tag, device: placement.Device}
	payload := m.request("", nil, 0)
	var resp generateChunk
	if err := r.postJSON(ctx, "/api/generate", payload, &resp); err != nil {
		return nil, fmt.Errorf("load %s: %w", placement.Tag, err)
	}

	running, err := r.running(ctx, placement.Tag)
	if err != nil {
		return nil, err
	}
	if placement.Device == worker.DeviceGPU && running.SizeVRAM == 0 {
		m.Close()
		return nil, fmt.Errorf("%w: %s was placed in system memory", worker.ErrNoAccelerator, placement.Tag)
	}
	r.logger.Info("ollama model loaded",
		zap.String("tag", placement.Tag),
		zap.String("device", placement.Device),
		zap.Int64("size", running.Size),
		zap.Int64("size_vram", running.SizeVRAM))
	return m, nil
}

type showResponse struct {
	Template     string   `json:"template"`
	Capabilities []string `json:"capabilities"`
}

func (s showResponse) hasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

type runningModel struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	Size     int64  `json:"size"`
	SizeVRAM int64  `json:"size_vram"`
}

func (r *Runtime) running(ctx context.Context, tag string) (runningModel, error) {
	var ps struct {
		Models []runningModel `json:"models"`
	}
	if err := r.getJSON(ctx, "/api/ps", &ps); err != nil {
		return runningModel{}, fmt.Errorf("list running models: %w", err)
	}
	for _, m := range ps.Models {
		if m.Name == tag || m.Model == tag || m.Name == tag+":latest" {
			return m, nil
		}
	}
	return runningModel{}, fmt.Errorf("model %s is not running after load", tag)
}

func (r *Runtime) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.host+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Runtime) postJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := r.post(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// post sends a JSON body and returns the response after a status check.
func (r *Runtime) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.host+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var parsed struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}
	return fmt.Errorf("ollama API error: %s (%s)", resp.Status, msg)
}
