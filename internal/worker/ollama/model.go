package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/worker"
)

type model struct {
	rt     *Runtime
	tag    string
	device string
}

type generateChunk struct {
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Context    []int  `json:"context"`
	EvalCount  int    `json:"eval_count"`
	Error      string `json:"error"`
}

func (m *model) request(prompt string, params *worker.GenerateParams, numPredict int) map[string]any {
	options := map[string]any{}
	if m.device == worker.DeviceCPU {
		options["num_gpu"] = 0
	}
	if numPredict > 0 {
		options["num_predict"] = numPredict
	}
	payload := map[string]any{
		"model":      m.tag,
		"stream":     false,
		"keep_alive": m.rt.keepAlive,
		"options":    options,
	}
	if prompt != "" {
		payload["prompt"] = prompt
	}
	if params != nil {
		payload["stream"] = true
		if params.Prompt.System != "" {
			payload["system"] = params.Prompt.System
		}
		if len(params.Cache) > 0 {
			payload["context"] = []int(params.Cache)
		}
	}
	return payload
}

// Warmup runs a one-token generation so the first real turn does not pay
// for graph setup.
func (m *model) Warmup(ctx context.Context) error {
	var resp generateChunk
	if err := m.rt.postJSON(ctx, "/api/generate", m.request(warmupPrompt, nil, 1), &resp); err != nil {
		return fmt.Errorf("warm up %s: %w", m.tag, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("warm up %s: %s", m.tag, resp.Error)
	}
	return nil
}

// Generate streams response pieces to onToken. When onToken returns false
// the request is abandoned and no cache is returned.
func (m *model) Generate(ctx context.Context, params worker.GenerateParams, onToken worker.TokenFunc) (worker.GenerateResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := m.rt.post(ctx, "/api/generate", m.request(params.Prompt.Text, &params, params.MaxNewTokens))
	if err != nil {
		return worker.GenerateResult{}, err
	}
	defer resp.Body.Close()

	var tokens int
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk generateChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return worker.GenerateResult{Tokens: tokens}, errors.New("stream ended before done")
			}
			return worker.GenerateResult{Tokens: tokens}, err
		}
		if chunk.Error != "" {
			return worker.GenerateResult{Tokens: tokens}, errors.New(chunk.Error)
		}
		if chunk.Response != "" {
			tokens++
			if !onToken(chunk.Response) {
				cancel()
				return worker.GenerateResult{Tokens: tokens}, nil
			}
		}
		if chunk.Done {
			if chunk.EvalCount > 0 {
				tokens = chunk.EvalCount
			}
			m.rt.logger.Debug("ollama generate done",
				zap.String("tag", m.tag),
				zap.String("reason", chunk.DoneReason),
				zap.Int("context", len(chunk.Context)))
			return worker.GenerateResult{Cache: worker.KVCache(chunk.Context), Tokens: tokens}, nil
		}
	}
}

// Close asks the server to unload the model.
func (m *model) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()
	payload := map[string]any{"model": m.tag, "keep_alive": 0}
	return m.rt.postJSON(ctx, "/api/generate", payload, nil)
}

// tokenizer renders chats into Ollama's system/prompt fields; the server
// applies the model's own template.
type tokenizer struct{}

func (t *tokenizer) ApplyTemplate(messages []worker.Message) (worker.Prompt, error) {
	var system []string
	var turns []worker.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	if len(turns) == 0 {
		return worker.Prompt{}, errors.New("no user message to generate from")
	}
	prompt := worker.Prompt{System: strings.Join(system, "\n\n")}
	if len(turns) == 1 {
		prompt.Text = turns[0].Content
		return prompt, nil
	}
	var b strings.Builder
	for i, msg := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if i == len(turns)-1 {
			b.WriteString(msg.Content)
			break
		}
		fmt.Fprintf(&b, "%s: %s", roleLabel(msg.Role), msg.Content)
	}
	prompt.Text = b.String()
	return prompt, nil
}

func (t *tokenizer) Decode(pieces []string, skipSpecial bool) string {
	text := strings.Join(pieces, "")
	if skipSpecial {
		text, _ = worker.StripControlTokens(text)
	}
	return text
}

func roleLabel(role string) string {
	if role == "" {
		return "User"
	}
	return strings.ToUpper(role[:1]) + role[1:]
}
