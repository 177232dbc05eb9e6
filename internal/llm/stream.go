package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	dataPrefix     = "data: "
	doneLine       = "data: [DONE]"
	maxEventLine   = 1 << 20
	errorBodyLimit = 512
)

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamChat posts a system and user message to the endpoint and feeds each
// content delta to onDelta. It returns the concatenated response. The body is
// read until the [DONE] terminator, EOF or an error; there are no retries.
func (c *Client) StreamChat(ctx context.Context, ep Endpoint, systemPrompt, userContent string, onDelta DeltaHandler) (string, error) {
	payload := chatRequest{
		Model: ep.Model,
		Messages: []Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: userContent},
		},
		Stream: true,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL(), bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	c.logger.Info("chat request", zap.String("url", ep.URL()), zap.String("model", ep.Model), zap.Int("user_chars", len(userContent)))
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		apiErr := &RemoteAPIError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       string(body),
		}
		c.logger.Warn("chat request rejected", zap.Int("status", resp.StatusCode), zap.Error(apiErr))
		return "", apiErr
	}

	var full strings.Builder
	err = ParseStream(resp.Body, c.logger, func(delta string) error {
		full.WriteString(delta)
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	})
	if err != nil {
		return full.String(), err
	}
	c.logger.Info("chat stream complete", zap.Int("chars", full.Len()))
	return full.String(), nil
}

// ParseStream reads server-sent event lines from r. Lines starting with
// "data: " carry a JSON chunk whose choices[0].delta.content is passed to
// onDelta when non-empty. "data: [DONE]" ends the stream; nothing after it is
// read. Malformed chunks are logged and skipped.
func ParseStream(r io.Reader, logger *zap.Logger, onDelta DeltaHandler) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		if line == doneLine {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(line[len(dataPrefix):]), &chunk); err != nil {
			logger.Warn("skipping malformed stream line", zap.Error(&StreamParseError{Line: line, Err: err}))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if err := onDelta(content); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	if text == "" {
		text = strconv.Itoa(resp.StatusCode)
	}
	return text
}
