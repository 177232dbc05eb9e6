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

type pullChunk struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

// pull streams /api/pull, mapping layer progress to initiate, progress and
// done events keyed by digest.
func (r *Runtime) pull(ctx context.Context, tag string, progress worker.ProgressFunc) error {
	resp, err := r.post(ctx, "/api/pull", map[string]any{"model": tag, "stream": true})
	if err != nil {
		return fmt.Errorf("pull %s: %w", tag, err)
	}
	defer resp.Body.Close()

	tracker := newPullTracker(tag, progress)
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk pullChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("pull %s: stream ended before success", tag)
			}
			return fmt.Errorf("pull %s: %w", tag, err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("pull %s: %s", tag, chunk.Error)
		}
		tracker.observe(chunk)
		if chunk.Status == "success" {
			tracker.finish()
			r.logger.Info("ollama pull complete", zap.String("tag", tag), zap.Int("layers", len(tracker.order)))
			return nil
		}
	}
}

type layerState struct {
	total int64
	done  bool
	last  float64
}

type pullTracker struct {
	tag      string
	progress worker.ProgressFunc
	layers   map[string]*layerState
	order    []string
}

func newPullTracker(tag string, progress worker.ProgressFunc) *pullTracker {
	if progress == nil {
		progress = func(worker.Progress) {}
	}
	return &pullTracker{tag: tag, progress: progress, layers: map[string]*layerState{}}
}

func (t *pullTracker) file(digest string) string {
	return t.tag + "/" + strings.TrimPrefix(digest, "sha256:")
}

func (t *pullTracker) observe(chunk pullChunk) {
	if chunk.Digest == "" {
		return
	}
	layer, ok := t.layers[chunk.Digest]
	if !ok {
		layer = &layerState{total: chunk.Total}
		t.layers[chunk.Digest] = layer
		t.order = append(t.order, chunk.Digest)
		t.progress(worker.Progress{File: t.file(chunk.Digest), Status: worker.ProgressInitiate, Total: chunk.Total})
	}
	if layer.done {
		return
	}
	if chunk.Total > 0 {
		layer.total = chunk.Total
	}
	if layer.total > 0 && chunk.Completed >= layer.total {
		t.complete(chunk.Digest, layer)
		return
	}
	if layer.total <= 0 || chunk.Completed <= 0 {
		return
	}
	pct := float64(chunk.Completed) * 100 / float64(layer.total)
	if pct < 1 {
		pct = 1
	}
	if pct > 99 {
		pct = 99
	}
	if pct == layer.last {
		return
	}
	layer.last = pct
	t.progress(worker.Progress{
		File:    t.file(chunk.Digest),
		Status:  worker.ProgressRunning,
		Percent: pct,
		Loaded:  chunk.Completed,
		Total:   layer.total,
	})
}

func (t *pullTracker) complete(digest string, layer *layerState) {
	layer.done = true
	t.progress(worker.Progress{
		File:    t.file(digest),
		Status:  worker.ProgressDone,
		Percent: 100,
		Loaded:  layer.total,
		Total:   layer.total,
	})
}

// finish closes out layers the server never reported as complete, such as
// layers that were already present locally.
func (t *pullTracker) finish() {
	for _, digest := range t.order {
		if layer := t.layers[digest]; !layer.done {
			t.complete(digest, layer)
		}
	}
}
