package worker

import (
	"context"
	"strings"
	"sync"
)

type fakeRuntime struct {
	mu sync.Mutex

	deviceErr map[string]error
	modelErr  map[string]error
	tokErr    error
	warmErr   error

	// loadGate, when set, blocks LoadModel until closed.
	loadGate chan struct{}

	pieces   []string
	step     chan struct{}
	cacheOut KVCache
	genErr   error

	checks         []string
	tokenizerLoads int
	modelLoads     []Placement
	params         []GenerateParams
	closed         int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{deviceErr: map[string]error{}, modelErr: map[string]error{}}
}

func (f *fakeRuntime) CheckDevice(_ context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, device)
	return f.deviceErr[device]
}

func (f *fakeRuntime) LoadTokenizer(_ context.Context, spec ModelSpec, _ Placement, progress ProgressFunc) (Tokenizer, error) {
	f.mu.Lock()
	f.tokenizerLoads++
	err := f.tokErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	progress(Progress{File: spec.ID + "/tokenizer.json", Status: ProgressInitiate})
	progress(Progress{File: spec.ID + "/tokenizer.json", Status: ProgressRunning, Percent: 50})
	progress(Progress{File: spec.ID + "/tokenizer.json", Status: ProgressDone, Percent: 100})
	return fakeTokenizer{}, nil
}

func (f *fakeRuntime) LoadModel(ctx context.Context, _ ModelSpec, placement Placement, _ ProgressFunc) (Model, error) {
	f.mu.Lock()
	gate := f.loadGate
	f.modelLoads = append(f.modelLoads, placement)
	err := f.modelErr[placement.Device]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeModel{rt: f}, nil
}

func (f *fakeRuntime) snapshot() (checks []string, tokLoads int, modelLoads []Placement, params []GenerateParams, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checks...), f.tokenizerLoads,
		append([]Placement(nil), f.modelLoads...), append([]GenerateParams(nil), f.params...), f.closed
}

type fakeTokenizer struct{}

func (fakeTokenizer) ApplyTemplate(messages []Message) (Prompt, error) {
	var p Prompt
	for _, m := range messages {
		if m.Role == "system" {
			p.System = m.Content
			continue
		}
		p.Text += m.Content
	}
	return p, nil
}

func (fakeTokenizer) Decode(pieces []string, _ bool) string {
	return strings.Join(pieces, "")
}

type fakeModel struct {
	rt *fakeRuntime
}

func (m *fakeModel) Warmup(context.Context) error {
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()
	return m.rt.warmErr
}

func (m *fakeModel) Generate(ctx context.Context, params GenerateParams, onToken TokenFunc) (GenerateResult, error) {
	m.rt.mu.Lock()
	m.rt.params = append(m.rt.params, params)
	pieces := append([]string(nil), m.rt.pieces...)
	step := m.rt.step
	cache := m.rt.cacheOut
	genErr := m.rt.genErr
	m.rt.mu.Unlock()

	for i, piece := range pieces {
		if step != nil {
			select {
			case <-step:
			case <-ctx.Done():
				return GenerateResult{}, ctx.Err()
			}
		}
		if !onToken(piece) {
			return GenerateResult{Tokens: i}, nil
		}
	}
	if genErr != nil {
		return GenerateResult{}, genErr
	}
	return GenerateResult{Cache: cache, Tokens: len(pieces)}, nil
}

func (m *fakeModel) Close() error {
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()
	m.rt.closed++
	return nil
}
