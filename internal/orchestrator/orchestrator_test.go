package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/document"
	"github.com/csheth/pagechat/internal/llm"
	"github.com/csheth/pagechat/internal/prompt"
	"github.com/csheth/pagechat/internal/worker"
)

type textPage struct {
	text string
	err  error
}

func (p textPage) TextItems() ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return strings.Fields(p.text), nil
}

type textDocument struct {
	pages []string
	errOn int
}

func (d *textDocument) NumPages() int { return len(d.pages) }

func (d *textDocument) Page(n int) (document.Page, error) {
	if n < 1 || n > len(d.pages) {
		return nil, fmt.Errorf("page %d out of range", n)
	}
	if n == d.errOn {
		return textPage{err: errors.New("broken content stream")}, nil
	}
	return textPage{text: d.pages[n-1]}, nil
}

func (d *textDocument) Close() error { return nil }

type settingsBox struct {
	mu sync.Mutex
	s  config.Settings
}

func newSettingsBox(mutate func(*config.Settings)) *settingsBox {
	s := config.Defaults()
	if mutate != nil {
		mutate(&s)
	}
	return &settingsBox{s: s}
}

func (b *settingsBox) Snapshot() config.Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *settingsBox) update(mutate func(*config.Settings)) config.Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	mutate(&b.s)
	return b.s
}

type fakeRemote struct {
	mu     sync.Mutex
	calls  int
	ep     llm.Endpoint
	system string
	user   string
	deltas []string
	err    error
	// started is closed on the first call; gate blocks the call until closed.
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeRemote) StreamChat(_ context.Context, ep llm.Endpoint, systemPrompt, userContent string, onDelta llm.DeltaHandler) (string, error) {
	f.mu.Lock()
	f.calls++
	f.ep, f.system, f.user = ep, systemPrompt, userContent
	started, gate := f.started, f.gate
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	var full strings.Builder
	for _, d := range f.deltas {
		full.WriteString(d)
		if err := onDelta(d); err != nil {
			return full.String(), err
		}
	}
	return full.String(), f.err
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type markRenderer struct{}

func (markRenderer) Render(md string) string { return "<" + md + ">" }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// waitIdle blocks until n turns have returned to TurnIdle.
func (r *recorder) waitIdle(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		idle := 0
		for _, ev := range r.all() {
			if e, ok := ev.(TurnStateChanged); ok && e.State == TurnIdle {
				idle++
			}
		}
		return idle >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func drain(t *testing.T, o *Orchestrator) *recorder {
	t.Helper()
	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-o.Events():
				rec.mu.Lock()
				rec.events = append(rec.events, ev)
				rec.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		_ = o.Close()
	})
	return rec
}

func newTestOrchestrator(t *testing.T, settings *settingsBox, remote RemoteClient, factory WorkerFactory) (*Orchestrator, *recorder) {
	t.Helper()
	o := New(Config{
		Settings:  settings,
		Remote:    remote,
		Renderer:  markRenderer{},
		NewWorker: factory,
	})
	return o, drain(t, o)
}

func loadPages(o *Orchestrator, pages ...string) *textDocument {
	doc := &textDocument{pages: pages}
	o.Session().Load("paper.pdf", doc)
	return doc
}

func withKey(s *config.Settings) { s.APIKey = "sk-test" }

func TestSubmitMissingCredential(t *testing.T) {
	remote := &fakeRemote{}
	o, _ := newTestOrchestrator(t, newSettingsBox(nil), remote, nil)
	loadPages(o, "alpha")

	err := o.Submit(context.Background(), Request{Question: "what?", Mode: prompt.Single(), Anchor: 1})

	require.ErrorIs(t, err, ErrMissingCredential)
	transcript := o.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, RoleSystem, transcript[0].Role)
	assert.Equal(t, NoticeMissingCredential, transcript[0].Content)
	assert.Zero(t, remote.callCount())
	assert.False(t, o.Busy())
	assert.Equal(t, TurnIdle, o.TurnState())
}

func TestSubmitNoDocument(t *testing.T) {
	remote := &fakeRemote{}
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)

	err := o.Submit(context.Background(), Request{Question: "what?", Mode: prompt.Single(), Anchor: 1})

	require.ErrorIs(t, err, ErrNoDocument)
	transcript := o.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, NoticeNoDocument, transcript[0].Content)
	assert.Zero(t, remote.callCount())
}

func TestSubmitModelNotReady(t *testing.T) {
	settings := newSettingsBox(func(s *config.Settings) { s.Backend = config.BackendLocal })
	o, _ := newTestOrchestrator(t, settings, &fakeRemote{}, nil)
	loadPages(o, "alpha")

	err := o.Submit(context.Background(), Request{Question: "what?", Mode: prompt.Single(), Anchor: 1})

	require.ErrorIs(t, err, ErrModelNotReady)
	transcript := o.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, NoticeModelNotReady, transcript[0].Content)
}

func TestSubmitBlankQuestionIsIgnored(t *testing.T) {
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), &fakeRemote{}, nil)
	require.NoError(t, o.Submit(context.Background(), Request{Question: "   "}))
	assert.Empty(t, o.Transcript())
}

func TestRemoteTurnUsesPageWindow(t *testing.T) {
	remote := &fakeRemote{deltas: []string{"Hello", " world"}}
	o, rec := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	loadPages(o, "first page", "second page", "third page")

	err := o.Submit(context.Background(), Request{Question: "summarise", Mode: prompt.Window(2), Anchor: 2})
	require.NoError(t, err)
	rec.waitIdle(t, 1)

	assert.Contains(t, remote.system, "PAGES 2 to 3")
	assert.Contains(t, remote.user, "[Page 2]\nsecond page")
	assert.Contains(t, remote.user, "[Page 3]\nthird page")
	assert.NotContains(t, remote.user, "first page")
	assert.True(t, strings.HasSuffix(remote.user, "Question: summarise"))
	assert.Equal(t, "sk-test", remote.ep.APIKey)
	assert.Equal(t, config.DefaultModelName, remote.ep.Model)

	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, Entry{Role: RoleUser, Content: "summarise"}, transcript[0])
	assert.Equal(t, RoleAssistant, transcript[1].Role)
	assert.Equal(t, "Hello world", transcript[1].Content)
	assert.Equal(t, "<Hello world>", transcript[1].Rendered)

	var rendered []string
	var states []TurnState
	for _, ev := range rec.all() {
		switch e := ev.(type) {
		case EntryUpdated:
			rendered = append(rendered, e.Entry.Rendered)
		case TurnStateChanged:
			states = append(states, e.State)
		}
	}
	assert.Equal(t, []string{"<Hello>", "<Hello world>"}, rendered)
	assert.Equal(t, []TurnState{
		TurnValidating, TurnAssemblingContext, TurnAwaitingBackend,
		TurnStreaming, TurnComplete, TurnIdle,
	}, states)
}

func TestSecondSubmitWhileStreamingIsInert(t *testing.T) {
	remote := &fakeRemote{
		deltas:  []string{"done"},
		started: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	loadPages(o, "alpha")

	first := make(chan error, 1)
	go func() {
		first <- o.Submit(context.Background(), Request{Question: "one", Mode: prompt.Single(), Anchor: 1})
	}()
	<-remote.started
	require.True(t, o.Busy())

	err := o.Submit(context.Background(), Request{Question: "two", Mode: prompt.Single(), Anchor: 1})
	require.ErrorIs(t, err, ErrTurnInFlight)

	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "one", transcript[0].Content)
	assert.Equal(t, placeholderThinking, transcript[1].Content)

	close(remote.gate)
	require.NoError(t, <-first)
	assert.False(t, o.Busy())
	assert.Len(t, o.Transcript(), 2)
	assert.Equal(t, 1, remote.callCount())
}

func TestRemoteErrorKeepsPartialAnswer(t *testing.T) {
	remote := &fakeRemote{deltas: []string{"partial"}, err: &llm.RemoteAPIError{StatusCode: 500, Status: "Internal Server Error"}}
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	loadPages(o, "alpha")

	err := o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1})

	var apiErr *llm.RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.True(t, strings.HasPrefix(transcript[1].Content, "partial\n\n[Error: "))
	assert.Equal(t, TurnIdle, o.TurnState())
	assert.False(t, o.Busy())
}

func TestRemoteErrorReplacesPlaceholder(t *testing.T) {
	remote := &fakeRemote{err: errors.New("connection refused")}
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	loadPages(o, "alpha")

	require.Error(t, o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1}))
	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "[Error: connection refused]", transcript[1].Content)
}

func TestEmptyRemoteStreamClearsPlaceholder(t *testing.T) {
	remote := &fakeRemote{}
	o, rec := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	loadPages(o, "alpha")

	require.NoError(t, o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1}))

	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, noAnswer, transcript[1].Content)
	assert.Equal(t, 1, remote.callCount())
	rec.waitIdle(t, 1)
	var states []TurnState
	for _, ev := range rec.all() {
		if e, ok := ev.(TurnStateChanged); ok {
			states = append(states, e.State)
		}
	}
	assert.Contains(t, states, TurnComplete)
	assert.NotContains(t, states, TurnFailed)
}

func TestExtractionErrorSkipsBackend(t *testing.T) {
	remote := &fakeRemote{deltas: []string{"never"}}
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	doc := loadPages(o, "alpha", "beta")
	doc.errOn = 1

	err := o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1})

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Zero(t, remote.callCount())
	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, RoleUser, transcript[0].Role)
	assert.Equal(t, RoleSystem, transcript[1].Role)
	assert.True(t, strings.HasPrefix(transcript[1].Content, "Error extracting text: "))
	assert.False(t, o.Busy())
}

func TestWholeDocumentAnnouncesExtraction(t *testing.T) {
	remote := &fakeRemote{deltas: []string{"ok"}}
	o, _ := newTestOrchestrator(t, newSettingsBox(withKey), remote, nil)
	loadPages(o, "alpha", "beta")

	require.NoError(t, o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Whole(), Anchor: 2}))

	transcript := o.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, prompt.StatusWholeDocument, transcript[1].Content)
	assert.Contains(t, remote.system, "full content")
	assert.Contains(t, remote.user, "[Page 1]\nalpha")
	assert.Contains(t, remote.user, "[Page 2]\nbeta")
}

func TestOpenDocumentNotice(t *testing.T) {
	o, rec := newTestOrchestrator(t, newSettingsBox(withKey), &fakeRemote{}, nil)

	err := o.OpenDocument(context.Background(), "/definitely/missing.pdf")
	require.Error(t, err)
	transcript := o.Transcript()
	require.Len(t, transcript, 1)
	assert.Contains(t, transcript[0].Content, "Could not open")
	for _, ev := range rec.all() {
		_, loaded := ev.(DocumentLoaded)
		assert.False(t, loaded)
	}
}

// Local backend.

type scriptRuntime struct {
	mu     sync.Mutex
	pieces []string
	loads  []string
	genErr error
	// gates holds LoadModel for a model id until the channel is closed.
	gates map[string]chan struct{}
}

func (r *scriptRuntime) CheckDevice(context.Context, string) error { return nil }

func (r *scriptRuntime) LoadTokenizer(_ context.Context, spec worker.ModelSpec, _ worker.Placement, progress worker.ProgressFunc) (worker.Tokenizer, error) {
	progress(worker.Progress{File: spec.ID, Status: worker.ProgressDone, Percent: 100})
	return scriptTokenizer{}, nil
}

func (r *scriptRuntime) LoadModel(ctx context.Context, spec worker.ModelSpec, _ worker.Placement, _ worker.ProgressFunc) (worker.Model, error) {
	r.mu.Lock()
	r.loads = append(r.loads, spec.ID)
	gate := r.gates[spec.ID]
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return scriptModel{rt: r}, nil
}

func (r *scriptRuntime) loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loads...)
}

type scriptTokenizer struct{}

func (scriptTokenizer) ApplyTemplate(messages []worker.Message) (worker.Prompt, error) {
	var p worker.Prompt
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			p.System = m.Content
			continue
		}
		p.Text = m.Content
	}
	return p, nil
}

func (scriptTokenizer) Decode(pieces []string, _ bool) string {
	return strings.Join(pieces, "")
}

type scriptModel struct {
	rt *scriptRuntime
}

func (scriptModel) Warmup(context.Context) error { return nil }

func (m scriptModel) Generate(_ context.Context, params worker.GenerateParams, onToken worker.TokenFunc) (worker.GenerateResult, error) {
	m.rt.mu.Lock()
	pieces, genErr := m.rt.pieces, m.rt.genErr
	m.rt.mu.Unlock()
	for i, piece := range pieces {
		if !onToken(piece) {
			return worker.GenerateResult{Tokens: i}, nil
		}
	}
	if genErr != nil {
		return worker.GenerateResult{}, genErr
	}
	return worker.GenerateResult{Cache: append(params.Cache, len(pieces)), Tokens: len(pieces)}, nil
}

func (scriptModel) Close() error { return nil }

type countingFactory struct {
	mu    sync.Mutex
	count int
	rt    worker.Runtime
}

func (f *countingFactory) New() LocalWorker {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	return worker.New(f.rt)
}

func (f *countingFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func localSettings() *settingsBox {
	return newSettingsBox(func(s *config.Settings) { s.Backend = config.BackendLocal })
}

func waitReady(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return o.PipelineState() == PipelineReady }, 2*time.Second, 5*time.Millisecond)
}

func TestLocalTurnShowsAnswerOnly(t *testing.T) {
	rt := &scriptRuntime{pieces: []string{"<think>", "check page", "</think>", "Hi", " there"}}
	factory := &countingFactory{rt: rt}
	o, rec := newTestOrchestrator(t, localSettings(), nil, factory.New)
	loadPages(o, "alpha")

	o.LoadModel()
	waitReady(t, o)

	require.NoError(t, o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1}))

	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "Hi there", transcript[1].Content)
	rec.waitIdle(t, 1)

	var sawThought bool
	for _, ev := range rec.all() {
		if u, ok := ev.(EntryUpdated); ok && u.Thought == "check page" {
			sawThought = true
			assert.NotContains(t, u.Entry.Content, "check page")
		}
	}
	assert.True(t, sawThought)

	require.NoError(t, o.Submit(context.Background(), Request{Question: "again", Mode: prompt.Single(), Anchor: 1}))
	assert.Equal(t, 1, factory.created())
	assert.Equal(t, []string{config.Defaults().LocalModelID}, rt.loaded())
}

func TestLocalGenerationErrorIsAnnotated(t *testing.T) {
	rt := &scriptRuntime{pieces: []string{"so far"}, genErr: errors.New("device lost")}
	factory := &countingFactory{rt: rt}
	o, _ := newTestOrchestrator(t, localSettings(), nil, factory.New)
	loadPages(o, "alpha")
	o.LoadModel()
	waitReady(t, o)

	err := o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1})

	var genErr *worker.GenerationError
	require.ErrorAs(t, err, &genErr)
	transcript := o.Transcript()
	require.Len(t, transcript, 2)
	assert.True(t, strings.HasPrefix(transcript[1].Content, "so far\n\n[Error: "))
	assert.False(t, o.Busy())
}

func TestModelSwitchRequiresReload(t *testing.T) {
	rt := &scriptRuntime{pieces: []string{"ok"}}
	factory := &countingFactory{rt: rt}
	settings := localSettings()
	o, _ := newTestOrchestrator(t, settings, nil, factory.New)
	loadPages(o, "alpha")
	o.LoadModel()
	waitReady(t, o)

	next := settings.update(func(s *config.Settings) { s.LocalModelID = "llama3.2:1b" })
	o.ApplySettings(next)

	assert.Equal(t, PipelineUnloaded, o.PipelineState())
	err := o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1})
	require.ErrorIs(t, err, ErrModelNotReady)

	o.LoadModel()
	waitReady(t, o)
	require.NoError(t, o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1}))
	assert.Equal(t, 1, factory.created())
	assert.Equal(t, "llama3.2:1b", rt.loaded()[len(rt.loaded())-1])
}

func TestSwitchDuringLoadLoadsNewModel(t *testing.T) {
	first := config.Defaults().LocalModelID
	const second = "llama3.2:1b"
	entry, ok := config.DefaultRegistry().Lookup(first)
	require.True(t, ok)
	gate := make(chan struct{})
	rt := &scriptRuntime{pieces: []string{"ok"}, gates: map[string]chan struct{}{first: gate}}
	factory := &countingFactory{rt: rt}
	settings := localSettings()
	o, rec := newTestOrchestrator(t, settings, nil, factory.New)
	loadPages(o, "alpha")

	o.LoadModel()
	// Wait until the worker is parked inside the first model load and its
	// status has been routed.
	require.Eventually(t, func() bool {
		if len(rt.loaded()) != 1 {
			return false
		}
		for _, ev := range rec.all() {
			if e, ok := ev.(PipelineStatus); ok && e.State == PipelineLoading && strings.Contains(e.Message, entry.Name) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	o.ApplySettings(settings.update(func(s *config.Settings) { s.LocalModelID = second }))
	o.LoadModel()
	close(gate)

	waitReady(t, o)
	assert.Equal(t, []string{first, second}, rt.loaded())
	require.NoError(t, o.Submit(context.Background(), Request{Question: "q", Mode: prompt.Single(), Anchor: 1}))

	// Nothing from the superseded load is reported once the switch happened.
	var switched bool
	for _, ev := range rec.all() {
		switch e := ev.(type) {
		case PipelineStatus:
			if e.State == PipelineUnloaded {
				switched = true
				continue
			}
			if switched {
				assert.Equal(t, second, e.ModelID, "status %v", e.State)
			}
		case LoadProgress:
			if switched {
				assert.Equal(t, second, e.Progress.ModelID)
			}
		}
	}
	assert.True(t, switched)
}

func TestBackendSwitchUnloadsLocalModel(t *testing.T) {
	rt := &scriptRuntime{pieces: []string{"ok"}}
	factory := &countingFactory{rt: rt}
	settings := localSettings()
	o, _ := newTestOrchestrator(t, settings, nil, factory.New)
	o.LoadModel()
	waitReady(t, o)

	o.ApplySettings(settings.update(func(s *config.Settings) { s.Backend = config.BackendRemote }))
	assert.Equal(t, PipelineUnloaded, o.PipelineState())

	transcript := o.Transcript()
	require.NotEmpty(t, transcript)
	assert.Contains(t, transcript[len(transcript)-1].Content, "must be reloaded")
}

func TestStaleWorkerEventsAreDropped(t *testing.T) {
	o, rec := newTestOrchestrator(t, localSettings(), nil, nil)

	o.route(worker.Update{ID: "old-turn", Answer: "late"})
	o.route(worker.Ready{ModelID: "someone-else"})

	assert.Equal(t, PipelineUnloaded, o.PipelineState())
	assert.Empty(t, o.Transcript())
	assert.Empty(t, rec.all())
}

func TestLoadModelWithoutWorkerFactory(t *testing.T) {
	o, _ := newTestOrchestrator(t, localSettings(), nil, nil)
	o.LoadModel()
	transcript := o.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "Local inference is not available.", transcript[0].Content)
}
