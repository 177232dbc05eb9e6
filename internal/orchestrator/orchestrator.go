// Package orchestrator runs chat turns: it validates a question, assembles
// document context, dispatches to the remote or local backend and keeps the
// transcript in step with the streamed output.
//
// At most one turn runs at a time. A submission while a turn is running
// returns ErrTurnInFlight and changes nothing.
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/document"
	"github.com/csheth/pagechat/internal/llm"
	"github.com/csheth/pagechat/internal/worker"
)

const defaultEventBuffer = 512

// SettingsSource provides the current settings.
type SettingsSource interface {
	Snapshot() config.Settings
}

// StaticSettings is a fixed SettingsSource.
type StaticSettings config.Settings

// Snapshot returns the settings.
func (s StaticSettings) Snapshot() config.Settings {
	return config.Settings(s)
}

// Renderer formats assistant markdown.
type Renderer interface {
	Render(markdown string) string
}

// RemoteClient streams a chat completion.
type RemoteClient interface {
	StreamChat(ctx context.Context, ep llm.Endpoint, systemPrompt, userContent string, onDelta llm.DeltaHandler) (string, error)
}

// LocalWorker is the local inference actor.
type LocalWorker interface {
	Send(req worker.Request) error
	Events() <-chan worker.Event
	Close() error
}

// WorkerFactory creates the local worker. It is called at most once.
type WorkerFactory func() LocalWorker

// Config wires an Orchestrator.
type Config struct {
	Session   *document.Session
	Fetcher   *document.Fetcher
	Settings  SettingsSource
	Registry  config.Registry
	Remote    RemoteClient
	Renderer  Renderer
	NewWorker WorkerFactory
	Logger    *zap.Logger
	// EventBuffer sizes the event channel; 0 uses a default.
	EventBuffer int
}

// Orchestrator owns the document session, the transcript and the local worker.
type Orchestrator struct {
	session   *document.Session
	fetcher   *document.Fetcher
	settings  SettingsSource
	registry  config.Registry
	remote    RemoteClient
	render    Renderer
	newWorker WorkerFactory
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu         sync.Mutex
	transcript []Entry
	busy       bool
	turnState  TurnState
	backend    string

	local localState
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session := cfg.Session
	if session == nil {
		session = document.NewSession(logger.Named("document"))
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	settings := cfg.Settings
	if settings == nil {
		settings = StaticSettings(config.Defaults())
	}
	registry := cfg.Registry
	if len(registry.Models) == 0 {
		registry = config.DefaultRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		session:   session,
		fetcher:   cfg.Fetcher,
		settings:  settings,
		registry:  registry,
		remote:    cfg.Remote,
		render:    cfg.Renderer,
		newWorker: cfg.NewWorker,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, buffer),
	}
	s := o.settings.Snapshot()
	o.backend = s.Backend
	o.local.modelID = s.LocalModelID
	return o
}

// Events is the stream of transcript, turn and pipeline events.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Session returns the document session.
func (o *Orchestrator) Session() *document.Session {
	return o.session
}

// Registry returns the local model registry.
func (o *Orchestrator) Registry() config.Registry {
	return o.registry
}

// Close stops the local worker and releases the document.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.mu.Lock()
	w := o.local.worker
	o.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
	return o.session.Close()
}

// Transcript returns a copy of the transcript.
func (o *Orchestrator) Transcript() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Entry(nil), o.transcript...)
}

// Busy reports whether a turn is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// TurnState returns the state of the current or last turn.
func (o *Orchestrator) TurnState() TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnState
}

// Notice appends a system entry.
func (o *Orchestrator) Notice(text string) {
	o.appendEntry(Entry{Role: RoleSystem, Content: text})
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) appendEntry(e Entry) int {
	o.mu.Lock()
	o.transcript = append(o.transcript, e)
	idx := len(o.transcript) - 1
	o.mu.Unlock()
	o.emit(EntryAppended{Index: idx, Entry: e})
	return idx
}

// replaceEntry swaps the content of entry idx wholesale.
func (o *Orchestrator) replaceEntry(idx int, content string, update EntryUpdated) {
	rendered := content
	if o.render != nil {
		rendered = o.render.Render(content)
	}
	o.mu.Lock()
	o.transcript[idx].Content = content
	o.transcript[idx].Rendered = rendered
	entry := o.transcript[idx]
	o.mu.Unlock()
	update.Index = idx
	update.Entry = entry
	o.emit(update)
}

func (o *Orchestrator) setTurnState(turnID string, state TurnState, err error) {
	o.mu.Lock()
	o.turnState = state
	o.mu.Unlock()
	o.logger.Debug("turn state", zap.String("turn", turnID), zap.Stringer("state", state))
	o.emit(TurnStateChanged{TurnID: turnID, State: state, Err: err})
}

// ApplySettings reacts to changed settings. Switching the backend or the
// local model id invalidates any loaded local model.
func (o *Orchestrator) ApplySettings(s config.Settings) {
	o.mu.Lock()
	backendChanged := s.Backend != o.backend
	modelChanged := s.LocalModelID != o.local.modelID
	o.backend = s.Backend
	o.mu.Unlock()

	if modelChanged {
		o.SelectModel(s.LocalModelID)
		return
	}
	if backendChanged {
		o.logger.Info("backend switched", zap.String("backend", s.Backend))
		o.invalidateLocal("Backend switched; the local model must be reloaded.")
	}
}
