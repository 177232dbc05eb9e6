package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/document"
	"github.com/csheth/pagechat/internal/llm"
	"github.com/csheth/pagechat/internal/prompt"
	"github.com/csheth/pagechat/internal/worker"
)

// Request is one user question.
type Request struct {
	Question string
	Mode     prompt.Mode
	// Anchor is the page the context starts at, usually the current page.
	Anchor int
}

// Submit runs one turn to completion. It blocks until the turn reaches a
// terminal state; callers that must stay responsive run it in a goroutine.
//
// A blank question is ignored. A submission while another turn runs returns
// ErrTurnInFlight without touching the transcript. Validation failures append
// a notice and return the matching sentinel.
func (o *Orchestrator) Submit(ctx context.Context, req Request) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil
	}
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrTurnInFlight
	}
	o.busy = true
	o.mu.Unlock()

	turnID := uuid.NewString()
	log := o.logger.With(zap.String("turn", turnID))
	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
		o.setTurnState(turnID, TurnIdle, nil)
	}()

	settings := o.settings.Snapshot()
	o.setTurnState(turnID, TurnValidating, nil)
	if err := o.validate(settings); err != nil {
		log.Info("turn rejected", zap.Error(err))
		o.Notice(noticeFor(err))
		o.setTurnState(turnID, TurnFailed, err)
		return err
	}

	o.appendEntry(Entry{Role: RoleUser, Content: question})

	o.setTurnState(turnID, TurnAssemblingContext, nil)
	plan := prompt.Plan(req.Mode, req.Anchor, o.session.PageCount())
	if plan.Status != "" {
		o.Notice(plan.Status)
	}
	asm, err := prompt.Assemble(ctx, o.session, req.Mode, req.Anchor, prompt.Options{Budget: settings.ContextBudget})
	if err != nil {
		if !errors.Is(err, document.ErrNoDocument) {
			err = &ExtractionError{Err: err}
		}
		log.Warn("context assembly failed", zap.Error(err))
		o.Notice(err.Error())
		o.setTurnState(turnID, TurnFailed, err)
		return err
	}
	log.Info("context assembled",
		zap.String("mode", req.Mode.String()),
		zap.String("span", asm.Description),
		zap.Int("runes", len([]rune(asm.Context))),
		zap.Bool("clipped", asm.Clipped))

	idx := o.appendEntry(Entry{Role: RoleAssistant, Content: placeholderThinking})
	o.setTurnState(turnID, TurnAwaitingBackend, nil)

	userContent := prompt.UserContent(asm.Context, question)
	var shown bool
	if settings.Backend == config.BackendLocal {
		shown, err = o.runLocal(turnID, idx, asm.SystemPrompt, userContent)
	} else {
		shown, err = o.runRemote(ctx, turnID, idx, settings, asm.SystemPrompt, userContent)
	}
	if err != nil {
		log.Warn("turn failed", zap.Error(err))
		o.annotate(idx, shown, err)
		o.setTurnState(turnID, TurnFailed, err)
		return err
	}
	o.setTurnState(turnID, TurnComplete, nil)
	return nil
}

func (o *Orchestrator) validate(s config.Settings) error {
	if s.Backend != config.BackendLocal && strings.TrimSpace(s.APIKey) == "" {
		return ErrMissingCredential
	}
	if !o.session.Loaded() {
		return ErrNoDocument
	}
	if s.Backend == config.BackendLocal && o.PipelineState() != PipelineReady {
		return ErrModelNotReady
	}
	return nil
}

func noticeFor(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return NoticeMissingCredential
	case errors.Is(err, ErrNoDocument):
		return NoticeNoDocument
	case errors.Is(err, ErrModelNotReady):
		return NoticeModelNotReady
	default:
		return err.Error()
	}
}

// annotate appends the error to the assistant entry. With nothing streamed
// yet the placeholder is replaced instead.
func (o *Orchestrator) annotate(idx int, shown bool, err error) {
	content := errorAnnotation(err)
	if shown {
		o.mu.Lock()
		prior := o.transcript[idx].Content
		o.mu.Unlock()
		content = prior + "\n\n" + content
	}
	o.replaceEntry(idx, content, EntryUpdated{})
}

// runRemote streams from the chat completions endpoint. Each delta re-renders
// the whole accumulated answer; a stream without content clears the
// placeholder.
func (o *Orchestrator) runRemote(ctx context.Context, turnID string, idx int, s config.Settings, system, user string) (bool, error) {
	if o.remote == nil {
		return false, errors.New("remote backend is not configured")
	}
	ep := llm.Endpoint{BaseURL: s.APIURL, APIKey: s.APIKey, Model: s.ModelName}
	var (
		acc   strings.Builder
		shown bool
	)
	_, err := o.remote.StreamChat(ctx, ep, system, user, func(delta string) error {
		if !shown {
			o.setTurnState(turnID, TurnStreaming, nil)
			shown = true
		}
		acc.WriteString(delta)
		o.replaceEntry(idx, acc.String(), EntryUpdated{})
		return nil
	})
	if err == nil && !shown {
		o.replaceEntry(idx, noAnswer, EntryUpdated{})
		shown = true
	}
	return shown, err
}

// runLocal sends one generation to the worker and applies its events until
// Complete or Failed arrives for this turn.
func (o *Orchestrator) runLocal(turnID string, idx int, system, user string) (bool, error) {
	w := o.ensureWorker()
	if w == nil {
		return false, ErrModelNotReady
	}
	turn := &localTurn{
		id:     uuid.NewString(),
		events: make(chan worker.Event, 16),
		done:   make(chan struct{}),
	}
	o.mu.Lock()
	o.local.turn = turn
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.local.turn == turn {
			o.local.turn = nil
		}
		o.mu.Unlock()
		close(turn.done)
	}()

	err := w.Send(worker.Generate{
		ID: turn.id,
		Messages: []worker.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err != nil {
		return false, fmt.Errorf("send generate: %w", err)
	}

	var shown bool
	for {
		select {
		case <-o.ctx.Done():
			return shown, o.ctx.Err()
		case ev := <-turn.events:
			switch e := ev.(type) {
			case worker.Start:
				o.setTurnState(turnID, TurnStreaming, nil)
			case worker.Update:
				if e.Answer == "" && !shown {
					o.replaceEntry(idx, placeholderThinking, EntryUpdated{Thought: e.Thought, Phase: e.Phase, Tokens: e.Tokens, TPS: e.TPS})
					continue
				}
				shown = true
				o.replaceEntry(idx, e.Answer, EntryUpdated{Thought: e.Thought, Phase: e.Phase, Tokens: e.Tokens, TPS: e.TPS})
			case worker.Complete:
				answer := e.Answer
				if answer == "" {
					answer = noAnswer
				}
				o.replaceEntry(idx, answer, EntryUpdated{Thought: e.Thought, Phase: worker.PhaseAnswering, Tokens: e.Tokens})
				o.logger.Info("local turn complete",
					zap.String("turn", turnID),
					zap.Int("tokens", e.Tokens),
					zap.Bool("interrupted", e.Interrupted))
				return true, nil
			case worker.Failed:
				return shown, e.Err
			}
		}
	}
}

const noAnswer = "_(no answer)_"

// OpenDocument resolves input (a path, URL or arXiv id), replaces the
// current document and announces it in the transcript.
func (o *Orchestrator) OpenDocument(ctx context.Context, input string) error {
	name, doc, err := document.Open(ctx, input, o.fetcher)
	if err != nil {
		o.logger.Warn("open document failed", zap.String("input", input), zap.Error(err))
		o.Notice(fmt.Sprintf("Could not open %s: %v", input, err))
		return err
	}
	o.session.Load(name, doc)
	pages := o.session.PageCount()
	o.logger.Info("document loaded", zap.String("name", name), zap.Int("pages", pages))
	o.Notice(fmt.Sprintf("Loaded %q with %d pages.", name, pages))
	o.emit(DocumentLoaded{Name: name, Pages: pages})
	return nil
}
