// Package worker runs local inference in an isolated goroutine reached only
// through typed requests and events.
//
// Interrupt is applied immediately: it marks every generation accepted so far,
// running or still queued. Every other request is executed in order by a
// single executor goroutine that owns the model pipeline. The generation loop
// checks the mark at each token boundary.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxNewTokens = 2048
	defaultEventBuffer  = 256
	requestBuffer       = 32
	tpsInterval         = 5
)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMaxNewTokens caps generation length.
func WithMaxNewTokens(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxNewTokens = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker is the local inference actor.
type Worker struct {
	logger       *zap.Logger
	maxNewTokens int
	now          func() time.Time

	requests chan Request
	events   chan Event

	// genSeq numbers accepted Generate requests; generations with a
	// sequence at or below interruptAt stop at their next token.
	genSeq      atomic.Uint64
	interruptAt atomic.Uint64

	// Load dedupe, per selected model. pendingLoad is the ticket of the
	// queued or running load, zero when none.
	loadMu      sync.Mutex
	target      SetModel
	loadSeq     uint64
	pendingLoad uint64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Once

	p *pipeline
}

// New starts a worker over rt.
func New(rt Runtime, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		logger:       zap.NewNop(),
		maxNewTokens: defaultMaxNewTokens,
		now:          time.Now,
		requests:     make(chan Request, requestBuffer),
		events:       make(chan Event, defaultEventBuffer),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.p = newPipeline(rt, w.logger)
	go w.run()
	return w
}

// Events returns the event stream. It is closed after Close.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Send delivers a request. Interrupt takes effect immediately. A Load sent
// while a load of the same model is queued or running is dropped, and the
// caller waits for the pending Ready or Failed instead; a SetModel that
// changes the selection re-arms Load.
func (w *Worker) Send(req Request) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	switch r := req.(type) {
	case Interrupt:
		w.interruptAt.Store(w.genSeq.Load())
		w.logger.Debug("interrupt requested")
		return nil
	case SetModel:
		w.loadMu.Lock()
		if r != w.target {
			w.target = r
			w.pendingLoad = 0
		}
		w.loadMu.Unlock()
	case Load:
		w.loadMu.Lock()
		if w.pendingLoad != 0 {
			w.loadMu.Unlock()
			w.logger.Debug("load already in flight", zap.String("model", w.target.ModelID))
			return nil
		}
		w.loadSeq++
		w.pendingLoad = w.loadSeq
		req = loadTicket{seq: w.loadSeq}
		w.loadMu.Unlock()
	case Generate:
		req = queuedGenerate{Generate: r, seq: w.genSeq.Add(1)}
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

// Close stops the executor, cancelling any in-flight work, and releases the model.
func (w *Worker) Close() error {
	w.closeMu.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}

func (w *Worker) run() {
	defer func() {
		w.p.unload()
		close(w.events)
	}()
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *Worker) handle(req Request) {
	switch r := req.(type) {
	case ModelRegistry:
		w.p.setRegistry(r.Models)
		w.emit(RegistryReceived{Count: len(r.Models)})
	case SetModel:
		if w.p.setModel(r.ModelID, r.Dtype) {
			w.logger.Info("model changed", zap.String("model", r.ModelID), zap.String("dtype", r.Dtype))
		}
		w.emit(ModelChanged{ModelID: r.ModelID, Dtype: r.Dtype})
	case loadTicket:
		// The ticket is released before the terminal event so a caller
		// reacting to Ready can immediately load again.
		modelID := w.p.modelID
		err := w.p.load(w.ctx, func(ev Event) {
			if _, ok := ev.(Ready); ok {
				w.releaseLoad(r.seq)
			}
			w.emit(ev)
		})
		if err != nil {
			w.releaseLoad(r.seq)
			w.emit(Failed{ModelID: modelID, Err: err})
		}
	case queuedGenerate:
		w.generate(r)
	case Reset:
		// An interrupt never outlives the generations it was sent for, so
		// there is no flag left to clear.
		w.p.cache = nil
		w.logger.Debug("conversation cache reset")
	}
}

// loadTicket is the queued form of Load.
type loadTicket struct {
	seq uint64
}

// queuedGenerate is the queued form of Generate.
type queuedGenerate struct {
	Generate
	seq uint64
}

func (loadTicket) isRequest()     {}
func (queuedGenerate) isRequest() {}

func (w *Worker) releaseLoad(seq uint64) {
	w.loadMu.Lock()
	if w.pendingLoad == seq {
		w.pendingLoad = 0
	}
	w.loadMu.Unlock()
}

func (w *Worker) generate(req queuedGenerate) {
	log := w.logger.With(zap.String("request", req.ID))
	if !w.p.ready() {
		w.emit(Failed{ID: req.ID, Err: &GenerationError{Err: ErrNotLoaded}})
		return
	}
	interrupted := func() bool { return w.interruptAt.Load() >= req.seq }

	prompt, err := w.p.tokenizer.ApplyTemplate(req.Messages)
	if err != nil {
		w.emit(Failed{ID: req.ID, Err: &GenerationError{Err: err}})
		return
	}

	w.emit(Start{ID: req.ID})
	if interrupted() {
		log.Info("generation interrupted before start")
		w.emit(Complete{ID: req.ID, Interrupted: true})
		return
	}
	var (
		pieces  []string
		raw     []byte
		tokens  int
		first   time.Time
		tps     float64
		current Segments
		stopped bool
	)
	onToken := func(piece string) bool {
		if interrupted() {
			stopped = true
			return false
		}
		if tokens == 0 {
			first = w.now()
		}
		tokens++
		pieces = append(pieces, piece)
		raw = append(raw, piece...)
		if tokens%tpsInterval == 0 {
			if elapsed := w.now().Sub(first).Seconds(); elapsed > 0 {
				tps = float64(tokens) / elapsed
			}
		}
		current = w.clean(Segment(string(raw)), log)
		w.emit(Update{
			ID:      req.ID,
			Answer:  current.Answer,
			Thought: current.Thought,
			Phase:   current.Phase,
			Tokens:  tokens,
			TPS:     tps,
		})
		if interrupted() {
			stopped = true
			return false
		}
		return true
	}

	result, err := w.p.model.Generate(w.ctx, GenerateParams{
		Prompt:       prompt,
		Cache:        w.p.cache,
		MaxNewTokens: w.maxNewTokens,
	}, onToken)
	if err != nil && !stopped {
		log.Error("generation failed", zap.Int("tokens", tokens), zap.Error(err))
		w.emit(Failed{ID: req.ID, Err: &GenerationError{Err: err}})
		return
	}
	// An early stop leaves no usable cache; the next turn starts fresh.
	w.p.cache = result.Cache

	decoded, _ := StripControlTokens(w.p.tokenizer.Decode(pieces, true))
	final := w.clean(Segment(decoded), log)
	log.Info("generation complete",
		zap.Int("tokens", tokens),
		zap.Float64("tps", tps),
		zap.Bool("interrupted", stopped))
	w.emit(Complete{
		ID:          req.ID,
		Text:        decoded,
		Answer:      final.Answer,
		Thought:     final.Thought,
		Tokens:      tokens,
		Interrupted: stopped,
	})
}

// clean strips control tokens from both spans, logging what was removed.
func (w *Worker) clean(seg Segments, log *zap.Logger) Segments {
	var found, more []string
	seg.Answer, found = StripControlTokens(seg.Answer)
	seg.Thought, more = StripControlTokens(seg.Thought)
	if found = append(found, more...); len(found) > 0 {
		log.Debug("control tokens stripped", zap.Strings("tokens", found))
	}
	return seg
}
