package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/worker"
)

// localState tracks the singleton worker and what the orchestrator knows
// about its pipeline. Guarded by Orchestrator.mu.
type localState struct {
	once   sync.Once
	worker LocalWorker

	modelID     string
	workerModel string
	pipeline    PipelineState
	device      string
	dtype       string

	// turn receives events for the in-flight local generation.
	turn *localTurn
}

type localTurn struct {
	id     string
	events chan worker.Event
	done   chan struct{}
}

// Specs converts the registry into worker model specs.
func Specs(reg config.Registry) map[string]worker.ModelSpec {
	specs := make(map[string]worker.ModelSpec, len(reg.Models))
	for _, m := range reg.Models {
		specs[m.ID] = worker.ModelSpec{
			ID:             m.ID,
			Name:           m.Name,
			Dtype:          m.Dtype,
			Device:         m.Device,
			FallbackDevice: m.FallbackDevice,
			FallbackDtype:  m.FallbackDtype,
			Reasoning:      m.Reasoning,
			Variants:       m.Variants,
		}
	}
	return specs
}

// ensureWorker creates the worker on first use and starts its event pump.
func (o *Orchestrator) ensureWorker() LocalWorker {
	o.local.once.Do(func() {
		if o.newWorker == nil {
			return
		}
		w := o.newWorker()
		o.mu.Lock()
		o.local.worker = w
		o.mu.Unlock()
		o.logger.Info("local worker started")
		go o.pump(w)
		if err := w.Send(worker.ModelRegistry{Models: Specs(o.registry)}); err != nil {
			o.logger.Warn("send model registry", zap.Error(err))
		}
	})
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local.worker
}

// PipelineState returns the local model state.
func (o *Orchestrator) PipelineState() PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local.pipeline
}

// LocalModelID returns the selected local model.
func (o *Orchestrator) LocalModelID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local.modelID
}

// LoadModel creates the worker if needed and loads the selected model.
func (o *Orchestrator) LoadModel() {
	w := o.ensureWorker()
	if w == nil {
		o.Notice("Local inference is not available.")
		return
	}
	o.mu.Lock()
	modelID := o.local.modelID
	needSet := o.local.workerModel != modelID
	o.local.workerModel = modelID
	alreadyReady := o.local.pipeline == PipelineReady
	if !alreadyReady {
		o.local.pipeline = PipelineLoading
	}
	o.mu.Unlock()

	if needSet {
		o.send(w, worker.SetModel{ModelID: modelID})
	}
	if !alreadyReady {
		o.emit(PipelineStatus{State: PipelineLoading, ModelID: modelID, Message: "Loading model..."})
	}
	o.send(w, worker.Load{})
}

// SelectModel changes the local model. A loaded model is discarded and must
// be loaded again before the next local turn.
func (o *Orchestrator) SelectModel(modelID string) {
	o.mu.Lock()
	if modelID == o.local.modelID {
		o.mu.Unlock()
		return
	}
	o.local.modelID = modelID
	o.mu.Unlock()
	o.logger.Info("local model selected", zap.String("model", modelID))
	o.invalidateLocal("")
}

// invalidateLocal marks the pipeline unloaded and tells a running worker to
// drop its model.
func (o *Orchestrator) invalidateLocal(message string) {
	o.mu.Lock()
	w := o.local.worker
	modelID := o.local.modelID
	wasLoaded := o.local.pipeline != PipelineUnloaded
	o.local.pipeline = PipelineUnloaded
	o.local.device, o.local.dtype = "", ""
	if w != nil {
		o.local.workerModel = ""
	}
	o.mu.Unlock()

	if w != nil {
		o.send(w, worker.SetModel{ModelID: ""})
	}
	if wasLoaded && message != "" {
		o.Notice(message)
	}
	o.emit(PipelineStatus{State: PipelineUnloaded, ModelID: modelID})
}

// Interrupt asks the worker to stop the running generation.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	w := o.local.worker
	o.mu.Unlock()
	if w != nil {
		o.send(w, worker.Interrupt{})
	}
}

// ResetConversation clears the worker's multi-turn cache.
func (o *Orchestrator) ResetConversation() {
	o.mu.Lock()
	w := o.local.worker
	o.mu.Unlock()
	if w != nil {
		o.send(w, worker.Reset{})
	}
}

func (o *Orchestrator) send(w LocalWorker, req worker.Request) {
	if err := w.Send(req); err != nil {
		o.logger.Warn("worker send failed", zap.Error(err))
	}
}

// pump routes worker events: pipeline events update the local state,
// generation events go to the matching turn and stale ones are dropped.
func (o *Orchestrator) pump(w LocalWorker) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			o.route(ev)
		}
	}
}

func (o *Orchestrator) route(ev worker.Event) {
	switch e := ev.(type) {
	case worker.RegistryReceived:
		o.logger.Debug("worker registry received", zap.Int("models", e.Count))
	case worker.ModelChanged:
		o.logger.Debug("worker model changed", zap.String("model", e.ModelID))
	case worker.Loading:
		if !o.pipelineCurrent(e.ModelID) {
			o.logger.Debug("dropping stale load status", zap.String("model", e.ModelID))
			return
		}
		o.emit(PipelineStatus{State: PipelineLoading, ModelID: e.ModelID, Message: e.Status})
	case worker.Progress:
		if !o.pipelineCurrent(e.ModelID) {
			return
		}
		o.emit(LoadProgress{Progress: e})
	case worker.Ready:
		if !o.pipelineCurrent(e.ModelID) {
			o.logger.Debug("dropping stale ready", zap.String("model", e.ModelID))
			return
		}
		o.mu.Lock()
		o.local.pipeline = PipelineReady
		o.local.device, o.local.dtype = e.Device, e.Dtype
		o.mu.Unlock()
		o.emit(PipelineStatus{State: PipelineReady, ModelID: e.ModelID, Device: e.Device, Dtype: e.Dtype, Message: "Model ready."})
	case worker.Failed:
		if e.ID == "" {
			if !o.pipelineCurrent(e.ModelID) {
				o.logger.Debug("dropping stale load failure", zap.String("model", e.ModelID), zap.Error(e.Err))
				return
			}
			o.mu.Lock()
			o.local.pipeline = PipelineFailed
			modelID := o.local.modelID
			o.mu.Unlock()
			o.logger.Warn("local model load failed", zap.Error(e.Err))
			o.emit(PipelineStatus{State: PipelineFailed, ModelID: modelID, Message: e.Err.Error(), Err: e.Err})
			return
		}
		o.deliver(e.ID, ev)
	case worker.Start:
		o.deliver(e.ID, ev)
	case worker.Update:
		o.deliver(e.ID, ev)
	case worker.Complete:
		o.deliver(e.ID, ev)
	}
}

// pipelineCurrent reports whether load events belong to the model the
// orchestrator is waiting on. modelID "" skips the id comparison.
func (o *Orchestrator) pipelineCurrent(modelID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.local.workerModel == "" || o.local.workerModel != o.local.modelID {
		return false
	}
	return modelID == "" || modelID == o.local.modelID
}

func (o *Orchestrator) deliver(id string, ev worker.Event) {
	o.mu.Lock()
	turn := o.local.turn
	o.mu.Unlock()
	if turn == nil || turn.id != id {
		o.logger.Debug("dropping stale worker event", zap.String("request", id))
		return
	}
	select {
	case turn.events <- ev:
	case <-turn.done:
	case <-o.ctx.Done():
	}
}
