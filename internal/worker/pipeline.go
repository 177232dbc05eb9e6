package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LoadState is the model pipeline's load state.
type LoadState int

const (
	StateIdle LoadState = iota
	StateCheckingDevice
	StateFetchingTokenizer
	StateFetchingModel
	StateWarmingUp
	StateReady
	StateError
)

func (s LoadState) String() string {
	switch s {
	case StateCheckingDevice:
		return "checking-device"
	case StateFetchingTokenizer:
		return "fetching-tokenizer"
	case StateFetchingModel:
		return "fetching-model"
	case StateWarmingUp:
		return "warming-up"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// pipeline is the model state owned by the executor goroutine. It is never
// touched from any other goroutine.
type pipeline struct {
	runtime  Runtime
	logger   *zap.Logger
	registry map[string]ModelSpec

	modelID   string
	dtype     string
	tokenizer Tokenizer
	model     Model
	state     LoadState
	placement Placement

	preferredDevice      string
	preferredDtype       string
	cpuFallbackAttempted bool

	cache KVCache
}

func newPipeline(rt Runtime, logger *zap.Logger) *pipeline {
	return &pipeline{runtime: rt, logger: logger, registry: map[string]ModelSpec{}}
}

func (p *pipeline) setRegistry(models map[string]ModelSpec) {
	p.registry = make(map[string]ModelSpec, len(models))
	for id, spec := range models {
		if spec.ID == "" {
			spec.ID = id
		}
		p.registry[id] = spec
	}
}

// setModel selects a model. A different id or dtype unloads everything,
// including the multi-turn cache.
func (p *pipeline) setModel(id, dtype string) bool {
	if id == p.modelID && dtype == p.dtype {
		return false
	}
	p.unload()
	p.modelID = id
	p.dtype = dtype
	p.preferredDevice = ""
	p.preferredDtype = ""
	p.cpuFallbackAttempted = false
	return true
}

func (p *pipeline) unload() {
	if p.model != nil {
		if err := p.model.Close(); err != nil {
			p.logger.Warn("close model", zap.String("model", p.modelID), zap.Error(err))
		}
	}
	p.model = nil
	p.tokenizer = nil
	p.cache = nil
	p.state = StateIdle
}

func (p *pipeline) ready() bool {
	return p.state == StateReady && p.tokenizer != nil && p.model != nil
}

func (p *pipeline) spec() ModelSpec {
	spec, ok := p.registry[p.modelID]
	if !ok {
		spec = ModelSpec{ID: p.modelID, Name: p.modelID, Device: DeviceGPU, FallbackDevice: DeviceCPU}
	}
	if spec.Device == "" {
		spec.Device = DeviceGPU
	}
	return spec
}

func (p *pipeline) initialPlacement(spec ModelSpec) Placement {
	device := spec.Device
	if p.preferredDevice != "" {
		device = p.preferredDevice
	}
	dtype := spec.Dtype
	if p.dtype != "" {
		dtype = p.dtype
	}
	if p.preferredDtype != "" {
		dtype = p.preferredDtype
	}
	return Placement{Device: device, Dtype: dtype, Tag: spec.Tag(dtype)}
}

func fallbackPlacement(spec ModelSpec, current Placement) Placement {
	device := spec.FallbackDevice
	if device == "" {
		device = DeviceCPU
	}
	dtype := spec.FallbackDtype
	if dtype == "" {
		dtype = current.Dtype
	}
	return Placement{Device: device, Dtype: dtype, Tag: spec.Tag(dtype)}
}

// load walks CheckingDevice, FetchingTokenizer, FetchingModel and WarmingUp.
// A device-class failure is retried once per model id on the fallback
// placement.
func (p *pipeline) load(ctx context.Context, emit func(Event)) error {
	if p.ready() {
		emit(Ready{ModelID: p.modelID, Device: p.placement.Device, Dtype: p.placement.Dtype})
		return nil
	}
	if p.modelID == "" {
		p.state = StateError
		return ErrNoModel
	}
	emit = stampModel(p.modelID, emit)
	spec := p.spec()
	placement := p.initialPlacement(spec)
	for {
		err := p.loadWith(ctx, spec, placement, emit)
		if err == nil {
			p.state = StateReady
			p.placement = placement
			p.logger.Info("model ready",
				zap.String("model", p.modelID),
				zap.String("device", placement.Device),
				zap.String("dtype", placement.Dtype))
			emit(Ready{ModelID: p.modelID, Device: placement.Device, Dtype: placement.Dtype})
			return nil
		}
		if isDeviceFailure(err) && !p.cpuFallbackAttempted && placement.Device != DeviceCPU {
			p.cpuFallbackAttempted = true
			next := fallbackPlacement(spec, placement)
			p.preferredDevice = next.Device
			p.preferredDtype = next.Dtype
			p.logger.Warn("device unavailable, falling back",
				zap.String("model", p.modelID),
				zap.String("from", placement.Device),
				zap.String("to", next.Device),
				zap.String("dtype", next.Dtype),
				zap.Error(err))
			if p.model != nil {
				_ = p.model.Close()
				p.model = nil
			}
			placement = next
			emit(Loading{State: p.state, Status: fmt.Sprintf("%s unavailable, retrying on %s (%s)...", deviceLabel(spec.Device), deviceLabel(next.Device), next.Dtype)})
			continue
		}
		p.state = StateError
		p.logger.Error("model load failed", zap.String("model", p.modelID), zap.Error(err))
		return err
	}
}

// stampModel tags load steps and progress with the model being loaded so a
// consumer can tell them apart from a superseded load.
func stampModel(modelID string, emit func(Event)) func(Event) {
	return func(ev Event) {
		switch e := ev.(type) {
		case Loading:
			e.ModelID = modelID
			ev = e
		case Progress:
			e.ModelID = modelID
			ev = e
		}
		emit(ev)
	}
}

func (p *pipeline) loadWith(ctx context.Context, spec ModelSpec, placement Placement, emit func(Event)) error {
	progress := func(pr Progress) { emit(pr) }

	p.state = StateCheckingDevice
	emit(Loading{State: p.state, Status: fmt.Sprintf("Checking %s support...", deviceLabel(placement.Device))})
	if err := p.runtime.CheckDevice(ctx, placement.Device); err != nil {
		return newLoadError(StageDevice, err)
	}

	if p.tokenizer == nil {
		p.state = StateFetchingTokenizer
		emit(Loading{State: p.state, Status: "Loading tokenizer..."})
		tok, err := p.runtime.LoadTokenizer(ctx, spec, placement, progress)
		if err != nil {
			return newLoadError(StageTokenizer, err)
		}
		p.tokenizer = tok
	}

	if p.model != nil {
		_ = p.model.Close()
		p.model = nil
	}
	p.state = StateFetchingModel
	emit(Loading{State: p.state, Status: fmt.Sprintf("Loading %s (%s, %s)...", modelLabel(spec), placement.Dtype, deviceLabel(placement.Device))})
	model, err := p.runtime.LoadModel(ctx, spec, placement, progress)
	if err != nil {
		return newLoadError(StageModel, err)
	}
	p.model = model

	p.state = StateWarmingUp
	emit(Loading{State: p.state, Status: "Warming up model..."})
	if err := model.Warmup(ctx); err != nil {
		return newLoadError(StageWarmup, err)
	}
	return nil
}

func deviceLabel(device string) string {
	switch device {
	case DeviceGPU:
		return "GPU"
	case DeviceCPU:
		return "CPU"
	default:
		return device
	}
}

func modelLabel(spec ModelSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.ID
}
