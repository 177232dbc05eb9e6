package worker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoAccelerator marks device-class failures eligible for CPU fallback.
	ErrNoAccelerator = errors.New("no compatible accelerator")
	// ErrNotLoaded is returned by generate before a successful load.
	ErrNotLoaded = errors.New("model not loaded")
	// ErrNoModel is returned by load when no model id was set.
	ErrNoModel = errors.New("no model selected")
	// ErrClosed is returned after the worker shut down.
	ErrClosed = errors.New("worker closed")
)

// Stage is the load step that failed.
type Stage string

const (
	StageDevice    Stage = "device"
	StageTokenizer Stage = "tokenizer"
	StageModel     Stage = "model"
	StageWarmup    Stage = "warmup"
)

// Reason classifies a load failure for the user.
type Reason string

const (
	ReasonDevice    Reason = "device"
	ReasonTokenizer Reason = "tokenizer"
	ReasonModel     Reason = "model"
	ReasonMemory    Reason = "memory"
	ReasonNetwork   Reason = "network"
	ReasonUnknown   Reason = "unknown"
)

// LoadError is a failed load attempt.
type LoadError struct {
	Stage  Stage
	Reason Reason
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", reasonMessage(e.Reason), e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// GenerationError is a failed generation.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func newLoadError(stage Stage, err error) *LoadError {
	return &LoadError{Stage: stage, Reason: classifyLoadFailure(stage, err), Err: err}
}

// classifyLoadFailure maps an error to a Reason, looking at the message
// first and the stage second.
func classifyLoadFailure(stage Stage, err error) Reason {
	if errors.Is(err, ErrNoAccelerator) {
		return ReasonDevice
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "out of memory"),
		strings.Contains(e, "insufficient memory"), strings.Contains(e, "requires more system memory"):
		return ReasonMemory
	case strings.Contains(e, "gpu"), strings.Contains(e, "cuda"), strings.Contains(e, "metal"),
		strings.Contains(e, "vram"), strings.Contains(e, "adapter"), strings.Contains(e, "device"):
		return ReasonDevice
	case strings.Contains(e, "connection refused"), strings.Contains(e, "no such host"),
		strings.Contains(e, "timeout"), strings.Contains(e, "unreachable"):
		return ReasonNetwork
	case strings.Contains(e, "tokenizer"), strings.Contains(e, "template"):
		return ReasonTokenizer
	}
	switch stage {
	case StageDevice:
		return ReasonDevice
	case StageTokenizer:
		return ReasonTokenizer
	case StageModel, StageWarmup:
		return ReasonModel
	default:
		return ReasonUnknown
	}
}

func reasonMessage(r Reason) string {
	switch r {
	case ReasonDevice:
		return "no compatible accelerator available"
	case ReasonTokenizer:
		return "failed to load tokenizer"
	case ReasonModel:
		return "failed to load model"
	case ReasonMemory:
		return "not enough memory to load model"
	case ReasonNetwork:
		return "inference runtime unreachable"
	default:
		return "model load failed"
	}
}

// isDeviceFailure reports whether err qualifies for the CPU fallback.
func isDeviceFailure(err error) bool {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Reason == ReasonDevice
	}
	return errors.Is(err, ErrNoAccelerator)
}
