package orchestrator

import "github.com/csheth/pagechat/internal/worker"

// Role is a transcript author.
type Role int

const (
	RoleSystem Role = iota
	RoleUser
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return "system"
	}
}

// Entry is one transcript message. Content is the raw text; Rendered is its
// formatted form for assistant entries.
type Entry struct {
	Role     Role
	Content  string
	Rendered string
}

// TurnState is the lifecycle of one chat turn.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnValidating
	TurnAssemblingContext
	TurnAwaitingBackend
	TurnStreaming
	TurnComplete
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnValidating:
		return "validating"
	case TurnAssemblingContext:
		return "assembling-context"
	case TurnAwaitingBackend:
		return "awaiting-backend"
	case TurnStreaming:
		return "streaming"
	case TurnComplete:
		return "complete"
	case TurnFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Terminal reports whether the state ends a turn.
func (s TurnState) Terminal() bool {
	return s == TurnComplete || s == TurnFailed
}

// PipelineState summarises the local model for the UI.
type PipelineState int

const (
	PipelineUnloaded PipelineState = iota
	PipelineLoading
	PipelineReady
	PipelineFailed
)

func (s PipelineState) String() string {
	switch s {
	case PipelineLoading:
		return "loading"
	case PipelineReady:
		return "ready"
	case PipelineFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Event is emitted to the presentation layer.
type Event interface {
	isEvent()
}

// EntryAppended reports a new transcript entry.
type EntryAppended struct {
	Index int
	Entry Entry
}

// EntryUpdated reports the replaced content of the streaming assistant entry.
// Thought and Phase come from local generation and are empty for remote turns.
type EntryUpdated struct {
	Index   int
	Entry   Entry
	Thought string
	Phase   worker.Phase
	Tokens  int
	TPS     float64
}

// TurnStateChanged reports a turn transition. Err is set on TurnFailed.
type TurnStateChanged struct {
	TurnID string
	State  TurnState
	Err    error
}

// PipelineStatus reports the local model state.
type PipelineStatus struct {
	State   PipelineState
	ModelID string
	Device  string
	Dtype   string
	Message string
	Err     error
}

// LoadProgress forwards download progress from the worker.
type LoadProgress struct {
	worker.Progress
}

// DocumentLoaded reports a newly opened document.
type DocumentLoaded struct {
	Name  string
	Pages int
}

func (EntryAppended) isEvent()    {}
func (EntryUpdated) isEvent()     {}
func (TurnStateChanged) isEvent() {}
func (PipelineStatus) isEvent()   {}
func (LoadProgress) isEvent()     {}
func (DocumentLoaded) isEvent()   {}
