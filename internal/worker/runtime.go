package worker

import "context"

// Device placements.
const (
	DeviceGPU = "gpu"
	DeviceCPU = "cpu"
)

// Message is one chat message handed to the tokenizer template.
type Message struct {
	Role    string
	Content string
}

// ModelSpec is a registry entry for a locally runnable model.
type ModelSpec struct {
	ID             string
	Name           string
	Dtype          string
	Device         string
	FallbackDevice string
	FallbackDtype  string
	Reasoning      bool
	// Variants maps a dtype to the runtime's model tag.
	Variants map[string]string
}

// Tag returns the runtime tag for dtype, defaulting to the model id.
func (s ModelSpec) Tag(dtype string) string {
	if tag, ok := s.Variants[dtype]; ok && tag != "" {
		return tag
	}
	return s.ID
}

// Placement is where and at which precision a model is loaded.
type Placement struct {
	Device string
	Dtype  string
	Tag    string
}

// ProgressStatus is the lifecycle of one downloaded file.
type ProgressStatus string

const (
	ProgressInitiate ProgressStatus = "initiate"
	ProgressRunning  ProgressStatus = "progress"
	ProgressDone     ProgressStatus = "done"
)

// ProgressFunc receives download progress from a runtime.
type ProgressFunc func(Progress)

// Prompt is a chat rendered for the model.
type Prompt struct {
	System string
	Text   string
}

// KVCache is the runtime's opaque multi-turn state.
type KVCache []int

// GenerateParams configures one generation.
type GenerateParams struct {
	Prompt       Prompt
	Cache        KVCache
	MaxNewTokens int
}

// GenerateResult is returned when generation ends.
type GenerateResult struct {
	// Cache is the state to continue from; nil when the runtime could not
	// produce one (for example after an early stop).
	Cache  KVCache
	Tokens int
}

// TokenFunc receives each generated piece and reports whether to continue.
type TokenFunc func(piece string) bool

// Runtime is the inference capability the worker drives.
type Runtime interface {
	// CheckDevice fails with an error wrapping ErrNoAccelerator when the
	// device cannot be used.
	CheckDevice(ctx context.Context, device string) error
	LoadTokenizer(ctx context.Context, spec ModelSpec, placement Placement, progress ProgressFunc) (Tokenizer, error)
	LoadModel(ctx context.Context, spec ModelSpec, placement Placement, progress ProgressFunc) (Model, error)
}

// Tokenizer renders chats and decodes generated pieces.
type Tokenizer interface {
	ApplyTemplate(messages []Message) (Prompt, error)
	Decode(pieces []string, skipSpecial bool) string
}

// Model generates text.
type Model interface {
	Warmup(ctx context.Context) error
	Generate(ctx context.Context, params GenerateParams, onToken TokenFunc) (GenerateResult, error)
	Close() error
}
