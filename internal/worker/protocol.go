package worker

// Request is a message sent to the worker.
type Request interface {
	isRequest()
}

// Event is a message emitted by the worker.
type Event interface {
	isEvent()
}

// ModelRegistry replaces the worker's model table.
type ModelRegistry struct {
	Models map[string]ModelSpec
}

// SetModel selects the active model. An empty Dtype keeps the registry default.
type SetModel struct {
	ModelID string
	Dtype   string
}

// Load loads the active model. A Load sent while a load of the same selection
// is in flight is dropped.
type Load struct{}

// Generate runs one generation. ID is echoed on every resulting event.
type Generate struct {
	ID       string
	Messages []Message
}

// Interrupt stops every generation sent before it, running or still queued,
// at its next token. Later generations are unaffected.
type Interrupt struct{}

// Reset clears the multi-turn cache. No interruption carries past the
// generations it was sent for, so there is no flag to reset.
type Reset struct{}

func (ModelRegistry) isRequest() {}
func (SetModel) isRequest()      {}
func (Load) isRequest()          {}
func (Generate) isRequest()      {}
func (Interrupt) isRequest()     {}
func (Reset) isRequest()         {}

// RegistryReceived acknowledges ModelRegistry.
type RegistryReceived struct {
	Count int
}

// ModelChanged acknowledges SetModel.
type ModelChanged struct {
	ModelID string
	Dtype   string
}

// Loading reports a load step of ModelID.
type Loading struct {
	ModelID string
	State   LoadState
	Status  string
}

// Progress reports download progress for one file. It is informational.
type Progress struct {
	ModelID string
	File    string
	Status  ProgressStatus
	Percent float64
	Loaded  int64
	Total   int64
}

// Ready reports a loaded model.
type Ready struct {
	ModelID string
	Device  string
	Dtype   string
}

// Failed reports a load error (ID empty, ModelID set) or a generation error.
type Failed struct {
	ID      string
	ModelID string
	Err     error
}

// Start opens a generation.
type Start struct {
	ID string
}

// Phase is the segmentation state of model output.
type Phase int

const (
	PhaseAnswering Phase = iota
	PhaseThinking
)

func (p Phase) String() string {
	if p == PhaseThinking {
		return "thinking"
	}
	return "answering"
}

// Update carries the current answer and thought after each token.
type Update struct {
	ID      string
	Answer  string
	Thought string
	Phase   Phase
	Tokens  int
	TPS     float64
}

// Complete closes a generation. Text is the full decoded output with control
// tokens removed; Answer is its final answer span.
type Complete struct {
	ID          string
	Text        string
	Answer      string
	Thought     string
	Tokens      int
	Interrupted bool
}

func (RegistryReceived) isEvent() {}
func (ModelChanged) isEvent()     {}
func (Loading) isEvent()          {}
func (Progress) isEvent()         {}
func (Ready) isEvent()            {}
func (Failed) isEvent()           {}
func (Start) isEvent()            {}
func (Update) isEvent()           {}
func (Complete) isEvent()         {}
