package orchestrator

import (
	"errors"
	"fmt"

	"github.com/csheth/pagechat/internal/document"
)

var (
	// ErrMissingCredential means the remote backend has no API key.
	ErrMissingCredential = errors.New("missing API key")
	// ErrNoDocument means no PDF is loaded.
	ErrNoDocument = document.ErrNoDocument
	// ErrModelNotReady means the local backend is selected but not loaded.
	ErrModelNotReady = errors.New("local model not ready")
	// ErrTurnInFlight is returned when a turn is already running; the
	// submission is ignored.
	ErrTurnInFlight = errors.New("a turn is already in progress")
)

// ExtractionError wraps a failure to read document text for a turn.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("Error extracting text: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// User-visible notices.
const (
	NoticeMissingCredential = "Please set your API key in settings first."
	NoticeNoDocument        = "Please open a PDF first."
	NoticeModelNotReady     = "The local model is not loaded yet. Load it before asking a question."
	NoticeWelcome           = "Welcome! Open settings to set your API key."
	NoticeSettingsSaved     = "Settings saved."
	placeholderThinking     = "Thinking..."
)

func errorAnnotation(err error) string {
	return "[Error: " + err.Error() + "]"
}
