// Package prompt assembles document context and prompts for one chat turn.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/csheth/pagechat/internal/document"
)

// Kind selects how much of the document a turn reads.
type Kind int

const (
	SinglePage Kind = iota
	PageWindow
	WholeDocument
)

// Mode is a context mode. Count is only meaningful for PageWindow.
type Mode struct {
	Kind  Kind
	Count int
}

// Single reads the anchor page.
func Single() Mode { return Mode{Kind: SinglePage} }

// Window reads count pages starting at the anchor page.
func Window(count int) Mode { return Mode{Kind: PageWindow, Count: count} }

// Whole reads every page.
func Whole() Mode { return Mode{Kind: WholeDocument} }

func (m Mode) String() string {
	switch m.Kind {
	case PageWindow:
		return fmt.Sprintf("window(%d)", m.Count)
	case WholeDocument:
		return "document"
	default:
		return "page"
	}
}

// Source is the page text provider, normally a *document.Session.
type Source interface {
	Loaded() bool
	PageCount() int
	Get(ctx context.Context, n int) (string, error)
	GetRange(ctx context.Context, lo, hi int) (string, error)
}

// StatusWholeDocument is surfaced before whole-document extraction starts.
const StatusWholeDocument = "Extracting full document text... (this may take a moment)"

const (
	singlePagePrompt = "You are a helpful AI PDF assistant. You have access to the content of PAGE %d of the document provided below. Answer the user's question based on this page's content."
	windowPrompt     = "You are a helpful AI PDF assistant. You have access to the content of PAGES %d to %d of the document provided below. Answer the user's question based on these pages' content."
	wholePrompt      = "You are a helpful AI PDF assistant. You have access to the full content of the document provided below. Answer the user's question based on the document content."
)

// Assembly is the context for one turn.
type Assembly struct {
	Context      string
	SystemPrompt string
	// Status is a notice to show before extraction, empty when none is needed.
	Status string
	// Description says what was read, e.g. "pages 2-3".
	Description string
	FirstPage   int
	LastPage    int
	Clipped     bool
}

// Options tune assembly.
type Options struct {
	// Budget caps the context in runes; 0 disables clipping.
	Budget int
}

// Plan resolves the page span and prompt without extracting any text.
func Plan(mode Mode, anchor, pageCount int) Assembly {
	if anchor < 1 {
		anchor = 1
	}
	if anchor > pageCount {
		anchor = pageCount
	}
	switch {
	case mode.Kind == WholeDocument:
		return Assembly{
			SystemPrompt: wholePrompt,
			Status:       StatusWholeDocument,
			Description:  fmt.Sprintf("whole document (%d pages)", pageCount),
			FirstPage:    1,
			LastPage:     pageCount,
		}
	case mode.Kind == PageWindow && mode.Count > 1:
		end := anchor + mode.Count - 1
		if end > pageCount {
			end = pageCount
		}
		if end > anchor {
			return Assembly{
				SystemPrompt: fmt.Sprintf(windowPrompt, anchor, end),
				Description:  fmt.Sprintf("pages %d-%d", anchor, end),
				FirstPage:    anchor,
				LastPage:     end,
			}
		}
	}
	return Assembly{
		SystemPrompt: fmt.Sprintf(singlePagePrompt, anchor),
		Description:  fmt.Sprintf("page %d", anchor),
		FirstPage:    anchor,
		LastPage:     anchor,
	}
}

// Assemble extracts the context for mode anchored at page anchor.
// A window that resolves to one page is assembled exactly like SinglePage.
func Assemble(ctx context.Context, src Source, mode Mode, anchor int, opts Options) (Assembly, error) {
	if src == nil || !src.Loaded() || src.PageCount() < 1 {
		return Assembly{}, document.ErrNoDocument
	}
	asm := Plan(mode, anchor, src.PageCount())

	var (
		text string
		err  error
	)
	if mode.Kind != WholeDocument && asm.FirstPage == asm.LastPage {
		text, err = src.Get(ctx, asm.FirstPage)
	} else {
		text, err = src.GetRange(ctx, asm.FirstPage, asm.LastPage)
	}
	if err != nil {
		return Assembly{}, err
	}
	asm.Clipped = opts.Budget > 0 && utf8.RuneCountInString(text) > opts.Budget
	asm.Context = clipText(text, opts.Budget)
	return asm, nil
}

// UserContent frames the document context and the question for the model.
func UserContent(contextText, question string) string {
	return "Document Content:\n" + contextText + "\n\nQuestion: " + question
}

func clipText(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit]))
}
