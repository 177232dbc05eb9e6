// Package render turns assistant markdown into styled terminal text.
package render

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

// Styles accepted by New.
const (
	StyleDark  = "dark"
	StyleLight = "light"
	StyleNoTTY = "notty"
	StyleAuto  = "auto"
)

const defaultWidth = 80

// Renderer renders markdown at a fixed wrap width. It is safe for concurrent use.
type Renderer struct {
	mu    sync.Mutex
	style string
	width int
	term  *glamour.TermRenderer
}

// New builds a renderer; width <= 0 uses 80 columns.
func New(style string, width int) *Renderer {
	if style == "" {
		style = StyleDark
	}
	r := &Renderer{style: style}
	r.resize(width)
	return r
}

// SetWidth rebuilds the renderer when the wrap width changes.
func (r *Renderer) SetWidth(width int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resize(width)
}

func (r *Renderer) resize(width int) {
	if width <= 0 {
		width = defaultWidth
	}
	if width == r.width && r.term != nil {
		return
	}
	r.width = width
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if r.style == StyleAuto {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(r.style))
	}
	term, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		// Plain text when the style cannot be built.
		term = nil
	}
	r.term = term
}

// Render returns the styled form of markdown, or markdown itself when
// rendering fails. The whole text is rendered on every call.
func (r *Renderer) Render(markdown string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term == nil || strings.TrimSpace(markdown) == "" {
		return markdown
	}
	out, err := r.term.Render(markdown)
	if err != nil {
		return markdown
	}
	return strings.Trim(out, "\n")
}
