package tui

import (
	"strings"

	"github.com/muesli/reflow/wordwrap"

	"github.com/csheth/pagechat/internal/orchestrator"
)

// sideBySideWidth is the narrowest window that shows the page next to the
// transcript instead of above it.
const sideBySideWidth = 110

type pageLayout struct {
	windowWidth      int
	windowHeight     int
	sideBySide       bool
	pageWidth        int
	pageHeight       int
	transcriptWidth  int
	transcriptHeight int
}

func newPageLayout() pageLayout {
	return pageLayout{
		pageWidth:        80,
		pageHeight:       6,
		transcriptWidth:  80,
		transcriptHeight: 12,
	}
}

func (l *pageLayout) Update(width, height int) {
	l.windowWidth = width
	l.windowHeight = height
	innerWidth := width - viewportHorizontalPadding
	if innerWidth < minViewportWidth {
		innerWidth = minViewportWidth
	}
	// title, blank, status bar, info line, composer, blank
	const chrome = 6
	usable := height - chrome
	if usable < 8 {
		usable = 8
	}
	if width >= sideBySideWidth {
		const gap = 2
		l.sideBySide = true
		l.pageWidth = innerWidth * 2 / 5
		l.transcriptWidth = innerWidth - l.pageWidth - gap
		l.pageHeight = usable
		l.transcriptHeight = usable
		return
	}
	l.sideBySide = false
	l.pageWidth = innerWidth
	l.transcriptWidth = innerWidth
	l.pageHeight = usable / 3
	if l.pageHeight < 4 {
		l.pageHeight = 4
	}
	l.transcriptHeight = usable - l.pageHeight
	if l.transcriptHeight < 4 {
		l.transcriptHeight = 4
	}
}

func (m *model) buildTranscript() string {
	var cb strings.Builder
	if len(m.entries) == 0 {
		cb.WriteString(helperStyle.Render("Open a PDF with Ctrl+O, then ask a question below."))
		cb.WriteRune('\n')
		return cb.String()
	}
	wrap := m.wrapWidth(m.layout.transcriptWidth, 2)
	for idx, entry := range m.entries {
		cb.WriteString(labelStyle(entry.Role).Render(transcriptLabel(entry.Role)))
		cb.WriteRune('\n')
		body := entry.Content
		if entry.Role == orchestrator.RoleAssistant && entry.Rendered != "" {
			body = entry.Rendered
		} else {
			body = wordwrap.String(body, wrap)
		}
		if entry.Role == orchestrator.RoleSystem {
			body = helperStyle.Render(body)
		}
		cb.WriteString(indentMultiline(body, "  "))
		cb.WriteRune('\n')
		if idx < len(m.entries)-1 {
			cb.WriteRune('\n')
		}
	}
	return cb.String()
}

func (m *model) buildPagePane() string {
	if m.pageCount == 0 {
		return helperStyle.Render("No document open.")
	}
	wrap := m.wrapWidth(m.layout.pageWidth, 1)
	var b strings.Builder
	b.WriteString(sectionHeaderStyle.Render(m.pageTitle()))
	b.WriteRune('\n')
	switch {
	case m.pageErr != "":
		b.WriteString(errorStyle.Render(m.pageErr))
	case m.pageLoadedFor != m.page:
		b.WriteString(helperStyle.Render("Extracting text…"))
	case strings.TrimSpace(m.pageText) == "":
		b.WriteString(helperStyle.Render("(no text on this page)"))
	default:
		b.WriteString(wordwrap.String(m.pageText, wrap))
	}
	return clipLines(b.String(), m.layout.pageHeight)
}

func indentMultiline(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func clipLines(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= limit {
		return text
	}
	lines = lines[:limit]
	lines[limit-1] = helperStyle.Render("…")
	return strings.Join(lines, "\n")
}

func (m *model) wrapWidth(width, padding int) int {
	if width <= 0 {
		width = 80
	}
	if padding < 0 {
		padding = 0
	}
	available := width - padding
	if available < 20 {
		available = 20
	}
	return available
}

func transcriptLabel(role orchestrator.Role) string {
	switch role {
	case orchestrator.RoleUser:
		return "You"
	case orchestrator.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}
