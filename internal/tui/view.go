package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/orchestrator"
	"github.com/csheth/pagechat/internal/worker"
)

func (m *model) View() string {
	left := m.buildPagePane()
	if m.settingsOpen {
		left = m.settingsView()
	}
	left = lipgloss.NewStyle().Width(m.layout.pageWidth).Render(left)
	right := m.viewport.View()

	var body string
	if m.layout.sideBySide {
		body = lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right)
	} else {
		body = lipgloss.JoinVertical(lipgloss.Left, left, "", right)
	}

	parts := []string{m.headerView(), body, m.statusView()}
	if m.errorMessage != "" {
		parts = append(parts, errorStyle.Render(m.errorMessage))
	} else if m.infoMessage != "" {
		parts = append(parts, helperStyle.Render(m.infoMessage))
	}
	parts = append(parts, m.composerView())
	if m.helpVisible {
		parts = append(parts, m.keyLegendView())
	}
	return joinNonEmpty(parts)
}

func (m *model) headerView() string {
	title := titleStyle.Render("pagechat")
	if m.docName == "" {
		return lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", taglineStyle.Render(heroTagline))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", subtitleStyle.Render(m.docName))
}

func (m *model) pageTitle() string {
	return fmt.Sprintf("Page %d of %d", m.page, m.pageCount)
}

func (m *model) statusView() string {
	stats := []string{
		"Backend " + m.settings.Backend,
		"Context " + m.ctxMode.label(m.settings.WindowPages),
	}
	if m.settings.Backend == config.BackendLocal {
		stats = append(stats, m.pipelineLabel())
	} else {
		stats = append(stats, "Model "+m.settings.ModelName)
	}
	if m.busy {
		activity := "answering"
		if m.phase == worker.PhaseThinking {
			activity = "thinking"
		}
		label := fmt.Sprintf("%s %s", m.spinner.View(), activity)
		if m.tokens > 0 {
			label += fmt.Sprintf(" %d tok", m.tokens)
		}
		if m.tps > 0 {
			label += fmt.Sprintf(" %.1f tok/s", m.tps)
		}
		stats = append(stats, label)
	} else if m.opening {
		stats = append(stats, m.spinner.View()+" opening")
	}
	return statusBarStyle.Render(strings.Join(stats, "  •  "))
}

func (m *model) pipelineLabel() string {
	id := m.settings.LocalModelID
	switch m.pipeline.State {
	case orchestrator.PipelineLoading:
		label := fmt.Sprintf("%s %s %s", m.spinner.View(), id, strings.TrimSpace(m.pipeline.Message))
		if p := m.progress; p != nil && p.Status == worker.ProgressRunning {
			label += fmt.Sprintf(" %.0f%%", p.Percent)
		}
		return label
	case orchestrator.PipelineReady:
		return fmt.Sprintf("%s ready (%s/%s)", id, m.pipeline.Device, m.pipeline.Dtype)
	case orchestrator.PipelineFailed:
		return id + " failed"
	default:
		return id + " not loaded (Ctrl+L)"
	}
}

func (m *model) composerView() string {
	label := "Ask"
	switch m.composerMode {
	case composerModeOpen:
		label = "Open"
	case composerModeSetting:
		label = "Set"
	case composerModeGoto:
		label = "Page"
	}
	if m.busy && m.composerMode == composerModeQuestion {
		label = "Wait"
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(label), " ", m.composer.View())
}

func (m *model) settingsView() string {
	rows := []string{sectionHeaderStyle.Render("Settings")}
	for i, field := range settingFields {
		value := ""
		if m.store != nil {
			value = m.store.Get(field.Key)
		}
		if field.Secret {
			value = maskSecret(value)
		}
		line := fmt.Sprintf("%-32s %s", field.Label, value)
		if i == m.settingsCursor {
			line = currentLineStyle.Render(line)
		}
		rows = append(rows, line)
	}
	rows = append(rows, "", helperStyle.Render("↑/↓ select • Enter edit • Esc close"))
	return strings.Join(rows, "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

type keyHint struct {
	Key         string
	Description string
}

func (m *model) keyLegendView() string {
	hints := []keyHint{
		{"Enter", "Send / confirm"},
		{"Ctrl+O", "Open PDF"},
		{"Ctrl+P/N", "Prev/next page"},
		{"Ctrl+G", "Go to page"},
		{"Tab", "Cycle context"},
		{"Ctrl+B", "Toggle backend"},
		{"Ctrl+L", "Load local model"},
		{"Ctrl+T", "Next local model"},
		{"Ctrl+X", "Stop generation"},
		{"Ctrl+R", "Forget conversation"},
		{"Ctrl+S", "Settings"},
		{"↑/↓", "Scroll transcript"},
		{"Esc", "Cancel"},
	}
	rows := []string{sectionHeaderStyle.Render("Keys")}
	const columns = 3
	for i := 0; i < len(hints); i += columns {
		end := i + columns
		if end > len(hints) {
			end = len(hints)
		}
		var cells []string
		for _, hint := range hints[i:end] {
			key := keyStyle.Render(hint.Key)
			desc := keyDescStyle.Render(fmt.Sprintf(" %-20s", hint.Description))
			cells = append(cells, lipgloss.JoinHorizontal(lipgloss.Top, key, desc))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return legendBoxStyle.Render(strings.Join(rows, "\n"))
}

func joinNonEmpty(parts []string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, "\n")
}

func labelStyle(role orchestrator.Role) lipgloss.Style {
	switch role {
	case orchestrator.RoleUser:
		return userLabelStyle
	case orchestrator.RoleAssistant:
		return assistantLabelStyle
	default:
		return systemLabelStyle
	}
}

var (
	titleStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Underline(true)
	subtitleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("147"))
	sectionHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	errorStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helperStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	taglineStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffb347")).Italic(true)
	statusBarStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#8ecae6")).Padding(0, 1)
	keyStyle            = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#ffd166")).Padding(0, 1)
	keyDescStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0def4"))
	legendBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#56526e")).Padding(0, 1)
	currentLineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#8ecae6"))
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffd166"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#a3be8c"))
	systemLabelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
)
