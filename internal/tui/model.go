// Package tui is the terminal front end: a page pane, the chat transcript and
// a composer, driven by orchestrator events.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/orchestrator"
	"github.com/csheth/pagechat/internal/prompt"
	"github.com/csheth/pagechat/internal/worker"
)

// SettingsStore reads and persists settings by key.
type SettingsStore interface {
	Snapshot() config.Settings
	Get(key string) string
	Set(key, value string) error
}

// WidthSetter is told the transcript width so markdown wraps to fit.
type WidthSetter interface {
	SetWidth(width int)
}

// Config wires runtime dependencies into the TUI program.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Settings     SettingsStore
	Renderer     WidthSetter
	Logger       *zap.Logger
	// InitialDocument is opened on start when set.
	InitialDocument string
	Context         context.Context
}

type model struct {
	config Config
	orch   *orchestrator.Orchestrator
	store  SettingsStore
	logger *zap.Logger
	jobs   *jobBus

	composer     textinput.Model
	composerMode composerMode
	spinner      spinner.Model
	viewport     viewport.Model
	layout       pageLayout

	settings config.Settings
	entries  []orchestrator.Entry

	docName       string
	page          int
	pageCount     int
	pageText      string
	pageLoadedFor int
	pageErr       string
	ctxMode       contextMode

	busy      bool
	turnState orchestrator.TurnState
	phase     worker.Phase
	tokens    int
	tps       float64
	pipeline  orchestrator.PipelineStatus
	progress  *worker.Progress
	opening   bool

	settingsOpen   bool
	settingsCursor int
	editingKey     string

	infoMessage  string
	errorMessage string
	helpVisible  bool
}

// New returns a tea.Model ready to be mounted into a Program.
func New(cfg Config) tea.Model {
	return newModel(cfg)
}

func newModel(cfg Config) *model {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	composer := textinput.New()
	composer.Placeholder = composerQuestionPlaceholder
	composer.CharLimit = 2000
	composer.Width = 70
	composer.Prompt = "› "
	composer.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	vp := viewport.New(80, 12)
	vp.MouseWheelEnabled = true

	m := &model{
		config:      cfg,
		orch:        cfg.Orchestrator,
		store:       cfg.Settings,
		logger:      logger,
		jobs:        newJobBus(cfg.Context, logger.Named("jobs")),
		composer:    composer,
		spinner:     spin,
		viewport:    vp,
		layout:      newPageLayout(),
		infoMessage: "Ctrl+O opens a PDF. F1 shows every key.",
	}
	if m.store != nil {
		m.settings = m.store.Snapshot()
	} else {
		m.settings = config.Defaults()
	}
	if m.settings.Backend != config.BackendLocal && strings.TrimSpace(m.settings.APIKey) == "" && m.orch != nil {
		m.orch.Notice(orchestrator.NoticeWelcome)
	}
	return m
}

func (m *model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if m.orch != nil {
		cmds = append(cmds, waitForEvent(m.orch.Events()))
		if doc := strings.TrimSpace(m.config.InitialDocument); doc != "" {
			m.opening = true
			cmds = append(cmds, m.spinner.Tick, m.jobs.Start(jobKindOpen, openDocumentJob(m.orch, doc)))
		}
	}
	return tea.Batch(cmds...)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.working() {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil
	case orchestratorEventMsg:
		cmd := m.applyEvent(msg.event)
		return m, tea.Batch(cmd, waitForEvent(m.orch.Events()))
	case jobSignalMsg:
		return m, nil
	case jobResultEnvelope:
		if msg.Payload == nil {
			return m, nil
		}
		return m.Update(msg.Payload)
	case turnDoneMsg:
		if errors.Is(msg.err, orchestrator.ErrTurnInFlight) {
			m.infoMessage = "Wait for the current answer to finish."
		}
		m.busy = m.orch.Busy()
		return m, nil
	case documentOpenedMsg:
		m.opening = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
		} else {
			m.errorMessage = ""
		}
		return m, nil
	case pageTextMsg:
		if msg.page != m.page {
			return m, nil
		}
		m.pageLoadedFor = msg.page
		m.pageText = msg.text
		m.pageErr = ""
		if msg.err != nil {
			m.pageErr = fmt.Sprintf("Error extracting text: %v", msg.err)
		}
		return m, nil
	case settingSavedMsg:
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.errorMessage = ""
		if m.store != nil {
			m.settings = m.store.Snapshot()
		}
		return m, nil
	case SettingsChangedMsg:
		m.settings = msg.Settings
		m.infoMessage = "Settings reloaded from disk."
		return m, nil
	}
	return m, nil
}

func (m *model) working() bool {
	return m.busy || m.opening || m.pipeline.State == orchestrator.PipelineLoading
}

func (m *model) resize(width, height int) {
	m.layout.Update(width, height)
	m.viewport.Width = m.layout.transcriptWidth
	m.viewport.Height = m.layout.transcriptHeight
	m.composer.Width = m.layout.transcriptWidth - 4
	if m.config.Renderer != nil {
		m.config.Renderer.SetWidth(m.layout.transcriptWidth - 4)
	}
	m.refreshTranscript()
}

func (m *model) refreshTranscript() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.buildTranscript())
	if atBottom || m.busy {
		m.viewport.GotoBottom()
	}
}

func (m *model) applyEvent(ev orchestrator.Event) tea.Cmd {
	switch e := ev.(type) {
	case orchestrator.EntryAppended:
		m.setEntry(e.Index, e.Entry)
		m.viewport.GotoBottom()
	case orchestrator.EntryUpdated:
		m.setEntry(e.Index, e.Entry)
		m.phase, m.tokens, m.tps = e.Phase, e.Tokens, e.TPS
	case orchestrator.TurnStateChanged:
		m.turnState = e.State
		m.busy = e.State != orchestrator.TurnIdle
		if e.State == orchestrator.TurnIdle {
			m.phase = worker.PhaseAnswering
		}
		if e.State == orchestrator.TurnValidating {
			m.tokens, m.tps = 0, 0
			return m.spinner.Tick
		}
	case orchestrator.PipelineStatus:
		prev := m.pipeline.State
		m.pipeline = e
		if e.State != orchestrator.PipelineLoading {
			m.progress = nil
		}
		if e.State == orchestrator.PipelineFailed {
			m.errorMessage = "Model load failed: " + e.Message
		}
		if e.State == orchestrator.PipelineLoading && prev != orchestrator.PipelineLoading {
			return m.spinner.Tick
		}
	case orchestrator.LoadProgress:
		p := e.Progress
		m.progress = &p
	case orchestrator.DocumentLoaded:
		m.docName = e.Name
		m.pageCount = e.Pages
		m.page = 1
		m.pageText, m.pageErr, m.pageLoadedFor = "", "", 0
		return m.loadPage()
	}
	return nil
}

func (m *model) setEntry(idx int, entry orchestrator.Entry) {
	for len(m.entries) <= idx {
		m.entries = append(m.entries, orchestrator.Entry{})
	}
	m.entries[idx] = entry
	m.refreshTranscript()
}

func (m *model) loadPage() tea.Cmd {
	if m.orch == nil || m.pageCount == 0 {
		return nil
	}
	return m.jobs.Start(jobKindPage, pageTextJob(m.orch, m.page))
}

func (m *model) turnPage(delta int) tea.Cmd {
	if m.pageCount == 0 {
		m.infoMessage = "Open a PDF first."
		return nil
	}
	next := m.page + delta
	if next < 1 {
		next = 1
	}
	if next > m.pageCount {
		next = m.pageCount
	}
	if next == m.page {
		return nil
	}
	m.page = next
	m.pageErr = ""
	return m.loadPage()
}

func (m *model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.handleEsc()
		return m, nil
	}
	if m.settingsOpen && m.composerMode != composerModeSetting {
		return m, m.handleSettingsKey(key)
	}
	switch key.String() {
	case "enter":
		return m, m.submitComposer()
	case "ctrl+o":
		m.setComposerMode(composerModeOpen, "")
		return m, nil
	case "ctrl+g":
		if m.pageCount == 0 {
			m.infoMessage = "Open a PDF first."
			return m, nil
		}
		m.setComposerMode(composerModeGoto, "")
		return m, nil
	case "ctrl+p":
		return m, m.turnPage(-1)
	case "ctrl+n":
		return m, m.turnPage(1)
	case "tab":
		m.ctxMode = (m.ctxMode + 1) % 3
		m.infoMessage = "Context: " + m.ctxMode.label(m.settings.WindowPages)
		return m, nil
	case "ctrl+l":
		return m, m.loadModel()
	case "ctrl+t":
		return m, m.cycleLocalModel()
	case "ctrl+b":
		return m, m.toggleBackend()
	case "ctrl+x":
		if m.orch != nil {
			m.orch.Interrupt()
			m.infoMessage = "Stopping after the next token…"
		}
		return m, nil
	case "ctrl+r":
		if m.orch != nil {
			m.orch.ResetConversation()
			m.infoMessage = "Conversation memory cleared."
		}
		return m, nil
	case "ctrl+s":
		m.settingsOpen = true
		m.settingsCursor = 0
		return m, nil
	case "f1":
		m.helpVisible = !m.helpVisible
		return m, nil
	case "up", "down", "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(key)
		return m, cmd
	}
	var cmd tea.Cmd
	m.composer, cmd = m.composer.Update(key)
	return m, cmd
}

func (m *model) handleEsc() {
	switch {
	case m.composerMode == composerModeSetting:
		m.editingKey = ""
		m.setComposerMode(composerModeQuestion, "")
	case m.settingsOpen:
		m.settingsOpen = false
	case m.composerMode == composerModeOpen, m.composerMode == composerModeGoto:
		m.setComposerMode(composerModeQuestion, "")
	case m.helpVisible:
		m.helpVisible = false
	default:
		m.composer.SetValue("")
	}
}

func (m *model) handleSettingsKey(key tea.KeyMsg) tea.Cmd {
	switch key.String() {
	case "up", "k":
		if m.settingsCursor > 0 {
			m.settingsCursor--
		}
	case "down", "j":
		if m.settingsCursor < len(settingFields)-1 {
			m.settingsCursor++
		}
	case "enter":
		field := settingFields[m.settingsCursor]
		prefill := ""
		if !field.Secret && m.store != nil {
			prefill = m.store.Get(field.Key)
		}
		m.editingKey = field.Key
		m.setComposerMode(composerModeSetting, prefill)
		m.composer.Placeholder = field.Label
	case "ctrl+s":
		m.settingsOpen = false
	}
	return nil
}

func (m *model) setComposerMode(mode composerMode, value string) {
	m.composerMode = mode
	switch mode {
	case composerModeOpen:
		m.composer.Placeholder = composerOpenPlaceholder
	case composerModeGoto:
		m.composer.Placeholder = composerGotoPlaceholder
	case composerModeQuestion:
		m.composer.Placeholder = composerQuestionPlaceholder
	}
	m.composer.SetValue(value)
	m.composer.CursorEnd()
	m.composer.Focus()
}

func (m *model) submitComposer() tea.Cmd {
	value := strings.TrimSpace(m.composer.Value())
	switch m.composerMode {
	case composerModeOpen:
		if value == "" {
			m.errorMessage = "Enter a path, URL or arXiv id."
			return nil
		}
		m.setComposerMode(composerModeQuestion, "")
		m.opening = true
		m.infoMessage = "Opening " + value + "…"
		return tea.Batch(m.spinner.Tick, m.jobs.Start(jobKindOpen, openDocumentJob(m.orch, value)))
	case composerModeGoto:
		m.setComposerMode(composerModeQuestion, "")
		n, err := strconv.Atoi(value)
		if err != nil {
			m.errorMessage = fmt.Sprintf("%q is not a page number.", value)
			return nil
		}
		m.errorMessage = ""
		return m.turnPage(n - m.page)
	case composerModeSetting:
		key := m.editingKey
		m.editingKey = ""
		m.setComposerMode(composerModeQuestion, "")
		if m.store == nil {
			return nil
		}
		return m.jobs.Start(jobKindSetting, saveSettingJob(m.store, m.orch, key, value))
	}
	if value == "" || m.orch == nil {
		return nil
	}
	if m.busy {
		m.infoMessage = "Wait for the current answer to finish."
		return nil
	}
	m.composer.SetValue("")
	m.busy = true
	req := orchestrator.Request{Question: value, Mode: m.promptMode(), Anchor: m.anchor()}
	return m.jobs.Start(jobKindQuestion, submitJob(m.orch, req))
}

func (m *model) promptMode() prompt.Mode {
	switch m.ctxMode {
	case contextWindow:
		return prompt.Window(m.settings.WindowPages)
	case contextDocument:
		return prompt.Whole()
	default:
		return prompt.Single()
	}
}

func (m *model) anchor() int {
	if m.page < 1 {
		return 1
	}
	return m.page
}

func (m *model) loadModel() tea.Cmd {
	if m.orch == nil {
		return nil
	}
	if m.settings.Backend != config.BackendLocal {
		m.infoMessage = "Switch to the local backend with Ctrl+B first."
		return nil
	}
	m.orch.LoadModel()
	return m.spinner.Tick
}

func (m *model) cycleLocalModel() tea.Cmd {
	if m.orch == nil || m.store == nil {
		return nil
	}
	ids := m.orch.Registry().IDs()
	if len(ids) == 0 {
		return nil
	}
	next := ids[0]
	for i, id := range ids {
		if id == m.settings.LocalModelID {
			next = ids[(i+1)%len(ids)]
			break
		}
	}
	m.infoMessage = "Local model: " + next
	return m.jobs.Start(jobKindSetting, saveSettingJob(m.store, m.orch, config.KeyLocalModelID, next))
}

func (m *model) toggleBackend() tea.Cmd {
	if m.orch == nil || m.store == nil {
		return nil
	}
	next := config.BackendLocal
	if m.settings.Backend == config.BackendLocal {
		next = config.BackendRemote
	}
	m.infoMessage = "Backend: " + next
	return m.jobs.Start(jobKindSetting, saveSettingJob(m.store, m.orch, config.KeyBackend, next))
}
