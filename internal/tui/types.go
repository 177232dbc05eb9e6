package tui

import (
	"strconv"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/orchestrator"
)

type composerMode int

const (
	composerModeQuestion composerMode = iota
	composerModeOpen
	composerModeSetting
	composerModeGoto
)

const (
	composerQuestionPlaceholder = "Ask about the open PDF…"
	composerOpenPlaceholder     = "Path, URL or arXiv id of a PDF…"
	composerGotoPlaceholder     = "Page number…"
)

const heroTagline = "Chat with the page you are reading."

const (
	minViewportWidth          = 40
	viewportHorizontalPadding = 4
)

// contextMode is the user-facing cycle of context modes.
type contextMode int

const (
	contextPage contextMode = iota
	contextWindow
	contextDocument
)

func (c contextMode) label(window int) string {
	switch c {
	case contextWindow:
		return "pages ×" + strconv.Itoa(window)
	case contextDocument:
		return "whole document"
	default:
		return "this page"
	}
}

// settingField is one editable row in the settings panel.
type settingField struct {
	Key    string
	Label  string
	Secret bool
}

var settingFields = []settingField{
	{Key: config.KeyAPIKey, Label: "API key", Secret: true},
	{Key: config.KeyAPIURL, Label: "API URL"},
	{Key: config.KeyModelName, Label: "Remote model"},
	{Key: config.KeyBackend, Label: "Backend (remote/local)"},
	{Key: config.KeyLocalModelID, Label: "Local model"},
	{Key: config.KeyOllamaURL, Label: "Ollama URL"},
	{Key: config.KeyWindowPages, Label: "Window pages"},
	{Key: config.KeyContextBudget, Label: "Context budget (runes, 0 = off)"},
}

type orchestratorEventMsg struct {
	event orchestrator.Event
}

type pageTextMsg struct {
	page int
	text string
	err  error
}

type turnDoneMsg struct {
	err error
}

type documentOpenedMsg struct {
	err error
}

type settingSavedMsg struct {
	key string
	err error
}

// SettingsChangedMsg tells the program that the settings file changed on disk.
type SettingsChangedMsg struct {
	Settings config.Settings
}
