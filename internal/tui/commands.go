package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/csheth/pagechat/internal/orchestrator"
)

const openTimeout = 2 * time.Minute

// waitForEvent delivers the next orchestrator event. The update loop
// re-arms it after every event.
func waitForEvent(events <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return orchestratorEventMsg{event: ev}
	}
}

func submitJob(orch *orchestrator.Orchestrator, req orchestrator.Request) jobRunner {
	return func(ctx context.Context) (tea.Msg, error) {
		err := orch.Submit(ctx, req)
		return turnDoneMsg{err: err}, err
	}
}

func openDocumentJob(orch *orchestrator.Orchestrator, input string) jobRunner {
	return func(parent context.Context) (tea.Msg, error) {
		ctx, cancel := context.WithTimeout(parent, openTimeout)
		defer cancel()
		err := orch.OpenDocument(ctx, input)
		return documentOpenedMsg{err: err}, err
	}
}

func pageTextJob(orch *orchestrator.Orchestrator, page int) jobRunner {
	return func(ctx context.Context) (tea.Msg, error) {
		text, err := orch.Session().Get(ctx, page)
		return pageTextMsg{page: page, text: text, err: err}, err
	}
}

func saveSettingJob(store SettingsStore, orch *orchestrator.Orchestrator, key, value string) jobRunner {
	return func(context.Context) (tea.Msg, error) {
		if err := store.Set(key, value); err != nil {
			return settingSavedMsg{key: key, err: err}, err
		}
		orch.ApplySettings(store.Snapshot())
		orch.Notice(orchestrator.NoticeSettingsSaved)
		return settingSavedMsg{key: key}, nil
	}
}
