package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/csheth/pagechat/internal/config"
	"github.com/csheth/pagechat/internal/document"
	"github.com/csheth/pagechat/internal/llm"
	"github.com/csheth/pagechat/internal/logging"
	"github.com/csheth/pagechat/internal/orchestrator"
	"github.com/csheth/pagechat/internal/render"
	"github.com/csheth/pagechat/internal/tui"
	"github.com/csheth/pagechat/internal/worker"
	"github.com/csheth/pagechat/internal/worker/ollama"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	config.LoadDotEnv()

	logger, err := logging.New(logging.Options{Path: opts.logFile, Debug: opts.debug})
	if err != nil {
		fmt.Println("logging disabled:", err)
		logger = logging.Nop()
	}
	defer func() { _ = logger.Sync() }()

	if err := run(opts.runOptions, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		fmt.Println("program error:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	runOptions
	logFile string
	debug   bool
}

func parseFlags(args []string) (cliOptions, error) {
	defaultSettings, err := config.DefaultSettingsPath()
	if err != nil {
		defaultSettings = ""
	}
	defaultRegistry, err := config.DefaultRegistryPath()
	if err != nil {
		defaultRegistry = ""
	}

	var (
		opts        cliOptions
		noAltScreen bool
	)
	fs := flag.NewFlagSet("pagechat", flag.ContinueOnError)
	fs.StringVar(&opts.pdf, "pdf", "", "PDF to open on start: a path, URL or arXiv id")
	fs.StringVar(&opts.settingsPath, "settings", defaultSettings, "path to the settings TOML file")
	fs.StringVar(&opts.registryPath, "registry", defaultRegistry, "path to a TOML file adding or overriding local models")
	fs.BoolVar(&noAltScreen, "no-alt-screen", false, "disable the alternate screen buffer")
	fs.StringVar(&opts.logFile, "log-file", logging.DefaultPath(), "path to the log file")
	fs.BoolVar(&opts.debug, "debug", false, "log at debug level")
	fs.StringVar(&opts.style, "style", render.StyleAuto, "markdown style: auto, dark, light or notty")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	opts.altScreen = !noAltScreen
	return opts, nil
}

type runOptions struct {
	pdf          string
	settingsPath string
	registryPath string
	altScreen    bool
	style        string
}

func run(opts runOptions, logger *zap.Logger) error {
	store, err := config.Open(opts.settingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	registry, err := config.LoadRegistry(opts.registryPath)
	if err != nil {
		logger.Warn("using built-in model registry", zap.Error(err))
	}

	fetcher, err := document.NewFetcher(nil, logger.Named("fetch"))
	if err != nil {
		logger.Warn("remote documents disabled", zap.Error(err))
		fetcher = nil
	}

	renderer := render.New(opts.style, 0)
	orch := orchestrator.New(orchestrator.Config{
		Session:  document.NewSession(logger.Named("document")),
		Fetcher:  fetcher,
		Settings: store,
		Registry: registry,
		Remote:   llm.New(llm.Config{Logger: logger.Named("llm")}),
		Renderer: renderer,
		NewWorker: func() orchestrator.LocalWorker {
			rt := ollama.New(ollama.Config{
				Host:   store.Snapshot().OllamaURL,
				Logger: logger.Named("ollama"),
			})
			return worker.New(rt, worker.WithLogger(logger.Named("worker")))
		},
		Logger: logger.Named("orchestrator"),
	})
	defer func() { _ = orch.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	programOpts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if opts.altScreen {
		programOpts = append(programOpts, tea.WithAltScreen())
	}
	program := tea.NewProgram(tui.New(tui.Config{
		Orchestrator:    orch,
		Settings:        store,
		Renderer:        renderer,
		Logger:          logger.Named("tui"),
		InitialDocument: opts.pdf,
		Context:         ctx,
	}), programOpts...)

	stopWatch, err := store.Watch(logger.Named("config"), func(s config.Settings) {
		orch.ApplySettings(s)
		program.Send(tui.SettingsChangedMsg{Settings: s})
	})
	if err != nil {
		logger.Warn("settings watcher disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	logger.Info("starting", zap.String("settings", store.Path()), zap.Int("models", len(registry.Models)))
	_, err = program.Run()
	return err
}
