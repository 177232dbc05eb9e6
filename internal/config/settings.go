// Package config persists user settings and the local model registry.
//
// Settings live in a TOML file (default ~/.config/pagechat/settings.toml) and are
// addressed by the same keys the chat client has always used: apiKey, apiUrl,
// modelName and friends. Environment variables (optionally from a .env file)
// override the file on load.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultAPIURL    = "https://api.openai.com/v1"
	DefaultModelName = "gpt-4o-mini"
	DefaultOllamaURL = "http://127.0.0.1:11434"
	DefaultWindow    = 2
	BackendRemote    = "remote"
	BackendLocal     = "local"
	settingsFileName = "settings.toml"
	registryFileName = "registry.toml"
	configSubdir     = "pagechat"
	settingsFileMode = 0o600
	settingsDirMode  = 0o755
)

// Setting keys accepted by Store.Get and Store.Set.
const (
	KeyAPIKey        = "apiKey"
	KeyAPIURL        = "apiUrl"
	KeyModelName     = "modelName"
	KeyBackend       = "backend"
	KeyLocalModelID  = "localModelId"
	KeyOllamaURL     = "ollamaUrl"
	KeyWindowPages   = "windowPages"
	KeyContextBudget = "contextBudget"
)

// ErrUnknownKey is returned for keys outside the settings surface.
var ErrUnknownKey = errors.New("unknown setting")

// Settings is the persisted configuration surface.
type Settings struct {
	APIKey        string `toml:"api_key"`
	APIURL        string `toml:"api_url" validate:"required,url"`
	ModelName     string `toml:"model_name" validate:"required"`
	Backend       string `toml:"backend" validate:"oneof=remote local"`
	LocalModelID  string `toml:"local_model_id"`
	OllamaURL     string `toml:"ollama_url" validate:"required,url"`
	WindowPages   int    `toml:"window_pages" validate:"gte=1"`
	ContextBudget int    `toml:"context_budget" validate:"gte=0"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		APIURL:       DefaultAPIURL,
		ModelName:    DefaultModelName,
		Backend:      BackendRemote,
		LocalModelID: defaultLocalModelID,
		OllamaURL:    DefaultOllamaURL,
		WindowPages:  DefaultWindow,
	}
}

func (s *Settings) fillDefaults() {
	defaults := Defaults()
	if s.APIURL == "" {
		s.APIURL = defaults.APIURL
	}
	if s.ModelName == "" {
		s.ModelName = defaults.ModelName
	}
	if s.Backend == "" {
		s.Backend = defaults.Backend
	}
	if s.LocalModelID == "" {
		s.LocalModelID = defaults.LocalModelID
	}
	if s.OllamaURL == "" {
		s.OllamaURL = defaults.OllamaURL
	}
	if s.WindowPages == 0 {
		s.WindowPages = defaults.WindowPages
	}
	s.APIURL = strings.TrimRight(s.APIURL, "/")
	s.OllamaURL = strings.TrimRight(s.OllamaURL, "/")
}

var validate = validator.New()

// Validate reports the first invalid field.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid setting %s: failed %q check", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

// Dir returns the configuration directory.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		var err error
		base, err = os.UserConfigDir()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(base, configSubdir), nil
}

// DefaultSettingsPath returns the settings file location.
func DefaultSettingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFileName), nil
}

// Store reads and writes settings by key, persisting every change.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// Open loads settings from path, applying defaults and environment overrides.
// A missing file is not an error.
func Open(path string) (*Store, error) {
	settings, err := loadEffective(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, settings: settings}, nil
}

func loadEffective(path string) (Settings, error) {
	settings, err := readSettings(path)
	if err != nil {
		return settings, err
	}
	settings.ApplyEnv(os.LookupEnv)
	settings.fillDefaults()
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func readSettings(path string) (Settings, error) {
	settings := Defaults()
	if path == "" {
		return settings, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, err
	}
	if _, err := toml.DecodeFile(path, &settings); err != nil {
		return settings, fmt.Errorf("decode settings %s: %w", path, err)
	}
	settings.fillDefaults()
	return settings, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Get returns the string form of a setting; unknown keys yield "".
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, _ := s.settings.lookup(key)
	return value
}

// Set validates and persists a single setting.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	if err := next.assign(key, strings.TrimSpace(value)); err != nil {
		return err
	}
	next.fillDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	if err := writeSettings(s.path, next); err != nil {
		return err
	}
	s.settings = next
	return nil
}

// Replace swaps in settings loaded elsewhere (for example by the file watcher).
func (s *Store) Replace(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func writeSettings(path string, settings Settings) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), settingsDirMode); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, settingsFileMode)
	if err != nil {
		return fmt.Errorf("create settings file: %w", err)
	}
	fmt.Fprintln(file, "# pagechat settings")
	fmt.Fprintln(file, "")
	if err := toml.NewEncoder(file).Encode(settings); err != nil {
		file.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s Settings) lookup(key string) (string, bool) {
	switch key {
	case KeyAPIKey:
		return s.APIKey, true
	case KeyAPIURL:
		return s.APIURL, true
	case KeyModelName:
		return s.ModelName, true
	case KeyBackend:
		return s.Backend, true
	case KeyLocalModelID:
		return s.LocalModelID, true
	case KeyOllamaURL:
		return s.OllamaURL, true
	case KeyWindowPages:
		return strconv.Itoa(s.WindowPages), true
	case KeyContextBudget:
		return strconv.Itoa(s.ContextBudget), true
	default:
		return "", false
	}
}

func (s *Settings) assign(key, value string) error {
	switch key {
	case KeyAPIKey:
		s.APIKey = value
	case KeyAPIURL:
		s.APIURL = value
	case KeyModelName:
		s.ModelName = value
	case KeyBackend:
		s.Backend = value
	case KeyLocalModelID:
		s.LocalModelID = value
	case KeyOllamaURL:
		s.OllamaURL = value
	case KeyWindowPages, KeyContextBudget:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		if key == KeyWindowPages {
			s.WindowPages = n
		} else {
			s.ContextBudget = n
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}
