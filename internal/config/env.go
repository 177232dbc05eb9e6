package config

import (
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file from the working directory when present.
// It reports whether a file was found.
func LoadDotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// ApplyEnv overrides settings from environment variables.
func (s *Settings) ApplyEnv(lookup LookupFunc) {
	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value), true
			}
		}
		return "", false
	}
	if v, ok := get("PAGECHAT_API_KEY", "OPENAI_API_KEY"); ok {
		s.APIKey = v
	}
	if v, ok := get("PAGECHAT_API_URL", "OPENAI_BASE_URL"); ok {
		s.APIURL = v
	}
	if v, ok := get("PAGECHAT_MODEL"); ok {
		s.ModelName = v
	}
	if v, ok := get("PAGECHAT_BACKEND"); ok {
		s.Backend = strings.ToLower(v)
	}
	if v, ok := get("PAGECHAT_LOCAL_MODEL"); ok {
		s.LocalModelID = v
	}
	if v, ok := get("OLLAMA_HOST"); ok {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		s.OllamaURL = v
	}
	if v, ok := get("PAGECHAT_WINDOW_PAGES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.WindowPages = n
		}
	}
}
