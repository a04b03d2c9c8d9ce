package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Provider wire formats supported by the LLM transport.
const (
	ProviderLocal     = "local"
	ProviderAnthropic = "anthropic-style"
	ProviderOpenAI    = "openai-style"
)

// DefaultMaxIterations caps per-node re-execution within a single run.
const DefaultMaxIterations = 10

// Settings are the user-configured pipeline options, persisted outside the
// board. The file may be YAML or JSON, chosen by extension.
type Settings struct {
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	Model         string `json:"model" yaml:"model"`
	Provider      string `json:"provider" yaml:"provider"` // local, anthropic-style, openai-style
	APIKey        string `json:"apiKey" yaml:"apiKey"`
	MaxTokens     int    `json:"maxTokens" yaml:"maxTokens"`
	ImageModel    string `json:"imageModel" yaml:"imageModel"`
	MaxIterations int    `json:"maxIterations" yaml:"maxIterations"`
}

// DetectProvider picks the wire format from an endpoint URL when the provider
// field is unset: /api/chat means a local NDJSON server, "anthropic" anywhere
// in the URL means the Anthropic SSE shape, anything else is OpenAI-style.
func DetectProvider(endpoint string) string {
	switch {
	case strings.Contains(endpoint, "/api/chat"):
		return ProviderLocal
	case strings.Contains(endpoint, "anthropic"):
		return ProviderAnthropic
	default:
		return ProviderOpenAI
	}
}

func (s *Settings) applyDefaults() {
	if s.MaxIterations <= 0 {
		s.MaxIterations = getIntEnv("MAX_ITERATIONS", DefaultMaxIterations)
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 4096
	}
	if s.Provider == "" {
		s.Provider = DetectProvider(s.Endpoint)
	}
}

// SettingsStore holds the live settings and reloads them when the backing
// file changes on disk.
type SettingsStore struct {
	mu       sync.RWMutex
	path     string
	settings Settings
	watcher  *fsnotify.Watcher
}

// NewSettingsStore loads the settings file (creating defaults if it does not
// exist) and returns a store ready for watching.
func NewSettingsStore(path string) (*SettingsStore, error) {
	st := &SettingsStore{path: path}
	if err := st.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Missing file is fine: start with defaults, write on first save.
		st.settings = Settings{}
		st.settings.applyDefaults()
	}
	return st, nil
}

// Get returns a copy of the current settings.
func (st *SettingsStore) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.settings
}

// Update replaces the settings and persists them to the backing file.
func (st *SettingsStore) Update(s Settings) error {
	s.applyDefaults()
	st.mu.Lock()
	st.settings = s
	st.mu.Unlock()
	return st.persist(s)
}

// Watch reloads the settings whenever the file changes. It returns once the
// watcher is installed; reloads happen on a background goroutine until the
// store is closed.
func (st *SettingsStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	st.watcher = watcher

	// Watch the directory: editors often replace the file, which drops a
	// watch installed on the file itself.
	dir := filepath.Dir(st.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch settings dir: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(st.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := st.reload(); err != nil {
					slog.Warn("settings reload failed", "path", st.path, "error", err)
					continue
				}
				slog.Info("settings reloaded", "path", st.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("settings watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher.
func (st *SettingsStore) Close() error {
	if st.watcher != nil {
		return st.watcher.Close()
	}
	return nil
}

func (st *SettingsStore) reload() error {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return err
	}

	var s Settings
	if isYAMLPath(st.path) {
		err = yaml.Unmarshal(data, &s)
	} else {
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}
	s.applyDefaults()

	st.mu.Lock()
	st.settings = s
	st.mu.Unlock()
	return nil
}

func (st *SettingsStore) persist(s Settings) error {
	var data []byte
	var err error
	if isYAMLPath(st.path) {
		data, err = yaml.Marshal(s)
	} else {
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return os.WriteFile(st.path, data, 0o644)
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
