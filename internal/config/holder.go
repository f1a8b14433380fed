package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	hblog "github.com/mkaserer/hookbook/internal/log"
)

// Holder provides thread-safe access to the runtime configuration and
// persists greeting promotions back to the config file.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	configPath string
	logger     zerolog.Logger
}

// NewHolder wraps an initial configuration. configPath may be empty, in
// which case greeting promotions update only the in-memory config.
func NewHolder(initial Config, configPath string) *Holder {
	return &Holder{
		current:    initial,
		configPath: configPath,
		logger:     hblog.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// PromoteGreeting makes greetingFile the active greeting and persists the
// change. The file-level update is atomic; on persistence failure the
// in-memory config keeps the new greeting so the appliance behaves as the
// caller heard it behave, and the error is surfaced for logging.
func (h *Holder) PromoteGreeting(greetingFile string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rel := greetingFile
	if filepath.IsAbs(greetingFile) {
		if r, err := filepath.Rel(h.current.DataDir, greetingFile); err == nil {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)

	h.current.Call.Greeting = rel
	h.logger.Info().
		Str("event", "config.greeting_promoted").
		Str("greeting", rel).
		Msg("active greeting replaced")

	if h.configPath == "" {
		return nil
	}
	if err := saveGreeting(h.configPath, rel); err != nil {
		return fmt.Errorf("persist greeting to %s: %w", h.configPath, err)
	}
	return nil
}

// saveGreeting rewrites the config file with the new greeting while
// preserving every other key, including ones this daemon does not consume.
func saveGreeting(path, greeting string) error {
	doc := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse existing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read existing config: %w", err)
	}

	call, ok := doc["call"].(map[string]any)
	if !ok {
		call = map[string]any{}
	}
	call["greeting"] = greeting
	doc["call"] = call

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(out); err != nil {
		return fmt.Errorf("write config data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace config file: %w", err)
	}
	return nil
}
