package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader resolves configuration with precedence ENV > file > defaults.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given config file path. An empty path
// means file-less operation (defaults + environment only).
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads, merges and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", l.path, err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", l.path, err)
		}
		if err := mergeFile(&cfg, fc); err != nil {
			return Config{}, fmt.Errorf("merge config file %s: %w", l.path, err)
		}
	}

	mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, fc FileConfig) error {
	var errs []error
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v, key string) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	setStr(&cfg.DataDir, fc.DataDir)
	setStr(&cfg.LogLevel, fc.LogLevel)
	setStr(&cfg.LogService, fc.LogService)

	setStr(&cfg.Hook.InputPath, fc.Hook.InputPath)
	setStr(&cfg.Hook.ButtonInputPath, fc.Hook.ButtonInputPath)
	if fc.Hook.ActiveLow != nil {
		cfg.Hook.ActiveLow = *fc.Hook.ActiveLow
	}
	setDur(&cfg.Hook.PollInterval, fc.Hook.PollInterval, "hook.pollInterval")
	setDur(&cfg.Hook.Debounce, fc.Hook.Debounce, "hook.debounce")

	if fc.Gesture.Enabled != nil {
		cfg.Gesture.Enabled = *fc.Gesture.Enabled
	}
	setDur(&cfg.Gesture.ToggleWindow, fc.Gesture.ToggleWindow, "gesture.toggleWindow")
	if fc.Gesture.ToggleCount != nil {
		cfg.Gesture.ToggleCount = *fc.Gesture.ToggleCount
	}

	setStr(&cfg.Call.Greeting, fc.Call.Greeting)
	setStr(&cfg.Call.Beep, fc.Call.Beep)
	setStr(&cfg.Call.TimeExceeded, fc.Call.TimeExceeded)
	setStr(&cfg.Call.RecordGreetingPrompt, fc.Call.RecordGreetingPrompt)
	if fc.Call.GreetingVolume != nil {
		cfg.Call.GreetingVolume = *fc.Call.GreetingVolume
	}
	if fc.Call.BeepVolume != nil {
		cfg.Call.BeepVolume = *fc.Call.BeepVolume
	}
	if fc.Call.TimeExceededVolume != nil {
		cfg.Call.TimeExceededVolume = *fc.Call.TimeExceededVolume
	}
	setDur(&cfg.Call.GreetingStartDelay, fc.Call.GreetingStartDelay, "call.greetingStartDelay")
	setDur(&cfg.Call.BeepStartDelay, fc.Call.BeepStartDelay, "call.beepStartDelay")
	setDur(&cfg.Call.SettleDelay, fc.Call.SettleDelay, "call.settleDelay")
	setDur(&cfg.Call.RecordingLimit, fc.Call.RecordingLimit, "call.recordingLimit")
	if fc.Call.BeepIncludeInMessage != nil {
		cfg.Call.BeepIncludeInMessage = *fc.Call.BeepIncludeInMessage
	}

	if fc.Audio.SampleRate != nil {
		cfg.Audio.SampleRate = *fc.Audio.SampleRate
	}
	if fc.Audio.Channels != nil {
		cfg.Audio.Channels = *fc.Audio.Channels
	}
	if fc.Audio.MinimumFileSizeBytes != nil {
		cfg.Audio.MinimumFileSizeBytes = *fc.Audio.MinimumFileSizeBytes
	}
	setDur(&cfg.Audio.MinimumMessageDuration, fc.Audio.MinimumMessageDuration, "audio.minimumMessageDuration")
	setStr(&cfg.Audio.InputDevice, fc.Audio.InputDevice)
	setStr(&cfg.Audio.OutputDevice, fc.Audio.OutputDevice)

	if fc.Enrich.Enabled != nil {
		cfg.Enrich.Enabled = *fc.Enrich.Enabled
	}
	setStr(&cfg.Enrich.APIKey, fc.Enrich.APIKey)
	setStr(&cfg.Enrich.BaseURL, fc.Enrich.BaseURL)
	setStr(&cfg.Enrich.Model, fc.Enrich.Model)
	setStr(&cfg.Enrich.Language, fc.Enrich.Language)
	if fc.Enrich.AutoProcess != nil {
		cfg.Enrich.AutoProcess = *fc.Enrich.AutoProcess
	}
	setDur(&cfg.Enrich.Cooldown, fc.Enrich.Cooldown, "enrich.cooldown")
	if fc.Enrich.AllowDuringCall != nil {
		cfg.Enrich.AllowDuringCall = *fc.Enrich.AllowDuringCall
	}
	setDur(&cfg.Enrich.StaleThreshold, fc.Enrich.StaleThreshold, "enrich.staleThreshold")
	if fc.Enrich.MaxRetries != nil {
		cfg.Enrich.MaxRetries = *fc.Enrich.MaxRetries
	}
	setDur(&cfg.Enrich.RetryDelay, fc.Enrich.RetryDelay, "enrich.retryDelay")
	if len(fc.Enrich.IgnoredNames) > 0 {
		cfg.Enrich.IgnoredNames = fc.Enrich.IgnoredNames
	}
	if len(fc.Enrich.Categories) > 0 {
		cfg.Enrich.Categories = fc.Enrich.Categories
	}
	setStr(&cfg.Enrich.TriggerFile, fc.Enrich.TriggerFile)
	setDur(&cfg.Enrich.RescanIdle, fc.Enrich.RescanIdle, "enrich.rescanIdle")
	setDur(&cfg.Enrich.RescanBacklog, fc.Enrich.RescanBacklog, "enrich.rescanBacklog")

	setStr(&cfg.API.ListenAddr, fc.API.ListenAddr)
	setStr(&cfg.API.MetricsAddr, fc.API.MetricsAddr)
	if fc.API.RateLimit != nil {
		cfg.API.RateLimit = *fc.API.RateLimit
	}

	return errors.Join(errs...)
}

func mergeEnv(cfg *Config) {
	if v := os.Getenv("HOOKBOOK_DATA"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HOOKBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HOOKBOOK_HOOK_INPUT"); v != "" {
		cfg.Hook.InputPath = v
	}
	if v := os.Getenv("HOOKBOOK_BUTTON_INPUT"); v != "" {
		cfg.Hook.ButtonInputPath = v
	}
	if v := os.Getenv("HOOKBOOK_LISTEN"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("HOOKBOOK_METRICS_LISTEN"); v != "" {
		cfg.API.MetricsAddr = v
	}
	if v := os.Getenv("HOOKBOOK_OPENAI_API_KEY"); v != "" {
		cfg.Enrich.APIKey = v
	}
	if v := os.Getenv("HOOKBOOK_ENRICH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enrich.Enabled = b
		}
	}
}

// Validate rejects configurations the daemon cannot run with. Validation
// happens once at load time so access sites can trust the values.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.DataDir == "" {
		add("dataDir must not be empty")
	}
	if cfg.Hook.PollInterval <= 0 {
		add("hook.pollInterval must be positive, got %s", cfg.Hook.PollInterval)
	}
	if cfg.Hook.Debounce < cfg.Hook.PollInterval {
		add("hook.debounce (%s) must be >= hook.pollInterval (%s)", cfg.Hook.Debounce, cfg.Hook.PollInterval)
	}
	if cfg.Gesture.ToggleCount < 2 {
		add("gesture.toggleCount must be >= 2, got %d", cfg.Gesture.ToggleCount)
	}
	if cfg.Gesture.ToggleWindow <= 0 {
		add("gesture.toggleWindow must be positive, got %s", cfg.Gesture.ToggleWindow)
	}
	if cfg.Call.RecordingLimit <= 0 {
		add("call.recordingLimit must be positive, got %s", cfg.Call.RecordingLimit)
	}
	if cfg.Call.Greeting == "" {
		add("call.greeting must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		add("audio.sampleRate must be positive, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		add("audio.channels must be 1 or 2, got %d", cfg.Audio.Channels)
	}
	if cfg.Audio.MinimumFileSizeBytes < 0 {
		add("audio.minimumFileSizeBytes must not be negative, got %d", cfg.Audio.MinimumFileSizeBytes)
	}
	if cfg.Enrich.Cooldown < 0 {
		add("enrich.cooldown must not be negative, got %s", cfg.Enrich.Cooldown)
	}
	if cfg.Enrich.StaleThreshold <= 0 {
		add("enrich.staleThreshold must be positive, got %s", cfg.Enrich.StaleThreshold)
	}
	if cfg.Enrich.MaxRetries < 1 {
		add("enrich.maxRetries must be >= 1, got %d", cfg.Enrich.MaxRetries)
	}
	if cfg.API.ListenAddr == "" {
		add("api.listenAddr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
