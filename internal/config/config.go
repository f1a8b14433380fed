// Package config loads, validates and holds the typed daemon configuration.
// Precedence is ENV > file > defaults; every consumed key is enumerated here
// with its default instead of being defaulted at each access site.
package config

import (
	"path/filepath"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DataDir    string
	LogLevel   string
	LogService string

	Hook    HookConfig
	Gesture GestureConfig
	Call    CallConfig
	Audio   AudioConfig
	Enrich  EnrichConfig
	API     APIConfig
}

// HookConfig controls the hook input monitor.
type HookConfig struct {
	InputPath       string // sysfs-style value file of the hook switch
	ButtonInputPath string // optional record-greeting button line, empty disables
	ActiveLow       bool   // low level = off-hook / button held (pull-up wiring)
	PollInterval    time.Duration
	Debounce        time.Duration
}

// GestureConfig controls hook-toggle gesture detection.
type GestureConfig struct {
	Enabled      bool
	ToggleWindow time.Duration
	ToggleCount  int
}

// CallConfig controls the call flow and references the sound assets.
type CallConfig struct {
	Greeting             string
	Beep                 string
	TimeExceeded         string
	RecordGreetingPrompt string

	GreetingVolume     float64
	BeepVolume         float64
	TimeExceededVolume float64

	GreetingStartDelay   time.Duration
	BeepStartDelay       time.Duration
	SettleDelay          time.Duration
	RecordingLimit       time.Duration
	BeepIncludeInMessage bool
}

// AudioConfig controls capture format and recording validation thresholds.
type AudioConfig struct {
	SampleRate             int
	Channels               int
	MinimumFileSizeBytes   int64
	MinimumMessageDuration time.Duration
	InputDevice            string
	OutputDevice           string
}

// EnrichConfig controls the background enrichment pipeline.
type EnrichConfig struct {
	Enabled         bool
	APIKey          string
	BaseURL         string
	Model           string
	Language        string
	AutoProcess     bool
	Cooldown        time.Duration
	AllowDuringCall bool
	StaleThreshold  time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	IgnoredNames    []string
	Categories      []string
	TriggerFile     string
	RescanIdle      time.Duration
	RescanBacklog   time.Duration
}

// APIConfig controls the management and metrics listeners.
type APIConfig struct {
	ListenAddr  string
	MetricsAddr string
	RateLimit   int // requests/min per IP, 0 disables
}

// Defaults returns the built-in configuration. Thresholds match the field
// hardware: 88200 bytes is one second of 44.1kHz 16-bit mono audio.
func Defaults() Config {
	return Config{
		DataDir:    "/var/lib/hookbook",
		LogLevel:   "info",
		LogService: "hookbook",
		Hook: HookConfig{
			InputPath:    "/sys/class/gpio/gpio17/value",
			ActiveLow:    true,
			PollInterval: 10 * time.Millisecond,
			Debounce:     200 * time.Millisecond,
		},
		Gesture: GestureConfig{
			Enabled:      true,
			ToggleWindow: 6 * time.Second,
			ToggleCount:  10,
		},
		Call: CallConfig{
			Greeting:             "sounds/greeting.wav",
			Beep:                 "sounds/beep.wav",
			TimeExceeded:         "sounds/time_exceeded.wav",
			RecordGreetingPrompt: "sounds/record_greeting_prompt.wav",
			GreetingVolume:       1.0,
			BeepVolume:           1.0,
			TimeExceededVolume:   1.0,
			GreetingStartDelay:   0,
			BeepStartDelay:       0,
			SettleDelay:          300 * time.Millisecond,
			RecordingLimit:       300 * time.Second,
			BeepIncludeInMessage: true,
		},
		Audio: AudioConfig{
			SampleRate:             44100,
			Channels:               1,
			MinimumFileSizeBytes:   88200,
			MinimumMessageDuration: 2 * time.Second,
		},
		Enrich: EnrichConfig{
			Enabled:         false,
			BaseURL:         "https://api.openai.com",
			Model:           "gpt-4o-mini",
			Language:        "en",
			AutoProcess:     true,
			Cooldown:        120 * time.Second,
			AllowDuringCall: false,
			StaleThreshold:  time.Hour,
			MaxRetries:      3,
			RetryDelay:      30 * time.Second,
			Categories: []string{
				"joyful", "heartfelt", "humorous", "nostalgic", "advice",
				"blessing", "toast", "gratitude", "apology", "other",
			},
			RescanIdle:    30 * time.Second,
			RescanBacklog: 5 * time.Second,
		},
		API: APIConfig{
			ListenAddr:  ":8080",
			MetricsAddr: "",
			RateLimit:   120,
		},
	}
}

// RecordingsDir returns the directory holding guest recordings.
func (c Config) RecordingsDir() string {
	return filepath.Join(c.DataDir, "recordings")
}

// GreetingsDir returns the directory holding recorded greeting candidates.
func (c Config) GreetingsDir() string {
	return filepath.Join(c.DataDir, "sounds", "greetings")
}

// GreetingPath resolves the configured greeting relative to DataDir.
func (c Config) GreetingPath() string {
	return c.resolve(c.Call.Greeting)
}

// BeepPath resolves the configured beep sound relative to DataDir.
func (c Config) BeepPath() string {
	return c.resolve(c.Call.Beep)
}

// TimeExceededPath resolves the time-exceeded sound relative to DataDir.
func (c Config) TimeExceededPath() string {
	return c.resolve(c.Call.TimeExceeded)
}

// RecordGreetingPromptPath resolves the re-record prompt relative to DataDir.
// Falls back to the beep when no prompt is configured.
func (c Config) RecordGreetingPromptPath() string {
	if c.Call.RecordGreetingPrompt == "" {
		return c.BeepPath()
	}
	return c.resolve(c.Call.RecordGreetingPrompt)
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
