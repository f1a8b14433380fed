package config

// FileConfig represents the YAML configuration structure. Durations are
// transported as strings ("200ms", "6s") and parsed during load.
// Pointers distinguish "not set" from an explicit zero/false.
type FileConfig struct {
	DataDir    string `yaml:"dataDir,omitempty"`
	LogLevel   string `yaml:"logLevel,omitempty"`
	LogService string `yaml:"logService,omitempty"`

	Hook    HookFileConfig    `yaml:"hook,omitempty"`
	Gesture GestureFileConfig `yaml:"gesture,omitempty"`
	Call    CallFileConfig    `yaml:"call,omitempty"`
	Audio   AudioFileConfig   `yaml:"audio,omitempty"`
	Enrich  EnrichFileConfig  `yaml:"enrich,omitempty"`
	API     APIFileConfig     `yaml:"api,omitempty"`
}

// HookFileConfig holds hook input settings.
type HookFileConfig struct {
	InputPath       string `yaml:"inputPath,omitempty"`
	ButtonInputPath string `yaml:"buttonInputPath,omitempty"`
	ActiveLow       *bool  `yaml:"activeLow,omitempty"`
	PollInterval    string `yaml:"pollInterval,omitempty"` // e.g. "10ms"
	Debounce        string `yaml:"debounce,omitempty"`     // e.g. "200ms"
}

// GestureFileConfig holds the hook-toggle gesture settings.
type GestureFileConfig struct {
	Enabled      *bool  `yaml:"enabled,omitempty"`
	ToggleWindow string `yaml:"toggleWindow,omitempty"` // e.g. "6s"
	ToggleCount  *int   `yaml:"toggleCount,omitempty"`
}

// CallFileConfig holds call flow settings and sound asset paths.
type CallFileConfig struct {
	Greeting             string `yaml:"greeting,omitempty"`
	Beep                 string `yaml:"beep,omitempty"`
	TimeExceeded         string `yaml:"timeExceeded,omitempty"`
	RecordGreetingPrompt string `yaml:"recordGreetingPrompt,omitempty"`

	GreetingVolume     *float64 `yaml:"greetingVolume,omitempty"`
	BeepVolume         *float64 `yaml:"beepVolume,omitempty"`
	TimeExceededVolume *float64 `yaml:"timeExceededVolume,omitempty"`

	GreetingStartDelay   string `yaml:"greetingStartDelay,omitempty"`
	BeepStartDelay       string `yaml:"beepStartDelay,omitempty"`
	SettleDelay          string `yaml:"settleDelay,omitempty"`
	RecordingLimit       string `yaml:"recordingLimit,omitempty"` // e.g. "300s"
	BeepIncludeInMessage *bool  `yaml:"beepIncludeInMessage,omitempty"`
}

// AudioFileConfig holds capture settings and validation thresholds.
type AudioFileConfig struct {
	SampleRate             *int   `yaml:"sampleRate,omitempty"`
	Channels               *int   `yaml:"channels,omitempty"`
	MinimumFileSizeBytes   *int64 `yaml:"minimumFileSizeBytes,omitempty"`
	MinimumMessageDuration string `yaml:"minimumMessageDuration,omitempty"` // e.g. "2s"
	InputDevice            string `yaml:"inputDevice,omitempty"`
	OutputDevice           string `yaml:"outputDevice,omitempty"`
}

// EnrichFileConfig holds enrichment pipeline settings.
type EnrichFileConfig struct {
	Enabled         *bool    `yaml:"enabled,omitempty"`
	APIKey          string   `yaml:"apiKey,omitempty"`
	BaseURL         string   `yaml:"baseUrl,omitempty"`
	Model           string   `yaml:"model,omitempty"`
	Language        string   `yaml:"language,omitempty"`
	AutoProcess     *bool    `yaml:"autoProcess,omitempty"`
	Cooldown        string   `yaml:"cooldown,omitempty"` // e.g. "120s"
	AllowDuringCall *bool    `yaml:"allowDuringCall,omitempty"`
	StaleThreshold  string   `yaml:"staleThreshold,omitempty"` // e.g. "1h"
	MaxRetries      *int     `yaml:"maxRetries,omitempty"`
	RetryDelay      string   `yaml:"retryDelay,omitempty"`
	IgnoredNames    []string `yaml:"ignoredNames,omitempty"`
	Categories      []string `yaml:"categories,omitempty"`
	TriggerFile     string   `yaml:"triggerFile,omitempty"`
	RescanIdle      string   `yaml:"rescanIdle,omitempty"`    // interval with empty backlog
	RescanBacklog   string   `yaml:"rescanBacklog,omitempty"` // interval with known backlog
}

// APIFileConfig holds management API settings.
type APIFileConfig struct {
	ListenAddr  string `yaml:"listenAddr,omitempty"`
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	RateLimit   *int   `yaml:"rateLimit,omitempty"` // requests/min per IP
}
