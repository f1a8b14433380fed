// Command hookbookd runs the audio guest book appliance: it watches the
// phone's hook switch, records guest messages and enriches them with
// transcripts and metadata in the background.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkaserer/hookbook/internal/api"
	"github.com/mkaserer/hookbook/internal/audio"
	"github.com/mkaserer/hookbook/internal/call"
	"github.com/mkaserer/hookbook/internal/config"
	"github.com/mkaserer/hookbook/internal/daemon"
	"github.com/mkaserer/hookbook/internal/enrich"
	"github.com/mkaserer/hookbook/internal/hook"
	"github.com/mkaserer/hookbook/internal/indicator"
	hblog "github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/store"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	hblog.Configure(hblog.Config{
		Level:   "info",
		Service: "hookbook",
		Version: version,
	})
	logger := hblog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit via --config, otherwise ${HOOKBOOK_DATA}/config.yaml
	// when present, so on-device edits survive without extra flags.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("HOOKBOOK_DATA"))
		if dataDir == "" {
			dataDir = config.Defaults().DataDir
		}
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	cfg, err := config.NewLoader(effectivePath).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	hblog.Reconfigure(hblog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version,
	})
	logger.Info().
		Str("event", "config.loaded").
		Str("config_path", effectivePath).
		Str("data_dir", cfg.DataDir).
		Msg("configuration loaded")

	for _, dir := range []string{cfg.RecordingsDir(), cfg.GreetingsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("data directory unavailable")
		}
	}

	holder := config.NewHolder(cfg, effectivePath)

	st, err := store.Open(filepath.Join(cfg.DataDir, "hookbook.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open metadata store")
	}

	device, err := audio.NewPortAudioDevice(cfg.Audio)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize audio device")
	}

	monitor := hook.NewMonitor(hook.FileLine{Path: cfg.Hook.InputPath}, cfg.Hook)
	var button *hook.Monitor
	if cfg.Hook.ButtonInputPath != "" {
		button = hook.NewMonitor(hook.FileLine{Path: cfg.Hook.ButtonInputPath}, cfg.Hook)
	}
	ind := indicator.NewLog()

	machine := call.NewMachine(call.MachineOptions{
		Holder:    holder,
		Device:    device,
		Validator: call.NewValidator(cfg.Audio.MinimumFileSizeBytes, cfg.Audio.MinimumMessageDuration),
		Indicator: ind,
		Metadata:  st,
		Monitor:   monitor,
		Button:    button,
	})

	queue := enrich.NewQueue(enrich.QueueOptions{
		Config:       cfg.Enrich,
		Store:        st,
		Processor:    enrich.NewOpenAIProcessor(cfg.Enrich),
		Connectivity: enrich.NewHTTPConnectivityChecker(cfg.Enrich.BaseURL),
		PhoneActive:  machine.IsCallActive,
		OnProcessingChange: func(processing bool) {
			if processing {
				ind.Signal(indicator.ModeProcessingStarted)
			} else {
				ind.Signal(indicator.ModeProcessingStopped)
			}
		},
		RecordingsDir:    cfg.RecordingsDir(),
		MinFileSizeBytes: cfg.Audio.MinimumFileSizeBytes,
		MinDuration:      cfg.Audio.MinimumMessageDuration,
	})
	machine.SetQueue(queue)

	apiServer := api.NewServer(api.ServerOptions{
		Config:        cfg.API,
		Store:         st,
		Queue:         queue,
		Calls:         machine,
		RecordingsDir: cfg.RecordingsDir(),
		Version:       version,
	})

	mgr := daemon.NewManager(daemon.Options{
		APIAddr:         cfg.API.ListenAddr,
		APIHandler:      apiServer.Handler(),
		MetricsAddr:     cfg.API.MetricsAddr,
		MetricsHandler:  promhttp.Handler(),
		ShutdownTimeout: 10 * time.Second,
	})
	mgr.AddWorker("hook-monitor", monitor.Run)
	if button != nil {
		mgr.AddWorker("greeting-button", button.Run)
	}
	mgr.AddWorker("call-dispatch", machine.Run)
	mgr.AddWorker("enrichment", queue.Run)
	mgr.RegisterShutdownHook("audio-device", func(context.Context) error {
		return device.Close()
	})
	mgr.RegisterShutdownHook("metadata-store", func(context.Context) error {
		return st.Close()
	})

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Str("event", "main.exit").Msg("hookbookd stopped")
}
