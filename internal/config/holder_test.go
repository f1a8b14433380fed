package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPromoteGreetingUpdatesMemoryAndFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("dataDir: "+dir+"\ncall:\n  beepVolume: 0.5\n"), 0o644))

	cfg := Defaults()
	cfg.DataDir = dir
	h := NewHolder(cfg, cfgPath)

	candidate := filepath.Join(dir, "sounds", "greetings", "greeting-new.wav")
	require.NoError(t, h.PromoteGreeting(candidate))

	assert.Equal(t, "sounds/greetings/greeting-new.wav", h.Get().Call.Greeting)

	raw, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	call, ok := doc["call"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sounds/greetings/greeting-new.wav", call["greeting"])
	assert.Equal(t, 0.5, call["beepVolume"], "unrelated keys survive the rewrite")
	assert.Equal(t, dir, doc["dataDir"], "top-level keys survive the rewrite")
}

func TestPromoteGreetingWithoutConfigFile(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = t.TempDir()
	h := NewHolder(cfg, "")

	require.NoError(t, h.PromoteGreeting(filepath.Join(cfg.DataDir, "sounds", "greetings", "g.wav")))
	assert.Equal(t, "sounds/greetings/g.wav", h.Get().Call.Greeting)
}

func TestPromoteGreetingKeepsForeignPathsVerbatim(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/var/lib/hookbook"
	h := NewHolder(cfg, "")

	require.NoError(t, h.PromoteGreeting("custom/slot.wav"))
	assert.Equal(t, "custom/slot.wav", h.Get().Call.Greeting)
}
