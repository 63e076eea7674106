package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "server:\n  port: 8085\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 8085, cfg.Server.Port)
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "server:\n  port: 8085\n")

	reloaded := make(chan *GatewayConfig, 1)
	w, err := NewWatcher(path, func(cfg *GatewayConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	writeConfigFile(t, dir, "server:\n  port: 8086\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8086, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_KeepsPreviousOnInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "server:\n  port: 8085\n")

	w, err := NewWatcher(path, nil, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	writeConfigFile(t, dir, "server:\n  port: -5\n")

	// Give the watcher time to process the change.
	time.Sleep(300 * time.Millisecond)

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 8085, cfg.Server.Port)
}
