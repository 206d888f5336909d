package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/session"
)

const sample = `
log:
  level: debug
  consoleAppender: true
session:
  compressionThreshold: 512
  readTimeout: 10s
  rateLimit:
    enabled: true
    interval: 7s
    maxRate: 300
    overrides:
      play.movement:
        enabled: true
        interval: 1s
        maxRate: 40
        action: Kick
server:
  maxConnections: 100
game:
  motd: hello
  keepAliveInterval: 5s
plugin:
  metrics:
    prometheus:
      httpListenAddr: ":9100"
  transport:
    tcp:
      addr: ":25565"
`

func TestConfigSections(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	cfg, err := f.Config()
	require.NoError(t, err)

	assert.Equal(t, log.DebugLevel, cfg.Log.LogLevel)
	assert.True(t, cfg.Log.ConsoleAppender)

	assert.Equal(t, 512, cfg.Session.CompressionThreshold)
	assert.Equal(t, 10*time.Second, cfg.Session.ReadTimeout)
	// untouched fields keep their defaults
	assert.Equal(t, 50*time.Millisecond, cfg.Session.TickInterval)
	assert.Equal(t, 300, cfg.Session.RateLimit.MaxRate)
	move := cfg.Session.RateLimit.Overrides["play.movement"]
	assert.Equal(t, session.KindLimit{Enabled: true, Interval: time.Second, MaxRate: 40, Action: session.ActionKick}, move)

	assert.Equal(t, 100, cfg.Server.MaxConnections)
	assert.Equal(t, protocol.PhaseHandshake, cfg.Server.InitialPhase)

	assert.Equal(t, "hello", cfg.Game.Motd)
	assert.Equal(t, 5*time.Second, cfg.Game.KeepAliveInterval)
	assert.Equal(t, 10*time.Second, cfg.Game.KeepAliveTimeout)

	require.Contains(t, cfg.Plugins, "transport")
	tcp := cfg.Plugins["transport"].(map[string]any)["tcp"].(map[string]any)
	assert.Equal(t, ":25565", tcp["addr"])
}

func TestConfigRejectsBadSection(t *testing.T) {
	f, err := Parse([]byte("session:\n  readTimeout: -1s\n"))
	require.NoError(t, err)
	_, err = f.Config()
	assert.ErrorIs(t, err, ErrSection)

	f, err = Parse([]byte("server:\n  maxConnectoins: 3\n"))
	require.NoError(t, err)
	_, err = f.Config()
	assert.ErrorIs(t, err, ErrSection, "unknown keys are reported")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("game:\n  motd: from file\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from file", cfg.Game.Motd)
	assert.Equal(t, 256, cfg.Session.CompressionThreshold)
	assert.Empty(t, cfg.Plugins)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "welcome to conduit", cfg.Game.Motd)
}
