package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/linkwatch/internal/connection"
	"github.com/tunnelmesh/linkwatch/internal/validation"
	"github.com/tunnelmesh/linkwatch/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: "edge-node"
target:
  url: "wss://relay.example.com/stream"
  transport: "WSS"
  timeout: "3s"
auth:
  key: "abc"
  password: "secret"
watch:
  paths: ["/var/log/app.log"]
  debounce: "250ms"
metrics:
  enabled: true
  listen: ":9100"
log_level: "debug"
`
	configPath := testutil.TempFile(t, dir, "linkwatch.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "edge-node", cfg.Name)
	assert.Equal(t, "wss://relay.example.com/stream", cfg.Target.URL)
	assert.Equal(t, "wss", cfg.Target.Transport)
	assert.Equal(t, 3*time.Second, cfg.Timeout())
	assert.Equal(t, "abc", cfg.Auth.Key)
	assert.Equal(t, "secret", cfg.Auth.Password)
	assert.Equal(t, []string{"/var/log/app.log"}, cfg.Watch.Paths)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "linkwatch.yaml", "target:\n  url: www.example.com\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, 10*time.Second, cfg.Timeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce())
	assert.Equal(t, DefaultMetricsListen, cfg.Metrics.Listen)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Target.Transport)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/linkwatch.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "linkwatch.yaml", "target: [invalid yaml\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_ExpandsHomeInWatchPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	configPath := testutil.TempFile(t, dir, "linkwatch.yaml", "watch:\n  paths: [\"~/app.log\", \"/abs.log\"]\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{home + "/app.log", "/abs.log"}, cfg.Watch.Paths)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "empty name", modify: func(c *Config) { c.Name = "" }, wantErr: "name is required"},
		{name: "bad timeout", modify: func(c *Config) { c.Target.Timeout = "soon" }, wantErr: "target.timeout"},
		{name: "zero timeout", modify: func(c *Config) { c.Target.Timeout = "0s" }, wantErr: "target.timeout"},
		{name: "bad debounce", modify: func(c *Config) { c.Watch.Debounce = "fast" }, wantErr: "watch.debounce"},
		{
			name:    "bad metrics listen",
			modify:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "9100" },
			wantErr: "metrics.listen",
		},
		{
			name:   "metrics listen ignored when disabled",
			modify: func(c *Config) { c.Metrics.Listen = "9100" },
		},
		{name: "bad log level", modify: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecord(t *testing.T) {
	cfg := Default()
	assert.Equal(t, validation.Record{}, cfg.Record())

	cfg.Target.URL = "relay.example.com:8443"
	cfg.Target.Transport = "wss"
	cfg.Auth.Key = "abc"
	cfg.Auth.Password = "secret"

	assert.Equal(t, validation.Record{
		"key":       "abc",
		"password":  "secret",
		"url":       "wss://relay.example.com:8443",
		"transport": "wss",
	}, cfg.Record())
	assert.NoError(t, validation.ConnectChain().Check(cfg.Record()))
}

func TestRecord_RejectedByConnectChain(t *testing.T) {
	cfg := Default()
	cfg.Target.URL = "www.example.com"

	err := validation.ConnectChain().Check(cfg.Record())
	require.Error(t, err)
	assert.Equal(t, "auth: No key", err.Error())
}

func TestEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Target.URL = "relay.example.com"
	cfg.Target.Transport = "ws"

	ep, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, connection.KindWebSocket, ep.Kind)
	assert.Equal(t, 80, ep.Port)

	// A scheme in the URL wins over the transport field
	cfg.Target.URL = "tcp://db.internal:5432"
	ep, err = cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, connection.KindTCP, ep.Kind)
	assert.Equal(t, 5432, ep.Port)

	// but the connect chain refuses the disagreement
	cfg.Auth.Key = "abc"
	cfg.Auth.Password = "secret"
	assert.EqualError(t, validation.ConnectChain().Check(cfg.Record()),
		`transport_match: transport "ws" does not match url "tcp://db.internal:5432"`)

	cfg.Target.URL = ""
	_, err = cfg.Endpoint()
	assert.Error(t, err)
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset to known state before each test
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
