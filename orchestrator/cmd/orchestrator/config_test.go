package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, "orchestrator", cfg.Name)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Empty(t, cfg.Mongo.URI)
	require.Equal(t, 30*time.Second, cfg.Bus.HeartbeatTTL)
	require.Equal(t, 5*time.Minute, cfg.Bus.ReplyStreamTTL)
	require.Equal(t, 100*time.Millisecond, cfg.Orchestrator.Debounce)
	require.Equal(t, 30*time.Second, cfg.Orchestrator.ToolCallTimeout)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: fleet
redis:
  addr: redis:6379
mongo:
  uri: mongodb://mongo:27017
  database: fleet
orchestrator:
  toolcall_timeout: 45s
`), 0o600))
	t.Setenv("ORCHESTRATOR_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ORCHESTRATOR_BUS_HEARTBEAT_TTL", "10s")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "fleet", cfg.Name)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	require.Equal(t, "fleet", cfg.Mongo.Database)
	require.Equal(t, 10*time.Second, cfg.Bus.HeartbeatTTL)
	require.Equal(t, 45*time.Second, cfg.Orchestrator.ToolCallTimeout)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("ORCHESTRATOR_ORCHESTRATOR_TOOLCALL_TIMEOUT", "0s")
	_, err := loadConfig("")
	require.ErrorContains(t, err, "toolcall_timeout")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	t.Setenv("ORCHESTRATOR_REDIS_PASSWORD", "s3cret")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})
	require.NoError(t, cmd.Execute())

	var cfg map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	require.Equal(t, "orchestrator", cfg["name"])
	redis := cfg["redis"].(map[string]any)
	require.Equal(t, "********", redis["password"])
	require.NotContains(t, out.String(), "s3cret")
}
