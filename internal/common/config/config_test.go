package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Session.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.PauseInterval)
	assert.Equal(t, 50, cfg.Session.MaxSteps)
	assert.Equal(t, 10*time.Second, cfg.Session.StopGracePeriod)
	assert.Equal(t, 5, cfg.Session.MaxConcurrent)
	assert.NotEmpty(t, cfg.Session.InstanceID)
	assert.Equal(t, "bridge", cfg.Engine.Type)
	assert.Equal(t, "chromium", cfg.Engine.BrowserType)
	assert.InDelta(t, 0.1, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BROWSERPILOT_SESSION_MAXSTEPS", "7")
	t.Setenv("MAX_CONCURRENT_TASKS", "2")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("BROWSERPILOT_SESSION_INSTANCEID", "worker-2")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.MaxSteps)
	assert.Equal(t, 2, cfg.Session.MaxConcurrent)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "worker-2", cfg.Session.InstanceID)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
engine:
  type: scripted
  scenarioPath: /tmp/demo.yaml
session:
  pollInterval: 250ms
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0o600))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "scripted", cfg.Engine.Type)
	assert.Equal(t, "/tmp/demo.yaml", cfg.Engine.ScenarioPath)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.PollInterval)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 0},
		Database: DatabaseConfig{Driver: "mysql"},
		Logging:  LoggingConfig{Level: "loud", Format: "json"},
		Engine:   EngineConfig{Type: "scripted"},
	}
	err := validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "database.driver")
	assert.Contains(t, msg, "logging.level")
	assert.Contains(t, msg, "session.maxSteps")
	assert.Contains(t, msg, "engine.scenarioPath")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "bp", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=bp sslmode=disable", d.DSN())
}
