package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Simulator.Interval)
	assert.Equal(t, []string{"vigilanceai", "vigilance"}, cfg.Voice.WakeWords)
	assert.Equal(t, 2*time.Second, cfg.Emergency.ContactDelay)
	assert.False(t, cfg.Redis.Enabled)
	assert.Len(t, cfg.Simulator.Emotions, 4)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
simulator:
  interval: 3s
voice:
  result_restart_delay: 100ms
emergency:
  contact_delay: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Simulator.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Voice.ResultRestartDelay)
	assert.Equal(t, 3*time.Second, cfg.Emergency.ContactDelay)
	// 未写入的字段保留默认值
	assert.Equal(t, time.Second, cfg.Voice.ErrorRestartDelay)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/vigilance?sslmode=disable")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Postgres.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/vigilance.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Simulator.Interval = 0
	cfg.Voice.WakeWords = nil
	cfg.Emergency.ContactDelay = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulator.interval")
	assert.Contains(t, err.Error(), "wake_words")
	assert.Contains(t, err.Error(), "contact_delay")
}

// TestValidate_SimulatorRanges 验证 tick 周期限定在 3-5 秒，初始值必须落在指标范围内
func TestValidate_SimulatorRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "lower edge", mutate: func(c *Config) { c.Simulator.Interval = 3 * time.Second }},
		{name: "upper edge", mutate: func(c *Config) { c.Simulator.Interval = 5 * time.Second }},
		{name: "too fast", mutate: func(c *Config) { c.Simulator.Interval = time.Second }, wantErr: "simulator.interval"},
		{name: "too slow", mutate: func(c *Config) { c.Simulator.Interval = 10 * time.Second }, wantErr: "simulator.interval"},
		{name: "perclos above bound", mutate: func(c *Config) { c.Simulator.InitialPerclos = 99 }, wantErr: "initial_perclos"},
		{name: "heart below bound", mutate: func(c *Config) { c.Simulator.InitialHeart = 40 }, wantErr: "initial_heart_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
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

// TestLoad_ShippedConfig 验证仓库自带的配置文件可以加载且与默认值一致
func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load("../../configs/vigilance.yaml")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Simulator, cfg.Simulator)
	assert.Equal(t, def.Voice, cfg.Voice)
	assert.Equal(t, def.Emergency, cfg.Emergency)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Postgres.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
}
