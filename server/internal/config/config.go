package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"vigilance-ai/server/internal/model"

	"gopkg.in/yaml.v3"
)

// 模拟器 tick 周期的允许范围
const (
	MinSimulatorInterval = 3 * time.Second
	MaxSimulatorInterval = 5 * time.Second
)

// Config 全局配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Voice     VoiceConfig     `yaml:"voice"`
	Emergency EmergencyConfig `yaml:"emergency"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// EmotionSample 模拟器循环使用的情绪标签与置信度。
type EmotionSample struct {
	Label      string `yaml:"label"`
	Confidence int    `yaml:"confidence"`
}

// SimulatorConfig 指标模拟器配置
type SimulatorConfig struct {
	Interval       time.Duration   `yaml:"interval"`
	InitialPerclos float64         `yaml:"initial_perclos"`
	InitialHeart   int             `yaml:"initial_heart_rate"`
	PerclosStep    int             `yaml:"perclos_step"` // 每个 tick 的最大扰动幅度
	HeartStep      int             `yaml:"heart_step"`
	Emotions       []EmotionSample `yaml:"emotions"`
	Destination    string          `yaml:"destination"`
}

// VoiceConfig 语音服务适配器配置
type VoiceConfig struct {
	WakeWords []string `yaml:"wake_words"`
	Language  string   `yaml:"language"`
	// 各类重新监听的固定延迟
	ResultRestartDelay time.Duration `yaml:"result_restart_delay"`
	ErrorRestartDelay  time.Duration `yaml:"error_restart_delay"`
	SpeechRestartDelay time.Duration `yaml:"speech_restart_delay"`
	// WordDuration 仅用于日志合成器：每个单词模拟的播报时长
	WordDuration time.Duration `yaml:"word_duration"`
}

// EmergencyConfig 紧急状态配置
type EmergencyConfig struct {
	ContactDelay time.Duration `yaml:"contact_delay"`
	VehicleID    string        `yaml:"vehicle_id"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SnapshotKey string        `yaml:"snapshot_key"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	Stream      string        `yaml:"stream"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 返回可直接本地运行的默认配置（外部存储全部关闭）。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PingInterval: 30 * time.Second,
			AllowedOrigins: []string{
				"http://localhost:5173",
				"http://127.0.0.1:5173",
			},
		},
		Simulator: SimulatorConfig{
			Interval:       5 * time.Second,
			InitialPerclos: 12.0,
			InitialHeart:   72,
			PerclosStep:    3,
			HeartStep:      2,
			Emotions: []EmotionSample{
				{Label: "Calm & Focused", Confidence: 85},
				{Label: "Alert", Confidence: 92},
				{Label: "Slightly Tired", Confidence: 75},
				{Label: "Calm", Confidence: 88},
			},
			Destination: "Destination",
		},
		Voice: VoiceConfig{
			WakeWords:          []string{"vigilanceai", "vigilance"},
			Language:           "en-US",
			ResultRestartDelay: 300 * time.Millisecond,
			ErrorRestartDelay:  time.Second,
			SpeechRestartDelay: 500 * time.Millisecond,
			WordDuration:       250 * time.Millisecond,
		},
		Emergency: EmergencyConfig{
			ContactDelay: 2 * time.Second,
			VehicleID:    "vehicle-1",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			SnapshotKey: "vigilance:snapshot:latest",
			SnapshotTTL: 30 * time.Second,
			Stream:      "vigilance:emergency",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "vigilance-ai",
			TopicPrefix: "vigilance",
			QoS:         1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 从文件加载配置，path 为空时使用默认配置；随后应用环境变量覆盖并校验。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// 在默认值之上解析，文件里没写的字段保留默认值
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖部署相关的配置（地址、凭证、日志）。
func (c *Config) applyEnv() {
	if v := os.Getenv("VIGILANCE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Simulator.Interval < MinSimulatorInterval || c.Simulator.Interval > MaxSimulatorInterval {
		errs = append(errs, fmt.Errorf("simulator.interval must be within %s-%s, got %s",
			MinSimulatorInterval, MaxSimulatorInterval, c.Simulator.Interval))
	}
	if c.Simulator.InitialPerclos < model.PerclosMin || c.Simulator.InitialPerclos > model.PerclosMax {
		errs = append(errs, fmt.Errorf("simulator.initial_perclos must be within %.0f-%.0f", model.PerclosMin, model.PerclosMax))
	}
	if c.Simulator.InitialHeart < model.HeartRateMin || c.Simulator.InitialHeart > model.HeartRateMax {
		errs = append(errs, fmt.Errorf("simulator.initial_heart_rate must be within %d-%d", model.HeartRateMin, model.HeartRateMax))
	}
	if len(c.Simulator.Emotions) == 0 {
		errs = append(errs, errors.New("simulator.emotions must not be empty"))
	}
	if c.Simulator.PerclosStep < 0 || c.Simulator.HeartStep < 0 {
		errs = append(errs, errors.New("simulator steps must not be negative"))
	}
	if len(c.Voice.WakeWords) == 0 {
		errs = append(errs, errors.New("voice.wake_words must not be empty"))
	}
	if c.Voice.ResultRestartDelay < 0 || c.Voice.ErrorRestartDelay < 0 || c.Voice.SpeechRestartDelay < 0 {
		errs = append(errs, errors.New("voice restart delays must not be negative"))
	}
	if c.Emergency.ContactDelay <= 0 {
		errs = append(errs, errors.New("emergency.contact_delay must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when postgres is enabled"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	return errors.Join(errs...)
}
