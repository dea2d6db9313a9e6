package config

import (
	"os"
	"strconv"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT 连接配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Config 专注执法服务配置
type Config struct {
	Redis RedisConfig
	MQTT  MQTTConfig

	// 硬件接入配置
	Hardware struct {
		MockHardware   bool // 启动时直接进入模拟模式
		MockIntervalMS int  // 模拟采样周期（毫秒），默认 500
		Topics         struct {
			Sensor  string // 感测数据主题，如 "focusbox/+/sensor"
			State   string // 硬件状态机主题，如 "focusbox/+/state"
			Command string // 指令下发主题，如 "focusbox/command"
		}
	}

	// 违规与惩罚判定配置
	Penalty struct {
		CooldownSeconds        int // 两次惩罚间的最短间隔（秒），默认 30
		PersonAwayThresholdSec int // 默认离位判定秒数
	}

	// 广播配置
	Broadcast struct {
		Stream     string // Redis Streams 事件流名称
		ThrottleMS int    // 全量状态广播节流间隔（毫秒），默认 200
	}

	// 本地数据文件配置
	Data struct {
		Dir             string // 数据目录，默认 "data"
		SettingsFile    string // 惩罚设置持久化文件
		CredentialsFile string // 社交平台凭证文件
	}

	// 社交平台凭证（可被凭证文件覆盖）
	Social struct {
		GmailUser          string
		GmailAppPassword   string
		ThreadsUserID      string
		ThreadsAccessToken string
		DiscordWebhookURL  string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "focus-enforcer")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")

	cfg.Hardware.MockHardware = getEnvBool("MOCK_HARDWARE", false)
	cfg.Hardware.MockIntervalMS = getEnvInt("MOCK_INTERVAL_MS", 500)
	cfg.Hardware.Topics.Sensor = getEnv("HW_TOPIC_SENSOR", "focusbox/+/sensor")
	cfg.Hardware.Topics.State = getEnv("HW_TOPIC_STATE", "focusbox/+/state")
	cfg.Hardware.Topics.Command = getEnv("HW_TOPIC_COMMAND", "focusbox/command")

	cfg.Penalty.CooldownSeconds = getEnvInt("PENALTY_COOLDOWN_SEC", 30)
	cfg.Penalty.PersonAwayThresholdSec = getEnvInt("PERSON_AWAY_THRESHOLD_SEC", 10)

	cfg.Broadcast.Stream = getEnv("BROADCAST_STREAM", "focus:events:stream")
	cfg.Broadcast.ThrottleMS = getEnvInt("BROADCAST_THROTTLE_MS", 200)

	cfg.Data.Dir = getEnv("DATA_DIR", "data")
	cfg.Data.SettingsFile = getEnv("SETTINGS_FILE", "settings.json")
	cfg.Data.CredentialsFile = getEnv("CREDENTIALS_FILE", "credentials.json")

	cfg.Social.GmailUser = getEnv("GMAIL_USER", "")
	cfg.Social.GmailAppPassword = getEnv("GMAIL_APP_PASSWORD", "")
	cfg.Social.ThreadsUserID = getEnv("THREADS_USER_ID", "")
	cfg.Social.ThreadsAccessToken = getEnv("THREADS_ACCESS_TOKEN", "")
	cfg.Social.DiscordWebhookURL = getEnv("DISCORD_WEBHOOK_URL", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
