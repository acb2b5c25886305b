package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"stream-service/internal/ws"
)

type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	MySQL  MySQLConfig
	JWT    JWTConfig
	WS     WSConfig

	// Channel catalog. Loaded from the config file when present,
	// otherwise the built-in defaults.
	Channels []ws.ChannelConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Enabled      bool
	URL          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type MySQLConfig struct {
	Enabled bool
	DSN     string
}

type JWTConfig struct {
	Secret string
}

type WSConfig struct {
	PingInterval         time.Duration
	PongTimeout          time.Duration
	RateLimitWindow      time.Duration
	DefaultRateLimit     int
	QueueSize            int
	CompressionThreshold int
	MetricsInterval      time.Duration
	JanitorInterval      time.Duration
	ReplayRetention      time.Duration
}

// LoadConfig reads configuration from the environment, a .env file and an
// optional YAML config file (STREAM_CONFIG_FILE, default ./config.yaml).
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	v.SetConfigFile(v.GetString("STREAM_CONFIG_FILE"))
	if err := v.ReadInConfig(); err != nil {
		log.Printf("No config file loaded: %v", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("SERVER_HOST"),
			Port:         v.GetString("SERVER_PORT"),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:  v.GetDuration("SERVER_IDLE_TIMEOUT"),
		},
		Redis: RedisConfig{
			Enabled:      v.GetBool("REDIS_ENABLED"),
			URL:          v.GetString("REDIS_URL"),
			MaxRetries:   v.GetInt("REDIS_MAX_RETRIES"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("KAFKA_ENABLED"),
			Brokers: v.GetStringSlice("KAFKA_BROKERS"),
			Topic:   v.GetString("KAFKA_METRICS_TOPIC"),
		},
		MySQL: MySQLConfig{
			Enabled: v.GetBool("MYSQL_ENABLED"),
			DSN:     v.GetString("MYSQL_DSN"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
		},
		WS: WSConfig{
			PingInterval:         v.GetDuration("WS_PING_INTERVAL"),
			PongTimeout:          v.GetDuration("WS_PONG_TIMEOUT"),
			RateLimitWindow:      v.GetDuration("WS_RATE_LIMIT_WINDOW"),
			DefaultRateLimit:     v.GetInt("WS_DEFAULT_RATE_LIMIT"),
			QueueSize:            v.GetInt("WS_QUEUE_SIZE"),
			CompressionThreshold: v.GetInt("WS_COMPRESSION_THRESHOLD"),
			MetricsInterval:      v.GetDuration("WS_METRICS_INTERVAL"),
			JanitorInterval:      v.GetDuration("WS_JANITOR_INTERVAL"),
			ReplayRetention:      v.GetDuration("WS_REPLAY_RETENTION"),
		},
	}

	var channels []ws.ChannelConfig
	if err := v.UnmarshalKey("channels", &channels); err != nil {
		log.Printf("Invalid channel catalog in config file: %v", err)
	}
	if len(channels) == 0 {
		channels = ws.DefaultChannels()
	}
	cfg.Channels = channels

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STREAM_CONFIG_FILE", "config.yaml")

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_IDLE_TIMEOUT", 60*time.Second)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/1")
	v.SetDefault("REDIS_MAX_RETRIES", 3)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)

	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA_METRICS_TOPIC", "stream-metrics")

	v.SetDefault("MYSQL_ENABLED", false)
	v.SetDefault("MYSQL_DSN", "")

	v.SetDefault("JWT_SECRET", "change-me")

	v.SetDefault("WS_PING_INTERVAL", 30*time.Second)
	v.SetDefault("WS_PONG_TIMEOUT", 10*time.Second)
	v.SetDefault("WS_RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("WS_DEFAULT_RATE_LIMIT", 100)
	v.SetDefault("WS_QUEUE_SIZE", 1024)
	v.SetDefault("WS_COMPRESSION_THRESHOLD", 1024)
	v.SetDefault("WS_METRICS_INTERVAL", time.Minute)
	v.SetDefault("WS_JANITOR_INTERVAL", 5*time.Minute)
	v.SetDefault("WS_REPLAY_RETENTION", 10*time.Minute)
}

// Options converts the WS section into engine options.
func (c *Config) Options() ws.Options {
	return ws.Options{
		PingInterval:         c.WS.PingInterval,
		PongTimeout:          c.WS.PongTimeout,
		RateLimitWindow:      c.WS.RateLimitWindow,
		DefaultRateLimit:     c.WS.DefaultRateLimit,
		QueueSize:            c.WS.QueueSize,
		CompressionThreshold: c.WS.CompressionThreshold,
		MetricsInterval:      c.WS.MetricsInterval,
		JanitorInterval:      c.WS.JanitorInterval,
		ReplayRetention:      c.WS.ReplayRetention,
	}
}
