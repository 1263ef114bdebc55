package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/herrberki/brokagefirm/internal/pricing"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type MatchingConfig struct {
	Strategy   string `mapstructure:"strategy"`
	QuoteAsset string `mapstructure:"quote_asset"`
}

type OrderConfig struct {
	MinSize  string `mapstructure:"min_size"`
	MinPrice string `mapstructure:"min_price"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	Enabled  bool   `mapstructure:"enabled"`
}

type KafkaTopics struct {
	OrderCreated  string `mapstructure:"order_created"`
	OrderMatched  string `mapstructure:"order_matched"`
	OrderCanceled string `mapstructure:"order_canceled"`
}

type KafkaConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Brokers []string    `mapstructure:"brokers"`
	Topics  KafkaTopics `mapstructure:"topics"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type Config struct {
	ServiceName string          `mapstructure:"service_name"`
	Env         string          `mapstructure:"env"`
	LogLevel    string          `mapstructure:"log_level"`
	MetricsPath string          `mapstructure:"metrics_path"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Matching    MatchingConfig  `mapstructure:"matching"`
	Order       OrderConfig     `mapstructure:"order"`
	DB          DBConfig        `mapstructure:"db"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Redis       RedisConfig     `mapstructure:"redis"`
	JWT         JWTConfig       `mapstructure:"jwt"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// Load reads config.yaml (or the file named by BRK_CONFIG) and overlays
// BRK_* environment variables. Invalid matching strategies fail here, not
// on the first trade.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BRK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := os.Getenv("BRK_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "brokagefirm")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("matching.strategy", "taker")
	v.SetDefault("matching.quote_asset", "TRY")
	v.SetDefault("order.min_size", "0.0001")
	v.SetDefault("order.min_price", "0.01")
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "brokage")
	v.SetDefault("db.user", "brokage")
	v.SetDefault("db.password", "brokage")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.order_created", "orders.created")
	v.SetDefault("kafka.topics.order_matched", "orders.matched")
	v.SetDefault("kafka.topics.order_canceled", "orders.canceled")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "dev-secret-change-me")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 30)
	v.SetDefault("rate_limit.window", "1m")
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be positive")
	}
	if _, err := pricing.ParseKind(cfg.Matching.Strategy); err != nil {
		return fmt.Errorf("matching.strategy: %w", err)
	}
	if cfg.Matching.QuoteAsset == "" {
		return fmt.Errorf("matching.quote_asset required")
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret required")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive")
		}
		if cfg.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
	}
	return nil
}

// DSN renders a pgx connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}
