package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Upload    UploadConfig    `mapstructure:"upload"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Market    MarketConfig    `mapstructure:"market"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Debug          bool     `mapstructure:"debug"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig selects the History Store backend: memory, postgres or
// firestore.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type OpenAIConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	AssistantID  string  `mapstructure:"assistant_id"`
	VisionModel  string  `mapstructure:"vision_model"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	Instructions string  `mapstructure:"instructions"`
}

type AssistantConfig struct {
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	HistoryLimit int           `mapstructure:"history_limit"`
	SyncOnStart  bool          `mapstructure:"sync_on_start"`
}

type ChatConfig struct {
	MaxSessions      int           `mapstructure:"max_sessions"`
	EmptySessionTTL  time.Duration `mapstructure:"empty_session_ttl"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
}

type UploadConfig struct {
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	MaxFileSizeMB     int      `mapstructure:"max_file_size_mb"`
}

func (u UploadConfig) MaxFileSizeBytes() int64 {
	return int64(u.MaxFileSizeMB) << 20
}

// RateLimitConfig holds requests per minute per route family. With a
// RedisURL the counters are shared across replicas.
type RateLimitConfig struct {
	RedisURL string `mapstructure:"redis_url"`
	Chat     int    `mapstructure:"chat"`
	History  int    `mapstructure:"history"`
	Upload   int    `mapstructure:"upload"`
	Auth     int    `mapstructure:"auth"`
	Default  int    `mapstructure:"default"`
}

type IdentityConfig struct {
	ClockSkewRetryDelay time.Duration `mapstructure:"clock_skew_retry_delay"`
}

type MarketConfig struct {
	CoinGeckoURL    string        `mapstructure:"coingecko_url"`
	ExchangeRateURL string        `mapstructure:"exchange_rate_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("storage.backend", "memory")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "mentor")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("firebase.project_id", "")
	v.SetDefault("firebase.credentials_file", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.assistant_id", "")
	v.SetDefault("openai.vision_model", "gpt-4o")
	v.SetDefault("openai.max_tokens", 1500)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("openai.instructions", "")

	v.SetDefault("assistant.run_timeout", 60*time.Second)
	v.SetDefault("assistant.poll_interval", time.Second)
	v.SetDefault("assistant.history_limit", 50)
	v.SetDefault("assistant.sync_on_start", true)

	v.SetDefault("chat.max_sessions", 5)
	v.SetDefault("chat.empty_session_ttl", time.Hour)
	v.SetDefault("chat.max_message_length", 2000)

	v.SetDefault("upload.allowed_extensions", []string{"png", "jpg", "jpeg", "gif", "webp"})
	v.SetDefault("upload.max_file_size_mb", 10)

	v.SetDefault("ratelimit.redis_url", "")
	v.SetDefault("ratelimit.chat", 10)
	v.SetDefault("ratelimit.history", 30)
	v.SetDefault("ratelimit.upload", 5)
	v.SetDefault("ratelimit.auth", 5)
	v.SetDefault("ratelimit.default", 50)

	v.SetDefault("identity.clock_skew_retry_delay", 2*time.Second)

	v.SetDefault("market.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.exchange_rate_url", "https://api.exchangerate-api.com/v4")
	v.SetDefault("market.timeout", 10*time.Second)
}

// LoadConfig reads defaults, the optional file at path and the environment.
// Nested keys map to upper-case variables with underscores, e.g.
// CHAT_MAX_SESSIONS.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.RateLimit.RedisURL = redisURL
	}

	if creds := v.GetString("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.Firebase.CredentialsFile == "" {
		config.Firebase.CredentialsFile = creds
	}

	if port := v.GetInt("PORT"); port != 0 {
		config.Server.Port = port
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key (OPENAI_API_KEY) is required"))
	}
	if c.OpenAI.AssistantID == "" {
		errs = append(errs, errors.New("openai.assistant_id (OPENAI_ASSISTANT_ID) is required"))
	}
	switch c.Storage.Backend {
	case "memory", "postgres", "firestore":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, postgres, firestore", c.Storage.Backend))
	}
	if c.Chat.MaxSessions <= 0 {
		errs = append(errs, errors.New("chat.max_sessions must be positive"))
	}
	if c.Assistant.PollInterval <= 0 || c.Assistant.RunTimeout < c.Assistant.PollInterval {
		errs = append(errs, errors.New("assistant.run_timeout must exceed a positive assistant.poll_interval"))
	}
	return errors.Join(errs...)
}
