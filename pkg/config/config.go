package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults shared by the client library and the relay.
const (
	defaultWSURL                = "ws://localhost:8080/ws"
	defaultAPIURL               = "http://localhost:8080"
	defaultStorePath            = ".socialchat/store"
	defaultAckTimeout           = 10 * time.Second
	defaultReconcileTolerance   = 5 * time.Second
	defaultTypingExpiry         = 5 * time.Second
	defaultTypingCooldown       = 3 * time.Second
	defaultTypingIdle           = 2 * time.Second
	defaultMaxReconnectAttempts = 8
	defaultReconnectBaseDelay   = 500 * time.Millisecond
	defaultReconnectMaxDelay    = 10 * time.Second
	defaultHistoryPageSize      = 30
	defaultFeedCacheTTL         = 10 * time.Minute
	defaultServerPort           = "8080"
	defaultMediaDir             = "media"
)

// Config is the full application configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Client   ClientConfig `yaml:"client"`
	Server   ServerConfig `yaml:"server"`
}

// ClientConfig configures the chat session library and the CLI.
type ClientConfig struct {
	WSURL                string        `yaml:"ws_url"`
	APIURL               string        `yaml:"api_url"`
	Token                string        `yaml:"token"`
	StorePath            string        `yaml:"store_path"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	ReconcileTolerance   time.Duration `yaml:"reconcile_tolerance"`
	TypingExpiry         time.Duration `yaml:"typing_expiry"`
	TypingCooldown       time.Duration `yaml:"typing_cooldown"`
	TypingIdle           time.Duration `yaml:"typing_idle"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	HistoryPageSize      int           `yaml:"history_page_size"`
	FeedCacheTTL         time.Duration `yaml:"feed_cache_ttl"`
}

// ServerConfig configures the development relay.
type ServerConfig struct {
	Port                 string        `yaml:"port"`
	DatabaseURL          string        `yaml:"database_url"`
	DBMaxConns           int           `yaml:"db_max_conns"`
	DBMinConns           int           `yaml:"db_min_conns"`
	DBMaxConnIdleTime    time.Duration `yaml:"db_max_conn_idle_time"`
	CORSAllowedOrigins   []string      `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool          `yaml:"cors_allow_credentials"`
	MediaDir             string        `yaml:"media_dir"`
	PublicURL            string        `yaml:"public_url"`
	TLS                  TLSSettings   `yaml:"tls"`
}

// TLSSettings holds TLS configuration for the relay.
type TLSSettings struct {
	EnableTLS bool   `yaml:"enable"`
	CertPath  string `yaml:"cert_path"`
	KeyPath   string `yaml:"key_path"`
	Env       string `yaml:"env"` // "production" or "development"
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Client: ClientConfig{
			WSURL:                defaultWSURL,
			APIURL:               defaultAPIURL,
			StorePath:            defaultStorePath,
			AckTimeout:           defaultAckTimeout,
			ReconcileTolerance:   defaultReconcileTolerance,
			TypingExpiry:         defaultTypingExpiry,
			TypingCooldown:       defaultTypingCooldown,
			TypingIdle:           defaultTypingIdle,
			MaxReconnectAttempts: defaultMaxReconnectAttempts,
			ReconnectBaseDelay:   defaultReconnectBaseDelay,
			ReconnectMaxDelay:    defaultReconnectMaxDelay,
			HistoryPageSize:      defaultHistoryPageSize,
			FeedCacheTTL:         defaultFeedCacheTTL,
		},
		Server: ServerConfig{
			Port:               defaultServerPort,
			DBMaxConns:         10,
			DBMinConns:         2,
			DBMaxConnIdleTime:  5 * time.Minute,
			CORSAllowedOrigins: []string{"*"},
			MediaDir:           defaultMediaDir,
			TLS:                TLSSettings{Env: "development"},
		},
	}
}

// Load reads .env (if present), then the optional YAML file at path, then
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnvAsString("SOCIALCHAT_LOG_LEVEL", c.LogLevel)

	cl := &c.Client
	cl.WSURL = getEnvAsString("SOCIALCHAT_WS_URL", cl.WSURL)
	cl.APIURL = strings.TrimRight(getEnvAsString("SOCIALCHAT_API_URL", cl.APIURL), "/")
	cl.Token = getEnvAsString("SOCIALCHAT_TOKEN", cl.Token)
	cl.StorePath = getEnvAsString("SOCIALCHAT_STORE_PATH", cl.StorePath)
	cl.AckTimeout = getEnvAsDuration("SOCIALCHAT_ACK_TIMEOUT", cl.AckTimeout)
	cl.ReconcileTolerance = getEnvAsDuration("SOCIALCHAT_RECONCILE_TOLERANCE", cl.ReconcileTolerance)
	cl.TypingExpiry = getEnvAsDuration("SOCIALCHAT_TYPING_EXPIRY", cl.TypingExpiry)
	cl.TypingCooldown = getEnvAsDuration("SOCIALCHAT_TYPING_COOLDOWN", cl.TypingCooldown)
	cl.TypingIdle = getEnvAsDuration("SOCIALCHAT_TYPING_IDLE", cl.TypingIdle)
	cl.MaxReconnectAttempts = getEnvAsInt("SOCIALCHAT_MAX_RECONNECT_ATTEMPTS", cl.MaxReconnectAttempts)
	cl.ReconnectBaseDelay = getEnvAsDuration("SOCIALCHAT_RECONNECT_BASE_DELAY", cl.ReconnectBaseDelay)
	cl.ReconnectMaxDelay = getEnvAsDuration("SOCIALCHAT_RECONNECT_MAX_DELAY", cl.ReconnectMaxDelay)
	cl.HistoryPageSize = getEnvAsInt("SOCIALCHAT_HISTORY_PAGE_SIZE", cl.HistoryPageSize)
	cl.FeedCacheTTL = getEnvAsDuration("SOCIALCHAT_FEED_CACHE_TTL", cl.FeedCacheTTL)

	s := &c.Server
	s.Port = getEnvAsString("SERVER_PORT", s.Port)
	s.DatabaseURL = getEnvAsString("DATABASE_URL", s.DatabaseURL)
	s.DBMaxConns = getEnvAsInt("DB_MAX_CONNS", s.DBMaxConns)
	s.DBMinConns = getEnvAsInt("DB_MIN_CONNS", s.DBMinConns)
	s.DBMaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", s.DBMaxConnIdleTime)
	s.MediaDir = getEnvAsString("MEDIA_DIR", s.MediaDir)
	s.PublicURL = getEnvAsString("PUBLIC_URL", s.PublicURL)
	if origins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS")); len(origins) > 0 {
		s.CORSAllowedOrigins = origins
	}
	if v := os.Getenv("CORS_ALLOW_CREDENTIALS"); v != "" {
		s.CORSAllowCredentials = strings.EqualFold(v, "true")
	}

	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		env = strings.ToLower(strings.TrimSpace(os.Getenv("ENV")))
	}
	if env != "" {
		s.TLS.Env = env
	}
	if v := os.Getenv("ENABLE_TLS"); v != "" {
		s.TLS.EnableTLS = strings.EqualFold(v, "true")
	}
	// Enforce TLS in production
	if s.TLS.Env == "production" {
		s.TLS.EnableTLS = true
	}
	s.TLS.CertPath = getEnvAsString("TLS_CERT_PATH", s.TLS.CertPath)
	s.TLS.KeyPath = getEnvAsString("TLS_KEY_PATH", s.TLS.KeyPath)
}

// Validate checks that timing and size settings are usable.
func (c *Config) Validate() error {
	cl := c.Client
	if cl.WSURL == "" {
		return fmt.Errorf("client ws_url is required")
	}
	if cl.AckTimeout <= 0 {
		return fmt.Errorf("client ack_timeout must be positive")
	}
	if cl.ReconcileTolerance < 0 {
		return fmt.Errorf("client reconcile_tolerance must not be negative")
	}
	if cl.TypingExpiry <= 0 || cl.TypingCooldown <= 0 || cl.TypingIdle <= 0 {
		return fmt.Errorf("client typing windows must be positive")
	}
	if cl.MaxReconnectAttempts < 0 {
		return fmt.Errorf("client max_reconnect_attempts must not be negative")
	}
	if cl.ReconnectBaseDelay <= 0 || cl.ReconnectMaxDelay < cl.ReconnectBaseDelay {
		return fmt.Errorf("client reconnect delays invalid: base %s, max %s", cl.ReconnectBaseDelay, cl.ReconnectMaxDelay)
	}
	if cl.HistoryPageSize <= 0 || cl.HistoryPageSize > 100 {
		return fmt.Errorf("client history_page_size must be within 1..100")
	}
	return c.Server.TLS.Validate()
}

// Validate ensures TLS settings are safe for the selected environment.
func (s TLSSettings) Validate() error {
	if s.Env == "production" {
		if !s.EnableTLS {
			return fmt.Errorf("TLS must be enabled in production")
		}
		if s.CertPath == "" || s.KeyPath == "" {
			return fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH are required in production")
		}
	}
	if (s.CertPath == "") != (s.KeyPath == "") {
		return fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH must be set together")
	}
	return nil
}

func getEnvAsString(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return duration
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if o := strings.TrimSpace(p); o != "" {
			out = append(out, o)
		}
	}
	return out
}
