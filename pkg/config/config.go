package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/notification"
	"github.com/LingByte/LingReach/pkg/utils"
)

// Config main configuration structure
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        logger.LogConfig `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Services   ServicesConfig   `mapstructure:"services"`
	Outreach   OutreachConfig   `mapstructure:"outreach"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Name          string `env:"SERVER_NAME"`
	Desc          string `env:"SERVER_DESC"`
	URL           string `env:"SERVER_URL"` // public base URL the carrier calls back on
	Addr          string `env:"ADDR"`
	Mode          string `env:"MODE"`
	APIPrefix     string `env:"API_PREFIX"`
	MonitorPrefix string `env:"MONITOR_PREFIX"`
	SSLEnabled    bool   `env:"SSL_ENABLED"`
	SSLCertFile   string `env:"SSL_CERT_FILE"`
	SSLKeyFile    string `env:"SSL_KEY_FILE"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER"`
	DSN    string `env:"DSN"`
}

// RedisConfig session store configuration
type RedisConfig struct {
	URL      string `env:"REDIS_URL"`
	PoolSize int    `env:"REDIS_POOL_SIZE"`
	// Memory switches the session store to the in-process implementation.
	Memory bool `env:"SESSION_STORE_MEMORY"`
}

// ServicesConfig services configuration
type ServicesConfig struct {
	LLM    LLMConfig               `mapstructure:"llm"`
	ASR    ASRConfig               `mapstructure:"asr"`
	TTS    TTSConfig               `mapstructure:"tts"`
	Mail   notification.MailConfig `mapstructure:"mail"`
	Twilio TwilioConfig            `mapstructure:"twilio"`
}

// LLMConfig LLM service configuration
type LLMConfig struct {
	Provider    string  `env:"LLM_PROVIDER"` // openai, or any OpenAI-compatible endpoint
	APIKey      string  `env:"LLM_API_KEY"`
	BaseURL     string  `env:"LLM_BASE_URL"`
	Model       string  `env:"LLM_MODEL"`
	Temperature float32 `env:"LLM_TEMPERATURE"`
	MaxTokens   int     `env:"LLM_MAX_TOKENS"`
	Timeout     time.Duration
	MaxRetries  int `env:"LLM_MAX_RETRIES"`
}

// ASRConfig ASR service configuration
type ASRConfig struct {
	Provider        string `env:"ASR_PROVIDER"` // deepgram, google
	APIKey          string `env:"ASR_API_KEY"`
	BaseURL         string `env:"ASR_BASE_URL"`
	Model           string `env:"ASR_MODEL"`
	Endpointing     int    `env:"ASR_ENDPOINTING_MS"`
	CredentialsFile string `env:"ASR_CREDENTIALS_FILE"`
}

// TTSConfig TTS service configuration
type TTSConfig struct {
	Provider        string `env:"TTS_PROVIDER"` // cartesia, polly, google
	APIKey          string `env:"TTS_API_KEY"`
	BaseURL         string `env:"TTS_BASE_URL"`
	Model           string `env:"TTS_MODEL"`
	APIVersion      string `env:"TTS_API_VERSION"`
	VoiceEN         string `env:"TTS_VOICE_EN"`
	VoiceES         string `env:"TTS_VOICE_ES"`
	Region          string `env:"TTS_REGION"`
	SampleRate      int    `env:"TTS_SAMPLE_RATE"`
	CredentialsFile string `env:"TTS_CREDENTIALS_FILE"`
}

// TwilioConfig carrier configuration
type TwilioConfig struct {
	AccountSID string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	FromNumber string `env:"TWILIO_PHONE_NUMBER"`
	BaseURL    string `env:"TWILIO_BASE_URL"`
}

// OutreachConfig call policy
type OutreachConfig struct {
	FrontendURL       string `env:"FRONTEND_URL"`
	NotificationEmail string `env:"NOTIFICATION_EMAIL"`
	ScriptPath        string `env:"DIALOG_SCRIPT_PATH"`

	SessionTTL time.Duration `env:"SESSION_TTL"`
	TokenTTL   time.Duration `env:"HANDOFF_TOKEN_TTL"`

	LockoutThreshold int `env:"AUTH_LOCKOUT_THRESHOLD"`
	RequiredMatches  int `env:"AUTH_REQUIRED_MATCHES"`
	SlotMaxRetries   int `env:"SLOT_MAX_RETRIES"`
	NoInputLimit     int `env:"NO_INPUT_LIMIT"`

	SilenceTimeout   time.Duration `env:"SILENCE_TIMEOUT"`
	BargeInThreshold float64       `env:"BARGE_IN_THRESHOLD"` // RMS over 16-bit linear samples
	BargeInDuration  time.Duration `env:"BARGE_IN_DURATION"`
	FrameDuration    time.Duration `env:"FRAME_DURATION"`

	AuthCeiling       time.Duration `env:"AUTH_PHASE_CEILING"`
	AssessmentCeiling time.Duration `env:"ASSESSMENT_PHASE_CEILING"`
	OptInCeiling      time.Duration `env:"OPTIN_PHASE_CEILING"`
	ClosingWait       time.Duration `env:"CLOSING_WAIT"`

	DirectoryCacheSize int           `env:"DIRECTORY_CACHE_SIZE"`
	DirectoryCacheTTL  time.Duration `env:"DIRECTORY_CACHE_TTL"`
}

// MiddlewareConfig middleware configuration
type MiddlewareConfig struct {
	RateLimit       RateLimiterConfig
	Timeout         TimeoutConfig
	EnableRateLimit bool `env:"ENABLE_RATE_LIMIT"`
	EnableTimeout   bool `env:"ENABLE_TIMEOUT"`
}

// RateLimiterConfig rate limiting configuration
type RateLimiterConfig struct {
	IPRPS   int `env:"RATE_LIMIT_IP_RPS"`   // IP requests per second
	IPBurst int `env:"RATE_LIMIT_IP_BURST"` // IP burst requests
}

// TimeoutConfig timeout configuration
type TimeoutConfig struct {
	DefaultTimeout time.Duration `env:"DEFAULT_TIMEOUT"`
}

var GlobalConfig *Config

func Load() error {
	// 1. Load .env file based on environment (don't error if it doesn't exist, use default values)
	env := os.Getenv("APP_ENV")
	err := utils.LoadEnv(env)
	if err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. Load global configuration
	GlobalConfig = &Config{
		Server: ServerConfig{
			Name:          getStringOrDefault("SERVER_NAME", "LingReach"),
			Desc:          getStringOrDefault("SERVER_DESC", "Outbound health assessment calls"),
			URL:           strings.TrimRight(getStringOrDefault("SERVER_URL", "http://localhost:7072"), "/"),
			Addr:          getStringOrDefault("ADDR", ":7072"),
			Mode:          getStringOrDefault("MODE", "development"),
			APIPrefix:     getStringOrDefault("API_PREFIX", "/api"),
			MonitorPrefix: getStringOrDefault("MONITOR_PREFIX", "/metrics"),
			SSLEnabled:    getBoolOrDefault("SSL_ENABLED", false),
			SSLCertFile:   getStringOrDefault("SSL_CERT_FILE", ""),
			SSLKeyFile:    getStringOrDefault("SSL_KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver: getStringOrDefault("DB_DRIVER", "sqlite"),
			DSN:    getStringOrDefault("DSN", "./lingreach.db"),
		},
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/app.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Redis: RedisConfig{
			URL:      getStringOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize: getIntOrDefault("REDIS_POOL_SIZE", 20),
			Memory:   getBoolOrDefault("SESSION_STORE_MEMORY", false),
		},
		Services: ServicesConfig{
			LLM: LLMConfig{
				Provider:    getStringOrDefault("LLM_PROVIDER", "openai"),
				APIKey:      getStringOrDefault("LLM_API_KEY", ""),
				BaseURL:     getStringOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
				Model:       getStringOrDefault("LLM_MODEL", "gpt-4o-mini"),
				Temperature: float32(getFloatOrDefault("LLM_TEMPERATURE", 0)),
				MaxTokens:   getIntOrDefault("LLM_MAX_TOKENS", 200),
				Timeout:     parseDuration(getStringOrDefault("LLM_TIMEOUT", "8s"), 8*time.Second),
				MaxRetries:  getIntOrDefault("LLM_MAX_RETRIES", 2),
			},
			ASR: ASRConfig{
				Provider:        getStringOrDefault("ASR_PROVIDER", "deepgram"),
				APIKey:          getStringOrDefault("ASR_API_KEY", ""),
				BaseURL:         getStringOrDefault("ASR_BASE_URL", "wss://api.deepgram.com/v1/listen"),
				Model:           getStringOrDefault("ASR_MODEL", "nova-2"),
				Endpointing:     getIntOrDefault("ASR_ENDPOINTING_MS", 300),
				CredentialsFile: getStringOrDefault("ASR_CREDENTIALS_FILE", ""),
			},
			TTS: TTSConfig{
				Provider:        getStringOrDefault("TTS_PROVIDER", "cartesia"),
				APIKey:          getStringOrDefault("TTS_API_KEY", ""),
				BaseURL:         getStringOrDefault("TTS_BASE_URL", "https://api.cartesia.ai"),
				Model:           getStringOrDefault("TTS_MODEL", "sonic-2"),
				APIVersion:      getStringOrDefault("TTS_API_VERSION", "2025-04-16"),
				VoiceEN:         getStringOrDefault("TTS_VOICE_EN", "a0e99841-438c-4a64-b679-ae501e7d6091"),
				VoiceES:         getStringOrDefault("TTS_VOICE_ES", "5619d38c-cf51-4d8e-9575-48f61a280571"),
				Region:          getStringOrDefault("TTS_REGION", "us-east-1"),
				SampleRate:      getIntOrDefault("TTS_SAMPLE_RATE", 8000),
				CredentialsFile: getStringOrDefault("TTS_CREDENTIALS_FILE", ""),
			},
			Mail: notification.MailConfig{
				Host:     getStringOrDefault("MAIL_HOST", ""),
				Username: getStringOrDefault("MAIL_USERNAME", ""),
				Password: getStringOrDefault("MAIL_PASSWORD", ""),
				Port:     int64(getIntOrDefault("MAIL_PORT", 587)),
				From:     getStringOrDefault("MAIL_FROM", ""),
			},
			Twilio: TwilioConfig{
				AccountSID: getStringOrDefault("TWILIO_ACCOUNT_SID", ""),
				AuthToken:  getStringOrDefault("TWILIO_AUTH_TOKEN", ""),
				FromNumber: getStringOrDefault("TWILIO_PHONE_NUMBER", ""),
				BaseURL:    getStringOrDefault("TWILIO_BASE_URL", "https://api.twilio.com"),
			},
		},
		Outreach:   loadOutreachConfig(),
		Middleware: loadMiddlewareConfig(),
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database DSN is required")
	}
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if !c.Redis.Memory && c.Redis.URL == "" {
		return errors.New("redis URL is required unless SESSION_STORE_MEMORY is set")
	}
	o := c.Outreach
	if o.LockoutThreshold < 1 {
		return fmt.Errorf("lockout threshold must be positive, got %d", o.LockoutThreshold)
	}
	if o.RequiredMatches < 1 || o.RequiredMatches > 3 {
		return fmt.Errorf("required matches must be between 1 and 3, got %d", o.RequiredMatches)
	}
	if o.TokenTTL <= 0 || o.SessionTTL < o.TokenTTL {
		return errors.New("session TTL must cover the handoff token TTL")
	}
	if o.FrameDuration <= 0 || o.SilenceTimeout <= 0 {
		return errors.New("frame duration and silence timeout must be positive")
	}
	return nil
}

// getStringOrDefault gets environment variable value, returns default if empty
func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault gets boolean environment variable value, returns default if empty
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

// getIntOrDefault gets integer environment variable value, returns default if empty
func getIntOrDefault(key string, defaultValue int) int {
	value := utils.GetIntEnv(key)
	if value == 0 {
		return defaultValue
	}
	return int(value)
}

// getFloatOrDefault gets float environment variable value, returns default if empty
func getFloatOrDefault(key string, defaultValue float64) float64 {
	if f, ok := utils.GetFloatEnv(key); ok {
		return f
	}
	return defaultValue
}

// parseDuration parses duration string with default fallback
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func getDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	return parseDuration(utils.GetEnv(key), defaultVal)
}

// loadOutreachConfig loads call policy knobs
func loadOutreachConfig() OutreachConfig {
	return OutreachConfig{
		FrontendURL:       strings.TrimRight(getStringOrDefault("FRONTEND_URL", "http://localhost:3000"), "/"),
		NotificationEmail: getStringOrDefault("NOTIFICATION_EMAIL", ""),
		ScriptPath:        getStringOrDefault("DIALOG_SCRIPT_PATH", ""),

		SessionTTL: getDurationOrDefault("SESSION_TTL", 24*time.Hour),
		TokenTTL:   getDurationOrDefault("HANDOFF_TOKEN_TTL", 2*time.Hour),

		LockoutThreshold: getIntOrDefault("AUTH_LOCKOUT_THRESHOLD", 3),
		RequiredMatches:  getIntOrDefault("AUTH_REQUIRED_MATCHES", 2),
		SlotMaxRetries:   getIntOrDefault("SLOT_MAX_RETRIES", 2),
		NoInputLimit:     getIntOrDefault("NO_INPUT_LIMIT", 2),

		SilenceTimeout:   getDurationOrDefault("SILENCE_TIMEOUT", 6*time.Second),
		BargeInThreshold: getFloatOrDefault("BARGE_IN_THRESHOLD", 1200),
		BargeInDuration:  getDurationOrDefault("BARGE_IN_DURATION", 200*time.Millisecond),
		FrameDuration:    getDurationOrDefault("FRAME_DURATION", 20*time.Millisecond),

		AuthCeiling:       getDurationOrDefault("AUTH_PHASE_CEILING", 3*time.Minute),
		AssessmentCeiling: getDurationOrDefault("ASSESSMENT_PHASE_CEILING", 5*time.Minute),
		OptInCeiling:      getDurationOrDefault("OPTIN_PHASE_CEILING", 2*time.Minute),
		ClosingWait:       getDurationOrDefault("CLOSING_WAIT", 15*time.Second),

		DirectoryCacheSize: getIntOrDefault("DIRECTORY_CACHE_SIZE", 1024),
		DirectoryCacheTTL:  getDurationOrDefault("DIRECTORY_CACHE_TTL", 5*time.Minute),
	}
}

// loadMiddlewareConfig loads middleware configuration
func loadMiddlewareConfig() MiddlewareConfig {
	mode := getStringOrDefault("MODE", "development")
	var defaultConfig MiddlewareConfig

	if mode == "production" {
		defaultConfig = MiddlewareConfig{
			RateLimit:       RateLimiterConfig{IPRPS: 20, IPBurst: 40},
			Timeout:         TimeoutConfig{DefaultTimeout: 30 * time.Second},
			EnableRateLimit: true,
			EnableTimeout:   true,
		}
	} else {
		defaultConfig = MiddlewareConfig{
			RateLimit:       RateLimiterConfig{IPRPS: 500, IPBurst: 1000},
			Timeout:         TimeoutConfig{DefaultTimeout: 60 * time.Second},
			EnableRateLimit: true,
			EnableTimeout:   true,
		}
	}
	return MiddlewareConfig{
		RateLimit: RateLimiterConfig{
			IPRPS:   getIntOrDefault("RATE_LIMIT_IP_RPS", defaultConfig.RateLimit.IPRPS),
			IPBurst: getIntOrDefault("RATE_LIMIT_IP_BURST", defaultConfig.RateLimit.IPBurst),
		},
		Timeout: TimeoutConfig{
			DefaultTimeout: parseDuration(getStringOrDefault("DEFAULT_TIMEOUT", ""), defaultConfig.Timeout.DefaultTimeout),
		},
		EnableRateLimit: getBoolOrDefault("ENABLE_RATE_LIMIT", defaultConfig.EnableRateLimit),
		EnableTimeout:   getBoolOrDefault("ENABLE_TIMEOUT", defaultConfig.EnableTimeout),
	}
}
