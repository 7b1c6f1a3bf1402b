// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported values for LLM_PROVIDER, STORE_BACKEND and TURN_LOCK.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	StoreJetStream = "jetstream"
	StoreMemory    = "memory"

	LockLocal = "local"
	LockRedis = "redis"
)

// TurnLockMargin is how much longer than LLM_TIMEOUT a Redis turn lock must
// live, covering history load, seeding and the append retries.
const TurnLockMargin = 15 * time.Second

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// LLM settings
	LLMProvider     string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	LLMModel        string
	LLMTemperature  float64
	LLMMaxTokens    int
	LLMTimeout      time.Duration

	// Conversation store
	StoreBackend      string
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string
	NATSStream        string
	NATSSubjectPrefix string

	// Turn serialization
	TurnLock    string
	RedisURL    string
	TurnLockTTL time.Duration

	// WhatsApp Cloud API
	WhatsAppAPIToken      string
	WhatsAppPhoneNumberID string
	WhatsAppVerifyToken   string
	WhatsAppAPIBaseURL    string

	// Staff API
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Triage profile override
	TriageProfilePath string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 90*time.Second),

		// LLM
		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMTemperature:  getFloatEnv("LLM_TEMPERATURE", 0.2),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 30*time.Second),

		// Store
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", StoreJetStream)),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:        getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       getEnv("NATS_KEY_FILE", ""),
		NATSToken:         getEnv("NATS_TOKEN", ""),
		NATSStream:        getEnv("NATS_STREAM", "CLINIC_CONVERSATIONS"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "clinic"),

		// Turn lock
		TurnLock:    strings.ToLower(getEnv("TURN_LOCK", LockLocal)),
		RedisURL:    getEnv("REDIS_URL", ""),
		TurnLockTTL: getDurationEnv("TURN_LOCK_TTL", 2*time.Minute),

		// WhatsApp
		WhatsAppAPIToken:      getEnv("WHATSAPP_API_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppVerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", getEnv("VERIFY_TOKEN", "")),
		WhatsAppAPIBaseURL:    getEnv("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v19.0"),

		// Staff API
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),

		TriageProfilePath: getEnv("TRIAGE_PROFILE_PATH", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports configuration the server must not start without.
func (c *Config) Validate() error {
	var errs []error

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when LLM_PROVIDER=openai"))
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.StoreBackend {
	case StoreJetStream:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required when STORE_BACKEND=jetstream"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.TurnLock {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when TURN_LOCK=redis"))
		}
		if c.TurnLockTTL < c.LLMTimeout+TurnLockMargin {
			errs = append(errs, fmt.Errorf("TURN_LOCK_TTL (%s) must be at least LLM_TIMEOUT (%s) + %s", c.TurnLockTTL, c.LLMTimeout, TurnLockMargin))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TURN_LOCK %q", c.TurnLock))
	}

	// The WhatsApp channel is optional, but a partial setup is a mistake.
	if c.WhatsAppEnabled() || c.WhatsAppPhoneNumberID != "" || c.WhatsAppVerifyToken != "" {
		if c.WhatsAppAPIToken == "" || c.WhatsAppPhoneNumberID == "" || c.WhatsAppVerifyToken == "" {
			errs = append(errs, errors.New("WHATSAPP_API_TOKEN, WHATSAPP_PHONE_NUMBER_ID and WHATSAPP_VERIFY_TOKEN must be set together"))
		}
	}

	if c.LLMTimeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

// WhatsAppEnabled reports whether the webhook channel should be mounted.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppAPIToken != ""
}

// StaffAPIEnabled reports whether the staff history API should be mounted.
func (c *Config) StaffAPIEnabled() bool {
	return c.JWTSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
