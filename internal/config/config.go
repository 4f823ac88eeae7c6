package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
//
// Confidence thresholds vary between deployments, so every dialogue knob is an
// env var rather than a constant.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string

	// Dialogue state machine
	ConfidenceThreshold   float64
	MaxLowConfidenceTurns int
	MaxIntentTurns        int
	MaxAlternativeRounds  int
	SilenceTimeout        time.Duration

	// Call session manager
	MaxConcurrentSessions int
	SessionMaxDuration    time.Duration

	// Availability resolver
	ResolveTimeout      time.Duration
	AvailabilityHorizon int // days of lookahead when the caller gives no date
	DefaultProviderID   string

	// Conflict detector
	BufferMinutes   int
	MaxAlternatives int
	HoldTimeout     time.Duration

	// EMR appointment gateway
	GatewayMaxAttempts int
	GatewayBaseDelay   time.Duration
	GatewayMaxDelay    time.Duration
	GatewayDeadline    time.Duration

	// EMR FHIR endpoint
	EMRBaseURL      string
	EMRClientID     string
	EMRClientSecret string
	EMRTimeout      time.Duration

	// Intent extraction
	OpenAIAPIKey  string
	OpenAIModel   string
	IntentTimeout time.Duration

	// Persistence
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Staff escalation notifications
	EmailProvider   string // "ses", "sendgrid", or "" to disable
	SendGridAPIKey  string
	NotifyFromEmail string
	NotifyFromName  string
	StaffPhone      string
	StaffEmail      string
	AWSRegion       string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// HTTP intake
	IntakeRateLimit float64
	IntakeBurst     int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		ConfidenceThreshold:   getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.70),
		MaxLowConfidenceTurns: getEnvAsInt("MAX_LOW_CONFIDENCE_TURNS", 2),
		MaxIntentTurns:        getEnvAsInt("MAX_INTENT_TURNS", 10),
		MaxAlternativeRounds:  getEnvAsInt("MAX_ALTERNATIVE_ROUNDS", 2),
		SilenceTimeout:        getEnvAsDuration("SILENCE_TIMEOUT", 30*time.Second),

		MaxConcurrentSessions: getEnvAsInt("MAX_CONCURRENT_SESSIONS", 5),
		SessionMaxDuration:    getEnvAsDuration("SESSION_MAX_DURATION", 10*time.Minute),

		ResolveTimeout:      getEnvAsDuration("RESOLVE_TIMEOUT", 5*time.Second),
		AvailabilityHorizon: getEnvAsInt("AVAILABILITY_HORIZON_DAYS", 30),
		DefaultProviderID:   getEnv("DEFAULT_PROVIDER_ID", ""),

		BufferMinutes:   getEnvAsInt("BUFFER_MINUTES", 15),
		MaxAlternatives: getEnvAsInt("MAX_ALTERNATIVES", 3),
		HoldTimeout:     getEnvAsDuration("HOLD_TIMEOUT", 60*time.Second),

		GatewayMaxAttempts: getEnvAsInt("GATEWAY_MAX_ATTEMPTS", 4),
		GatewayBaseDelay:   getEnvAsDuration("GATEWAY_BASE_DELAY", 500*time.Millisecond),
		GatewayMaxDelay:    getEnvAsDuration("GATEWAY_MAX_DELAY", 8*time.Second),
		GatewayDeadline:    getEnvAsDuration("GATEWAY_DEADLINE", 20*time.Second),

		EMRBaseURL:      getEnv("EMR_BASE_URL", ""),
		EMRClientID:     getEnv("EMR_CLIENT_ID", ""),
		EMRClientSecret: getEnv("EMR_CLIENT_SECRET", ""),
		EMRTimeout:      getEnvAsDuration("EMR_TIMEOUT", 10*time.Second),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		IntentTimeout: getEnvAsDuration("INTENT_TIMEOUT", 8*time.Second),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		EmailProvider:   getEnv("EMAIL_PROVIDER", ""),
		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		NotifyFromEmail: getEnv("NOTIFY_FROM_EMAIL", ""),
		NotifyFromName:  getEnv("NOTIFY_FROM_NAME", "NightDesk"),
		StaffPhone:      getEnv("STAFF_PHONE", ""),
		StaffEmail:      getEnv("STAFF_EMAIL", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		IntakeRateLimit: getEnvAsFloat("INTAKE_RATE_LIMIT", 10),
		IntakeBurst:     getEnvAsInt("INTAKE_BURST", 20),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
