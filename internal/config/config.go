package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// LLMProvider selects the generation backend: "bedrock" or "gemini".
	LLMProvider      string
	BedrockModelID   string
	GeminiAPIKey     string
	GeminiModelID    string
	LLMRatePerSecond float64
	LLMBurst         int

	// RetryMaxAttempts bounds generation and dispatch retries.
	RetryMaxAttempts int

	TelnyxAPIKey      string
	TelnyxTexmlAppID  string
	TelnyxFromNumber  string
	TelnyxAssistantID string
	TelnyxBaseURL     string

	// EmailProvider selects the email sender: "sendgrid", "ses", "smtp" or "stub".
	EmailProvider  string
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string

	DispatchQueue     string
	WorkerConcurrency int

	// Test mode routes every follow-up to a fixed contact instead of the pet owner.
	FollowupTestMode  bool
	FollowupTestPhone string
	FollowupTestEmail string

	DefaultTimezone        string
	DefaultStartHour       int
	DefaultEndHour         int
	DefaultExcludeWeekends bool
	DefaultCallDelay       time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		LLMProvider:      strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		BedrockModelID:   getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:    getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		LLMRatePerSecond: getEnvAsFloat("LLM_RATE_PER_SECOND", 2),
		LLMBurst:         getEnvAsInt("LLM_BURST", 4),

		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),

		TelnyxAPIKey:      getEnv("TELNYX_API_KEY", ""),
		TelnyxTexmlAppID:  getEnv("TELNYX_TEXML_APP_ID", ""),
		TelnyxFromNumber:  getEnv("TELNYX_FROM_NUMBER", ""),
		TelnyxAssistantID: getEnv("TELNYX_ASSISTANT_ID", ""),
		TelnyxBaseURL:     getEnv("TELNYX_BASE_URL", ""),

		EmailProvider:  strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", ""),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Clinic Follow-up"),
		SMTPHost:       getEnv("SMTP_HOST", ""),
		SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),

		DispatchQueue:     getEnv("DISPATCH_QUEUE", "followups"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		FollowupTestMode:  getEnvAsBool("FOLLOWUP_TEST_MODE", false),
		FollowupTestPhone: getEnv("FOLLOWUP_TEST_PHONE", ""),
		FollowupTestEmail: getEnv("FOLLOWUP_TEST_EMAIL", ""),

		DefaultTimezone:        getEnv("DEFAULT_TIMEZONE", "America/New_York"),
		DefaultStartHour:       getEnvAsInt("DEFAULT_START_HOUR", 9),
		DefaultEndHour:         getEnvAsInt("DEFAULT_END_HOUR", 17),
		DefaultExcludeWeekends: getEnvAsBool("DEFAULT_EXCLUDE_WEEKENDS", true),
		DefaultCallDelay:       getEnvAsDuration("DEFAULT_CALL_DELAY", 48*time.Hour),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
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
