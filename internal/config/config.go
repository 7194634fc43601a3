// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

type Config struct {
	// APIKey is the completion provider credential. When empty and
	// ParamPrefix is set, the key is read from "<ParamPrefix>/open-ai-token".
	APIKey      string
	ParamPrefix string

	BaseURL          string        `validate:"required,url"`
	Model            string        `validate:"required"`
	Timeout          time.Duration `validate:"gt=0"`
	ChatMaxTokens    int           `validate:"gt=0"`
	ChatTemperature  float64       `validate:"gte=0,lte=2"`
	TitleMaxTokens   int           `validate:"gt=0"`
	TitleTemperature float64       `validate:"gte=0,lte=2"`
	Persona          string

	StoreBackend string `validate:"oneof=memory dynamodb sqlite"`
	StateTable   string `validate:"required_if=StoreBackend dynamodb"`
	SQLitePath   string `validate:"required_if=StoreBackend sqlite"`

	Port            int    `validate:"gt=0,lte=65535"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	LogFile         string
	TelemetryExport string `validate:"oneof=none stdout"`
}

// Load builds a Config from getenv (usually os.Getenv) and validates it.
// Malformed numbers fall back to their defaults.
func Load(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	envInt := func(key string, def int) int {
		n, err := strconv.Atoi(env(key, ""))
		if err != nil {
			return def
		}
		return n
	}
	envFloat := func(key string, def float64) float64 {
		f, err := strconv.ParseFloat(env(key, ""), 64)
		if err != nil {
			return def
		}
		return f
	}
	envDuration := func(key string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(env(key, ""))
		if err != nil {
			return def
		}
		return d
	}

	cfg := Config{
		APIKey:           env("AI_API_KEY", ""),
		ParamPrefix:      env("PARAM_PREFIX", ""),
		BaseURL:          env("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Model:            env("OPENAI_MODEL", "gpt-3.5-turbo"),
		Timeout:          envDuration("OPENAI_TIMEOUT", 30*time.Second),
		ChatMaxTokens:    envInt("CHAT_MAX_TOKENS", 150),
		ChatTemperature:  envFloat("CHAT_TEMPERATURE", 0.8),
		TitleMaxTokens:   envInt("TITLE_MAX_TOKENS", 10),
		TitleTemperature: envFloat("TITLE_TEMPERATURE", 0.7),
		Persona:          getenv("SYSTEM_PERSONA"),
		StoreBackend:     strings.ToLower(env("STORE_BACKEND", BackendMemory)),
		StateTable:       env("STATE_TABLE", ""),
		SQLitePath:       env("SQLITE_PATH", "neurax.db"),
		Port:             envInt("PORT", 5000),
		LogLevel:         strings.ToLower(env("LOG_LEVEL", "info")),
		LogFile:          env("LOG_FILE", ""),
		TelemetryExport:  strings.ToLower(env("TELEMETRY_EXPORT", "none")),
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c Config) NeedsAWS() bool {
	return c.StoreBackend == BackendDynamoDB || (c.APIKey == "" && c.ParamPrefix != "")
}
