package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey      string
	GeminiModel       string
	EmbeddingModel    string
	DatabaseURL       string // turn/feedback/persona store
	DataDBPath        string // project data queried by generated SQL
	HTTPPort          string
	LogLevel          string
	JWTSecret         string
	SchemaCatalogFile string
	PromptsFile       string
	PersonasFile      string

	HistoryWindow     int
	GenerationTimeout time.Duration
	QueryTimeout      time.Duration
	MaxRows           int
	ExamplesEnabled   bool
}

var AppConfig Config

// Load reads .env (if present) and the environment into AppConfig.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Config{
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		DatabaseURL:       getEnv("DATABASE_URL", "assistant.db"),
		DataDBPath:        getEnv("DATA_DB_PATH", "projects.db"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		SchemaCatalogFile: getEnv("SCHEMA_CATALOG_FILE", ""),
		PromptsFile:       getEnv("PROMPTS_FILE", ""),
		PersonasFile:      getEnv("PERSONAS_FILE", ""),
		HistoryWindow:     getEnvAsInt("HISTORY_WINDOW", 6),
		GenerationTimeout: getEnvAsDuration("GENERATION_TIMEOUT", 30*time.Second),
		QueryTimeout:      getEnvAsDuration("QUERY_TIMEOUT", 5*time.Second),
		MaxRows:           getEnvAsInt("MAX_ROWS", 500),
		ExamplesEnabled:   getEnvAsBool("EXAMPLES_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	AppConfig = cfg
	return cfg, nil
}

func (c Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY environment variable is required")
	}
	if c.HistoryWindow < 0 {
		return errors.New("HISTORY_WINDOW must not be negative")
	}
	if c.MaxRows <= 0 {
		return errors.New("MAX_ROWS must be positive")
	}
	if c.GenerationTimeout <= 0 || c.QueryTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT and QUERY_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("5s") or plain milliseconds ("5000").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
