package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the service. Values come from the
// environment, optionally seeded by a .env file.
type Config struct {
	HTTPAddr        string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	AllowedOrigins  []string
	RateLimitRPS    float64 `validate:"gte=0"`
	RateLimitBurst  int     `validate:"gte=0"`

	LogLevel      string `validate:"omitempty,oneof=debug info warn error"`
	LogFile       string
	LogMaxSizeMB  int `validate:"gte=0"`
	LogMaxBackups int `validate:"gte=0"`

	DatabaseDSN string `validate:"required"`

	SessionStore string        `validate:"oneof=redis memory"`
	RedisAddr    string        `validate:"required_if=SessionStore redis"`
	SessionTTL   time.Duration `validate:"gt=0"`
	LockTTL      time.Duration `validate:"gt=0"`

	RecognitionURL            string        `validate:"required,url"`
	RecognitionTimeout        time.Duration `validate:"gt=0"`
	ExtractFnIndex            int           `validate:"gte=0"`
	CompareFnIndex            int           `validate:"gte=0"`
	RecognitionSessionHash    string
	RecognitionForwardDetails bool

	CapturePromptDelay time.Duration `validate:"gt=0"`
	CaptureDelay       time.Duration `validate:"gtfield=CapturePromptDelay"`

	ImageStore  string `validate:"oneof=inline s3"`
	S3Bucket    string `validate:"required_if=ImageStore s3"`
	S3Region    string `validate:"required_if=ImageStore s3"`
	S3Endpoint  string
	S3KeyPrefix string

	JWTSecret   string `validate:"required"`
	JWTAudience string
}

// Load reads the optional env file and then the process environment.
// A missing env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		AllowedOrigins:  getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:    getFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:  getInt("RATE_LIMIT_BURST", 20),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getInt("LOG_MAX_BACKUPS", 3),

		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=ekyc port=5432 sslmode=disable"),

		SessionStore: getEnv("SESSION_STORE", "redis"),
		RedisAddr:    getEnv("REDIS_ADDR", "redis:6379"),
		SessionTTL:   getDuration("SESSION_TTL", 30*time.Minute),
		LockTTL:      getDuration("SESSION_LOCK_TTL", 3*time.Minute),

		RecognitionURL:            getEnv("RECOGNITION_URL", "https://web.kby-ai.com"),
		RecognitionTimeout:        getDuration("RECOGNITION_TIMEOUT", 60*time.Second),
		ExtractFnIndex:            getInt("RECOGNITION_EXTRACT_FN_INDEX", 6),
		CompareFnIndex:            getInt("RECOGNITION_COMPARE_FN_INDEX", 4),
		RecognitionSessionHash:    os.Getenv("RECOGNITION_SESSION_HASH"),
		RecognitionForwardDetails: getBool("RECOGNITION_FORWARD_DETAILS", false),

		CapturePromptDelay: getDuration("CAPTURE_PROMPT_DELAY", 2*time.Second),
		CaptureDelay:       getDuration("CAPTURE_DELAY", 5*time.Second),

		ImageStore:  getEnv("IMAGE_STORE", "inline"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    os.Getenv("S3_REGION"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3KeyPrefix: getEnv("S3_KEY_PREFIX", "verifications"),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of cfg. The in-flight lease must also
// outlast a verify that re-runs extraction, which makes two recognition
// calls.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.LockTTL <= 2*cfg.RecognitionTimeout {
		return fmt.Errorf("invalid configuration: LockTTL %s must exceed twice RecognitionTimeout %s", cfg.LockTTL, cfg.RecognitionTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
