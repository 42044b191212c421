package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort string
	AppMode string
	AppEnv  string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	JWTSecret    string
	JWTExpiryMin int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Endpoint      string
	S3PresignTTLMin int

	TempBucket      string
	PermanentBucket string

	MaxFileSizeMB       int
	UploadRateLimit     int
	UploadRateWindowMin int
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort: getEnv("APP_PORT", "8080"),
		AppMode: getEnv("APP_MODE", "debug"),
		AppEnv:  getEnv("APP_ENV", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "preflight"),
		DBPort:     getEnv("DB_PORT", "5432"),

		JWTSecret:    getEnv("JWT_SECRET", "change-me"),
		JWTExpiryMin: getEnvAsInt("JWT_EXPIRY_MIN", 60),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3PresignTTLMin: getEnvAsInt("S3_PRESIGN_TTL_MIN", 15),

		TempBucket:      getEnv("STORAGE_TEMP_BUCKET", "temp"),
		PermanentBucket: getEnv("STORAGE_BUCKET", "papers"),

		MaxFileSizeMB:       getEnvAsInt("MAX_FILE_SIZE_MB", 50),
		UploadRateLimit:     getEnvAsInt("UPLOAD_RATE_LIMIT", 3),
		UploadRateWindowMin: getEnvAsInt("UPLOAD_RATE_WINDOW_MIN", 60),
	}
}

// MaxFileSizeBytes returns the configured upload ceiling in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// UploadRateWindow returns the anonymous-upload rate limit window as a duration.
func (c *Config) UploadRateWindow() time.Duration {
	return time.Duration(c.UploadRateWindowMin) * time.Minute
}

// PresignTTL returns how long presigned upload URLs stay valid.
func (c *Config) PresignTTL() time.Duration {
	return time.Duration(c.S3PresignTTLMin) * time.Minute
}

// IsDevelopment reports whether dev-only endpoints should be enabled.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv != "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
