package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Crypto    CryptoConfig
	Guard     GuardConfig
	RateLimit RateLimitConfig
	Sweep     SweepConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port         string
	Env          string
	LogLevel     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RedisURL switches the guard and rate limiter onto a shared counter
	// store when set; empty runs both in-process.
	RedisURL     string
	CookieDomain string

	// TrustedProxies lists CIDR ranges whose forwarding headers are
	// believed when attributing a client address.
	TrustedProxies []string
}

type AuthConfig struct {
	SigningKey         string
	PreviousKeys       []string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	CSRFTokenExpiry    time.Duration
}

type CryptoConfig struct {
	// EncryptionKeys maps key id to 32-byte master key. Every key that
	// ever wrapped a stored blob must stay configured until the rotation
	// sweep has converged.
	EncryptionKeys map[string][]byte
	ActiveKeyID    string
	AuditHashKey   string
}

type GuardConfig struct {
	Window              time.Duration
	IPMaxAttempts       int
	UsernameMaxAttempts int
	LockoutThreshold    int
	LockoutBase         time.Duration
	LockoutMax          time.Duration
}

type RateLimitConfig struct {
	Window    time.Duration
	GlobalMax int
	AuthMax   int
	UploadMax int
	ExportMax int
}

type SweepConfig struct {
	TokenPurgeInterval   time.Duration
	TokenRetention       time.Duration
	BlobRotationInterval time.Duration
	IntegritySampleLimit int
	// IntegrityCheckFatal aborts startup when the boot-time integrity
	// pass finds undecryptable blobs.
	IntegrityCheckFatal bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	signingKey := getEnv("SIGNING_KEY", "")
	if signingKey == "" {
		return nil, fmt.Errorf("SIGNING_KEY is required")
	}

	env := getEnv("ENV", "development")
	if err := validateSigningKey(signingKey, env); err != nil {
		return nil, err
	}

	encryptionKeys, err := parseEncryptionKeys(getEnv("SIGNATURE_ENCRYPTION_KEYS", ""))
	if err != nil {
		return nil, err
	}
	activeKeyID := getEnv("SIGNATURE_ACTIVE_KEY_ID", "")
	if len(encryptionKeys) > 0 {
		if _, ok := encryptionKeys[activeKeyID]; !ok {
			return nil, fmt.Errorf("SIGNATURE_ACTIVE_KEY_ID %q is not among the configured keys", activeKeyID)
		}
	}

	auditHashKey := getEnv("AUDIT_HASH_KEY", "")
	if auditHashKey == "" {
		return nil, fmt.Errorf("AUDIT_HASH_KEY is required")
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "fleetdesk"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RedisURL:       getEnv("REDIS_URL", ""),
			CookieDomain:   getEnv("COOKIE_DOMAIN", ""),
			TrustedProxies: splitNonEmpty(getEnv("TRUSTED_PROXIES", "")),
		},
		Auth: AuthConfig{
			SigningKey:         signingKey,
			PreviousKeys:       splitNonEmpty(getEnv("PREVIOUS_SIGNING_KEYS", "")),
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			CSRFTokenExpiry:    getEnvAsDuration("CSRF_TOKEN_EXPIRY", 12*time.Hour),
		},
		Crypto: CryptoConfig{
			EncryptionKeys: encryptionKeys,
			ActiveKeyID:    activeKeyID,
			AuditHashKey:   auditHashKey,
		},
		Guard: GuardConfig{
			Window:              getEnvAsDuration("AUTH_RATE_LIMIT_WINDOW", time.Minute),
			IPMaxAttempts:       getEnvAsInt("AUTH_RATE_LIMIT_IP_MAX_ATTEMPTS", 30),
			UsernameMaxAttempts: getEnvAsInt("AUTH_RATE_LIMIT_USERNAME_MAX_ATTEMPTS", 10),
			LockoutThreshold:    getEnvAsInt("AUTH_LOCKOUT_THRESHOLD", 5),
			LockoutBase:         getEnvAsDuration("AUTH_LOCKOUT_BASE", 30*time.Second),
			LockoutMax:          getEnvAsDuration("AUTH_LOCKOUT_MAX", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Window:    getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			GlobalMax: getEnvAsInt("RATE_LIMIT_GLOBAL_MAX", 300),
			AuthMax:   getEnvAsInt("RATE_LIMIT_AUTH_MAX", 20),
			UploadMax: getEnvAsInt("RATE_LIMIT_UPLOAD_MAX", 30),
			ExportMax: getEnvAsInt("RATE_LIMIT_EXPORT_MAX", 30),
		},
		Sweep: SweepConfig{
			TokenPurgeInterval:   getEnvAsDuration("TOKEN_PURGE_INTERVAL", time.Hour),
			TokenRetention:       getEnvAsDuration("TOKEN_RETENTION", 30*24*time.Hour),
			BlobRotationInterval: getEnvAsDuration("BLOB_ROTATION_INTERVAL", 6*time.Hour),
			IntegritySampleLimit: getEnvAsInt("INTEGRITY_SAMPLE_LIMIT", 20),
			IntegrityCheckFatal:  getEnvAsBool("INTEGRITY_CHECK_FATAL", false),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	return cfg, nil
}

// validateSigningKey enforces minimum secret strength.
func validateSigningKey(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("SIGNING_KEY must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}
	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("SIGNING_KEY cannot be a common weak value")
		}
	}

	return nil
}

// parseEncryptionKeys parses "id:base64,id2:base64" into a key map.
// Keys must decode to exactly 32 bytes.
func parseEncryptionKeys(raw string) (map[string][]byte, error) {
	if raw == "" {
		return nil, nil
	}

	keys := make(map[string][]byte)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, encoded, ok := strings.Cut(pair, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("SIGNATURE_ENCRYPTION_KEYS entry %q must be id:base64", pair)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("SIGNATURE_ENCRYPTION_KEYS key %q is not valid base64: %w", id, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("SIGNATURE_ENCRYPTION_KEYS key %q must decode to 32 bytes (got %d)", id, len(key))
		}
		keys[id] = key
	}
	return keys, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
