package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	DatabaseURL string
	CORSOrigin  string
	AppVersion  string
	LogLevel    string
	Timezone    string

	// Identity provider tokens
	IDTokenSecret   string
	IDTokenIssuer   string
	IDTokenAudience string
	// AllowedEmails is server-only; never expose it to clients.
	AllowedEmails       []string
	AllowlistFailClosed bool

	AllowRoleReassign         bool
	StrictMealRead            bool
	LegacyParticipantFallback bool

	DeleteJobTTL    time.Duration
	DeleteBatchSize int

	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string

	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3UseSSL        bool
	S3PublicBaseURL string
	UploadURLTTL    time.Duration

	ClientErrorWindow time.Duration
	ClientErrorMax    int

	// TrustProxy makes the first X-Forwarded-For entry the client address.
	// Only enable it behind a proxy that overwrites the header.
	TrustProxy bool
}

// DevTokenSecret is the signing secret used by local tooling. Validate
// refuses it whenever a real database is configured.
const DevTokenSecret = "familymeal-dev-secret"

var (
	ErrMissingTokenSecret = errors.New("ID_TOKEN_SECRET is required")
	ErrDevTokenSecret     = errors.New("ID_TOKEN_SECRET must not be the development secret when DATABASE_URL is set")
)

// Validate reports settings the API must not start with.
func (c Config) Validate() error {
	secret := strings.TrimSpace(c.IDTokenSecret)
	if secret == "" {
		return ErrMissingTokenSecret
	}
	if secret == DevTokenSecret && strings.TrimSpace(c.DatabaseURL) != "" {
		return ErrDevTokenSecret
	}
	return nil
}

// Load reads .env (when present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() Config {
	return Config{
		Addr:        getenv("API_ADDR", ":8787"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		CORSOrigin:  getenv("CORS_ORIGIN", "*"),
		AppVersion:  firstNonEmpty(os.Getenv("APP_VERSION"), os.Getenv("GIT_COMMIT_SHA"), "local"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		Timezone:    getenv("APP_TIMEZONE", "Asia/Seoul"),

		IDTokenSecret:       os.Getenv("ID_TOKEN_SECRET"),
		IDTokenIssuer:       getenv("ID_TOKEN_ISSUER", ""),
		IDTokenAudience:     getenv("ID_TOKEN_AUDIENCE", ""),
		AllowedEmails:       splitList(os.Getenv("ALLOWED_EMAILS")),
		AllowlistFailClosed: getenvBool("ALLOWLIST_FAIL_CLOSED", false),

		AllowRoleReassign:         getenvBool("ALLOW_ROLE_REASSIGN", false),
		StrictMealRead:            getenvBool("POLICY_STRICT_READ", true),
		LegacyParticipantFallback: getenvBool("LEGACY_PARTICIPANT_FALLBACK", true),

		DeleteJobTTL:    getenvDuration("DELETE_JOB_TTL", 5*time.Minute),
		DeleteBatchSize: getenvInt("DELETE_BATCH_SIZE", 450),

		RedisURL:       getenv("REDIS_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		S3Endpoint:      getenv("S3_ENDPOINT", ""),
		S3AccessKey:     getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getenv("S3_SECRET_KEY", ""),
		S3Bucket:        getenv("S3_BUCKET", "meal-images"),
		S3UseSSL:        getenvBool("S3_USE_SSL", true),
		S3PublicBaseURL: getenv("S3_PUBLIC_BASE_URL", ""),
		UploadURLTTL:    getenvDuration("UPLOAD_URL_TTL", 15*time.Minute),

		ClientErrorWindow: getenvDuration("CLIENT_ERROR_RATE_WINDOW", time.Minute),
		ClientErrorMax:    getenvInt("CLIENT_ERROR_RATE_MAX", 20),
		TrustProxy:        getenvBool("TRUST_PROXY", false),
	}
}

// Location resolves Timezone, falling back to UTC when the zone database
// does not know it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or a bare number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
