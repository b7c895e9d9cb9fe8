package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// useProdBackend is the build-time switch between the hosted API and a
// local one. Override with
//
//	go build -ldflags "-X github.com/priorauth/priorauth/internal/config.useProdBackend=false"
var useProdBackend = "true"

const (
	ProdAPIBaseURL  = "https://prior-auth-backend.vercel.app"
	LocalAPIBaseURL = "http://localhost:8000"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	SupabaseURL     string `mapstructure:"SUPABASE_URL"`
	SupabaseAnonKey string `mapstructure:"SUPABASE_ANON_KEY"`
	APIBaseURL      string `mapstructure:"API_BASE_URL"`
	FunctionsURL    string `mapstructure:"FUNCTIONS_URL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBRLSRole   string `mapstructure:"DB_RLS_ROLE"`

	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	// AuthInsecureDev skips token signature checks. Honoured only with
	// ENV=development.
	AuthInsecureDev bool `mapstructure:"AUTH_INSECURE_DEV"`
	SessionFile   string `mapstructure:"SESSION_FILE"`

	CacheStaleTime          time.Duration `mapstructure:"CACHE_STALE_TIME"`
	ReadRetries             int           `mapstructure:"READ_RETRIES"`
	ReadRetryDelay          time.Duration `mapstructure:"READ_RETRY_DELAY"`
	StrictStatusTransitions bool          `mapstructure:"STRICT_STATUS_TRANSITIONS"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`
	LLMModel      string `mapstructure:"LLM_MODEL"`

	BlobBackend    string `mapstructure:"BLOB_BACKEND"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"SUPABASE_URL", "SUPABASE_ANON_KEY", "API_BASE_URL", "FUNCTIONS_URL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_RLS_ROLE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_JWT_SECRET", "AUTH_INSECURE_DEV", "SESSION_FILE",
	"CACHE_STALE_TIME", "READ_RETRIES", "READ_RETRY_DELAY", "STRICT_STATUS_TRANSITIONS",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "LLM_MODEL",
	"BLOB_BACKEND", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_USE_SSL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "5173")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_BASE_URL", defaultAPIBaseURL())
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_RLS_ROLE", "authenticated")
	v.SetDefault("CACHE_STALE_TIME", "30s")
	v.SetDefault("READ_RETRIES", 2)
	v.SetDefault("READ_RETRY_DELAY", "1s")
	v.SetDefault("STRICT_STATUS_TRANSITIONS", false)
	v.SetDefault("AUTH_INSECURE_DEV", false)
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("MINIO_BUCKET", "prior-auth-documents")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.FunctionsURL == "" && cfg.SupabaseURL != "" {
		cfg.FunctionsURL = cfg.SupabaseURL + "/functions/v1"
	}
	cfg.FunctionsURL = strings.TrimRight(cfg.FunctionsURL, "/")

	if cfg.InsecureTokens() {
		log.Println("WARNING: AUTH_INSECURE_DEV is set; access tokens are decoded without signature verification.")
	}

	return cfg, nil
}

func defaultAPIBaseURL() string {
	if useProdBackend == "false" {
		return LocalAPIBaseURL
	}
	return ProdAPIBaseURL
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// InsecureTokens reports whether access tokens may be accepted without a
// signature check. It needs both ENV=development and AUTH_INSECURE_DEV=true.
func (c *Config) InsecureTokens() bool {
	return c.IsDev() && c.AuthInsecureDev
}

// IsProduction returns true when running with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate enforces the only fatal startup condition: the identity provider
// URL and public key must be present.
func (c *Config) Validate() error {
	var missing []string
	if c.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s must be defined", strings.Join(missing, " and "))
	}
	if c.BlobBackend != "memory" && c.BlobBackend != "minio" {
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"minio\", got %q", c.BlobBackend)
	}
	if c.BlobBackend == "minio" && c.MinioEndpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required when BLOB_BACKEND is \"minio\"")
	}
	return nil
}

// ValidateFunctions checks the extra settings the generation-function
// server needs on top of Validate.
func (c *Config) ValidateFunctions() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required to serve generation functions")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to serve generation functions")
	}
	if c.IsProduction() && c.AuthJWTSecret == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_JWT_SECRET, AUTH_JWKS_URL or AUTH_ISSUER must be set in production")
	}
	return nil
}
