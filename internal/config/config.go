package config

import (
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Config struct {
	Environment string
	Addr        string
	// DatabaseURL selects Postgres. Empty keeps everything in memory.
	DatabaseURL     string
	JWTSecret       string
	AccessTTL       time.Duration
	ReposDir        string
	MigrationsDir   string
	CORSOrigin      string
	PublicURL       string
	MeiliURL        string
	MeiliMasterKey  string
	LeaseDuration   time.Duration
	PresenceTimeout time.Duration
	SweepInterval   time.Duration
	MaxContentBytes int
	// Redis backs presence when set; otherwise presence is kept in process.
	RedisURL string
	// MinIO export storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	// Rendering
	RenderEnabled bool
	MermaidURL    string
	// Share notifications
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

func Load() Config {
	return Config{
		Environment:     getenv("STUDIO_ENV", "dev"),
		Addr:            getenv("API_ADDR", ":8787"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		JWTSecret:       getenv("STUDIO_JWT_SECRET", "studio-dev-secret"),
		AccessTTL:       time.Duration(getenvInt("STUDIO_ACCESS_TTL_SECONDS", 43200)) * time.Second,
		ReposDir:        getenv("STUDIO_REPOS_DIR", "./data/repos"),
		MigrationsDir:   getenv("STUDIO_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:      getenv("STUDIO_CORS_ORIGIN", "*"),
		PublicURL:       getenv("STUDIO_PUBLIC_URL", "http://localhost:5173"),
		MeiliURL:        getenv("MEILI_URL", ""),
		MeiliMasterKey:  getenv("MEILI_MASTER_KEY", "studio-meili-key"),
		LeaseDuration:   time.Duration(getenvInt("STUDIO_LEASE_SECONDS", 120)) * time.Second,
		PresenceTimeout: time.Duration(getenvInt("STUDIO_PRESENCE_SECONDS", 60)) * time.Second,
		SweepInterval:   time.Duration(getenvInt("STUDIO_SWEEP_SECONDS", 15)) * time.Second,
		MaxContentBytes: getenvInt("STUDIO_MAX_CONTENT_BYTES", 256*1024),
		RedisURL:        getenv("REDIS_URL", ""),
		MinioEndpoint:   getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:  getenv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:  getenv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:     getenv("MINIO_BUCKET", "studio-exports"),
		MinioRegion:     getenv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:     getenvBool("MINIO_USE_SSL", false),
		RenderEnabled:   getenvBool("STUDIO_RENDER_ENABLED", false),
		MermaidURL:      getenv("STUDIO_MERMAID_URL", "https://cdn.jsdelivr.net/npm/mermaid@11/dist/mermaid.min.js"),
		SMTPHost:        getenv("SMTP_HOST", ""),
		SMTPPort:        getenv("SMTP_PORT", "587"),
		SMTPUsername:    getenv("SMTP_USERNAME", ""),
		SMTPPassword:    getenv("SMTP_PASSWORD", ""),
		SMTPFrom:        getenv("SMTP_FROM", ""),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.JWTSecret, validation.Required, validation.When(c.IsProduction(),
			validation.Length(32, 0),
			validation.NotIn("studio-dev-secret").Error("must be changed in production"),
		)),
		validation.Field(&c.AccessTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.LeaseDuration, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.PresenceTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.SweepInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxContentBytes, validation.Required, validation.Min(1)),
		validation.Field(&c.MinioBucket, validation.When(c.MinioEndpoint != "", validation.Required)),
	)
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
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
