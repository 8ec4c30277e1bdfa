package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	StorageBackend  string   `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	LevelDBPath     string   `mapstructure:"LEVELDB_PATH"`
	BlobBackend     string   `mapstructure:"BLOB_BACKEND"`
	BlobDir         string   `mapstructure:"BLOB_DIR"`
	S3Bucket        string   `mapstructure:"S3_BUCKET"`
	S3Region        string   `mapstructure:"S3_REGION"`
	S3Endpoint      string   `mapstructure:"S3_ENDPOINT"`
	PublicBaseURL   string   `mapstructure:"PUBLIC_BASE_URL"`
	SessionSecret   string   `mapstructure:"SESSION_SECRET"`
	SessionTTLMin   int      `mapstructure:"SESSION_TTL_MINUTES"`
	AdminEmail      string   `mapstructure:"ADMIN_EMAIL"`
	AdminSecretHash string   `mapstructure:"ADMIN_SECRET_HASH"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	MaxUploadMB     int64    `mapstructure:"MAX_UPLOAD_MB"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LEVELDB_PATH", "./data/records")
	v.SetDefault("BLOB_BACKEND", "filesystem")
	v.SetDefault("BLOB_DIR", "./data/videos")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("SESSION_TTL_MINUTES", 720)
	v.SetDefault("ADMIN_EMAIL", "admin@cinebaby.online")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_UPLOAD_MB", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORAGE_BACKEND")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("LEVELDB_PATH")
	v.BindEnv("BLOB_BACKEND")
	v.BindEnv("BLOB_DIR")
	v.BindEnv("S3_BUCKET")
	v.BindEnv("S3_REGION")
	v.BindEnv("S3_ENDPOINT")
	v.BindEnv("PUBLIC_BASE_URL")
	v.BindEnv("SESSION_SECRET")
	v.BindEnv("SESSION_TTL_MINUTES")
	v.BindEnv("ADMIN_EMAIL")
	v.BindEnv("ADMIN_SECRET_HASH")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("MAX_UPLOAD_MB")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() && cfg.SessionSecret == "" {
		log.Println("WARNING: SESSION_SECRET is not set; using an insecure development secret.")
		log.Println("WARNING: Set SESSION_SECRET before deploying.")
		cfg.SessionSecret = "cinebaby-dev-secret"
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is complete enough to run. The
// storage and blob backends must be known values with their connection
// details present, and production refuses to start without a real session
// secret and an admin credential hash.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is \"postgres\"")
		}
	case "leveldb":
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required when STORAGE_BACKEND is \"leveldb\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"postgres\" or \"leveldb\", got %q", c.StorageBackend)
	}

	switch c.BlobBackend {
	case "memory", "filesystem":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\", \"filesystem\", or \"s3\", got %q", c.BlobBackend)
	}

	if c.IsProduction() {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in production")
		}
		if c.AdminSecretHash == "" {
			return fmt.Errorf("ADMIN_SECRET_HASH is required in production; generate one with the hash-secret command")
		}
	}

	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}

	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}
