package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with MESSAGING_CONFIG.
const ConfigPath = "config.yaml"

// MinioConfig holds MinIO/S3 settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                   string      `yaml:"port"`
	LogLevel               string      `yaml:"logLevel"`
	DatabaseURL            string      `yaml:"databaseURL"`
	AuthServiceURL         string      `yaml:"authServiceURL"`
	AuthJWKSURL            string      `yaml:"authJwksURL"`
	JWTIssuer              string      `yaml:"jwtIssuer"`
	JWTAudience            string      `yaml:"jwtAudience"`
	JWTLeeway              string      `yaml:"jwtLeeway"`
	RedisAddr              string      `yaml:"redisAddr"`
	RedisPassword          string      `yaml:"redisPassword"`
	TrustedProxyCIDRs      []string    `yaml:"trustedProxyCidrs"`
	AllowedOrigins         []string    `yaml:"allowedOrigins"`
	ObjectStore            string      `yaml:"objectStore"`
	Minio                  MinioConfig `yaml:"minio"`
	GCSBucket              string      `yaml:"gcsBucket"`
	GCSCredentialsFile     string      `yaml:"gcsCredentialsFile"`
	SignedURLTTL           string      `yaml:"signedURLTTL"`
	MaxUploadBytes         int64       `yaml:"maxUploadBytes"`
	MaxAttachments         int         `yaml:"maxAttachments"`
	SendRateLimitPerMinute int         `yaml:"sendRateLimitPerMinute"`
	EnrichmentURL          string      `yaml:"enrichmentURL"`
	EnrichmentCacheTTL     string      `yaml:"enrichmentCacheTTL"`
	PurgeConcurrency       int         `yaml:"purgeConcurrency"`
	BlobSweepInterval      string      `yaml:"blobSweepInterval"`
}

// Load reads config from path (defaults to MESSAGING_CONFIG, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MESSAGING_CONFIG"))
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = "minio"
	}
	cfg.ObjectStore = strings.ToLower(strings.TrimSpace(cfg.ObjectStore))
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("MESSAGING_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("MESSAGING_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MESSAGING_AUTH_SERVICE_URL"); v != "" {
		cfg.AuthServiceURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MESSAGING_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MESSAGING_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("MESSAGING_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("MESSAGING_OBJECT_STORE"); v != "" {
		cfg.ObjectStore = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Minio.UseSSL = b
		}
	}
	if v := os.Getenv("GCS_BUCKET"); v != "" {
		cfg.GCSBucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("GCS_CREDENTIALS_FILE"); v != "" {
		cfg.GCSCredentialsFile = strings.TrimSpace(v)
	}
	if v := os.Getenv("MESSAGING_SIGNED_URL_TTL"); v != "" {
		cfg.SignedURLTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MESSAGING_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("MESSAGING_MAX_ATTACHMENTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MaxAttachments = n
		}
	}
	if v := os.Getenv("MESSAGING_SEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SendRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MESSAGING_ENRICHMENT_URL"); v != "" {
		cfg.EnrichmentURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MESSAGING_ENRICHMENT_CACHE_TTL"); v != "" {
		cfg.EnrichmentCacheTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MESSAGING_PURGE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.PurgeConcurrency = n
		}
	}
	if v := os.Getenv("MESSAGING_BLOB_SWEEP_INTERVAL"); v != "" {
		cfg.BlobSweepInterval = strings.TrimSpace(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.AuthServiceURL == "" {
		return errors.New("config: authServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and the purge queue")
	}
	switch cfg.ObjectStore {
	case "minio":
		if cfg.Minio.Endpoint == "" || cfg.Minio.Bucket == "" {
			return errors.New("config: minio.endpoint and minio.bucket are required for objectStore minio")
		}
	case "gcs":
		if cfg.GCSBucket == "" {
			return errors.New("config: gcsBucket is required for objectStore gcs")
		}
	default:
		return fmt.Errorf("config: unknown objectStore %q (want minio or gcs)", cfg.ObjectStore)
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxAttachments < 0 {
		return errors.New("config: upload limits must be >= 0")
	}
	if cfg.SendRateLimitPerMinute < 0 {
		return errors.New("config: sendRateLimitPerMinute must be >= 0")
	}
	if cfg.PurgeConcurrency < 0 {
		return errors.New("config: purgeConcurrency must be >= 0")
	}
	if _, err := cfg.ParseDurations(); err != nil {
		return err
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Durations holds the parsed duration settings.
type Durations struct {
	JWTLeeway          time.Duration
	SignedURLTTL       time.Duration
	EnrichmentCacheTTL time.Duration
	BlobSweepInterval  time.Duration
}

// ParseDurations parses every duration setting, failing on the first invalid one.
func (cfg FileConfig) ParseDurations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.JWTLeeway, err = ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return Durations{}, err
	}
	if d.SignedURLTTL, err = ParseDuration("signedURLTTL", cfg.SignedURLTTL); err != nil {
		return Durations{}, err
	}
	if d.EnrichmentCacheTTL, err = ParseDuration("enrichmentCacheTTL", cfg.EnrichmentCacheTTL); err != nil {
		return Durations{}, err
	}
	if d.BlobSweepInterval, err = ParseDuration("blobSweepInterval", cfg.BlobSweepInterval); err != nil {
		return Durations{}, err
	}
	return d, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}

// ParseDuration parses an optional non-negative duration; empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}
