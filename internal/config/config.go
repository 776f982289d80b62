package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "FOAMSYNC"
	clientEnvPrefix       = "FOAMSYNC_CLIENT"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "foamsync.db"
	defaultLogLevel       = "info"
	defaultTokenTTL       = 7 * 24 * time.Hour
	defaultIssuer         = "foamsync-auth"
	defaultLockMaxWait    = 10 * time.Second
	defaultTenantCacheTTL = 5 * time.Minute
	defaultTenantCache    = 1024
	defaultLogMaxSizeMB   = 100
	defaultLogMaxBackups  = 5
	defaultBlobDriver     = BlobDriverMemory
	defaultServerURL      = "http://localhost:8080"
	defaultCachePath      = "foamsync-client.db"
	defaultMaxRetries     = 2
	defaultRetryDelay     = time.Second

	// BlobDriverMemory keeps documents in process memory.
	BlobDriverMemory = "memory"
	// BlobDriverS3 stores documents in an S3-compatible bucket.
	BlobDriverS3 = "s3"
)

// LogConfig controls the zap logger and its optional rotating file sink.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// S3Config locates the document bucket.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenTTL       time.Duration
	Issuer         string
	LockMaxWait    time.Duration
	TenantCacheLen int
	TenantCacheTTL time.Duration
	Log            LogConfig
	BlobDriver     string
	S3             S3Config
}

// ClientConfig captures runtime configuration for the offline client.
type ClientConfig struct {
	ServerURL  string
	CachePath  string
	MaxRetries int
	RetryDelay time.Duration
	Log        LogConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("lock.max_wait", defaultLockMaxWait)
	configViper.SetDefault("tenant_cache.size", defaultTenantCache)
	configViper.SetDefault("tenant_cache.ttl", defaultTenantCacheTTL)
	configViper.SetDefault("blob.driver", defaultBlobDriver)
	applyLogDefaults(configViper)
}

// NewClientViper returns a viper instance configured for the client binary.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures defaults and env bindings for the client binary.
func ApplyClientDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(clientEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("retry.max_retries", defaultMaxRetries)
	configViper.SetDefault("retry.delay", defaultRetryDelay)
	applyLogDefaults(configViper)
}

func applyLogDefaults(configViper *viper.Viper) {
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		Issuer:         configViper.GetString("auth.issuer"),
		LockMaxWait:    configViper.GetDuration("lock.max_wait"),
		TenantCacheLen: configViper.GetInt("tenant_cache.size"),
		TenantCacheTTL: configViper.GetDuration("tenant_cache.ttl"),
		Log:            loadLog(configViper),
		BlobDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("blob.driver"))),
		S3: S3Config{
			Bucket:        configViper.GetString("blob.s3.bucket"),
			Region:        configViper.GetString("blob.s3.region"),
			Endpoint:      configViper.GetString("blob.s3.endpoint"),
			AccessKey:     configViper.GetString("blob.s3.access_key"),
			SecretKey:     configViper.GetString("blob.s3.secret_key"),
			PublicBaseURL: configViper.GetString("blob.s3.public_base_url"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:  strings.TrimRight(configViper.GetString("server.url"), "/"),
		CachePath:  configViper.GetString("cache.path"),
		MaxRetries: configViper.GetInt("retry.max_retries"),
		RetryDelay: configViper.GetDuration("retry.delay"),
		Log:        loadLog(configViper),
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return ClientConfig{}, fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(cfg.CachePath) == "" {
		return ClientConfig{}, fmt.Errorf("cache.path is required")
	}
	if cfg.MaxRetries < 0 {
		return ClientConfig{}, fmt.Errorf("retry.max_retries must not be negative")
	}
	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:      configViper.GetString("log.level"),
		File:       configViper.GetString("log.file"),
		MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		MaxBackups: configViper.GetInt("log.max_backups"),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.LockMaxWait <= 0 {
		return fmt.Errorf("lock.max_wait must be positive")
	}
	switch c.BlobDriver {
	case BlobDriverMemory:
	case BlobDriverS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("blob.driver must be %q or %q", BlobDriverMemory, BlobDriverS3)
	}
	return nil
}
