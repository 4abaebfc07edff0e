// Package config loads the uploader configuration document.
//
// The document is JSON (or any format viper understands). Every key can be
// overridden from the environment with the UPLOADER_ prefix, nested keys
// joined by underscores: UPLOADER_AUTH_FRESHNESS_WINDOW=30m.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "UPLOADER"

// Upload modes.
const (
	UploadModeEmbedded = "embedded"
	UploadModeWebhook  = "webhook"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	FilesDir           string   `mapstructure:"files_dir"`
	UploadEndpointRoot string   `mapstructure:"upload_endpoint_root"`
	StorageProviders   []string `mapstructure:"storage_providers"`

	IPFS        IPFSConfig        `mapstructure:"ipfs"`
	Web3Storage Web3StorageConfig `mapstructure:"web3storage"`
	Estuary     EstuaryConfig     `mapstructure:"estuary"`
	S3          S3Config          `mapstructure:"s3"`
	File        FileConfig        `mapstructure:"file"`

	// Legacy top-level credentials, copied into the backend sections when those are empty.
	Web3Token     string `mapstructure:"web3token"`
	EstuaryBearer string `mapstructure:"estuary_bearer"`

	Auth      AuthConfig      `mapstructure:"auth"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Vault     VaultConfig     `mapstructure:"vault"`
}

type IPFSConfig struct {
	// API is the host:port of the node's RPC API.
	API     string        `mapstructure:"api"`
	Pin     bool          `mapstructure:"pin"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Web3StorageConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type EstuaryConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Token        string        `mapstructure:"token"`
	CollectionID string        `mapstructure:"coluuid"`
	Replication  int           `mapstructure:"replication"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

type AuthConfig struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	VerifyOwnership bool          `mapstructure:"verify_ownership"`
	// Ledger is "account" (REST account API) or "address".
	Ledger          string        `mapstructure:"ledger"`
	LedgerAPI       string        `mapstructure:"ledger_api"`
	LedgerTimeout   time.Duration `mapstructure:"ledger_timeout"`
	LedgerCacheSize int           `mapstructure:"ledger_cache_size"`
	LedgerCacheTTL  time.Duration `mapstructure:"ledger_cache_ttl"`
	APIKeys         []string      `mapstructure:"api_keys"`
	GateProgress    bool          `mapstructure:"gate_progress"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

type DispatchConfig struct {
	Workers     int `mapstructure:"workers"`
	QueueSize   int `mapstructure:"queue_size"`
	Parallelism int `mapstructure:"parallelism"`
}

type UploadConfig struct {
	Mode        string `mapstructure:"mode"`
	BasePath    string `mapstructure:"base_path"`
	MaxSize     int64  `mapstructure:"max_size"`
	EventBuffer int    `mapstructure:"event_buffer"`
	// HooksSecret authenticates tusd webhook calls. Without it only
	// loopback peers may post hooks.
	HooksSecret string `mapstructure:"hooks_secret"`
}

type SessionsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ProgressConfig struct {
	SelfHealDispatch bool `mapstructure:"self_heal_dispatch"`
}

type RateLimitConfig struct {
	// RPS is the per-client request rate on the upload and progress routes. Zero disables limiting.
	RPS float64 `mapstructure:"rps"`
}

type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

// SetDefaults registers every key with its default. Keys unknown to viper
// cannot be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 5000)
	v.SetDefault("files_dir", "./files")
	v.SetDefault("upload_endpoint_root", "")
	v.SetDefault("storage_providers", []string{})

	v.SetDefault("ipfs.api", "localhost:5001")
	v.SetDefault("ipfs.pin", true)
	v.SetDefault("ipfs.timeout", "5m")

	v.SetDefault("web3storage.endpoint", "https://api.web3.storage")
	v.SetDefault("web3storage.token", "")
	v.SetDefault("web3storage.timeout", "10m")

	v.SetDefault("estuary.endpoint", "https://api.estuary.tech")
	v.SetDefault("estuary.token", "")
	v.SetDefault("estuary.coluuid", "dtube_videos")
	v.SetDefault("estuary.replication", 5)
	v.SetDefault("estuary.timeout", "10m")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.path_style", false)

	v.SetDefault("file.dir", "./store")

	v.SetDefault("web3token", "")
	v.SetDefault("estuary_bearer", "")

	v.SetDefault("auth.freshness_window", "1h")
	v.SetDefault("auth.verify_ownership", true)
	v.SetDefault("auth.ledger", "account")
	v.SetDefault("auth.ledger_api", "https://avalon.d.tube")
	v.SetDefault("auth.ledger_timeout", "10s")
	v.SetDefault("auth.ledger_cache_size", 1024)
	v.SetDefault("auth.ledger_cache_ttl", "1m")
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.gate_progress", false)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.delay", "5s")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 64)
	v.SetDefault("dispatch.parallelism", 0)

	v.SetDefault("upload.mode", UploadModeEmbedded)
	v.SetDefault("upload.base_path", "/upload/")
	v.SetDefault("upload.max_size", 0)
	v.SetDefault("upload.event_buffer", 128)
	v.SetDefault("upload.hooks_secret", "")

	v.SetDefault("sessions.retention", "24h")
	v.SetDefault("sessions.sweep_interval", "10m")

	v.SetDefault("progress.self_heal_dispatch", true)

	v.SetDefault("rate_limit.rps", 0)

	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
}

// Load reads the document at path (optional) with environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not decode config: %w", err)
	}

	cfg.applyLegacy()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyLegacy() {
	if c.Web3Storage.Token == "" {
		c.Web3Storage.Token = c.Web3Token
	}
	if c.Estuary.Token == "" {
		c.Estuary.Token = c.EstuaryBearer
	}
	if c.UploadEndpointRoot != "" && !strings.HasSuffix(c.UploadEndpointRoot, "/") {
		c.UploadEndpointRoot += "/"
	}
	c.Upload.BasePath = "/" + strings.Trim(c.Upload.BasePath, "/") + "/"
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if len(c.StorageProviders) == 0 {
		errs = append(errs, errors.New("storage provider(s) list must be set"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.FilesDir == "" {
		errs = append(errs, errors.New("files_dir must be set"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be at least 1, got %d", c.Dispatch.Workers))
	}
	switch c.Upload.Mode {
	case UploadModeEmbedded, UploadModeWebhook:
	default:
		errs = append(errs, fmt.Errorf("unsupported upload.mode %q", c.Upload.Mode))
	}
	return errors.Join(errs...)
}

// Address returns the listen address for the uploader HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
