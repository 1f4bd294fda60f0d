// Package config loads fieldsync configuration from YAML and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/solarcrm/fieldsync/internal/models"
)

type Config struct {
	App          AppConfig                        `mapstructure:"app"`
	Log          LogConfig                        `mapstructure:"log"`
	Store        StoreConfig                      `mapstructure:"store"`
	Sync         SyncConfig                       `mapstructure:"sync"`
	Connectivity ConnectivityConfig               `mapstructure:"connectivity"`
	Remote       RemoteConfig                     `mapstructure:"remote"`
	Blob         BlobConfig                       `mapstructure:"blob"`
	Lock         LockConfig                       `mapstructure:"lock"`
	Media        MediaConfig                      `mapstructure:"media"`
	Server       ServerConfig                     `mapstructure:"server"`
	Kinds        map[models.Kind]models.KindSpec `mapstructure:"kinds"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
	// OwnerID is the actor whose records this device captures.
	OwnerID string `mapstructure:"owner_id"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type SyncConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	// Periodic is a cron spec, e.g. "@every 30s".
	Periodic     string        `mapstructure:"periodic"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	RecentErrors int           `mapstructure:"recent_errors"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	AssumeOnline  bool          `mapstructure:"assume_online"`
}

type RemoteConfig struct {
	// Driver is "rest" (hosted PostgREST-style API), "postgres" (direct)
	// or "memory" (in-process, for demos).
	Driver   string        `mapstructure:"driver"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	IDColumn string        `mapstructure:"id_column"`
	DSN      string        `mapstructure:"dsn"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type BlobConfig struct {
	// Provider is "minio", "aws", "r2" or "s3" (generic endpoint).
	Provider      string        `mapstructure:"provider"`
	Endpoint      string        `mapstructure:"endpoint"`
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	AccountID     string        `mapstructure:"account_id"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LockConfig struct {
	// Driver is "memory" or "redis".
	Driver    string        `mapstructure:"driver"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	Password  string        `mapstructure:"password"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type MediaConfig struct {
	MaxImageDimension int `mapstructure:"max_image_dimension"`
	JPEGQuality       int `mapstructure:"jpeg_quality"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.owner_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.periodic", "@every 30s")
	v.SetDefault("sync.settle_delay", 2*time.Second)
	v.SetDefault("sync.recent_errors", 5)
	v.SetDefault("sync.cycle_timeout", 0)
	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)
	v.SetDefault("connectivity.assume_online", false)
	v.SetDefault("remote.driver", "rest")
	v.SetDefault("remote.id_column", "id")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("blob.provider", "s3")
	v.SetDefault("blob.bucket", "anexos")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.timeout", 60*time.Second)
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.ttl", 10*time.Minute)
	v.SetDefault("media.max_image_dimension", 1600)
	v.SetDefault("media.jpeg_quality", 80)
	v.SetDefault("server.http_addr", "127.0.0.1:8090")
}

// Load reads path (optional when empty) and overlays FIELDSYNC_* environment
// variables, e.g. FIELDSYNC_REMOTE_API_KEY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kinds = mergeKinds(cfg.Kinds)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by Load with no file and no
// environment overrides.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Kinds = mergeKinds(nil)
	return cfg
}

// mergeKinds layers configured kind specs over the built-in ones.
func mergeKinds(configured map[models.Kind]models.KindSpec) map[models.Kind]models.KindSpec {
	kinds := models.DefaultKindSpecs()
	for k, spec := range configured {
		kinds[k] = spec
	}
	return kinds
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return fmt.Errorf("config.store.data_dir is required")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("config.sync.max_retries must be at least 1")
	}
	if c.Sync.SettleDelay < 0 {
		return fmt.Errorf("config.sync.settle_delay must not be negative")
	}
	switch c.Remote.Driver {
	case "rest", "postgres", "memory":
	default:
		return fmt.Errorf("config.remote.driver must be rest, postgres or memory, got %q", c.Remote.Driver)
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("config.lock.redis_addr is required for the redis lock driver")
		}
	default:
		return fmt.Errorf("config.lock.driver must be memory or redis, got %q", c.Lock.Driver)
	}
	if c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100 {
		return fmt.Errorf("config.media.jpeg_quality must be within 1..100")
	}
	for kind, spec := range c.Kinds {
		if spec.Table == "" {
			return fmt.Errorf("config.kinds.%s.table is required", kind)
		}
		for _, f := range spec.FollowUps {
			if f.Table == "" || f.KeyField == "" {
				return fmt.Errorf("config.kinds.%s.follow_ups entries need table and key_field", kind)
			}
		}
	}
	return nil
}
