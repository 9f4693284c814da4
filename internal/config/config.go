package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig selects the blob backend. Driver "local" writes under Root
// and serves from PublicBaseURL; "minio" writes to Bucket on Endpoint.
type StorageConfig struct {
	Driver        string
	Root          string
	PublicBaseURL string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	Region        string
}

type CatalogConfig struct {
	Driver string
}

type JobsConfig struct {
	Driver    string
	KeyPrefix string
	Retention time.Duration
}

// QueueConfig controls how optimization jobs reach workers. Mode "local" runs
// them inside the API process; "stream" publishes to a redis stream.
type QueueConfig struct {
	Mode              string
	Stream            string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
	BatchSize         int64
}

type MediaConfig struct {
	MaxUploadBytes       int64
	MaxPixels            int
	SourceQuality        int
	VariantFormat        string
	VariantQuality       int
	MinZonePixels        int
	GeneratorParallelism int
}

type OptimizationConfig struct {
	DefaultConcurrency int
	AllowedConcurrency []int
	MaxWorkers         int
	DefaultQuality     int
	DefaultFormats     []string
	MaxBatch           int
	LeaseTTL           time.Duration
	HeartbeatInterval  time.Duration
	SweepSpec          string
	PurgeSpec          string
	StagingTTL         time.Duration
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Catalog          CatalogConfig
	Jobs             JobsConfig
	Queue            QueueConfig
	Media            MediaConfig
	Optimization     OptimizationConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

// Load reads config.yaml (if any), an optional .env file and FOLIO_*
// environment variables, in increasing order of precedence.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("FOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment, suitable for tests and the local driver set. It panics if
// the built-in defaults do not decode.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "30s")
	v.SetDefault("http.writetimeout", "60s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.shutdowntimeout", "10s")

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.root", "./data/media")
	v.SetDefault("storage.publicbaseurl", "/media")
	v.SetDefault("storage.bucket", "folio-media")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("catalog.driver", "memory")

	v.SetDefault("jobs.driver", "memory")
	v.SetDefault("jobs.keyprefix", "folio:optimize")
	v.SetDefault("jobs.retention", "168h")

	v.SetDefault("queue.mode", "local")
	v.SetDefault("queue.stream", "media:optimize")
	v.SetDefault("queue.group", "media-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.visibilitytimeout", "5m")
	v.SetDefault("queue.claiminterval", "30s")
	v.SetDefault("queue.batchsize", 4)

	v.SetDefault("media.maxuploadbytes", 25<<20)
	v.SetDefault("media.maxpixels", 50_000_000)
	v.SetDefault("media.sourcequality", 92)
	v.SetDefault("media.variantformat", "jpeg")
	v.SetDefault("media.variantquality", 82)
	v.SetDefault("media.minzonepixels", 10)
	v.SetDefault("media.generatorparallelism", 4)

	v.SetDefault("optimization.defaultconcurrency", 5)
	v.SetDefault("optimization.allowedconcurrency", []int{1, 5, 10, 20})
	v.SetDefault("optimization.maxworkers", 20)
	v.SetDefault("optimization.defaultquality", 80)
	v.SetDefault("optimization.defaultformats", []string{"webp", "avif"})
	v.SetDefault("optimization.maxbatch", 500)
	v.SetDefault("optimization.leasettl", "2m")
	v.SetDefault("optimization.heartbeatinterval", "30s")
	v.SetDefault("optimization.sweepspec", "@every 1m")
	v.SetDefault("optimization.purgespec", "@every 5m")
	v.SetDefault("optimization.stagingttl", "1h")

	v.SetDefault("logging.level", "")
	v.SetDefault("allowcorsorigins", []string{"*"})
}

// Validate rejects driver combinations the binaries cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	if !slices.Contains([]string{"local", "minio"}, c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver %q: want local or minio", c.Storage.Driver))
	}
	if c.Storage.Driver == "minio" && (c.Storage.Endpoint == "" || c.Storage.Bucket == "") {
		errs = append(errs, errors.New("storage.driver minio requires storage.endpoint and storage.bucket"))
	}
	if !slices.Contains([]string{"memory", "postgres"}, c.Catalog.Driver) {
		errs = append(errs, fmt.Errorf("catalog.driver %q: want memory or postgres", c.Catalog.Driver))
	}
	if c.Catalog.Driver == "postgres" && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("catalog.driver postgres requires postgres.dsn"))
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Jobs.Driver) {
		errs = append(errs, fmt.Errorf("jobs.driver %q: want memory or redis", c.Jobs.Driver))
	}
	switch c.Queue.Mode {
	case "local":
	case "stream":
		// Workers run in another process, so both stores must be shared.
		if c.Jobs.Driver != "redis" || c.Catalog.Driver != "postgres" || c.Storage.Driver != "minio" {
			errs = append(errs, errors.New("queue.mode stream requires jobs.driver redis, catalog.driver postgres and storage.driver minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.mode %q: want local or stream", c.Queue.Mode))
	}
	if !validQuality(c.Media.SourceQuality) || !validQuality(c.Media.VariantQuality) || !validQuality(c.Optimization.DefaultQuality) {
		errs = append(errs, errors.New("quality settings must be within [1,100]"))
	}
	if len(c.Optimization.AllowedConcurrency) == 0 {
		errs = append(errs, errors.New("optimization.allowedconcurrency must not be empty"))
	} else if !slices.Contains(c.Optimization.AllowedConcurrency, c.Optimization.DefaultConcurrency) {
		errs = append(errs, fmt.Errorf("optimization.defaultconcurrency %d not in %v", c.Optimization.DefaultConcurrency, c.Optimization.AllowedConcurrency))
	}
	if c.Optimization.HeartbeatInterval <= 0 || c.Optimization.LeaseTTL <= c.Optimization.HeartbeatInterval {
		errs = append(errs, errors.New("optimization.leasettl must exceed optimization.heartbeatinterval"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Production reports whether the service runs in the production environment.
func (c *AppConfig) Production() bool {
	return c.Environment == "production"
}

func validQuality(q int) bool {
	return q >= 1 && q <= 100
}
