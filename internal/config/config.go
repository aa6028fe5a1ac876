// Package config loads and validates scrapebot configuration via Viper.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scrapebot/internal/politeness"
	"github.com/JakeFAU/scrapebot/internal/report/postgres"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPEBOT_FETCH_MAX_RETRIES.
const EnvPrefix = "SCRAPEBOT"

// Disk backends.
const (
	BackendFile    = "file"
	BackendLevelDB = "leveldb"
)

// Report sinks.
const (
	SinkJSONL    = "jsonl"
	SinkPostgres = "postgres"
	SinkNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Render  RenderConfig  `mapstructure:"render"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Report  ReportConfig  `mapstructure:"report"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheConfig controls the tiered cache and the HTTP transport cache.
type CacheConfig struct {
	Dir              string        `mapstructure:"dir"`
	TTL              time.Duration `mapstructure:"ttl"`
	DiskBackend      string        `mapstructure:"disk_backend"`
	SyncDiskWrites   bool          `mapstructure:"sync_disk_writes"`
	WriteQueue       int           `mapstructure:"write_queue"`
	TransportEnabled bool          `mapstructure:"transport_enabled"`
}

// FetchConfig governs retries, politeness and the plain HTTP client.
type FetchConfig struct {
	MaxRetries      int               `mapstructure:"max_retries"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	DelayMin        time.Duration     `mapstructure:"delay_min"`
	DelayMax        time.Duration     `mapstructure:"delay_max"`
	UseRendering    bool              `mapstructure:"use_rendering"`
	UserAgent       string            `mapstructure:"user_agent"`
	RespectRobots   bool              `mapstructure:"respect_robots"`
	Proxies         map[string]string `mapstructure:"proxies"`
	BlockIndicators []string          `mapstructure:"block_indicators"`
}

// RenderConfig configures the headless rendering strategy.
type RenderConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	WaitTime    time.Duration `mapstructure:"wait_time"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	DomainQPS   float64       `mapstructure:"domain_qps"`
	DomainBurst int           `mapstructure:"domain_burst"`
	Headless    bool          `mapstructure:"headless"`
	ExecPath    string        `mapstructure:"exec_path"`
	// AutoPromote re-fetches client-rendered shells with the browser when a
	// resource does not choose a strategy.
	AutoPromote      bool `mapstructure:"auto_promote"`
	PromoteThreshold int  `mapstructure:"promote_threshold"`
}

// CrawlerConfig governs batch runs.
type CrawlerConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	TargetsFile string `mapstructure:"targets_file"`
	OutputDir   string `mapstructure:"output_dir"`
}

// ReportConfig selects where batch results are written.
type ReportConfig struct {
	Sink     string          `mapstructure:"sink"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool          `mapstructure:"development"`
	Level       string        `mapstructure:"level"`
	File        LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotating log file when Path is set.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.disk_backend", BackendFile)
	v.SetDefault("cache.sync_disk_writes", false)
	v.SetDefault("cache.write_queue", 256)
	v.SetDefault("cache.transport_enabled", true)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.delay_min", time.Second)
	v.SetDefault("fetch.delay_max", 3*time.Second)
	v.SetDefault("fetch.use_rendering", false)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.proxies", map[string]string{})
	v.SetDefault("fetch.block_indicators", []string{})
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.wait_time", 10*time.Second)
	v.SetDefault("render.nav_timeout", 45*time.Second)
	v.SetDefault("render.domain_qps", 0.0)
	v.SetDefault("render.domain_burst", 1)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.exec_path", "")
	v.SetDefault("render.auto_promote", false)
	v.SetDefault("render.promote_threshold", 2048)
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.targets_file", "targets.yaml")
	v.SetDefault("crawler.output_dir", "data")
	v.SetDefault("report.sink", SinkJSONL)
	v.SetDefault("report.postgres.dsn", "")
	v.SetDefault("report.postgres.table", postgres.DefaultTable)
	v.SetDefault("report.postgres.max_conns", 4)
	v.SetDefault("report.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 2*time.Minute)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.compress", true)
}

// durationDecodeHook accepts Go duration strings and bare numbers of seconds.
func durationDecodeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			seconds, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", v, err)
			}
			return time.Duration(seconds * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Cache.Dir) == "":
		return invalid("cache.dir", "is required")
	case c.Cache.TTL <= 0:
		return invalid("cache.ttl", "must be > 0")
	case c.Cache.DiskBackend != BackendFile && c.Cache.DiskBackend != BackendLevelDB:
		return invalid("cache.disk_backend", fmt.Sprintf("must be %q or %q", BackendFile, BackendLevelDB))
	case c.Fetch.MaxRetries < 0:
		return invalid("fetch.max_retries", "must be >= 0")
	case c.Fetch.Timeout <= 0:
		return invalid("fetch.timeout", "must be > 0")
	case c.Fetch.DelayMin < 0:
		return invalid("fetch.delay_min", "must be >= 0")
	case c.Fetch.DelayMax < c.Fetch.DelayMin:
		return invalid("fetch.delay_max", "must be >= fetch.delay_min")
	case c.Render.MaxParallel < 0:
		return invalid("render.max_parallel", "must be >= 0")
	case c.Render.DomainQPS < 0:
		return invalid("render.domain_qps", "must be >= 0")
	case c.Crawler.Concurrency <= 0:
		return invalid("crawler.concurrency", "must be > 0")
	case c.Server.Port <= 0:
		return invalid("server.port", "must be > 0")
	}
	switch c.Report.Sink {
	case SinkJSONL:
		if strings.TrimSpace(c.Crawler.OutputDir) == "" {
			return invalid("crawler.output_dir", "is required for the jsonl sink")
		}
	case SinkPostgres:
		if c.Report.Postgres.DSN == "" {
			return invalid("report.postgres.dsn", "is required for the postgres sink")
		}
	case SinkNone:
	default:
		return invalid("report.sink", fmt.Sprintf("unknown sink %q", c.Report.Sink))
	}
	for scheme := range c.Fetch.Proxies {
		if scheme != "http" && scheme != "https" {
			return invalid("fetch.proxies", fmt.Sprintf("unsupported scheme %q", scheme))
		}
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return &scrape.ConfigurationError{Setting: "logging.level", Reason: "is invalid", Err: err}
	}
	return nil
}

// Delay is the politeness window applied before fetches and between retries.
func (c Config) Delay() politeness.Range {
	return politeness.Range{Min: c.Fetch.DelayMin, Max: c.Fetch.DelayMax}
}

func invalid(setting, reason string) error {
	return &scrape.ConfigurationError{Setting: setting, Reason: reason}
}
