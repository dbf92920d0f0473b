package config

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rideradar/models"
)

const (
	defaultDelayMinMS = 400
	defaultDelayMaxMS = 800
)

type Config struct {
	DatabaseURL string        `mapstructure:"database_url"`
	LedgerPath  string        `mapstructure:"ledger_path"`
	VendorsDir  string        `mapstructure:"vendors_dir"`
	Log         LogConfig     `mapstructure:"log"`
	Server      ServerConfig  `mapstructure:"server"`
	HTTP        HTTPConfig    `mapstructure:"http"`
	Ebay        EbayConfig    `mapstructure:"ebay"`
	Pickles     PicklesConfig `mapstructure:"pickles"`
	Browser     BrowserConfig `mapstructure:"browser"`
	S3          S3Config      `mapstructure:"s3"`
	Media       MediaConfig   `mapstructure:"media"`
	Health      HealthConfig  `mapstructure:"health"`

	Vendors map[string]*VendorConfig `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type HTTPConfig struct {
	ProxyURL string `mapstructure:"proxy_url"`
}

type EbayConfig struct {
	AppID  string `mapstructure:"app_id"`
	CertID string `mapstructure:"cert_id"`
	Scopes string `mapstructure:"scopes"`
}

type PicklesConfig struct {
	PageDelayMinMS int `mapstructure:"page_delay_min_ms"`
	PageDelayMaxMS int `mapstructure:"page_delay_max_ms"`
}

type BrowserConfig struct {
	ProfileDir string `mapstructure:"profile_dir"`
	Headless   bool   `mapstructure:"headless"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
}

type MediaConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type HealthConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// legacyEnv maps config keys to the unprefixed variable names older
// deployments export.
var legacyEnv = map[string]string{
	"database_url":              "DATABASE_URL",
	"ebay.app_id":               "EBAY_APP_ID",
	"ebay.cert_id":              "EBAY_CERT_ID",
	"ebay.scopes":               "EBAY_SCOPES",
	"pickles.page_delay_min_ms": "PICKLES_PAGE_DELAY_MIN_MS",
	"pickles.page_delay_max_ms": "PICKLES_PAGE_DELAY_MAX_MS",
	"browser.profile_dir":       "PW_PROFILE_DIR",
	"browser.headless":          "PW_HEADLESS",
	"s3.bucket":                 "S3_BUCKET",
	"s3.region":                 "S3_REGION",
	"s3.endpoint":               "S3_ENDPOINT",
	"s3.access_key_id":          "S3_ACCESS_KEY_ID",
	"s3.secret_access_key":      "S3_SECRET_ACCESS_KEY",
	"s3.prefix":                 "S3_PREFIX",
	"http.proxy_url":            "HTTP_PROXY_URL",
}

// Load reads .env, an optional rideradar.yaml, the environment and the
// vendor files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("rideradar")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RIDERADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "RIDERADAR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	v.SetDefault("ledger_path", "rideradar.db")
	v.SetDefault("vendors_dir", filepath.Join("config", "vendors"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "daemon.log")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("browser.headless", true)
	v.SetDefault("s3.region", "ap-southeast-2")
	v.SetDefault("s3.prefix", "rideradar")
	v.SetDefault("media.queue_size", 256)
	v.SetDefault("health.flush_interval", time.Minute)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	vendors, err := LoadVendors(cfg.VendorsDir)
	if err != nil {
		return nil, err
	}
	cfg.Vendors = vendors
	cfg.applyLegacyDelays()
	return &cfg, nil
}

// applyLegacyDelays lets the PICKLES_PAGE_DELAY_* variables override the
// pickles vendor file.
func (c *Config) applyLegacyDelays() {
	vc, ok := c.Vendors["pickles"]
	if !ok {
		vc = newVendorConfig("pickles")
		c.Vendors["pickles"] = vc
	}
	if c.Pickles.PageDelayMinMS > 0 {
		vc.DelayMinMS = c.Pickles.PageDelayMinMS
	}
	if c.Pickles.PageDelayMaxMS > 0 {
		vc.DelayMaxMS = c.Pickles.PageDelayMaxMS
	}
	if vc.DelayMaxMS < vc.DelayMinMS {
		vc.DelayMaxMS = vc.DelayMinMS
	}
}

// Vendor returns the vendor's config, or defaults when it has no file.
func (c *Config) Vendor(key string) *VendorConfig {
	key = strings.ToLower(strings.TrimSpace(key))
	if vc, ok := c.Vendors[key]; ok {
		return vc
	}
	return newVendorConfig(key)
}

// VendorConfig is one config/vendors/*.yaml file.
type VendorConfig struct {
	Key            string        `yaml:"key"`
	BaseURL        string        `yaml:"base_url"`
	Disabled       bool          `yaml:"disabled"`
	DelayMinMS     int           `yaml:"delay_min_ms"`
	DelayMaxMS     int           `yaml:"delay_max_ms"`
	WarmupInterval time.Duration `yaml:"warmup_interval"`
	Escalate       bool          `yaml:"escalate"`
	Assist         bool          `yaml:"assist"`
	RespectRobots  bool          `yaml:"respect_robots"`
	RateLimit      float64       `yaml:"detail_requests_per_second"`
	Policy         models.Policy `yaml:"policy"`
	Schedules      []Schedule    `yaml:"schedules"`
}

// Schedule is a cron-triggered search.
type Schedule struct {
	Cron   string              `yaml:"cron"`
	Params models.SearchParams `yaml:"params"`
	// Force runs the search even while the vendor's breaker is open.
	Force bool `yaml:"force"`
}

func newVendorConfig(key string) *VendorConfig {
	return &VendorConfig{
		Key:        key,
		DelayMinMS: defaultDelayMinMS,
		DelayMaxMS: defaultDelayMaxMS,
		Policy:     models.DefaultPolicy(),
	}
}

func (vc *VendorConfig) Delays() (time.Duration, time.Duration) {
	return time.Duration(vc.DelayMinMS) * time.Millisecond, time.Duration(vc.DelayMaxMS) * time.Millisecond
}

// LoadVendors decodes every .yaml file in dir. A missing directory yields
// an empty set.
func LoadVendors(dir string) (map[string]*VendorConfig, error) {
	out := make(map[string]*VendorConfig)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, eris.Wrapf(err, "config: read vendors dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "config: read %s", path)
		}

		fallback := strings.TrimSuffix(name, filepath.Ext(name))
		vc := newVendorConfig(fallback)
		if err := yaml.Unmarshal(data, vc); err != nil {
			return nil, eris.Wrapf(err, "config: parse %s", path)
		}
		vc.Key = strings.ToLower(strings.TrimSpace(vc.Key))
		if vc.Key == "" {
			vc.Key = fallback
		}
		for i := range vc.Schedules {
			if vc.Schedules[i].Params.Vendor == "" {
				vc.Schedules[i].Params.Vendor = vc.Key
			}
		}
		out[vc.Key] = vc
	}
	return out, nil
}
