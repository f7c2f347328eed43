// Package config loads the shared dist-test configuration from an
// optional YAML file with per-key environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable pointing at the config
// file. When unset, ~/.dist_test.yaml is tried.
const EnvConfigPath = "DIST_TEST_CNF"

// Config is the immutable configuration value shared by all binaries.
// YAML supplies the base; environment variables override per key.
type Config struct {
	AppEnv     string `yaml:"app_env" env:"APP_ENV"`
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// Master URL as seen by slaves and the client.
	MasterURL string `yaml:"master_url" env:"DIST_TEST_MASTER"`

	DBURL     string `yaml:"db_url" env:"DB_URL"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`

	// Blob store (test logs and artifact archives).
	AWSAccessKey string `yaml:"aws_access_key" env:"AWS_ACCESS_KEY"`
	AWSSecretKey string `yaml:"aws_secret_key" env:"AWS_SECRET_KEY"`
	AWSRegion    string `yaml:"aws_region" env:"AWS_REGION"`
	ResultBucket string `yaml:"test_result_bucket" env:"TEST_RESULT_BUCKET"`
	// S3Endpoint overrides the S3 endpoint for S3-compatible stores.
	S3Endpoint string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`

	// Isolate runner settings (slave side).
	IsolateHome     string `yaml:"isolate_home" env:"ISOLATE_HOME"`
	IsolateServer   string `yaml:"isolate_server" env:"ISOLATE_SERVER"`
	IsolateCacheDir string `yaml:"isolate_cache_dir" env:"ISOLATE_CACHE_DIR"`

	// Client settings.
	LastJobPath string `yaml:"last_job_path" env:"DIST_TEST_JOB_PATH"`
	User        string `yaml:"user" env:"DIST_TEST_USER"`
	Password    string `yaml:"password" env:"DIST_TEST_PWD"`

	// Master auth. Requests from AllowedIPRanges bypass digest auth;
	// Accounts maps account name to password for everyone else.
	AllowedIPRanges []string          `yaml:"allowed_ip_ranges" env:"DIST_TEST_ALLOWED_IP_RANGES" envSeparator:","`
	Accounts        map[string]string `yaml:"accounts" env:"-"`
	// AccountsJSON is the env-var form of Accounts, a JSON object.
	AccountsJSON string `yaml:"-" env:"DIST_TEST_ACCOUNTS"`

	// Queue tuning.
	ReserveTTL time.Duration `yaml:"reserve_ttl" env:"RESERVE_TTL"`

	// Autoscaler.
	FleetGroup    string        `yaml:"fleet_group" env:"FLEET_GROUP"`
	MaxSlaves     int           `yaml:"max_slaves" env:"MAX_SLAVES"`
	GrowStep      int           `yaml:"grow_step" env:"GROW_STEP"`
	ShrinkLag     time.Duration `yaml:"shrink_lag" env:"SHRINK_LAG"`
	ScaleInterval time.Duration `yaml:"scale_interval" env:"SCALE_INTERVAL"`

	// Observability.
	OTLPEndpoint    string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `yaml:"otel_service_name" env:"OTEL_SERVICE_NAME"`
	MetricsAddr     string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// Load reads the config file (if any), applies environment overrides,
// then fills defaults. A missing file is not an error; missing required
// keys are reported by the Ensure* methods at startup.
func Load() (Config, error) {
	return LoadPath(defaultPath())
}

// LoadPath is Load with an explicit file path.
func LoadPath(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("op=config.load: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fine, env-only configuration
		default:
			return Config{}, fmt.Errorf("op=config.load: read %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.load: %w", err)
	}
	if cfg.AccountsJSON != "" {
		accounts := map[string]string{}
		if err := json.Unmarshal([]byte(cfg.AccountsJSON), &accounts); err != nil {
			return Config{}, fmt.Errorf("op=config.load: DIST_TEST_ACCOUNTS: %w", err)
		}
		cfg.Accounts = accounts
	}
	cfg.applyDefaults()
	return cfg, nil
}

func defaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dist_test.yaml")
}

func (c *Config) applyDefaults() {
	if c.AppEnv == "" {
		c.AppEnv = "dev"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8081"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.AWSRegion == "" {
		c.AWSRegion = "us-east-1"
	}
	if c.LastJobPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.LastJobPath = filepath.Join(home, ".dist-test-last-job")
		}
	}
	if len(c.AllowedIPRanges) == 0 {
		c.AllowedIPRanges = []string{"0.0.0.0/0"}
	}
	if c.ReserveTTL <= 0 {
		c.ReserveTTL = 30 * time.Second
	}
	if c.FleetGroup == "" {
		c.FleetGroup = "dist-test-slave-group"
	}
	if c.MaxSlaves <= 0 {
		c.MaxSlaves = 100
	}
	if c.GrowStep <= 0 {
		c.GrowStep = 10
	}
	if c.ShrinkLag <= 0 {
		c.ShrinkLag = 10 * time.Minute
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 10 * time.Second
	}
	if c.OTELServiceName == "" {
		c.OTELServiceName = "dist-test"
	}
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// EnsureMasterConfigured validates the keys the master needs.
func (c Config) EnsureMasterConfigured() error {
	return c.ensure(map[string]string{
		"db_url (DB_URL)":                   c.DBURL,
		"redis_addr (REDIS_ADDR)":           c.RedisAddr,
		"test_result_bucket (TEST_RESULT_BUCKET)": c.ResultBucket,
	})
}

// EnsureSlaveConfigured validates the keys a slave needs.
func (c Config) EnsureSlaveConfigured() error {
	return c.ensure(map[string]string{
		"master_url (DIST_TEST_MASTER)":     c.MasterURL,
		"db_url (DB_URL)":                   c.DBURL,
		"redis_addr (REDIS_ADDR)":           c.RedisAddr,
		"test_result_bucket (TEST_RESULT_BUCKET)": c.ResultBucket,
		"isolate_home (ISOLATE_HOME)":       c.IsolateHome,
		"isolate_server (ISOLATE_SERVER)":   c.IsolateServer,
		"isolate_cache_dir (ISOLATE_CACHE_DIR)": c.IsolateCacheDir,
	})
}

// EnsureClientConfigured validates the keys the CLI needs.
func (c Config) EnsureClientConfigured() error {
	return c.ensure(map[string]string{
		"master_url (DIST_TEST_MASTER)": c.MasterURL,
	})
}

// EnsureAutoscalerConfigured validates the keys the autoscaler needs.
func (c Config) EnsureAutoscalerConfigured() error {
	return c.ensure(map[string]string{
		"master_url (DIST_TEST_MASTER)": c.MasterURL,
	})
}

func (c Config) ensure(required map[string]string) error {
	var missing []string
	for name, v := range required {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("op=config.ensure: missing configuration: %s; set it in the config file or the named environment variable", strings.Join(missing, ", "))
}
