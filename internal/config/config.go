package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/capwatch/internal/cron"
	"github.com/loykin/capwatch/internal/ingest"
	"github.com/loykin/capwatch/internal/logger"
	"github.com/loykin/capwatch/internal/runner"
	"github.com/loykin/capwatch/internal/server"
)

// EnvPrefix prefixes environment overrides: CAPWATCH_ANALYZER_TIMEOUT=10m.
const EnvPrefix = "CAPWATCH"

// DefaultLedgerName is created inside the output directory unless
// ledger_path says otherwise.
const DefaultLedgerName = ".processed_pcaps.txt"

type AnalyzerConfig struct {
	runner.Config `mapstructure:",squash"`
	// EnvFiles are dotenv files merged beneath Env.
	EnvFiles []string `mapstructure:"env_files"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Config is the full daemon configuration.
type Config struct {
	WatchDir    string              `mapstructure:"watch_dir"`
	OutputDir   string              `mapstructure:"output_dir"`
	CaptureDir  string              `mapstructure:"capture_dir"`
	LedgerPath  string              `mapstructure:"ledger_path"`
	Extensions  []string            `mapstructure:"extensions"`
	GracePeriod time.Duration       `mapstructure:"grace_period"`
	Workers     int                 `mapstructure:"workers"`
	QueueSize   int                 `mapstructure:"queue_size"`
	Rescan      string              `mapstructure:"rescan"`
	Settle      ingest.SettleConfig `mapstructure:"settle"`
	Analyzer    AnalyzerConfig      `mapstructure:"analyzer"`
	Server      server.Config       `mapstructure:"server"`
	Metrics     MetricsConfig       `mapstructure:"metrics"`
	Log         logger.Config       `mapstructure:"log"`
	History     []HistoryConfig     `mapstructure:"history"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watch_dir", "/pcaps")
	v.SetDefault("output_dir", "/results")
	v.SetDefault("capture_dir", "")
	v.SetDefault("ledger_path", "")
	v.SetDefault("extensions", ingest.DefaultExtensions)
	v.SetDefault("grace_period", ingest.DefaultGracePeriod)
	v.SetDefault("workers", ingest.DefaultWorkers)
	v.SetDefault("queue_size", ingest.DefaultQueueSize)
	v.SetDefault("rescan", "")
	v.SetDefault("settle.interval", time.Duration(0))
	v.SetDefault("settle.max", ingest.DefaultSettleMax)

	v.SetDefault("analyzer.command", runner.DefaultCommand)
	v.SetDefault("analyzer.timeout", runner.DefaultTimeout)
	v.SetDefault("analyzer.work_dir", "")
	v.SetDefault("analyzer.env", []string{})
	v.SetDefault("analyzer.env_files", []string{})
	v.SetDefault("analyzer.max_output", runner.DefaultMaxOutput)
	v.SetDefault("analyzer.log.dir", "")
	v.SetDefault("analyzer.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("analyzer.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("analyzer.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("analyzer.log.compress", false)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.common_name", "")
	v.SetDefault("server.tls.dns_names", []string{})
	v.SetDefault("server.tls.valid_days", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

// legacyEnv maps keys to the variable names used by earlier deployments.
// The CAPWATCH_ name always takes precedence.
var legacyEnv = map[string][]string{
	"watch_dir":   {"WATCH_DIR"},
	"output_dir":  {"OUTPUT_DIR", "RESULTS_DIR"},
	"capture_dir": {"PCAP_DIR"},
}

// Load reads path (TOML unless the extension says YAML or JSON) over the
// built-in defaults and applies environment overrides. An empty path uses
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		args := append([]string{key, EnvPrefix + "_" + strings.ToUpper(key)}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// finish fills derived values.
func (c *Config) finish() error {
	if c.CaptureDir == "" {
		c.CaptureDir = c.WatchDir
	}
	if c.LedgerPath == "" && c.OutputDir != "" {
		c.LedgerPath = filepath.Join(c.OutputDir, DefaultLedgerName)
	}
	if len(c.Analyzer.EnvFiles) > 0 {
		merged := make(map[string]string)
		for _, p := range c.Analyzer.EnvFiles {
			m, err := loadEnvFile(p)
			if err != nil {
				return fmt.Errorf("analyzer env file %s: %w", p, err)
			}
			for k, val := range m {
				merged[k] = val
			}
		}
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fileEnv := make([]string, 0, len(keys))
		for _, k := range keys {
			fileEnv = append(fileEnv, k+"="+merged[k])
		}
		c.Analyzer.Env = append(fileEnv, c.Analyzer.Env...)
	}
	return nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WatchDir) == "" {
		errs = append(errs, errors.New("watch_dir is required"))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("extensions must not be empty"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("grace_period must not be negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.Settle.Interval < 0 || c.Settle.Max < 0 {
		errs = append(errs, errors.New("settle durations must not be negative"))
	}
	if strings.TrimSpace(c.Analyzer.Command) == "" {
		errs = append(errs, errors.New("analyzer.command is required"))
	}
	if c.Analyzer.Timeout <= 0 {
		errs = append(errs, errors.New("analyzer.timeout must be positive"))
	}
	if c.Rescan != "" {
		if _, err := cron.ParseSchedule(c.Rescan); err != nil {
			errs = append(errs, fmt.Errorf("rescan: %w", err))
		}
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.%w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, h := range c.History {
		if strings.TrimSpace(h.DSN) == "" {
			errs = append(errs, fmt.Errorf("history[%d]: dsn is required", i))
		}
	}
	return errors.Join(errs...)
}

// HistoryDSNs lists the configured sink DSNs.
func (c *Config) HistoryDSNs() []string {
	out := make([]string, 0, len(c.History))
	for _, h := range c.History {
		out = append(out, h.DSN)
	}
	return out
}

// IngestOptions maps the configuration onto the controller options.
func (c *Config) IngestOptions() ingest.Options {
	return ingest.Options{
		WatchDir:    c.WatchDir,
		Extensions:  c.Extensions,
		GracePeriod: c.GracePeriod,
		Settle:      c.Settle,
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
	}
}

// LoadEnvFile parses a dotenv file into K=V pairs.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			val := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			m[k] = val
		}
	}
	return m, nil
}
