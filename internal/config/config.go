package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"corrwatch/internal/breakout"
	"corrwatch/internal/logging"
	"corrwatch/internal/model"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig           `mapstructure:"app"`
	Logging     logging.Config      `mapstructure:"logging"`
	Database    DatabaseConfig      `mapstructure:"database"`
	State       StateConfig         `mapstructure:"state"`
	CryptoPairs map[string]PairSpec `mapstructure:"crypto_pairs"`
	MacroPairs  map[string]PairSpec `mapstructure:"macro_pairs"`
	Monitoring  MonitoringConfig    `mapstructure:"monitoring_settings"`
	Engine      EngineConfig        `mapstructure:"engine"`
	Detector    breakout.Config     `mapstructure:"detector"`
	Alerting    AlertingConfig      `mapstructure:"alerting"`
	DataSource  DataSourceConfig    `mapstructure:"datasource"`
	Export      ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// PairSpec configures one monitored pair.
type PairSpec struct {
	Primary            string `mapstructure:"primary"`
	Secondary          string `mapstructure:"secondary"`
	CorrelationWindows []int  `mapstructure:"correlation_windows"`
}

// MonitoringConfig covers the per-cycle knobs recognised by the source
// configuration file.
type MonitoringConfig struct {
	UpdateFrequencySeconds int           `mapstructure:"update_frequency_seconds"`
	ZScoreThreshold        float64       `mapstructure:"z_score_threshold"`
	MinDataPoints          int           `mapstructure:"min_data_points"`
	AlertOnBreakout        bool          `mapstructure:"alert_on_breakout"`
	DataLookbackDays       int           `mapstructure:"data_lookback_days"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	HistoryMinSamples      int           `mapstructure:"history_min_samples"`
	HistoryMaxLength       int           `mapstructure:"history_max_length"`
}

// EngineConfig governs fan-out and the daily report trigger.
type EngineConfig struct {
	MaxWorkers     int           `mapstructure:"max_workers"`
	PairTimeout    time.Duration `mapstructure:"pair_timeout"`
	ReportHour     int           `mapstructure:"report_hour"`
	ReportTimezone string        `mapstructure:"report_timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	FallbackDir     string        `mapstructure:"fallback_dir"`
}

// StateConfig locates the persistent state document.
type StateConfig struct {
	Dir      string `mapstructure:"dir"`
	Backups  int    `mapstructure:"backups"`
	FileLock bool   `mapstructure:"file_lock"`
}

// AlertingConfig defines alert routing and suppression.
type AlertingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig describes the JSON webhook sink.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DataSourceConfig selects the aligned-series provider.
type DataSourceConfig struct {
	Kind string `mapstructure:"kind"`
	Dir  string `mapstructure:"dir"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. A missing
// config file is not an error; built-in defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CORRWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// viper reports a missing search-path file with its own error type,
		// but a missing explicit path surfaces as fs.ErrNotExist; both mean
		// run on built-in defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "corrwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitoring_settings.update_frequency_seconds", 3600)
	v.SetDefault("monitoring_settings.z_score_threshold", 3.0)
	v.SetDefault("monitoring_settings.min_data_points", 10)
	v.SetDefault("monitoring_settings.alert_on_breakout", true)
	v.SetDefault("monitoring_settings.data_lookback_days", 365)
	v.SetDefault("monitoring_settings.max_retries", 3)
	v.SetDefault("monitoring_settings.retry_base_delay", "2s")
	v.SetDefault("monitoring_settings.history_min_samples", 20)
	v.SetDefault("monitoring_settings.history_max_length", 500)

	v.SetDefault("engine.max_workers", 4)
	v.SetDefault("engine.pair_timeout", "2m")
	v.SetDefault("engine.report_hour", 0)
	v.SetDefault("engine.report_timezone", "UTC")

	v.SetDefault("detector.z_score_threshold", 3.0)
	v.SetDefault("detector.moderate_band", 3.0)
	v.SetDefault("detector.high_band", 3.5)
	v.SetDefault("detector.extreme_band", 4.0)
	v.SetDefault("detector.max_expected_z", 5.0)
	v.SetDefault("detector.full_confidence_samples", 30)
	v.SetDefault("detector.magnitude_weight", 0.7)
	v.SetDefault("detector.sample_weight", 0.3)
	v.SetDefault("detector.persistence_max_gap", "30m")
	v.SetDefault("detector.persistence_min_run", "1h")
	v.SetDefault("detector.cluster_window", "2h")
	v.SetDefault("detector.cusum_threshold", 2.0)
	v.SetDefault("detector.cusum_rolling_window", 5)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("datasource.kind", "csv")
	v.SetDefault("datasource.dir", "data")

	v.SetDefault("state.dir", "state")
	v.SetDefault("state.backups", 5)
	v.SetDefault("state.file_lock", false)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x636f7277))
	v.SetDefault("database.fallback_dir", "fallback")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitoring.UpdateFrequencySeconds <= 0 {
		return fmt.Errorf("monitoring_settings.update_frequency_seconds must be greater than zero")
	}
	if c.Monitoring.MinDataPoints < 3 {
		return fmt.Errorf("monitoring_settings.min_data_points must be at least 3")
	}
	if c.Monitoring.DataLookbackDays <= 0 {
		return fmt.Errorf("monitoring_settings.data_lookback_days must be greater than zero")
	}
	if c.Monitoring.HistoryMaxLength <= 0 {
		return fmt.Errorf("monitoring_settings.history_max_length must be greater than zero")
	}
	if c.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be greater than zero")
	}
	if c.Engine.ReportHour < 0 || c.Engine.ReportHour > 23 {
		return fmt.Errorf("engine.report_hour must be within [0,23]")
	}
	if _, err := time.LoadLocation(c.Engine.ReportTimezone); err != nil {
		return fmt.Errorf("engine.report_timezone: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook is enabled")
	}
	for name, pair := range c.allPairs() {
		if pair.Primary == "" || pair.Secondary == "" {
			return fmt.Errorf("pair %q must name both primary and secondary series", name)
		}
		for _, window := range pair.CorrelationWindows {
			if window < 2 {
				return fmt.Errorf("pair %q has invalid correlation window %d", name, window)
			}
		}
	}
	return nil
}

func (c *Config) allPairs() map[string]PairSpec {
	merged := make(map[string]PairSpec, len(c.CryptoPairs)+len(c.MacroPairs))
	for name, pair := range c.CryptoPairs {
		merged[name] = pair
	}
	for name, pair := range c.MacroPairs {
		merged[name] = pair
	}
	return merged
}

// Pairs returns crypto and macro pairs merged into model specs, sorted by
// name for deterministic scheduling.
func (c *Config) Pairs() []model.PairSpec {
	merged := c.allPairs()

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.PairSpec, 0, len(names))
	for _, name := range names {
		spec := merged[name]
		windows := spec.CorrelationWindows
		if len(windows) == 0 {
			windows = []int{30, 90}
		}
		out = append(out, model.PairSpec{
			Name:      name,
			Primary:   spec.Primary,
			Secondary: spec.Secondary,
			Windows:   windows,
		})
	}
	return out
}

// UpdateFrequency returns the monitoring cadence as a duration.
func (c *Config) UpdateFrequency() time.Duration {
	return time.Duration(c.Monitoring.UpdateFrequencySeconds) * time.Second
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
