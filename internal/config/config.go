package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"vaultwatch/internal/logging"
)

const (
	NetworkAcala  = "acala"
	NetworkKarura = "karura"
)

var defaultEndpoints = map[string]struct{ main, loans string }{
	NetworkAcala: {
		main:  "https://api.subquery.network/sq/AcalaNetwork/acala",
		loans: "https://api.subquery.network/sq/AcalaNetwork/acala-loans",
	},
	NetworkKarura: {
		main:  "https://api.subquery.network/sq/AcalaNetwork/karura-loan",
		loans: "https://api.subquery.network/sq/AcalaNetwork/karura-loan",
	},
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Network     string `mapstructure:"network"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables the audit trail.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CycleInterval   time.Duration `mapstructure:"cycle_interval"`
	AlignToCycle    bool          `mapstructure:"align_to_cycle"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	Workers         int           `mapstructure:"workers"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// IndexerConfig captures SubQuery connectivity.
type IndexerConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	LoansEndpoint  string        `mapstructure:"loans_endpoint"`
	PageSize       int           `mapstructure:"page_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
	DebtDecimals   int32         `mapstructure:"debt_decimals"`
}

// CacheConfig sets reference data staleness. Zero means never expire.
type CacheConfig struct {
	PriceTTL  time.Duration `mapstructure:"price_ttl"`
	ParamsTTL time.Duration `mapstructure:"params_ttl"`
}

// RiskConfig holds the zone thresholds, in percentage points above the liquidation ratio.
type RiskConfig struct {
	RedPct    float64 `mapstructure:"red_pct"`
	YellowPct float64 `mapstructure:"yellow_pct"`
}

// EthereumConfig covers EVM price oracle access. An empty RPC URL disables the oracle.
type EthereumConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	OracleAddress  string            `mapstructure:"oracle_address"`
	TokenAddresses map[string]string `mapstructure:"token_addresses"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertingConfig defines which transitions are alerted and where.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Zones    []string       `mapstructure:"zones"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	// Retention bounds how long alert records stay in the database. Zero keeps them.
	Retention time.Duration `mapstructure:"retention"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULTWATCH")
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

	cfg.applyNetworkDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vaultwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.network", NetworkKarura)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.poll_interval", "10s")
	v.SetDefault("scheduler.cycle_interval", "1h")
	v.SetDefault("scheduler.align_to_cycle", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.retry_backoff", "5s")
	v.SetDefault("scheduler.max_backoff", "5m")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7661756c))

	v.SetDefault("indexer.page_size", 100)
	v.SetDefault("indexer.request_timeout", "15s")
	v.SetDefault("indexer.max_attempts", 3)
	v.SetDefault("indexer.retry_delay", "500ms")
	v.SetDefault("indexer.user_agent", "")
	v.SetDefault("indexer.debt_decimals", 12)

	v.SetDefault("cache.price_ttl", "5m")
	v.SetDefault("cache.params_ttl", "0s")

	v.SetDefault("risk.red_pct", 10.0)
	v.SetDefault("risk.yellow_pct", 20.0)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("server.listen", ":3000")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.zones", []string{"red"})
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
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

func (c *Config) applyNetworkDefaults() {
	c.App.Network = strings.ToLower(strings.TrimSpace(c.App.Network))
	defaults, ok := defaultEndpoints[c.App.Network]
	if !ok {
		return
	}
	if c.Indexer.Endpoint == "" {
		c.Indexer.Endpoint = defaults.main
	}
	if c.Indexer.LoansEndpoint == "" {
		c.Indexer.LoansEndpoint = defaults.loans
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, ok := defaultEndpoints[c.App.Network]; !ok {
		return fmt.Errorf("app.network must be %q or %q, got %q", NetworkAcala, NetworkKarura, c.App.Network)
	}
	if c.Indexer.Endpoint == "" {
		return fmt.Errorf("indexer.endpoint is required")
	}
	if c.App.Network == NetworkAcala && c.Indexer.LoansEndpoint == "" {
		return fmt.Errorf("indexer.loans_endpoint is required for acala")
	}
	if c.Indexer.RequestTimeout <= 0 {
		return fmt.Errorf("indexer.request_timeout must be greater than zero")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.CycleInterval <= 0 {
		return fmt.Errorf("scheduler.cycle_interval must be greater than zero")
	}
	if c.Scheduler.RetryBackoff <= 0 || c.Scheduler.MaxBackoff < c.Scheduler.RetryBackoff {
		return fmt.Errorf("scheduler.retry_backoff must be positive and not exceed scheduler.max_backoff")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Cache.PriceTTL < 0 || c.Cache.ParamsTTL < 0 {
		return fmt.Errorf("cache ttl values cannot be negative")
	}
	if c.Risk.RedPct <= 0 || c.Risk.YellowPct <= c.Risk.RedPct {
		return fmt.Errorf("risk thresholds must satisfy 0 < red_pct < yellow_pct")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Ethereum.RPCURL != "" && c.Ethereum.OracleAddress == "" {
		return fmt.Errorf("ethereum.oracle_address is required when ethereum.rpc_url is set")
	}
	if c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.retention must not be negative")
	}
	for _, z := range c.Alerting.Zones {
		switch strings.ToLower(strings.TrimSpace(z)) {
		case "yellow", "red":
		default:
			return fmt.Errorf("alerting.zones accepts yellow and red, got %q", z)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// OracleEnabled reports whether prices should be read from the EVM oracle.
func (c *Config) OracleEnabled() bool {
	return c.Ethereum.RPCURL != ""
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
