package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Ladder    LadderConfig    `mapstructure:"ladder"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Session   SessionConfig   `mapstructure:"session"`
	TOTP      TOTPConfig      `mapstructure:"totp"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商 REST 接口连接信息。
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Exchange       string        `mapstructure:"exchange"`
	ProductType    string        `mapstructure:"product_type"`
	ClientLocalIP  string        `mapstructure:"client_local_ip"`
	ClientPublicIP string        `mapstructure:"client_public_ip"`
	MACAddress     string        `mapstructure:"mac_address"`
	RateLimit      RateLimit     `mapstructure:"rate_limit"`
	Retry          RetryConfig   `mapstructure:"retry"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// RateLimit 控制券商请求节流。
type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RetryConfig 统一控制重试机制，仅作用于登录与行情查询。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BreakerConfig 控制行情查询熔断。
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Failures    uint32        `mapstructure:"failures"`
}

// LadderConfig 为阶梯参数提供默认值。
type LadderConfig struct {
	StepSize           float64 `mapstructure:"step_size"`
	StepCount          int     `mapstructure:"step_count"`
	QuantityMultiplier int     `mapstructure:"quantity_multiplier"`
	Mode               string  `mapstructure:"mode"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	GTTTimePeriod int           `mapstructure:"gtt_time_period"`
}

// RiskConfig 管理单次阶梯的风控上限，0 表示不限制。
type RiskConfig struct {
	MaxLegs          int     `mapstructure:"max_legs"`
	MaxTotalQuantity int     `mapstructure:"max_total_quantity"`
	MaxNotional      float64 `mapstructure:"max_notional"`
	// MaxDailyNotional 限制同一交易日内成功提交的累计金额。
	MaxDailyNotional float64 `mapstructure:"max_daily_notional"`
	// DailyResetHour 为交易日切换的 UTC 小时。
	DailyResetHour int `mapstructure:"daily_reset_hour"`
}

// SessionConfig 控制登录会话有效期。
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// TOTPConfig 控制动态口令刷新节奏。
type TOTPConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// VaultConfig 控制本地加密凭证存储。
type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
}

// JournalConfig 控制提交日志容量。
type JournalConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 控制本地只读 HTTP 接口。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.BaseURL == "" {
		err = multierr.Append(err, errors.New("broker.base_url 不能为空"))
	}
	if c.Broker.Timeout <= 0 {
		err = multierr.Append(err, errors.New("broker.timeout 必须大于0"))
	}
	if c.Broker.Exchange == "" {
		err = multierr.Append(err, errors.New("broker.exchange 不能为空"))
	}
	if c.Broker.ProductType == "" {
		err = multierr.Append(err, errors.New("broker.product_type 不能为空"))
	}
	if c.Broker.RateLimit.RequestsPerSecond < 0 {
		err = multierr.Append(err, errors.New("broker.rate_limit.requests_per_second 不能为负"))
	}
	if c.Broker.RateLimit.RequestsPerSecond > 0 && c.Broker.RateLimit.Burst <= 0 {
		err = multierr.Append(err, errors.New("broker.rate_limit.burst 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Broker.Breaker.Enabled && c.Broker.Breaker.Failures == 0 {
		err = multierr.Append(err, errors.New("broker.breaker.failures 必须大于0"))
	}
	if c.Ladder.StepSize < 0 {
		err = multierr.Append(err, errors.New("ladder.step_size 不能为负"))
	}
	if c.Ladder.StepCount <= 0 {
		err = multierr.Append(err, errors.New("ladder.step_count 必须大于0"))
	}
	if c.Ladder.QuantityMultiplier <= 0 {
		err = multierr.Append(err, errors.New("ladder.quantity_multiplier 必须大于0"))
	}
	switch strings.ToLower(c.Ladder.Mode) {
	case "gtt", "direct":
	default:
		err = multierr.Append(err, fmt.Errorf("ladder.mode 仅支持 gtt 或 direct，当前为 %q", c.Ladder.Mode))
	}
	if c.Execution.CallTimeout < 0 {
		err = multierr.Append(err, errors.New("execution.call_timeout 不能为负"))
	}
	if c.Execution.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("execution.concurrency 必须大于0"))
	}
	if c.Execution.GTTTimePeriod <= 0 {
		err = multierr.Append(err, errors.New("execution.gtt_time_period 必须大于0"))
	}
	if c.Risk.MaxLegs < 0 || c.Risk.MaxTotalQuantity < 0 || c.Risk.MaxNotional < 0 || c.Risk.MaxDailyNotional < 0 {
		err = multierr.Append(err, errors.New("risk 上限不能为负"))
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_reset_hour 必须在 0-23 之间"))
	}
	if c.Session.TTL <= 0 {
		err = multierr.Append(err, errors.New("session.ttl 必须大于0"))
	}
	if c.TOTP.RefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("totp.refresh_interval 必须大于0"))
	}
	if c.Journal.Capacity <= 0 {
		err = multierr.Append(err, errors.New("journal.capacity 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
