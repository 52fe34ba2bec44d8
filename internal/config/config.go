package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "ladder"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 配置文件不存在时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := loadDotEnv(defaultEnvFile); err != nil {
		return nil, err
	}

	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.base_url", "https://apiconnect.angelbroking.com")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.exchange", "NSE")
	v.SetDefault("broker.product_type", "DELIVERY")
	v.SetDefault("broker.client_local_ip", "127.0.0.1")
	v.SetDefault("broker.client_public_ip", "127.0.0.1")
	v.SetDefault("broker.mac_address", "00:00:00:00:00:00")
	v.SetDefault("broker.rate_limit.requests_per_second", 10)
	v.SetDefault("broker.rate_limit.burst", 1)
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")
	v.SetDefault("broker.breaker.enabled", true)
	v.SetDefault("broker.breaker.max_requests", 1)
	v.SetDefault("broker.breaker.interval", "1m")
	v.SetDefault("broker.breaker.timeout", "30s")
	v.SetDefault("broker.breaker.failures", 5)

	v.SetDefault("ladder.step_size", 20)
	v.SetDefault("ladder.step_count", 4)
	v.SetDefault("ladder.quantity_multiplier", 1)
	v.SetDefault("ladder.mode", "gtt")

	v.SetDefault("execution.call_timeout", "15s")
	v.SetDefault("execution.concurrency", 1)
	v.SetDefault("execution.gtt_time_period", 365)

	v.SetDefault("risk.max_legs", 50)
	v.SetDefault("risk.max_total_quantity", 0)
	v.SetDefault("risk.max_notional", 0)
	v.SetDefault("risk.max_daily_notional", 0)
	v.SetDefault("risk.daily_reset_hour", 0)

	v.SetDefault("session.ttl", "24h")

	v.SetDefault("totp.refresh_interval", "10s")

	v.SetDefault("vault.passphrase", "")

	v.SetDefault("journal.capacity", 200)

	v.SetDefault("database.path", "data/ladder.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.addr", "127.0.0.1:8089")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("server.shutdown_timeout", "5s")
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
