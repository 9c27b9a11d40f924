package config

import (
	"strings"
	"time"

	"fluxt.com/pkg/config"
	"fluxt.com/pkg/hdwallet"
	"fluxt.com/pkg/trace"
	"fluxt.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

const ServiceName = "deposit"

// Config 对应 etc/deposit.yaml，环境变量 DEPOSIT_* 覆盖
type Config struct {
	Name string `mapstructure:"name"`

	Log struct {
		Level string `mapstructure:"level"` // 支持热更新
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	// MySQL 配置
	Mysql struct {
		DataSource  config.Secret `mapstructure:"data_source"` // DSN: "user:pass@tcp(ip:port)/db?parseTime=true"
		MaxIdle     int           `mapstructure:"max_idle"`
		MaxOpen     int           `mapstructure:"max_open"`
		MaxLifetime int           `mapstructure:"max_lifetime"` // 秒
		LogSQL      bool          `mapstructure:"log_sql"`
	} `mapstructure:"mysql"`

	// Redis 配置，Addr 为空时不用 redis (单实例，进程内锁)
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password config.Secret `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
	} `mapstructure:"redis"`

	Nats struct {
		URL string `mapstructure:"url"` // 为空不发事件
	} `mapstructure:"nats"`

	Trace trace.Config `mapstructure:"trace"`

	HTTP struct {
		Addr         string   `mapstructure:"addr"`
		RateLimit    float64  `mapstructure:"rate_limit"`
		RateBurst    int      `mapstructure:"rate_burst"`
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"http"`

	Chain struct {
		Name         string        `mapstructure:"name"`    // 游标 key
		RPCURL       config.Secret `mapstructure:"rpc_url"` // 节点 URL 经常带 API key
		CallTimeout  time.Duration `mapstructure:"call_timeout"`
		MaxRetries   int           `mapstructure:"max_retries"`
		RetryBackoff time.Duration `mapstructure:"retry_backoff"`
		RateLimit    float64       `mapstructure:"rate_limit"`
		RateBurst    int           `mapstructure:"rate_burst"`
	} `mapstructure:"chain"`

	Custody struct {
		MasterMnemonic config.Secret `mapstructure:"master_mnemonic"`
		HotAddress     string        `mapstructure:"hot_address"`
		HotPrivateKey  config.Secret `mapstructure:"hot_private_key"`
		TokenAddress   string        `mapstructure:"token_address"`
		TokenSymbol    string        `mapstructure:"token_symbol"`
		TokenDecimals  int32         `mapstructure:"token_decimals"`
	} `mapstructure:"custody"`

	Monitor struct {
		ScanInterval         time.Duration `mapstructure:"scan_interval"`
		RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
		RetryInterval        time.Duration `mapstructure:"retry_interval"`
		MaxRange             uint64        `mapstructure:"max_range"`
		MaxAddressesPerQuery int           `mapstructure:"max_addresses_per_query"`
		Confirmations        uint64        `mapstructure:"confirmations"`
		StartBlock           uint64        `mapstructure:"start_block"`
		MaxRetries           int           `mapstructure:"max_retries"`
		ManualLookbackBlocks uint64        `mapstructure:"manual_lookback_blocks"`
		AutoStart            bool          `mapstructure:"auto_start"`
		LeaderKey            string        `mapstructure:"leader_key"` // 需要 redis
	} `mapstructure:"monitor"`
}

// Defaults 所有 key 都要在这里声明，环境变量才能覆盖
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"name":                            ServiceName,
		"log.level":                       "info",
		"log.file":                        "",
		"mysql.data_source":               "",
		"mysql.max_idle":                  10,
		"mysql.max_open":                  100,
		"mysql.max_lifetime":              3600,
		"mysql.log_sql":                   false,
		"redis.addr":                      "",
		"redis.password":                  "",
		"redis.db":                        0,
		"nats.url":                        "",
		"trace.exporter":                  "",
		"trace.endpoint":                  "",
		"trace.sample_ratio":              1.0,
		"http.addr":                       ":8081",
		"http.rate_limit":                 50,
		"http.rate_burst":                 100,
		"http.allow_origins":              []string{},
		"chain.name":                      "base",
		"chain.rpc_url":                   "",
		"chain.call_timeout":              "15s",
		"chain.max_retries":               3,
		"chain.retry_backoff":             "200ms",
		"chain.rate_limit":                20,
		"chain.rate_burst":                40,
		"custody.master_mnemonic":         "",
		"custody.hot_address":             "",
		"custody.hot_private_key":         "",
		"custody.token_address":           "",
		"custody.token_symbol":            "USDC",
		"custody.token_decimals":          6,
		"monitor.scan_interval":           "12s",
		"monitor.refresh_interval":        "30s",
		"monitor.retry_interval":          "60s",
		"monitor.max_range":               1000,
		"monitor.max_addresses_per_query": 500,
		"monitor.confirmations":           0,
		"monitor.start_block":             0,
		"monitor.max_retries":             3,
		"monitor.manual_lookback_blocks":  5000,
		"monitor.auto_start":              true,
		"monitor.leader_key":              "",
	}
}

// Load 读取配置并校验，path 为空时按约定目录查找
func Load(path string) (*Config, *viper.Viper, error) {
	var c Config
	v, err := config.LoadFile(ServiceName, path, &c, Defaults())
	if err != nil {
		return nil, nil, xerr.NewConfigError("file", err.Error())
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	return &c, v, nil
}

// Validate 缺少关键配置直接拒绝启动，错误里只带字段名
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chain.RPCURL.Reveal()) == "" {
		return xerr.NewConfigError("chain.rpc_url", "missing")
	}
	if c.Custody.MasterMnemonic.Empty() {
		return xerr.NewConfigError("custody.master_mnemonic", "missing")
	}
	if !common.IsHexAddress(c.Custody.HotAddress) {
		return xerr.NewConfigError("custody.hot_address", "missing or not a hex address")
	}
	if !common.IsHexAddress(c.Custody.TokenAddress) {
		return xerr.NewConfigError("custody.token_address", "missing or not a hex address")
	}
	if c.Custody.TokenDecimals < 0 || c.Custody.TokenDecimals > 36 {
		return xerr.NewConfigError("custody.token_decimals", "out of range")
	}
	if c.Custody.TokenSymbol == "" {
		return xerr.NewConfigError("custody.token_symbol", "missing")
	}
	// 私钥必须和热钱包地址对得上
	hot, err := hdwallet.SignerFromHex(c.Custody.HotPrivateKey.Reveal())
	if err != nil {
		return err
	}
	if hot.Address() != common.HexToAddress(c.Custody.HotAddress) {
		return xerr.NewConfigError("custody.hot_private_key", "does not match custody.hot_address")
	}
	if c.Mysql.DataSource.Empty() {
		return xerr.NewConfigError("mysql.data_source", "missing")
	}
	if _, err := mysql.ParseDSN(c.Mysql.DataSource.Reveal()); err != nil {
		// ParseDSN 的错误信息可能带 DSN 片段，不往外透
		return xerr.NewConfigError("mysql.data_source", "malformed")
	}
	if c.Monitor.LeaderKey != "" && c.Redis.Addr == "" {
		return xerr.NewConfigError("monitor.leader_key", "requires redis.addr")
	}
	if c.Monitor.ScanInterval <= 0 || c.Monitor.RefreshInterval <= 0 || c.Monitor.RetryInterval <= 0 {
		return xerr.NewConfigError("monitor", "intervals must be positive")
	}
	if c.Monitor.MaxRange == 0 {
		return xerr.NewConfigError("monitor.max_range", "must be positive")
	}
	return nil
}
