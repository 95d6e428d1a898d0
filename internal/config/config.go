package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// TCPConfig 泵接入端口配置
type TCPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// 并发连接上限，满时新连接直接关闭
	MaxConnections int `mapstructure:"maxConnections"`
	// 新建连接速率（每秒）与突发容量
	AcceptRate  int `mapstructure:"acceptRate"`
	AcceptBurst int `mapstructure:"acceptBurst"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// RedisConfig Redis 会话注册表配置
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"poolSize"`
	MinIdleConns int           `mapstructure:"minIdleConns"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// NATSConfig 上行事件/下行命令总线
type NATSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	UplinkSubject   string        `mapstructure:"uplinkSubject"`
	DownlinkSubject string        `mapstructure:"downlinkSubject"`
	QueueGroup      string        `mapstructure:"queueGroup"`
	ReconnectWait   time.Duration `mapstructure:"reconnectWait"`
	MaxReconnects   int           `mapstructure:"maxReconnects"`
	// 发布失败熔断
	BreakerMaxFailures  int           `mapstructure:"breakerMaxFailures"`
	BreakerResetTimeout time.Duration `mapstructure:"breakerResetTimeout"`
}

// WebhookConfig 上行事件 HTTP 推送（HMAC 签名）
type WebhookConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	URL       string          `mapstructure:"url"`
	APIKey    string          `mapstructure:"apiKey"`
	Secret    string          `mapstructure:"secret"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	Retries   int             `mapstructure:"retries"`
	Backoff   []time.Duration `mapstructure:"backoff"`
	Workers   int             `mapstructure:"workers"`
	QueueSize int             `mapstructure:"queueSize"`
	// 仅推送这些类型；为空推送全部
	Types []string `mapstructure:"types"`
}

// SessionConfig 会话超时
type SessionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// RegistrationConfig 注册准入策略；空白名单表示不限制
type RegistrationConfig struct {
	AllowSerials []uint32 `mapstructure:"allowSerials"`
	MinFirmware  string   `mapstructure:"minFirmware"`
}

// MediatorConfig 泵连接行为
type MediatorConfig struct {
	KeepAliveInterval time.Duration      `mapstructure:"keepAliveInterval"`
	Registration      RegistrationConfig `mapstructure:"registration"`
}

// DownlinkConfig 下行命令执行池
type DownlinkConfig struct {
	PoolSize int           `mapstructure:"poolSize"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig API 认证
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"apiKeys"`
}

// APIConfig 管理 API
type APIConfig struct {
	Auth AuthConfig `mapstructure:"auth"`
}

// Config 顶层配置结构
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	TCP      TCPConfig      `mapstructure:"tcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Session  SessionConfig  `mapstructure:"session"`
	Mediator MediatorConfig `mapstructure:"mediator"`
	Downlink DownlinkConfig `mapstructure:"downlink"`
	API      APIConfig      `mapstructure:"api"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 MEDIATOR_CONFIG 读取；否则回退到 configs/mediator.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	// 默认值
	setDefaults(v)

	// 环境变量覆盖：前缀 MEDIATOR_，并将点号替换为下划线
	v.SetEnvPrefix("MEDIATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("mediator")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验会导致运行期异常的配置
func (c *Config) Validate() error {
	if c.TCP.Addr == "" {
		return errors.New("config: tcp.addr is required")
	}
	if c.TCP.ReadTimeout <= 0 {
		return fmt.Errorf("config: tcp.readTimeout must be positive, got %s", c.TCP.ReadTimeout)
	}
	if c.Mediator.KeepAliveInterval < 0 {
		return fmt.Errorf("config: mediator.keepAliveInterval must not be negative, got %s", c.Mediator.KeepAliveInterval)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("config: nats.url is required when nats is enabled")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return errors.New("config: webhook.url is required when webhook is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required when redis is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pump-mediator")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")

	v.SetDefault("tcp.addr", "0.0.0.0:5016")
	v.SetDefault("tcp.readTimeout", "35s")
	v.SetDefault("tcp.writeTimeout", "10s")
	v.SetDefault("tcp.maxConnections", 2000)
	v.SetDefault("tcp.acceptRate", 100)
	v.SetDefault("tcp.acceptBurst", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/pump-mediator.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 20)
	v.SetDefault("redis.minIdleConns", 2)
	v.SetDefault("redis.dialTimeout", "5s")
	v.SetDefault("redis.readTimeout", "3s")
	v.SetDefault("redis.writeTimeout", "3s")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "pump-mediator")
	v.SetDefault("nats.uplinkSubject", "pump.uplink")
	v.SetDefault("nats.downlinkSubject", "pump.downlink")
	v.SetDefault("nats.queueGroup", "")
	v.SetDefault("nats.reconnectWait", "2s")
	v.SetDefault("nats.maxReconnects", -1)
	v.SetDefault("nats.breakerMaxFailures", 5)
	v.SetDefault("nats.breakerResetTimeout", "30s")

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.timeout", "5s")
	v.SetDefault("webhook.retries", 3)
	v.SetDefault("webhook.backoff", []string{"100ms", "500ms", "2s"})
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.queueSize", 1024)

	v.SetDefault("session.timeout", "2m")

	v.SetDefault("mediator.keepAliveInterval", "30s")
	v.SetDefault("mediator.registration.minFirmware", "")

	v.SetDefault("downlink.poolSize", 32)
	v.SetDefault("downlink.timeout", "5s")

	v.SetDefault("api.auth.enabled", false)
}
