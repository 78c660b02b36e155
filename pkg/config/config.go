package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MarekRumisek/ib-trading-platform/internal/domain"
)

// GatewayConfig 连接参数
type GatewayConfig struct {
	Venue          domain.Venue     // TWS / GATEWAY
	Money          domain.MoneyKind // PAPER / LIVE
	Host           string
	Port           int // 0 = venue+money 的默认端口
	ClientID       int // 下单 worker 使用
	ReaderClientID int // 只读查询使用，必须与 ClientID 不同
	Path           string
	Token          string // 一般从 secretstore 读取，这里只作为环境变量兜底
	AckTimeout     time.Duration
	WriteRate      float64 // 每秒最多写入请求数
	OutsideRTH     bool
	Transmit       bool
}

// OrdersConfig 下单 worker 参数
type OrdersConfig struct {
	SettleDelay  time.Duration // 提交后最短观察窗口
	MaxWait      time.Duration // 单笔订单最长等待
	QueueSize    int
	DedupeWindow time.Duration // 相同 symbol/方向/数量 的重复提交窗口；0 关闭
	Debug        bool          // debug_orders：worker 日志提升到 debug
	// MaxConsecutiveFailures 连续失败多少笔后暂停下单；0 关闭
	MaxConsecutiveFailures int
}

// ReaderConfig 只读查询参数
type ReaderConfig struct {
	RefreshInterval time.Duration
	QueryTimeout    time.Duration
	RecentOrders    int
}

// HTTPConfig API 参数
type HTTPConfig struct {
	Listen       string
	PlaceTimeout time.Duration
}

// LogConfig 日志参数
type LogConfig struct {
	Level string
	File  string
}

// SecretStoreConfig badger secret store
type SecretStoreConfig struct {
	Path string
	// KeyEnv 保存加密 key 的环境变量名（key 本身不写进配置文件）
	KeyEnv string
}

// Config 应用配置
type Config struct {
	Gateway     GatewayConfig
	Orders      OrdersConfig
	Reader      ReaderConfig
	HTTP        HTTPConfig
	Log         LogConfig
	SecretStore SecretStoreConfig
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
//
// 时长字段使用 Go duration 字符串，例如 "2s"、"1m30s"。
type ConfigFile struct {
	Gateway struct {
		Venue          string  `yaml:"venue" json:"venue"`
		Money          string  `yaml:"money" json:"money"`
		Host           string  `yaml:"host" json:"host"`
		Port           int     `yaml:"port" json:"port"`
		ClientID       *int    `yaml:"client_id" json:"client_id"`
		ReaderClientID *int    `yaml:"reader_client_id" json:"reader_client_id"`
		Path           string  `yaml:"path" json:"path"`
		AckTimeout     string  `yaml:"ack_timeout" json:"ack_timeout"`
		WriteRate      float64 `yaml:"write_rate" json:"write_rate"`
		OutsideRTH     *bool   `yaml:"outside_rth" json:"outside_rth"`
		Transmit       *bool   `yaml:"transmit" json:"transmit"`
	} `yaml:"gateway" json:"gateway"`
	Orders struct {
		SettleDelay  string `yaml:"settle_delay" json:"settle_delay"`
		MaxWait      string `yaml:"max_wait" json:"max_wait"`
		QueueSize    int    `yaml:"queue_size" json:"queue_size"`
		DedupeWindow string `yaml:"dedupe_window" json:"dedupe_window"`
		Debug        bool   `yaml:"debug_orders" json:"debug_orders"`
		MaxFailures  *int   `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	} `yaml:"orders" json:"orders"`
	Reader struct {
		RefreshInterval string `yaml:"refresh_interval" json:"refresh_interval"`
		QueryTimeout    string `yaml:"query_timeout" json:"query_timeout"`
		RecentOrders    int    `yaml:"recent_orders" json:"recent_orders"`
	} `yaml:"reader" json:"reader"`
	HTTP struct {
		Listen       string `yaml:"listen" json:"listen"`
		PlaceTimeout string `yaml:"place_timeout" json:"place_timeout"`
	} `yaml:"http" json:"http"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
	LogFile     string `yaml:"log_file" json:"log_file"`
	SecretStore struct {
		Path   string `yaml:"path" json:"path"`
		KeyEnv string `yaml:"key_env" json:"key_env"`
	} `yaml:"secret_store" json:"secret_store"`
}

// Default 默认配置：本机 IB Gateway 模拟盘
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Venue:          domain.VenueGateway,
			Money:          domain.MoneyPaper,
			Host:           domain.DefaultHost,
			ClientID:       1,
			ReaderClientID: 2,
			Path:           "/v1/session",
			AckTimeout:     5 * time.Second,
			WriteRate:      45,
			OutsideRTH:     true,
			Transmit:       true,
		},
		Orders: OrdersConfig{
			SettleDelay:  2 * time.Second,
			MaxWait:      15 * time.Second,
			QueueSize:    256,
			DedupeWindow: 3 * time.Second,

			MaxConsecutiveFailures: 5,
		},
		Reader: ReaderConfig{
			RefreshInterval: 5 * time.Second,
			QueryTimeout:    5 * time.Second,
			RecentOrders:    10,
		},
		HTTP: HTTPConfig{
			Listen:       "127.0.0.1:5000",
			PlaceTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		SecretStore: SecretStoreConfig{
			Path:   "data/secrets",
			KeyEnv: "SECRETSTORE_KEY",
		},
	}
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）；filePath 为空时只读环境变量
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		cf, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		if err := cfg.applyFile(cf); err != nil {
			return nil, fmt.Errorf("配置文件 %s: %w", filePath, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

func (c *Config) applyFile(cf *ConfigFile) error {
	g := cf.Gateway
	if g.Venue != "" {
		c.Gateway.Venue = domain.Venue(strings.ToUpper(g.Venue))
	}
	if g.Money != "" {
		c.Gateway.Money = domain.MoneyKind(strings.ToUpper(g.Money))
	}
	if g.Host != "" {
		c.Gateway.Host = g.Host
	}
	if g.Port != 0 {
		c.Gateway.Port = g.Port
	}
	if g.ClientID != nil {
		c.Gateway.ClientID = *g.ClientID
	}
	if g.ReaderClientID != nil {
		c.Gateway.ReaderClientID = *g.ReaderClientID
	}
	if g.Path != "" {
		c.Gateway.Path = g.Path
	}
	if g.WriteRate != 0 {
		c.Gateway.WriteRate = g.WriteRate
	}
	if g.OutsideRTH != nil {
		c.Gateway.OutsideRTH = *g.OutsideRTH
	}
	if g.Transmit != nil {
		c.Gateway.Transmit = *g.Transmit
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.ack_timeout", g.AckTimeout, &c.Gateway.AckTimeout},
		{"orders.settle_delay", cf.Orders.SettleDelay, &c.Orders.SettleDelay},
		{"orders.max_wait", cf.Orders.MaxWait, &c.Orders.MaxWait},
		{"orders.dedupe_window", cf.Orders.DedupeWindow, &c.Orders.DedupeWindow},
		{"reader.refresh_interval", cf.Reader.RefreshInterval, &c.Reader.RefreshInterval},
		{"reader.query_timeout", cf.Reader.QueryTimeout, &c.Reader.QueryTimeout},
		{"http.place_timeout", cf.HTTP.PlaceTimeout, &c.HTTP.PlaceTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if cf.Orders.QueueSize > 0 {
		c.Orders.QueueSize = cf.Orders.QueueSize
	}
	c.Orders.Debug = c.Orders.Debug || cf.Orders.Debug
	if cf.Orders.MaxFailures != nil {
		c.Orders.MaxConsecutiveFailures = *cf.Orders.MaxFailures
	}
	if cf.Reader.RecentOrders > 0 {
		c.Reader.RecentOrders = cf.Reader.RecentOrders
	}
	if cf.HTTP.Listen != "" {
		c.HTTP.Listen = cf.HTTP.Listen
	}
	if cf.LogLevel != "" {
		c.Log.Level = cf.LogLevel
	}
	if cf.LogFile != "" {
		c.Log.File = cf.LogFile
	}
	if cf.SecretStore.Path != "" {
		c.SecretStore.Path = cf.SecretStore.Path
	}
	if cf.SecretStore.KeyEnv != "" {
		c.SecretStore.KeyEnv = cf.SecretStore.KeyEnv
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := getEnv("IB_VENUE", ""); v != "" {
		c.Gateway.Venue = domain.Venue(strings.ToUpper(v))
	}
	if v := getEnv("IB_MONEY", ""); v != "" {
		c.Gateway.Money = domain.MoneyKind(strings.ToUpper(v))
	}
	c.Gateway.Host = getEnv("IB_HOST", c.Gateway.Host)
	c.Gateway.Token = getEnv("IB_TOKEN", c.Gateway.Token)

	ints := []struct {
		key string
		dst *int
	}{
		{"IB_PORT", &c.Gateway.Port},
		{"IB_CLIENT_ID", &c.Gateway.ClientID},
		{"IB_READER_CLIENT_ID", &c.Gateway.ReaderClientID},
		{"ORDER_MAX_FAILURES", &c.Orders.MaxConsecutiveFailures},
	}
	for _, e := range ints {
		if err := parseIntEnv(e.key, e.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ORDER_SETTLE_DELAY", &c.Orders.SettleDelay},
		{"ORDER_MAX_WAIT", &c.Orders.MaxWait},
		{"ORDER_DEDUPE_WINDOW", &c.Orders.DedupeWindow},
		{"READER_REFRESH_INTERVAL", &c.Reader.RefreshInterval},
	}
	for _, e := range durations {
		if err := parseDurationEnv(e.key, e.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("DEBUG_ORDERS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("环境变量 DEBUG_ORDERS 无效: %w", err)
		}
		c.Orders.Debug = b
	}
	c.HTTP.Listen = getEnv("HTTP_LISTEN", c.HTTP.Listen)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.SecretStore.Path = getEnv("SECRETSTORE_PATH", c.SecretStore.Path)
	return nil
}

// Validate 校验配置；worker 与 reader 共用 client-id 是致命配置错误
func (c *Config) Validate() error {
	if _, err := c.Profile(); err != nil {
		return fmt.Errorf("gateway 配置无效: %w", err)
	}
	if c.Gateway.ClientID == c.Gateway.ReaderClientID {
		return fmt.Errorf("%w: worker 与 reader 不能共用 client-id %d", domain.ErrClientIDInUse, c.Gateway.ClientID)
	}
	if c.Gateway.ReaderClientID < 0 {
		return fmt.Errorf("无效的 reader client-id %d", c.Gateway.ReaderClientID)
	}
	positive := map[string]time.Duration{
		"orders.settle_delay":     c.Orders.SettleDelay,
		"orders.max_wait":         c.Orders.MaxWait,
		"reader.refresh_interval": c.Reader.RefreshInterval,
		"reader.query_timeout":    c.Reader.QueryTimeout,
		"gateway.ack_timeout":     c.Gateway.AckTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s 必须大于 0 (当前 %s)", name, d)
		}
	}
	if c.Orders.MaxWait < c.Orders.SettleDelay {
		return fmt.Errorf("orders.max_wait (%s) 不能小于 orders.settle_delay (%s)", c.Orders.MaxWait, c.Orders.SettleDelay)
	}
	if c.Orders.DedupeWindow < 0 {
		return fmt.Errorf("orders.dedupe_window 不能为负数")
	}
	if c.Orders.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("orders.max_consecutive_failures 不能为负数")
	}
	return nil
}

// Profile 下单 worker 使用的连接 profile
func (c *Config) Profile() (domain.ConnectionProfile, error) {
	return domain.NewProfile(c.Gateway.Venue, c.Gateway.Money, c.Gateway.Host, c.Gateway.Port, c.Gateway.ClientID)
}

// ReaderProfile 只读查询使用的 profile（同一个 gateway，不同 client-id）
func (c *Config) ReaderProfile() (domain.ConnectionProfile, error) {
	p, err := c.Profile()
	if err != nil {
		return p, err
	}
	return p.WithClientID(c.Gateway.ReaderClientID), nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量；未设置时保持原值
func parseIntEnv(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("环境变量 %s 无效: %w", key, err)
	}
	*dst = parsed
	return nil
}

// parseDurationEnv 解析时长环境变量；纯数字按秒处理
func parseDurationEnv(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("环境变量 %s 无效: %w", key, err)
	}
	*dst = d
	return nil
}
