// 文件: pkg/config/config.go
// 应用配置
//
// 【加载顺序】
// 1. .env (godotenv，文件不存在则忽略)
// 2. YAML 文件，支持 ${ENV} 展开
// 3. 缺省值补齐

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/logger"
)

type AppConfig struct {
	NodeID  int64         `yaml:"node_id"`
	MySQL   MySQLConfig   `yaml:"mysql"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`

	// 市场配置，可被 MySQL 配置表覆盖
	Markets MarketList `yaml:"markets"`
	// 市场配置来源: file / mysql
	MarketSource   string        `yaml:"market_source"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

type MySQLConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	PriceSubject   string        `yaml:"price_subject"`
	TradeSubject   string        `yaml:"trade_subject"`
	ExecuteSubject string        `yaml:"execute_subject"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// 结算事件发布前缀，完整 subject 为 <prefix>.<kind>
	SettlementPrefix string `yaml:"settlement_prefix"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// 非空时从该 topic 消费成交事件，否则走 NATS
	TradeTopic string `yaml:"trade_topic"`
	GroupID    string `yaml:"group_id"`
}

type EngineConfig struct {
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	LiquidationTimeout time.Duration `yaml:"liquidation_timeout"`
	ADLTimeout         time.Duration `yaml:"adl_timeout"`
	SettleTimeout      time.Duration `yaml:"settle_timeout"` // 超时后补偿/收尾写入的上限
	FundingCheck       time.Duration `yaml:"funding_check"`
	RateRefresh        time.Duration `yaml:"rate_refresh"`
	RankingRefresh     time.Duration `yaml:"ranking_refresh"`
	PipelineBuffer     int           `yaml:"pipeline_buffer"`
	ShortfallBuffer    int           `yaml:"shortfall_buffer"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string            `yaml:"level"`
	File  logger.FileConfig `yaml:",inline"`
}

// MarketList 逐个市场在缺省配置之上解码，YAML 只需写差异项
type MarketList []futures.MarketConfig

func (l *MarketList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("markets: expected sequence, got kind %d", value.Kind)
	}
	out := make(MarketList, 0, len(value.Content))
	for _, item := range value.Content {
		mc := futures.DefaultMarketConfig("")
		if err := item.Decode(&mc); err != nil {
			return err
		}
		mc.Normalize()
		out = append(out, mc)
	}
	*l = out
	return nil
}

// DefaultEngineConfig 引擎缺省参数
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LockTimeout:        200 * time.Millisecond,
		LiquidationTimeout: 30 * time.Second,
		ADLTimeout:         30 * time.Second,
		SettleTimeout:      5 * time.Second,
		FundingCheck:       time.Second,
		RateRefresh:        time.Minute,
		RankingRefresh:     10 * time.Second,
		PipelineBuffer:     1024,
		ShortfallBuffer:    1024,
	}
}

// Load 读取配置文件
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse 解析 YAML 内容并补齐缺省值
func Parse(raw []byte) (*AppConfig, error) {
	cfg := &AppConfig{Engine: DefaultEngineConfig()}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	for i := range cfg.Markets {
		cfg.Markets[i].Normalize()
		if err := cfg.Markets[i].Validate(); err != nil {
			return nil, fmt.Errorf("market %q: %w", cfg.Markets[i].Symbol, err)
		}
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	def := DefaultEngineConfig()
	if c.Engine.LockTimeout <= 0 {
		c.Engine.LockTimeout = def.LockTimeout
	}
	if c.Engine.LiquidationTimeout <= 0 {
		c.Engine.LiquidationTimeout = def.LiquidationTimeout
	}
	if c.Engine.ADLTimeout <= 0 {
		c.Engine.ADLTimeout = def.ADLTimeout
	}
	if c.Engine.SettleTimeout <= 0 {
		c.Engine.SettleTimeout = def.SettleTimeout
	}
	if c.Engine.FundingCheck <= 0 {
		c.Engine.FundingCheck = def.FundingCheck
	}
	if c.Engine.RateRefresh <= 0 {
		c.Engine.RateRefresh = def.RateRefresh
	}
	if c.Engine.RankingRefresh <= 0 {
		c.Engine.RankingRefresh = def.RankingRefresh
	}
	if c.Engine.PipelineBuffer <= 0 {
		c.Engine.PipelineBuffer = def.PipelineBuffer
	}
	if c.Engine.ShortfallBuffer <= 0 {
		c.Engine.ShortfallBuffer = def.ShortfallBuffer
	}
	if c.NATS.PriceSubject == "" {
		c.NATS.PriceSubject = "perprisk.price.>"
	}
	if c.NATS.TradeSubject == "" {
		c.NATS.TradeSubject = "perprisk.trade"
	}
	if c.NATS.ExecuteSubject == "" {
		c.NATS.ExecuteSubject = "perprisk.execute"
	}
	if c.NATS.SettlementPrefix == "" {
		c.NATS.SettlementPrefix = "perprisk.settlement"
	}
	if c.NATS.RequestTimeout <= 0 {
		c.NATS.RequestTimeout = 2 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "perprisk-settlement"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "perprisk"
	}
	if c.MarketSource == "" {
		c.MarketSource = "file"
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 10 * time.Second
	}
}
