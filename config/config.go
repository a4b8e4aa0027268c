package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Exchange names used as config keys, log fields and cache key prefixes.
const (
	ExchangeBinance = "binance"
	ExchangeKraken  = "kraken"
	ExchangeHuobi   = "huobi"
)

const (
	DefaultConfigPath           = "config/config.yml"
	defaultProductionConfigPath = "config/config.production.yml"
	defaultStagingConfigPath    = "config/config.staging.yml"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Feed      FeedConfig      `yaml:"feed"`
	MidPrice  MidPriceConfig  `yaml:"midprice"`
	Market    MarketConfig    `yaml:"market"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Storage   StorageConfig   `yaml:"storage"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// CacheConfig selects the ValueCache backend. Backend is "memory" or "redis".
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// FeedConfig holds connection settings shared by all exchange connectors.
type FeedConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	DialRate         float64       `yaml:"dial_rate"`
	DialBurst        int           `yaml:"dial_burst"`
}

type MidPriceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// MarketConfig names the traded pair in BASE/QUOTE form, e.g. BTC/USDT.
type MarketConfig struct {
	Pair string `yaml:"pair"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Kraken  ExchangeConfig `yaml:"kraken"`
	Huobi   ExchangeConfig `yaml:"huobi"`
}

// ExchangeConfig configures one connector. An empty Pair is derived from
// Market.Pair.
type ExchangeConfig struct {
	Name                string `yaml:"-"`
	Enabled             bool   `yaml:"enabled"`
	URL                 string `yaml:"url"`
	Pair                string `yaml:"pair"`
	Depth               int    `yaml:"depth"`
	SingleSidedFallback bool   `yaml:"single_sided_fallback"`
}

// List returns the exchanges in a fixed order with their names set.
func (e ExchangesConfig) List() []ExchangeConfig {
	binance, kraken, huobi := e.Binance, e.Kraken, e.Huobi
	binance.Name = ExchangeBinance
	kraken.Name = ExchangeKraken
	huobi.Name = ExchangeHuobi
	return []ExchangeConfig{binance, kraken, huobi}
}

type APIConfig struct {
	Address        string        `yaml:"address"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HistorySize    int           `yaml:"history_size"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type StorageConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

// Default returns a configuration populated with the documented defaults.
func Default() Config {
	return Config{
		App: AppConfig{Name: "priceindex", Version: "dev"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           5 * time.Second,
			SweepInterval: 10 * time.Second,
			Redis:         RedisConfig{Addr: "localhost:6379", KeyPrefix: "priceindex:"},
		},
		Feed: FeedConfig{
			ReconnectDelay:   1500 * time.Millisecond,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      30 * time.Second,
			PingInterval:     15 * time.Second,
			DialRate:         1,
			DialBurst:        1,
		},
		MidPrice: MidPriceConfig{
			PollInterval: 100 * time.Millisecond,
			PollTimeout:  time.Second,
		},
		Market: MarketConfig{Pair: "BTC/USDT"},
		Exchanges: ExchangesConfig{
			Binance: ExchangeConfig{Enabled: true, URL: "wss://stream.binance.com:9443/ws", Depth: 20},
			Kraken:  ExchangeConfig{Enabled: true, URL: "wss://ws.kraken.com", Depth: 10, SingleSidedFallback: true},
			Huobi:   ExchangeConfig{Enabled: true, URL: "wss://api.huobi.pro/ws", Depth: 20},
		},
		API: APIConfig{
			Address:        ":3000",
			RateLimit:      50,
			RateBurst:      100,
			RequestTimeout: 5 * time.Second,
			HistorySize:    200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			CloudWatch: CloudWatchConfig{
				Namespace: "PriceIndex",
				Interval:  time.Minute,
			},
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{Topic: "mid-prices", Buffer: 1024},
		},
	}
}

// ResolvePath picks an environment specific config file when APP_ENV selects
// one and the caller did not ask for a different path.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{
		environmentProduction: defaultProductionConfigPath,
		environmentStaging:    defaultStagingConfigPath,
	})
}

// LoadConfig reads the YAML file at path on top of Default, applies
// environment overrides and validates the result. A missing file is not an
// error: defaults and environment still apply.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	if v := env("PORT"); v != "" {
		cfg.API.Address = ":" + v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("CACHE_TTL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		cfg.Cache.TTL = time.Duration(secs) * time.Second
	}
	if v := env("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := env("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := env("AWS_REGION"); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}
	if v := env("KAFKA_BROKERS"); v != "" {
		cfg.Storage.Kafka.Brokers = strings.Split(v, ",")
	}

	for prefix, ex := range map[string]*ExchangeConfig{
		"BINANCE": &cfg.Exchanges.Binance,
		"KRAKEN":  &cfg.Exchanges.Kraken,
		"HUOBI":   &cfg.Exchanges.Huobi,
	} {
		if v := env(prefix + "_WS_URL"); v != "" {
			ex.URL = v
		}
		if v := env(prefix + "_WS_CURRENCY_PAIR"); v != "" {
			ex.Pair = v
		}
		if v := env(prefix + "_WS_DEPTH"); v != "" {
			depth, err := strconv.Atoi(strings.TrimPrefix(v, "depth"))
			if err != nil {
				return fmt.Errorf("%s_WS_DEPTH: %w", prefix, err)
			}
			ex.Depth = depth
		}
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when the redis backend is selected")
		}
	default:
		return fmt.Errorf("cache.backend '%s' is invalid", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend != "redis" && requiresSharedCache() {
		return fmt.Errorf("cache.backend must be redis when APP_ENV is %s", AppEnvironment())
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}

	if cfg.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be greater than 0")
	}
	if cfg.Feed.ReadTimeout <= 0 {
		return fmt.Errorf("feed.read_timeout must be greater than 0")
	}
	if cfg.Feed.PingInterval >= cfg.Feed.ReadTimeout {
		return fmt.Errorf("feed.ping_interval must be shorter than feed.read_timeout")
	}
	if cfg.Feed.DialRate <= 0 || cfg.Feed.DialBurst <= 0 {
		return fmt.Errorf("feed.dial_rate and feed.dial_burst must be greater than 0")
	}

	if cfg.MidPrice.PollInterval <= 0 {
		return fmt.Errorf("midprice.poll_interval must be greater than 0")
	}
	if cfg.MidPrice.PollTimeout < cfg.MidPrice.PollInterval {
		return fmt.Errorf("midprice.poll_timeout must not be shorter than midprice.poll_interval")
	}

	if !strings.Contains(cfg.Market.Pair, "/") {
		return fmt.Errorf("market.pair '%s' must be in BASE/QUOTE form", cfg.Market.Pair)
	}

	enabled := 0
	for _, ex := range cfg.Exchanges.List() {
		if !ex.Enabled {
			continue
		}
		enabled++
		u, err := url.Parse(ex.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("exchanges.%s.url '%s' must be a ws:// or wss:// URL", ex.Name, ex.URL)
		}
		if ex.Depth <= 0 {
			return fmt.Errorf("exchanges.%s.depth must be greater than 0", ex.Name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}
