package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/tradedesk/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Backend    BackendConfig    `mapstructure:"backend"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	SecureCookie bool     `mapstructure:"secure_cookie"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type BackendConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type MarketDataConfig struct {
	StockURL          string          `mapstructure:"stock_url"`
	IndexURL          string          `mapstructure:"index_url"`
	KlineURL          string          `mapstructure:"kline_url"`
	APIKey            string          `mapstructure:"api_key"`
	PolygonAPIKey     string          `mapstructure:"polygon_api_key"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	Depth             int             `mapstructure:"depth"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

type TradingConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DefaultFeed  string        `mapstructure:"default_feed"`
	DefaultPair  string        `mapstructure:"default_pair"`
}

type BrokerConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type CacheConfig struct {
	WalletTTL   time.Duration `mapstructure:"wallet_ttl"`
	NumCounters int64         `mapstructure:"num_counters"`
	MaxCost     int64         `mapstructure:"max_cost"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradedesk")
	}

	// TRADEDESK_BACKEND_BASE_URL and friends
	v.SetEnvPrefix("TRADEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

// Validate reports settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL is not set (NEXT_PUBLIC_BASE_URL)")
	}
	if c.MarketData.APIKey == "" {
		return fmt.Errorf("market data API key is not set (NEXT_PUBLIC_ALL_TICK_API_KEY)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secure_cookie", false)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.requests_per_second", 10.0)
	v.SetDefault("backend.burst", 20)

	v.SetDefault("market_data.stock_url", "wss://quote.tradeswitcher.com/quote-stock-b-ws-api")
	v.SetDefault("market_data.index_url", "wss://quote.tradeswitcher.com/quote-b-ws-api")
	v.SetDefault("market_data.kline_url", "https://quote.alltick.io/quote-b-api/kline")
	v.SetDefault("market_data.api_key", "")
	v.SetDefault("market_data.polygon_api_key", "")
	v.SetDefault("market_data.heartbeat_interval", 10*time.Second)
	v.SetDefault("market_data.depth", 1)
	v.SetDefault("market_data.reconnect.max_attempts", 5)
	v.SetDefault("market_data.reconnect.initial_backoff", time.Second)
	v.SetDefault("market_data.reconnect.max_backoff", 30*time.Second)
	v.SetDefault("market_data.reconnect.multiplier", 1.5)

	v.SetDefault("trading.poll_interval", 10*time.Second)
	v.SetDefault("trading.default_feed", "forex")
	v.SetDefault("trading.default_pair", "EURUSD")

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.queue", "tradedesk.liquidations")

	v.SetDefault("cache.wallet_ttl", 5*time.Minute)
	v.SetDefault("cache.num_counters", 10000)
	v.SetDefault("cache.max_cost", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.all_tick_api_key", secretNames.AllTickAPIKey)
	v.SetDefault("gcp.secret_names.polygon_api_key", secretNames.PolygonAPIKey)
	v.SetDefault("gcp.secret_names.backend_base_url", secretNames.BackendBaseURL)
	v.SetDefault("gcp.secret_names.broker_url", secretNames.BrokerURL)
}

// overrideFromEnv applies the variable names the web front end uses, so
// both can share one .env file.
func overrideFromEnv(config *Config) {
	if baseURL := os.Getenv("NEXT_PUBLIC_BASE_URL"); baseURL != "" {
		config.Backend.BaseURL = baseURL
	}
	if apiKey := os.Getenv("NEXT_PUBLIC_ALL_TICK_API_KEY"); apiKey != "" {
		config.MarketData.APIKey = apiKey
	}
	if apiKey := os.Getenv("NEXT_PUBLIC_POLYGON_API_KEY"); apiKey != "" {
		config.MarketData.PolygonAPIKey = apiKey
	}
	if os.Getenv("NODE_ENV") == "production" {
		config.Server.SecureCookie = true
	}
	if brokerURL := os.Getenv("AMQP_URL"); brokerURL != "" {
		config.Broker.URL = brokerURL
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	if config.MarketData.APIKey == "" {
		config.MarketData.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.AllTickAPIKey, "")
	}
	if config.MarketData.PolygonAPIKey == "" {
		config.MarketData.PolygonAPIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.PolygonAPIKey, "")
	}
	if config.Backend.BaseURL == "" {
		config.Backend.BaseURL = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BackendBaseURL, "")
	}
	if config.Broker.URL == "" {
		config.Broker.URL = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BrokerURL, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
