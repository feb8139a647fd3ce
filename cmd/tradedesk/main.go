package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/tradedesk/api"
	"github.com/gregtusar/tradedesk/internal/config"
	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/backend"
	"github.com/gregtusar/tradedesk/pkg/cache"
	"github.com/gregtusar/tradedesk/pkg/marketdata"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/notify"
	"github.com/gregtusar/tradedesk/pkg/trader"
	"github.com/gregtusar/tradedesk/pkg/wsconn"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger

	watchEmail    string
	watchPassword string
	watchEvery    time.Duration
)

type notifier interface {
	Notify(ctx context.Context, ev models.LiquidationEvent) error
	Close() error
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tradedesk",
		Short: "Live market data and P/L service for the trading dashboard",
		Long:  `Relays the trading backend behind a cookie session, streams AllTick quotes and keeps open positions' P/L current, liquidating positions whose loss exhausts the account's funds`,
		Run:   runServe,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run:   runServe,
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Log live P/L for one account without the HTTP API",
		Run:   runWatch,
	}
	watchCmd.Flags().StringVar(&watchEmail, "email", "", "account email")
	watchCmd.Flags().StringVar(&watchPassword, "password", "", "account password (or TRADEDESK_PASSWORD)")
	watchCmd.Flags().DurationVar(&watchEvery, "every", 10*time.Second, "how often to log the position book")
	watchCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(serveCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads .env and the config file and builds the logger.
func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to load .env file")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	configureLogger(logger, cfg.Logging)
	return cfg
}

func configureLogger(l *logrus.Logger, c config.LoggingConfig) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if c.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.WithError(err).Error("Failed to open log file, logging to stderr only")
			return
		}
		l.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

func deskConfig(cfg *config.Config) trader.Config {
	return trader.Config{
		PollInterval: cfg.Trading.PollInterval,
		DefaultFeed:  models.Feed(cfg.Trading.DefaultFeed),
		DefaultPair:  cfg.Trading.DefaultPair,
		Market: marketdata.Config{
			Endpoints: alltick.Endpoints{
				StockURL: cfg.MarketData.StockURL,
				IndexURL: cfg.MarketData.IndexURL,
				Token:    cfg.MarketData.APIKey,
			},
			HeartbeatInterval: cfg.MarketData.HeartbeatInterval,
			Depth:             cfg.MarketData.Depth,
		},
		Socket: wsconn.Options{
			MaxAttempts:    cfg.MarketData.Reconnect.MaxAttempts,
			InitialBackoff: cfg.MarketData.Reconnect.InitialBackoff,
			MaxBackoff:     cfg.MarketData.Reconnect.MaxBackoff,
			Multiplier:     cfg.MarketData.Reconnect.Multiplier,
		},
	}
}

func backendClient(cfg *config.Config) *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL:           cfg.Backend.BaseURL,
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	}, logger)
}

// newNotifier publishes liquidations to RabbitMQ when a broker is
// configured and drops them otherwise.
func newNotifier(cfg *config.Config) notifier {
	if cfg.Broker.URL == "" {
		logger.Info("No broker configured, liquidation events stay local")
		return notify.Nop{}
	}
	p, err := notify.Dial(cfg.Broker.URL, cfg.Broker.Queue, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to broker, liquidation events stay local")
		return notify.Nop{}
	}
	return p
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := setup()

	n := newNotifier(cfg)
	defer n.Close()

	wallets, err := cache.New(cache.Config{
		NumCounters: cfg.Cache.NumCounters,
		MaxCost:     cfg.Cache.MaxCost,
		TTL:         cfg.Cache.WalletTTL,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create wallet cache")
	}
	defer wallets.Close()

	apiServer := api.NewServer(
		backendClient(cfg),
		alltick.NewKlineClient(cfg.MarketData.KlineURL, cfg.MarketData.APIKey),
		wallets,
		n,
		api.Options{
			Port:         cfg.Server.Port,
			SecureCookie: cfg.Server.SecureCookie,
			AllowOrigins: cfg.Server.AllowOrigins,
			Desk:         deskConfig(cfg),
		},
		logger,
	)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	logger.Info("Trading desk API is running. Press Ctrl+C to stop.")
	waitForSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}

	logger.Info("Trading desk API stopped")
}

func runWatch(cmd *cobra.Command, args []string) {
	cfg := setup()

	password := watchPassword
	if password == "" {
		password = os.Getenv("TRADEDESK_PASSWORD")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := backendClient(cfg)
	res, err := client.Login(ctx, models.Credentials{Email: watchEmail, Password: password})
	if err != nil {
		logger.WithError(err).Fatal("Login failed")
	}

	n := newNotifier(cfg)
	defer n.Close()

	desk := trader.NewDesk(client.Session(res.Token), n, deskConfig(cfg), logger)
	desk.Engine().Liquidations().On(func(ev models.LiquidationEvent) {
		logger.WithFields(logrus.Fields{
			"transaction_id": ev.TransactionID,
			"pair":           ev.Pair,
			"loss":           ev.Loss.String(),
		}).Warn("Position liquidated")
	})
	desk.Subscription().Status().On(func(ev marketdata.StatusEvent) {
		logger.WithFields(logrus.Fields{
			"status":      ev.Status,
			"reconnected": ev.Reconnected,
		}).Info("Market data status")
	})
	desk.Expired().On(func(error) {
		logger.Error("Session expired, stopping")
		cancel()
	})

	if err := desk.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start trading desk")
	}
	defer desk.Stop()

	go logPositions(ctx, desk, watchEvery)

	logger.Info("Watching positions. Press Ctrl+C to stop.")
	done := make(chan struct{})
	go func() {
		waitForSignal()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func logPositions(ctx context.Context, desk *trader.Desk, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := desk.Snapshot()
			for _, p := range snap.Positions {
				if p.Closed {
					continue
				}
				logger.WithFields(logrus.Fields{
					"id":     p.ID,
					"pair":   p.MetaData.Pair,
					"side":   p.Type,
					"pnl":    p.ProfitLoss.StringFixed(2),
					"pnl_pc": p.ProfitLossPercentage.StringFixed(2),
					"live":   p.Live,
				}).Info("Position")
			}
			logger.WithFields(logrus.Fields{
				"connection": snap.Connection.Status,
				"balance":    snap.Account.Balance.String(),
			}).Debug("Desk snapshot")
		}
	}
}
