package trader

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/backend"
	"github.com/gregtusar/tradedesk/pkg/events"
	"github.com/gregtusar/tradedesk/pkg/marketdata"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/pnl"
	"github.com/gregtusar/tradedesk/pkg/store"
	"github.com/gregtusar/tradedesk/pkg/wsconn"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Backend is what a desk needs from the trading backend for one user.
type Backend interface {
	pnl.Backend
	Transactions(ctx context.Context, page int) (models.TransactionsPage, error)
}

type Config struct {
	PollInterval time.Duration
	DefaultFeed  models.Feed
	DefaultPair  string
	Market       marketdata.Config
	Socket       wsconn.Options
}

// Desk is one user's trading session: market data subscription, position
// book, transaction polling and the P/L engine.
type Desk struct {
	cfg     Config
	backend Backend
	store   *store.Store
	sub     *marketdata.Subscription
	engine  *pnl.Engine
	logger  *logrus.Logger
	expired *events.Emitter[error]

	mu      sync.RWMutex
	page    int
	hasNext bool
	started bool
	detach  func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDesk wires a desk. notifier may be nil.
func NewDesk(b Backend, notifier pnl.Notifier, cfg Config, logger *logrus.Logger) *Desk {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if !cfg.DefaultFeed.Valid() {
		cfg.DefaultFeed = models.FeedForex
	}
	if cfg.DefaultPair == "" {
		cfg.DefaultPair = alltick.Pairs(cfg.DefaultFeed)[0]
	}

	st := store.New()
	pool := wsconn.NewPool(cfg.Socket, logger)
	return &Desk{
		cfg:     cfg,
		backend: b,
		store:   st,
		sub:     marketdata.NewSubscription(pool, st, cfg.Market, logger),
		engine:  pnl.NewEngine(st, b, notifier, logger),
		logger:  logger,
		expired: events.NewEmitter[error](),
		page:    1,
		stopCh:  make(chan struct{}),
	}
}

func (d *Desk) Store() *store.Store { return d.store }

func (d *Desk) Engine() *pnl.Engine { return d.engine }

func (d *Desk) Subscription() *marketdata.Subscription { return d.sub }

// Expired fires once the backend rejects the session's token during a
// background refresh.
func (d *Desk) Expired() *events.Emitter[error] { return d.expired }

// Start loads the account, attaches the P/L engine to the price table,
// loads the first transaction page, subscribes the default selection and
// starts polling. ctx bounds the whole session, not just the call.
func (d *Desk) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("Starting trading desk")

	if _, err := d.RefreshProfile(ctx); err != nil {
		return err
	}

	detach := d.engine.Attach(ctx, d.sub.Table())
	d.mu.Lock()
	d.detach = detach
	d.mu.Unlock()

	if err := d.refresh(ctx); err != nil {
		return err
	}

	if err := d.sub.Select(ctx, d.cfg.DefaultFeed, d.cfg.DefaultPair); err != nil {
		// The socket keeps retrying on its own.
		d.logger.WithError(err).Warn("Initial market data subscription failed")
	}

	d.wg.Add(1)
	go d.pollTransactions(ctx)
	return nil
}

// Stop ends polling, closes and detaches the engine, closes the market data
// sockets and waits for running liquidations.
func (d *Desk) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping trading desk")
		close(d.stopCh)
		d.engine.Close()

		d.mu.Lock()
		detach := d.detach
		d.detach = nil
		d.mu.Unlock()
		if detach != nil {
			detach()
		}

		d.sub.Close()
		d.wg.Wait()
		d.engine.Wait()
	})
}

// Select changes the selected feed and pair.
func (d *Desk) Select(ctx context.Context, feed models.Feed, pair string) error {
	return d.sub.Select(ctx, feed, pair)
}

// Reconnect forces every market data socket through a fresh connect cycle.
func (d *Desk) Reconnect(ctx context.Context) error {
	return d.sub.ForceReconnect(ctx)
}

func (d *Desk) RefreshProfile(ctx context.Context) (models.Account, error) {
	acct, err := d.backend.Profile(ctx)
	if err != nil {
		return models.Account{}, err
	}
	d.store.SetAccount(acct)
	return acct, nil
}

// SetPage switches the position book to another transaction page.
func (d *Desk) SetPage(ctx context.Context, page int) (models.TransactionsPage, error) {
	if page < 1 {
		page = 1
	}
	p, err := d.backend.Transactions(ctx, page)
	if err != nil {
		return models.TransactionsPage{}, err
	}

	d.mu.Lock()
	d.page = page
	d.hasNext = p.HasNext
	d.mu.Unlock()

	d.store.ReplaceTransactions(p.Transactions, time.Now())
	d.watchOpenPositions(ctx)
	return p, nil
}

// CloseTrade closes a position manually and records the closure in the
// book once the backend accepted it. A position the engine is already
// liquidating is refused.
func (d *Desk) CloseTrade(ctx context.Context, req models.CloseTradeRequest) error {
	if d.engine.InFlight(req.ID) {
		return &backend.APIError{Kind: models.ErrKindValidation, Message: "Position is being liquidated"}
	}
	if err := d.backend.CloseTrade(ctx, req); err != nil {
		return err
	}

	closedAt, err := decimal.NewFromString(req.MetaData.ClosedAt)
	if err != nil {
		closedAt = decimal.Zero
	}
	d.store.MarkClosed(req.ID, closedAt, req.MetaData.ProfitLoss, req.MetaData.ProfitLossPercentage, time.Now())
	return nil
}

// Refresh re-fetches the current page and merges it, used after trades.
func (d *Desk) Refresh(ctx context.Context) error {
	return d.refresh(ctx)
}

func (d *Desk) refresh(ctx context.Context) error {
	d.mu.RLock()
	page := d.page
	d.mu.RUnlock()

	p, err := d.backend.Transactions(ctx, page)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.hasNext = p.HasNext
	d.mu.Unlock()

	d.store.MergeTransactions(p.Transactions, time.Now())
	d.watchOpenPositions(ctx)
	return nil
}

// watchOpenPositions makes sure every position that needs live P/L has its
// instrument subscribed, whatever feed is selected.
func (d *Desk) watchOpenPositions(ctx context.Context) {
	open := d.store.OpenTransactions()
	if len(open) == 0 {
		return
	}
	codes := make([]string, 0, len(open))
	for _, tx := range open {
		codes = append(codes, alltick.VendorCode(tx.MetaData.Pair))
	}
	if err := d.sub.Watch(ctx, codes); err != nil {
		d.logger.WithError(err).Warn("Failed to subscribe open positions")
	}
}

func (d *Desk) pollTransactions(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.refresh(ctx); err != nil {
				if backend.IsUnauthorized(err) {
					d.logger.WithError(err).Warn("Session expired, stopping transaction refresh")
					d.expired.Emit(err)
					return
				}
				d.logger.WithError(err).Error("Failed to refresh transactions")
			}
		}
	}
}

// PositionView is a position with the P/L to display resolved.
type PositionView struct {
	models.Transaction
	ProfitLoss           decimal.Decimal `json:"profit_loss"`
	ProfitLossPercentage decimal.Decimal `json:"profit_loss_percentage"`
	HasPnL               bool            `json:"has_pnl"`
	Live                 bool            `json:"live"`
	Liquidating          bool            `json:"liquidating"`
	Revision             uint64          `json:"revision"`
}

type Snapshot struct {
	Selection     store.Selection          `json:"selection"`
	SelectedPrice models.SelectedPairPrice `json:"selected_price"`
	PriceUpdated  bool                     `json:"price_updated"`
	Connection    store.Connection         `json:"connection"`
	Loading       bool                     `json:"loading"`
	Account       models.Account           `json:"account"`
	Positions     []PositionView           `json:"positions"`
	Page          int                      `json:"page"`
	HasNext       bool                     `json:"has_next"`
}

func (d *Desk) Snapshot() Snapshot {
	price, updated := d.store.SelectedPairPrice()

	positions := d.store.Positions()
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		amount, pct, ok := p.PnL()
		views = append(views, PositionView{
			Transaction:          p.Transaction,
			ProfitLoss:           amount,
			ProfitLossPercentage: pct,
			HasPnL:               ok,
			Live:                 p.Live != nil && !p.Transaction.HasPnLData(),
			Liquidating:          d.engine.InFlight(p.Transaction.ID),
			Revision:             p.Revision,
		})
	}

	d.mu.RLock()
	page, hasNext := d.page, d.hasNext
	d.mu.RUnlock()

	return Snapshot{
		Selection:     d.store.Selection(),
		SelectedPrice: price,
		PriceUpdated:  updated,
		Connection:    d.store.Connection(),
		Loading:       d.store.Loading(),
		Account:       d.store.Account(),
		Positions:     views,
		Page:          page,
		HasNext:       hasNext,
	}
}

// Quotes returns the latest quote per vendor code.
func (d *Desk) Quotes() map[string]models.Quote {
	return d.sub.Table().Snapshot()
}
