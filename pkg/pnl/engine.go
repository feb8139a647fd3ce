package pnl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/events"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Backend is the part of the trading backend the engine needs.
type Backend interface {
	CloseTrade(ctx context.Context, req models.CloseTradeRequest) error
	Profile(ctx context.Context) (models.Account, error)
}

// Notifier receives liquidation events after the backend confirmed them.
type Notifier interface {
	Notify(ctx context.Context, ev models.LiquidationEvent) error
}

// QuoteSource is satisfied by marketdata.PriceTable.
type QuoteSource interface {
	Snapshot() map[string]models.Quote
	Updates() *events.Emitter[models.Quote]
}

type Engine struct {
	store    *store.Store
	backend  Backend
	notifier Notifier
	logger   *logrus.Logger
	now      func() time.Time

	liquidations *events.Emitter[models.LiquidationEvent]

	mu       sync.Mutex
	inflight map[string]bool
	closed   bool
	wg       sync.WaitGroup
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(st *store.Store, backend Backend, notifier Notifier, logger *logrus.Logger) *Engine {
	return &Engine{
		store:        st,
		backend:      backend,
		notifier:     notifier,
		logger:       logger,
		now:          time.Now,
		liquidations: events.NewEmitter[models.LiquidationEvent](),
		inflight:     make(map[string]bool),
	}
}

func (e *Engine) Liquidations() *events.Emitter[models.LiquidationEvent] { return e.liquidations }

// Attach recalculates on every quote stored in src until the returned
// function is called. Liquidations started from ticks run under ctx.
func (e *Engine) Attach(ctx context.Context, src QuoteSource) func() {
	return src.Updates().On(func(models.Quote) {
		e.Recalculate(ctx, src.Snapshot())
	})
}

// Recalculate computes live P/L for every open position without server
// P/L that has a quote in prices, stores the results, and starts a
// liquidation for each position whose loss reaches the account's total
// funds. It returns the computed snapshots keyed by transaction id.
func (e *Engine) Recalculate(ctx context.Context, prices map[string]models.Quote) map[string]models.PnLSnapshot {
	if len(prices) == 0 {
		return nil
	}

	now := e.now()
	acct := e.store.Account()
	funds := acct.TotalFunds()

	type candidate struct {
		tx    models.Transaction
		quote models.Quote
		loss  decimal.Decimal
	}
	var liquidate []candidate

	snaps := make(map[string]models.PnLSnapshot)
	for _, tx := range e.store.OpenTransactions() {
		q, ok := prices[alltick.VendorCode(tx.MetaData.Pair)]
		if !ok {
			continue
		}
		snap, err := Compute(tx, q, now)
		if err != nil {
			e.logger.WithError(err).WithField("transaction_id", tx.ID).Debug("Skipping P/L for position")
			continue
		}
		snaps[tx.ID] = snap

		if snap.Amount.IsNegative() && snap.Amount.LessThanOrEqual(funds.Neg()) && e.claim(tx.ID) {
			liquidate = append(liquidate, candidate{tx: tx, quote: q, loss: snap.Amount})
		}
	}

	e.store.ApplyLivePnL(snaps)

	for _, c := range liquidate {
		go e.liquidate(ctx, c.tx, c.quote, funds, acct.Credit, c.loss)
	}
	return snaps
}

// Close stops the engine from starting new liquidations. Running ones are
// left to finish; call Wait after Close to join them.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Wait blocks until every started liquidation has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// InFlight reports whether a liquidation for id is running.
func (e *Engine) InFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[id]
}

// claim marks id in flight and counts its liquidation on wg. It fails once
// the engine is closed.
func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	e.wg.Add(1)
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// liquidate closes tx with the loss clamped to the account's funds. Local
// state changes only after the backend accepted the close. credit is the
// account credit seen by the tick that started the liquidation.
func (e *Engine) liquidate(ctx context.Context, tx models.Transaction, q models.Quote, funds, credit, computed decimal.Decimal) {
	defer e.wg.Done()
	defer e.release(tx.ID)

	closedAt := q.Ask
	if tx.Type == models.SideBuy {
		closedAt = q.Bid
	}
	loss := funds.Neg()
	pct := percentOf(loss, margin(tx))

	log := e.logger.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"pair":           tx.MetaData.Pair,
		"side":           tx.Type,
		"computed_loss":  computed.String(),
		"total_funds":    funds.String(),
	})

	req := models.CloseTradeRequest{
		ID: tx.ID,
		MetaData: models.CloseMeta{
			ClosedAt:             closedAt.String(),
			ProfitLoss:           loss,
			ProfitLossPercentage: pct,
			OpenPrice:            tx.MetaData.BoughtAt.String(),
		},
	}
	if err := e.backend.CloseTrade(ctx, req); err != nil {
		log.WithError(err).Error("Failed to liquidate position")
		return
	}

	now := e.now()
	e.store.MarkClosed(tx.ID, closedAt, loss, pct, now)
	e.store.ApplyLiquidationFunds(credit)
	log.Warn("Position liquidated, loss reached total funds")

	if acct, err := e.backend.Profile(ctx); err != nil {
		log.WithError(err).Warn("Failed to refresh profile after liquidation")
	} else {
		e.store.SetAccount(acct)
	}

	ev := models.LiquidationEvent{
		EventID:       uuid.NewString(),
		TransactionID: tx.ID,
		Pair:          tx.MetaData.Pair,
		Side:          tx.Type,
		ClosedAt:      closedAt,
		Loss:          loss,
		ComputedLoss:  computed,
		TotalFunds:    funds,
		Timestamp:     now,
	}
	e.liquidations.Emit(ev)

	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		log.WithError(err).Warn("Failed to publish liquidation event")
	}
}
