package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Transaction is one open or closed trade as the backend reports it.
// Price holds the notional trade size, not a market price.
type Transaction struct {
	ID        string          `json:"id"`
	Type      Side            `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Closed    bool            `json:"closed"`
	CreatedAt string          `json:"created_at"`
	MetaData  TradeMeta       `json:"meta_data"`
}

type TradeMeta struct {
	Pair                 string              `json:"pair"`
	BoughtAt             decimal.Decimal     `json:"boughtAt"`
	ClosedAt             decimal.NullDecimal `json:"closedAt"`
	Leverage             decimal.NullDecimal `json:"leverage"`
	Margin               decimal.NullDecimal `json:"margin"`
	Quantity             decimal.NullDecimal `json:"quantity"`
	ProfitLoss           decimal.NullDecimal `json:"profitLoss"`
	ProfitLossPercentage decimal.NullDecimal `json:"profitLossPercentage"`
	OrderType            string              `json:"order_type,omitempty"`
}

// HasPnLData reports whether the stored record already carries a final or
// server-confirmed P/L, in which case live recomputation is skipped.
func (t Transaction) HasPnLData() bool {
	if t.Closed {
		return true
	}
	return nonZero(t.MetaData.ProfitLoss) || nonZero(t.MetaData.ProfitLossPercentage)
}

// NeedsLivePnL is true for open positions without server P/L.
func (t Transaction) NeedsLivePnL() bool {
	return !t.Closed && !t.HasPnLData()
}

func nonZero(d decimal.NullDecimal) bool {
	return d.Valid && !d.Decimal.IsZero()
}

// PnLSnapshot is an unrealized P/L value computed locally from a quote.
type PnLSnapshot struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percentage"`
	AsOf    time.Time       `json:"as_of"`
}

type TransactionsPage struct {
	Transactions []Transaction `json:"data"`
	HasNext      bool          `json:"has_next"`
}

type CloseTradeRequest struct {
	ID       string    `json:"id"`
	MetaData CloseMeta `json:"meta_data"`
}

type CloseMeta struct {
	ClosedAt             string          `json:"closedAt"`
	ProfitLoss           decimal.Decimal `json:"profitLoss"`
	ProfitLossPercentage decimal.Decimal `json:"profitLossPercentage"`
	OpenPrice            string          `json:"openPrice"`
}

// LiquidationEvent describes a forced closure issued by the P/L engine.
type LiquidationEvent struct {
	EventID       string          `json:"event_id"`
	TransactionID string          `json:"transaction_id"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	ClosedAt      decimal.Decimal `json:"closed_at"`
	Loss          decimal.Decimal `json:"loss"`
	ComputedLoss  decimal.Decimal `json:"computed_loss"`
	TotalFunds    decimal.Decimal `json:"total_funds"`
	Timestamp     time.Time       `json:"timestamp"`
}
