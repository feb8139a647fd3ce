// Package pnl computes unrealized profit and loss for open positions and
// force-closes positions whose loss consumes the account's funds.
package pnl

import (
	"errors"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrInvalidPosition = errors.New("position has no valid entry price")

var hundred = decimal.NewFromInt(100)

// Compute returns the unrealized P/L of tx against q:
//
//	priceDiff = BUY ? bid - entry : entry - ask
//	amount    = priceDiff / entry * quantity * leverage
//	percent   = amount / margin * 100
//
// Quantity falls back to the notional size, leverage to 1 and margin to
// notional / leverage whenever the stored value is absent or not positive.
func Compute(tx models.Transaction, q models.Quote, asOf time.Time) (models.PnLSnapshot, error) {
	entry := tx.MetaData.BoughtAt
	if !entry.IsPositive() {
		return models.PnLSnapshot{}, ErrInvalidPosition
	}

	var diff decimal.Decimal
	if tx.Type == models.SideBuy {
		diff = q.Bid.Sub(entry)
	} else {
		diff = entry.Sub(q.Ask)
	}

	amount := diff.Div(entry).Mul(quantity(tx)).Mul(leverage(tx))
	return models.PnLSnapshot{
		Amount:  amount,
		Percent: percentOf(amount, margin(tx)),
		AsOf:    asOf,
	}, nil
}

func leverage(tx models.Transaction) decimal.Decimal {
	l := tx.MetaData.Leverage
	if !l.Valid || !l.Decimal.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return l.Decimal
}

func quantity(tx models.Transaction) decimal.Decimal {
	q := tx.MetaData.Quantity
	if q.Valid && q.Decimal.IsPositive() {
		return q.Decimal
	}
	return tx.Price
}

func margin(tx models.Transaction) decimal.Decimal {
	m := tx.MetaData.Margin
	if m.Valid && m.Decimal.IsPositive() {
		return m.Decimal
	}
	return tx.Price.Div(leverage(tx))
}

// percentOf is zero unless margin is positive.
func percentOf(amount, margin decimal.Decimal) decimal.Decimal {
	if !margin.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(margin).Mul(hundred)
}
