package store

import (
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

// MergeTransactions folds a refreshed page from the backend into the book.
//
// The server record always replaces the cached transaction fields. Which
// P/L is shown is decided by comparing stamps: server P/L is stamped with
// fetchedAt only when the server actually reports a non-zero value, and the
// local overlay carries the time it was computed. A closed server record is
// terminal and drops the overlay. Merging the same payload twice is a no-op
// for the overlay, so a refresh that still reports zero never clobbers a
// live value.
func (s *Store) MergeTransactions(txs []models.Transaction, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		p, ok := s.positions[tx.ID]
		if !ok {
			p = &Position{}
			s.positions[tx.ID] = p
		}
		if p.Transaction.Closed && !tx.Closed {
			// A locally confirmed closure is final; a lagging page cannot reopen it.
			continue
		}

		prev := p.Transaction
		p.Transaction = tx
		switch {
		case tx.Closed:
			p.Live = nil
			p.serverAsOf = fetchedAt
		case tx.HasPnLData():
			if p.serverAsOf.IsZero() || !samePnL(prev.MetaData, tx.MetaData) {
				p.serverAsOf = fetchedAt
			}
		default:
			p.serverAsOf = time.Time{}
		}
		p.Revision++
	}

	s.reorder(txs)
}

// reorder puts the page's ids first, in page order, followed by the ids
// not on the page in their previous order.
func (s *Store) reorder(txs []models.Transaction) {
	onPage := make(map[string]bool, len(txs))
	order := make([]string, 0, len(s.positions))
	for _, tx := range txs {
		if onPage[tx.ID] {
			continue
		}
		onPage[tx.ID] = true
		order = append(order, tx.ID)
	}
	for _, id := range s.order {
		if !onPage[id] {
			order = append(order, id)
		}
	}
	s.order = order
}

func samePnL(a, b models.TradeMeta) bool {
	return sameNull(a.ProfitLoss, b.ProfitLoss) && sameNull(a.ProfitLossPercentage, b.ProfitLossPercentage)
}

func sameNull(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// ReplaceTransactions resets the book to exactly txs, used when the user
// switches pages. Overlays of positions that remain are preserved.
func (s *Store) ReplaceTransactions(txs []models.Transaction, fetchedAt time.Time) {
	keep := make(map[string]bool, len(txs))
	for _, tx := range txs {
		keep[tx.ID] = true
	}

	s.mu.Lock()
	order := s.order[:0]
	for _, id := range s.order {
		if keep[id] {
			order = append(order, id)
			continue
		}
		delete(s.positions, id)
	}
	s.order = order
	s.mu.Unlock()

	s.MergeTransactions(txs, fetchedAt)
}

// ApplyLivePnL stores freshly computed snapshots. Closed positions and
// unknown ids are skipped.
func (s *Store) ApplyLivePnL(snaps map[string]models.PnLSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, snap := range snaps {
		p, ok := s.positions[id]
		if !ok || p.Transaction.Closed {
			continue
		}
		snap := snap
		p.Live = &snap
		p.Revision++
	}
}

// MarkClosed records a confirmed closure with its final P/L.
func (s *Store) MarkClosed(id string, closedAt, pnl, pct decimal.Decimal, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || p.Transaction.Closed {
		return false
	}
	p.Transaction.Closed = true
	p.Transaction.MetaData.ClosedAt = decimal.NewNullDecimal(closedAt)
	p.Transaction.MetaData.ProfitLoss = decimal.NewNullDecimal(pnl)
	p.Transaction.MetaData.ProfitLossPercentage = decimal.NewNullDecimal(pct)
	p.Live = nil
	p.serverAsOf = at
	p.Revision++
	return true
}

func (s *Store) Position(id string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return Position{}, false
	}
	return copyPosition(p), true
}

// Positions returns copies in server order.
func (s *Store) Positions() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyPosition(s.positions[id]))
	}
	return out
}

// OpenTransactions returns the transactions that still need live P/L.
func (s *Store) OpenTransactions() []models.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Transaction
	for _, id := range s.order {
		tx := s.positions[id].Transaction
		if tx.NeedsLivePnL() {
			out = append(out, tx)
		}
	}
	return out
}

func copyPosition(p *Position) Position {
	c := *p
	if p.Live != nil {
		live := *p.Live
		c.Live = &live
	}
	return c
}
