// Package store holds the state shared between the subscription, the P/L
// engine, the transaction poller and the HTTP API.
package store

import (
	"sync"
	"time"

	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
)

type Selection struct {
	Feed models.Feed `json:"feed"`
	Pair string      `json:"pair"`
}

type Connection struct {
	Status models.ConnectionStatus `json:"status"`
	Error  string                  `json:"error,omitempty"`
}

// Position is the cached view of one transaction plus the locally computed
// P/L overlay. Revision increases on every accepted change.
type Position struct {
	Transaction models.Transaction  `json:"transaction"`
	Live        *models.PnLSnapshot `json:"live,omitempty"`
	Revision    uint64              `json:"revision"`

	serverAsOf time.Time
}

// PnL returns the amount and percentage to display: the fresher of the
// server value and the local overlay. ok is false when neither exists.
func (p Position) PnL() (amount, pct decimal.Decimal, ok bool) {
	if p.Live != nil && !p.Transaction.Closed && p.serverAsOf.Before(p.Live.AsOf) {
		return p.Live.Amount, p.Live.Percent, true
	}
	meta := p.Transaction.MetaData
	if !meta.ProfitLoss.Valid && !meta.ProfitLossPercentage.Valid {
		return decimal.Zero, decimal.Zero, false
	}
	return meta.ProfitLoss.Decimal, meta.ProfitLossPercentage.Decimal, true
}

type Store struct {
	mu sync.RWMutex

	selection    Selection
	pairPrice    models.SelectedPairPrice
	priceUpdated bool
	loading      bool
	conn         Connection

	account models.Account

	positions map[string]*Position
	order     []string
}

func New() *Store {
	return &Store{
		selection: Selection{Feed: models.FeedForex},
		conn:      Connection{Status: models.StatusLoading},
		positions: make(map[string]*Position),
	}
}

func (s *Store) SetSelection(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection != sel {
		s.priceUpdated = false
	}
	s.selection = sel
}

func (s *Store) Selection() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

func (s *Store) SetSelectedPairPrice(p models.SelectedPairPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairPrice = p
	s.priceUpdated = true
}

// SelectedPairPrice returns the last price published for the selected pair
// and whether one has arrived since the selection last changed.
func (s *Store) SelectedPairPrice() (models.SelectedPairPrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairPrice, s.priceUpdated
}

func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = v
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

func (s *Store) SetConnection(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

func (s *Store) Connection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Store) SetAccount(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

func (s *Store) Account() models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// ApplyLiquidationFunds zeroes the balance and sets the credit to the
// negation of credit, the value captured when the liquidation started.
// Applying it again for the same tick leaves the account unchanged.
func (s *Store) ApplyLiquidationFunds(credit decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.Balance = decimal.Zero
	s.account.Credit = credit.Neg()
}
