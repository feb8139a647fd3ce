package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Feed string

const (
	FeedForex     Feed = "forex"
	FeedCrypto    Feed = "crypto"
	FeedCommodity Feed = "commodity"
	FeedStocks    Feed = "stocks"
)

func (f Feed) Valid() bool {
	switch f {
	case FeedForex, FeedCrypto, FeedCommodity, FeedStocks:
		return true
	}
	return false
}

type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Quote is the best bid/ask for one instrument as of its latest tick.
type Quote struct {
	Code       string          `json:"code"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	TickTime   string          `json:"tick_time"`
	Seq        string          `json:"seq"`
	ReceivedAt time.Time       `json:"received_at"`
}

type SelectedPairPrice struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

type ConnectionStatus string

const (
	StatusLoading      ConnectionStatus = "loading"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)
