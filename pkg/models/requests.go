package models

import "github.com/shopspring/decimal"

// TradeOrder opens a position. Price is the notional size.
type TradeOrder struct {
	Price    decimal.Decimal `json:"price"`
	MetaData OrderMeta       `json:"meta_data"`
}

type OrderMeta struct {
	Pair      string          `json:"pair"`
	Leverage  decimal.Decimal `json:"leverage"`
	Margin    decimal.Decimal `json:"margin"`
	OrderType string          `json:"order_type"`
	BoughtAt  string          `json:"boughtAt"`
}

// RequestRecord is one deposit or withdrawal request in the account history.
type RequestRecord struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address"`
	Approved      bool            `json:"approved"`
}

type SocialLink struct {
	Name string `json:"name"`
	Link string `json:"link"`
}
