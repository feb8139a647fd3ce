package models

import "github.com/shopspring/decimal"

type Account struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	FullName   string          `json:"full_name"`
	DateJoined string          `json:"date_joined"`
	Balance    decimal.Decimal `json:"balance"`
	Credit     decimal.Decimal `json:"credit"`
	Equity     decimal.Decimal `json:"equity"`
	Margin     decimal.Decimal `json:"margin"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	OpenPL     decimal.Decimal `json:"open_p_and_l"`
	ClosePL    decimal.Decimal `json:"close_p_and_l"`
}

// TotalFunds is the amount a single position may lose before it is liquidated.
func (a Account) TotalFunds() decimal.Decimal {
	return a.Balance.Add(a.Credit)
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type DepositRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Network string          `json:"network"`
}

type WithdrawalRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Network       string          `json:"network"`
	WalletAddress string          `json:"wallet_address"`
}

type WalletAddress struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}
