package lx

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceLedger is the external account store. Debits happen before a
// mutation commits, credits after the resource lock is released.
type BalanceLedger interface {
	CheckAvailable(ctx context.Context, account, token string, amount decimal.Decimal) (bool, error)
	Debit(ctx context.Context, account, token string, amount decimal.Decimal) error
	Credit(ctx context.Context, account, token string, amount decimal.Decimal) error
}

// RiskApprover optionally gates order submission
type RiskApprover interface {
	ApproveOrder(ctx context.Context, owner, symbol string, side Side, quantity, price decimal.Decimal) (bool, error)
}

// Transfer is a pending ledger credit produced by a mutation. An empty
// Account means the engine fee account.
type Transfer struct {
	Account string          `json:"account"`
	Token   string          `json:"token"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}
