// Package wallet defines the account collaborator the round engine debits at
// bet placement and credits at cash-out, plus the in-process and Postgres
// implementations.
package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindBet    Kind = "bet"
	KindWin    Kind = "win"
	KindRefund Kind = "refund"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidAmount     = errors.New("wallet: amount must be positive")
)

// Tx is one balance movement. ID is unique per movement and makes every call
// idempotent; a refund names the bet it reverses in Ref.
type Tx struct {
	ID       string
	Kind     Kind
	Ref      string
	RoundID  string
	BetID    string
	PlayerID string
	Session  string
	Amount   decimal.Decimal
}

// Wallet is the account service. Debit must fail with ErrInsufficientFunds when
// the balance cannot cover the amount. A refund whose Ref was never debited is
// a no-op.
type Wallet interface {
	Debit(ctx context.Context, tx Tx) error
	Credit(ctx context.Context, tx Tx) error
}

// Balancer reports a player's current balance.
type Balancer interface {
	Balance(ctx context.Context, playerID, session string) (decimal.Decimal, error)
}
