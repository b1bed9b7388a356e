// Package round runs the crash round lifecycle. A single Engine goroutine owns
// the live Round and its Ledger; everything else talks to it through the
// mailbox.
package round

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCommitted
	PhaseRunning
	PhaseCrashed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCommitted:
		return "betting"
	case PhaseRunning:
		return "running"
	case PhaseCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Owner identifies who placed a bet. ConnID addresses notifications; PlayerID
// and Session are what the wallet sees.
type Owner struct {
	ConnID   string
	PlayerID string
	Session  string
}

// Same reports whether o and other are the same player. Player ids win over
// connection ids so a reconnecting player keeps their bets.
func (o Owner) Same(other Owner) bool {
	if o.PlayerID != "" || other.PlayerID != "" {
		return o.PlayerID == other.PlayerID
	}
	return o.ConnID == other.ConnID
}

// Bet is a wager in one round. Amount and AutoCashout never change after
// placement; CashedOut flips false->true at most once.
type Bet struct {
	ID          string
	RoundID     string
	Owner       Owner
	Amount      decimal.Decimal
	AutoCashout *float64
	CashedOut   bool
	CashedAt    float64
	PlacedAt    time.Time
}

// Payout is amount x cashedAt rounded to cents; zero until cashed out.
func (b Bet) Payout() decimal.Decimal {
	if !b.CashedOut {
		return decimal.Zero
	}
	return Payout(b.Amount, b.CashedAt)
}

func Payout(amount decimal.Decimal, multiplier float64) decimal.Decimal {
	return amount.Mul(decimal.NewFromFloat(multiplier)).Round(2)
}

// Round is the single live round. Seed and crash point never leave the
// package before the round has crashed.
type Round struct {
	ID         string
	commitment fairness.Commitment
	crashPoint float64
	closesAt   time.Time
	StartedAt  time.Time
	crashed    bool
	ledger     *Ledger
}

func newRound(id string, c fairness.Commitment, crashPoint float64, closesAt time.Time) *Round {
	return &Round{
		ID:         id,
		commitment: c,
		crashPoint: crashPoint,
		closesAt:   closesAt,
		ledger:     NewLedger(),
	}
}

func (r *Round) Hash() string {
	return r.commitment.Hash
}

// Reveal returns the server seed, but only once the round has crashed.
func (r *Round) Reveal() (string, bool) {
	if !r.crashed {
		return "", false
	}
	return r.commitment.Seed, true
}
