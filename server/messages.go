package server

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
)

// Message is the websocket envelope in both directions.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// inbound defers payload decoding until the type is known.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client -> server
const (
	MsgPlaceBet = "place_bet"
	MsgCashOut  = "cash_out"
	MsgBalance  = "balance"
)

// Server -> client, besides the round events.
const (
	MsgState       = "state"
	MsgBetAccepted = "bet_accepted"
	MsgError       = "error"
)

type PlaceBetRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	AutoCashout *float64        `json:"autoCashout,omitempty"`
}

type CashOutRequest struct {
	RoundID string `json:"roundId,omitempty"`
	BetID   string `json:"betId"`
}

// BalanceView answers MsgBalance.
type BalanceView struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type BetView struct {
	ID          string   `json:"id"`
	RoundID     string   `json:"roundId"`
	PlayerID    string   `json:"playerId,omitempty"`
	Amount      float64  `json:"amount"`
	AutoCashout *float64 `json:"autoCashout,omitempty"`
	CashedOut   bool     `json:"cashedOut"`
	CashedAt    float64  `json:"cashedAt,omitempty"`
	Payout      float64  `json:"payout,omitempty"`
}

func betView(b round.Bet) BetView {
	v := BetView{
		ID:          b.ID,
		RoundID:     b.RoundID,
		PlayerID:    b.Owner.PlayerID,
		Amount:      b.Amount.InexactFloat64(),
		AutoCashout: b.AutoCashout,
		CashedOut:   b.CashedOut,
	}
	if b.CashedOut {
		v.CashedAt = b.CashedAt
		v.Payout = b.Payout().InexactFloat64()
	}
	return v
}

type BetAccepted struct {
	Bet BetView `json:"bet"`
}

// StateView is sent on join and served by GET /crash/state.
type StateView struct {
	Phase           string     `json:"phase"`
	RoundID         string     `json:"roundId,omitempty"`
	ServerHash      string     `json:"serverHash,omitempty"`
	Multiplier      float64    `json:"multiplier"`
	BettingClosesAt *time.Time `json:"bettingClosesAt,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	BetCount        int        `json:"betCount"`
	Bets            []BetView  `json:"bets,omitempty"`
}

func stateView(s round.Snapshot, withBets bool) StateView {
	v := StateView{
		Phase:      s.Phase.String(),
		RoundID:    s.RoundID,
		ServerHash: s.ServerHash,
		Multiplier: s.Multiplier,
		BetCount:   len(s.Bets),
	}
	if s.Phase == round.PhaseCommitted && !s.BettingClosesAt.IsZero() {
		t := s.BettingClosesAt
		v.BettingClosesAt = &t
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		v.StartedAt = &t
	}
	if withBets {
		for _, b := range s.Bets {
			v.Bets = append(v.Bets, betView(b))
		}
	}
	return v
}
