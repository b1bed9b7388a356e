package round

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

// Outcome is the settlement of a cashed-out bet.
type Outcome struct {
	RoundID  string
	BetID    string
	Amount   decimal.Decimal
	CashedAt float64
	Payout   decimal.Decimal
	Auto     bool
}

func (e *Engine) validateBet(amount decimal.Decimal, autoCashout *float64) error {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	if e.cfg.MinBet.IsPositive() && amount.LessThan(e.cfg.MinBet) {
		return ErrInvalidAmount
	}
	if e.cfg.MaxBet.IsPositive() && amount.GreaterThan(e.cfg.MaxBet) {
		return ErrInvalidAmount
	}
	if autoCashout != nil {
		a := *autoCashout
		if math.IsNaN(a) || math.IsInf(a, 0) || a < e.cfg.MinAutoCashout || a < 1 {
			return ErrInvalidAutoCashout
		}
	}
	return nil
}

// PlaceBet debits the owner's wallet and enters the bet into the round that is
// currently taking bets. The debit runs on the caller's goroutine with the
// betting window close as its deadline; if the window closes first the bet is
// rejected with ErrNoActiveRound and the debit is refunded.
func (e *Engine) PlaceBet(ctx context.Context, owner Owner, amount decimal.Decimal, autoCashout *float64) (Bet, error) {
	if err := e.validateBet(amount, autoCashout); err != nil {
		return Bet{}, err
	}
	var threshold *float64
	if autoCashout != nil {
		v := math.Floor(*autoCashout*100+1e-9) / 100
		threshold = &v
	}

	var (
		roundID  string
		closesAt time.Time
		openErr  error
	)
	if err := e.call(ctx, func() {
		if e.phase != PhaseCommitted || e.round == nil {
			openErr = ErrNoActiveRound
			return
		}
		roundID, closesAt = e.round.ID, e.round.closesAt
	}); err != nil {
		return Bet{}, err
	}
	if openErr != nil {
		return Bet{}, openErr
	}
	remaining := closesAt.Sub(e.clock.Now())
	if remaining <= 0 {
		return Bet{}, ErrNoActiveRound
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		RoundID:     roundID,
		Owner:       owner,
		Amount:      amount,
		AutoCashout: threshold,
	}
	log := e.log.With(zap.String("round_id", roundID), zap.String("bet_id", bet.ID), zap.String("player_id", owner.PlayerID))

	debitCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	if err := e.wallet.Debit(debitCtx, debitTx(*bet)); err != nil {
		switch {
		case errors.Is(err, wallet.ErrInsufficientFunds):
			return Bet{}, ErrInsufficientFunds
		case errors.Is(err, wallet.ErrInvalidAmount):
			return Bet{}, ErrInvalidAmount
		case debitCtx.Err() != nil:
			// The debit may still land after we stopped waiting for it.
			log.Warn("wallet debit outlived the betting window", zap.Error(err))
			e.refund(*bet)
			if ctx.Err() != nil {
				return Bet{}, ctx.Err()
			}
			return Bet{}, ErrNoActiveRound
		default:
			// The debit may have been applied before failing; refunding an
			// unknown debit is a no-op.
			log.Warn("wallet debit failed, refunding", zap.Error(err))
			e.refund(*bet)
			return Bet{}, fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
		}
	}

	var (
		accepted  Bet
		acceptErr error
	)
	callErr := e.call(context.WithoutCancel(ctx), func() {
		r := e.round
		if e.phase != PhaseCommitted || r == nil || r.ID != roundID {
			acceptErr = ErrNoActiveRound
			return
		}
		bet.PlacedAt = e.clock.Now()
		if err := r.ledger.Append(bet); err != nil {
			e.log.DPanic("ledger refused bet", zap.String("bet_id", bet.ID), zap.Error(err))
			acceptErr = err
			return
		}
		accepted = *bet
		e.pub.Broadcast(EventPlayerBet, PlayerBet{
			RoundID:  r.ID,
			BetID:    bet.ID,
			PlayerID: owner.PlayerID,
			Amount:   amount.InexactFloat64(),
		})
	})
	if callErr == nil {
		callErr = acceptErr
	}
	if callErr != nil {
		log.Info("bet missed the betting window, refunding", zap.Error(callErr))
		e.refund(*bet)
		if errors.Is(callErr, ErrEngineStopped) {
			return Bet{}, ErrNoActiveRound
		}
		return Bet{}, callErr
	}
	log.Info("bet accepted", zap.String("amount", amount.String()))
	return accepted, nil
}

// CashOut settles betID at the current multiplier. roundID may be empty to
// mean the live round. When the curve has already reached the crash point the
// round crashes on the spot and the request gets ErrNoRunningRound.
func (e *Engine) CashOut(ctx context.Context, roundID, betID string, owner Owner) (Outcome, error) {
	var (
		out    Outcome
		cashed error
	)
	if err := e.call(ctx, func() {
		out, cashed = e.cashOut(roundID, betID, owner)
	}); err != nil {
		return Outcome{}, err
	}
	return out, cashed
}

func (e *Engine) cashOut(roundID, betID string, owner Owner) (Outcome, error) {
	r := e.round
	if e.phase != PhaseRunning || r == nil || r.crashed {
		return Outcome{}, ErrNoRunningRound
	}
	if roundID != "" && roundID != r.ID {
		return Outcome{}, ErrNoRunningRound
	}
	b, ok := r.ledger.Get(betID)
	if !ok || !b.Owner.Same(owner) {
		return Outcome{}, ErrBetNotFound
	}
	if b.CashedOut {
		return Outcome{}, ErrAlreadyCashed
	}
	m := e.multiplier(r)
	if m >= r.crashPoint {
		e.crash(r)
		return Outcome{}, ErrNoRunningRound
	}
	return e.settleCashOut(r, betID, m, false, owner)
}

// autoCashOut pays every open bet whose threshold the multiplier has reached.
func (e *Engine) autoCashOut(r *Round, m float64) {
	for _, b := range r.ledger.Open() {
		if b.AutoCashout != nil && *b.AutoCashout <= m {
			e.settleCashOut(r, b.ID, *b.AutoCashout, true, b.Owner)
		}
	}
}

// settleCashOut is the single cashed-out transition for manual and automatic
// cash-outs. bet_cashed goes to notify: the requesting connection for a manual
// cash-out, the bet owner otherwise.
func (e *Engine) settleCashOut(r *Round, betID string, at float64, auto bool, notify Owner) (Outcome, error) {
	if at >= r.crashPoint {
		e.log.DPanic("cash-out at or above crash point",
			zap.String("round_id", r.ID), zap.String("bet_id", betID), zap.Float64("multiplier", at))
		return Outcome{}, ErrNoRunningRound
	}
	b, err := r.ledger.CashOut(betID, at)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		RoundID:  r.ID,
		BetID:    b.ID,
		Amount:   b.Amount,
		CashedAt: at,
		Payout:   b.Payout(),
		Auto:     auto,
	}
	e.pub.Send(notify, EventBetCashed, BetCashed{
		RoundID:            r.ID,
		BetID:              b.ID,
		Amount:             b.Amount.InexactFloat64(),
		CashedAtMultiplier: at,
		Payout:             out.Payout.InexactFloat64(),
		Auto:               auto,
	})
	e.log.Info("bet cashed out",
		zap.String("round_id", r.ID),
		zap.String("bet_id", b.ID),
		zap.Float64("multiplier", at),
		zap.String("payout", out.Payout.String()),
		zap.Bool("auto", auto),
	)
	e.settle(winTx(b))
	return out, nil
}

func debitTx(b Bet) wallet.Tx {
	return wallet.Tx{
		ID:       b.ID,
		Kind:     wallet.KindBet,
		RoundID:  b.RoundID,
		BetID:    b.ID,
		PlayerID: b.Owner.PlayerID,
		Session:  b.Owner.Session,
		Amount:   b.Amount,
	}
}

func winTx(b Bet) wallet.Tx {
	return wallet.Tx{
		ID:       b.ID + ":win",
		Kind:     wallet.KindWin,
		RoundID:  b.RoundID,
		BetID:    b.ID,
		PlayerID: b.Owner.PlayerID,
		Session:  b.Owner.Session,
		Amount:   b.Payout(),
	}
}

func (e *Engine) refund(b Bet) {
	e.settle(wallet.Tx{
		ID:       b.ID + ":refund",
		Kind:     wallet.KindRefund,
		Ref:      b.ID,
		RoundID:  b.RoundID,
		BetID:    b.ID,
		PlayerID: b.Owner.PlayerID,
		Session:  b.Owner.Session,
		Amount:   b.Amount,
	})
}

// settle credits the wallet in the background, retrying with a doubling backoff.
func (e *Engine) settle(tx wallet.Tx) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		backoff := e.cfg.CreditRetryBackoff
		for attempt := 1; ; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WalletTimeout)
			err := e.wallet.Credit(ctx, tx)
			cancel()
			if err == nil {
				return
			}
			log := e.log.With(
				zap.String("tx_id", tx.ID),
				zap.String("kind", string(tx.Kind)),
				zap.String("bet_id", tx.BetID),
				zap.String("amount", tx.Amount.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt >= e.cfg.CreditRetries {
				log.Error("wallet credit failed, giving up")
				return
			}
			log.Warn("wallet credit failed, retrying", zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
		}
	}()
}
