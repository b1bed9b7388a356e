package round

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/games/crash"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

// Config holds the round policy. Zero durations are not valid; start from
// DefaultConfig and override.
type Config struct {
	BettingWindow   time.Duration
	InterRoundDelay time.Duration
	StartDelay      time.Duration
	TickInterval    time.Duration
	Pace            float64
	Fairness        fairness.Params

	MinBet         decimal.Decimal
	MaxBet         decimal.Decimal // zero means no upper limit
	MinAutoCashout float64

	CommitRetryBackoff    time.Duration
	CommitRetryMaxBackoff time.Duration
	CommitMaxAttempts     int

	CreditRetries      int
	CreditRetryBackoff time.Duration
	WalletTimeout      time.Duration

	MailboxSize int
}

func DefaultConfig() Config {
	return Config{
		BettingWindow:         7 * time.Second,
		InterRoundDelay:       3 * time.Second,
		StartDelay:            time.Second,
		TickInterval:          60 * time.Millisecond,
		Pace:                  crash.DefaultPace,
		Fairness:              fairness.DefaultParams(),
		MinBet:                decimal.New(1, -2),
		MinAutoCashout:        1.01,
		CommitRetryBackoff:    100 * time.Millisecond,
		CommitRetryMaxBackoff: 5 * time.Second,
		CommitMaxAttempts:     10,
		CreditRetries:         5,
		CreditRetryBackoff:    200 * time.Millisecond,
		WalletTimeout:         5 * time.Second,
		MailboxSize:           256,
	}
}

// CrashPointFunc derives a round's crash point from its seed and id.
type CrashPointFunc func(seed, roundID string) float64

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEntropy sets the seed source (crypto/rand by default).
func WithEntropy(r io.Reader) Option {
	return func(e *Engine) { e.entropy = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCrashPoint replaces the fairness derivation. Only tests should need it.
func WithCrashPoint(fn CrashPointFunc) Option {
	return func(e *Engine) { e.crashPoint = fn }
}

// Engine is the round state machine. Run drives it; PlaceBet, CashOut and
// Snapshot are safe to call from any goroutine while Run is active.
type Engine struct {
	cfg        Config
	curve      crash.Curve
	clock      Clock
	entropy    io.Reader
	crashPoint CrashPointFunc
	wallet     wallet.Wallet
	pub        Publisher
	log        *zap.Logger

	mailbox chan func()
	stopped chan struct{}
	running atomic.Bool

	inflight sync.WaitGroup

	// owned by the Run goroutine
	phase          Phase
	round          *Round
	lastTick       float64
	lastRoundMs    int64
	timer          Timer
	commitFailures int
}

func New(cfg Config, w wallet.Wallet, pub Publisher, opts ...Option) *Engine {
	if pub == nil {
		pub = nopPublisher{}
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	if cfg.CommitMaxAttempts <= 0 {
		cfg.CommitMaxAttempts = 1
	}
	if cfg.CreditRetries <= 0 {
		cfg.CreditRetries = 1
	}
	if cfg.WalletTimeout <= 0 {
		cfg.WalletTimeout = DefaultConfig().WalletTimeout
	}
	e := &Engine{
		cfg:     cfg,
		curve:   crash.NewCurve(cfg.Pace),
		clock:   systemClock{},
		wallet:  w,
		pub:     pub,
		log:     zap.NewNop(),
		mailbox: make(chan func(), cfg.MailboxSize),
		stopped: make(chan struct{}),
		phase:   PhaseIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.crashPoint == nil {
		params := cfg.Fairness
		e.crashPoint = func(seed, roundID string) float64 {
			return fairness.CrashPoint(seed, roundID, params)
		}
	}
	return e
}

// Run owns the round lifecycle until ctx is done or the entropy source keeps
// failing, in which case it returns ErrEntropyUnavailable. A round still live
// at shutdown has its open bets refunded.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer close(e.stopped)
	defer e.stopTimer()

	e.log.Info("round engine started",
		zap.Duration("betting_window", e.cfg.BettingWindow),
		zap.Duration("inter_round_delay", e.cfg.InterRoundDelay),
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.Float64("pace", e.curve.Pace),
	)
	e.arm(e.cfg.StartDelay)

	for {
		select {
		case <-ctx.Done():
			e.abandon()
			return ctx.Err()
		case fn := <-e.mailbox:
			fn()
		case <-e.timerC():
			e.timer = nil
			if err := e.step(); err != nil {
				return err
			}
		}
	}
}

// Drain waits for in-flight wallet credits and refunds. Call it once the
// transport has stopped taking requests.
func (e *Engine) Drain() {
	e.inflight.Wait()
}

// call runs fn on the engine goroutine and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.mailbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	}
}

func (e *Engine) step() error {
	switch e.phase {
	case PhaseIdle:
		return e.commit()
	case PhaseCommitted:
		e.start()
	case PhaseRunning:
		e.tick()
	default:
		e.log.DPanic("timer fired in unexpected phase", zap.Stringer("phase", e.phase))
	}
	return nil
}

func (e *Engine) commit() error {
	if e.round != nil {
		e.log.DPanic("commit while a round is live", zap.String("round_id", e.round.ID))
		return nil
	}
	c, err := fairness.Commit(e.entropy)
	if err != nil {
		e.commitFailures++
		if e.commitFailures >= e.cfg.CommitMaxAttempts {
			e.log.Error("commit failed, halting round scheduling",
				zap.Int("attempts", e.commitFailures), zap.Error(err))
			return errors.Join(ErrEntropyUnavailable, err)
		}
		backoff := e.commitBackoff()
		e.log.Warn("commit failed, retrying",
			zap.Int("attempt", e.commitFailures), zap.Duration("backoff", backoff), zap.Error(err))
		e.arm(backoff)
		return nil
	}
	e.commitFailures = 0

	now := e.clock.Now()
	id := e.nextRoundID(now)
	r := newRound(id, c, e.crashPoint(c.Seed, id), now.Add(e.cfg.BettingWindow))
	e.round = r
	e.phase = PhaseCommitted
	e.lastTick = crash.MinMultiplier

	e.pub.Broadcast(EventRoundHash, RoundHash{
		RoundID:              r.ID,
		ServerHash:           r.Hash(),
		BettingWindowSeconds: e.cfg.BettingWindow.Seconds(),
	})
	e.log.Info("round committed", zap.String("round_id", r.ID), zap.String("server_hash", r.Hash()))
	e.arm(e.cfg.BettingWindow)
	return nil
}

func (e *Engine) commitBackoff() time.Duration {
	shift := e.commitFailures - 1
	if shift > 20 {
		shift = 20
	}
	backoff := e.cfg.CommitRetryBackoff << shift
	if limit := e.cfg.CommitRetryMaxBackoff; limit > 0 && (backoff > limit || backoff <= 0) {
		backoff = limit
	}
	return backoff
}

// nextRoundID is the epoch-millisecond time, bumped when the clock has not moved.
func (e *Engine) nextRoundID(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= e.lastRoundMs {
		ms = e.lastRoundMs + 1
	}
	e.lastRoundMs = ms
	return strconv.FormatInt(ms, 10)
}

func (e *Engine) start() {
	r := e.round
	if r == nil {
		e.log.DPanic("betting window closed without a round")
		e.phase = PhaseIdle
		e.arm(e.cfg.InterRoundDelay)
		return
	}
	r.StartedAt = e.clock.Now()
	e.phase = PhaseRunning
	e.pub.Broadcast(EventRoundStart, RoundStart{RoundID: r.ID})
	e.log.Info("round started", zap.String("round_id", r.ID), zap.Int("bets", r.ledger.Len()))
	e.arm(e.cfg.TickInterval)
}

func (e *Engine) tick() {
	r := e.round
	if r == nil || r.crashed {
		e.log.DPanic("tick without a running round")
		return
	}
	m := e.multiplier(r)
	if m >= r.crashPoint {
		e.crash(r)
		return
	}
	e.lastTick = m
	e.pub.Broadcast(EventTick, Tick{RoundID: r.ID, Multiplier: m})
	e.autoCashOut(r, m)
	e.arm(e.cfg.TickInterval)
}

// multiplier is the curve value now, never below the last published tick.
func (e *Engine) multiplier(r *Round) float64 {
	m := e.curve.Multiplier(e.clock.Now().Sub(r.StartedAt))
	if m < e.lastTick {
		m = e.lastTick
	}
	return m
}

// crash settles every bet and reveals the seed. Auto cash-outs whose threshold
// sits strictly below the crash point are paid first, at their threshold.
func (e *Engine) crash(r *Round) {
	for _, b := range r.ledger.Open() {
		if b.AutoCashout != nil && *b.AutoCashout < r.crashPoint {
			e.settleCashOut(r, b.ID, *b.AutoCashout, true, b.Owner)
		}
	}
	e.phase = PhaseCrashed
	r.crashed = true
	e.stopTimer()

	lost := r.ledger.Open()
	for _, b := range lost {
		e.pub.Send(b.Owner, EventBetLost, BetLost{
			RoundID: r.ID,
			BetID:   b.ID,
			Amount:  b.Amount.InexactFloat64(),
		})
	}
	seed, _ := r.Reveal()
	e.pub.Broadcast(EventCrash, Crash{RoundID: r.ID, CrashPoint: r.crashPoint, ServerSeed: seed})
	e.log.Info("round crashed",
		zap.String("round_id", r.ID),
		zap.Float64("crash_point", r.crashPoint),
		zap.Int("bets", r.ledger.Len()),
		zap.Int("lost", len(lost)),
	)

	e.round = nil
	e.phase = PhaseIdle
	e.arm(e.cfg.InterRoundDelay)
}

// abandon refunds the open bets of a round cut short by shutdown.
func (e *Engine) abandon() {
	r := e.round
	if r == nil {
		return
	}
	open := r.ledger.Open()
	if len(open) > 0 {
		e.log.Warn("shutting down mid-round, refunding open bets",
			zap.String("round_id", r.ID), zap.Int("bets", len(open)))
	}
	for _, b := range open {
		e.refund(b)
	}
	e.round = nil
	e.phase = PhaseIdle
}

func (e *Engine) arm(d time.Duration) {
	e.stopTimer()
	e.timer = e.clock.NewTimer(d)
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) timerC() <-chan time.Time {
	if e.timer == nil {
		return nil
	}
	return e.timer.C()
}

// Snapshot is a point-in-time view of the live round for late joiners.
type Snapshot struct {
	Phase           Phase
	RoundID         string
	ServerHash      string
	Multiplier      float64
	BettingClosesAt time.Time
	StartedAt       time.Time
	Bets            []Bet
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := e.call(ctx, func() {
		s.Phase = e.phase
		s.Multiplier = crash.MinMultiplier
		r := e.round
		if r == nil {
			return
		}
		s.RoundID = r.ID
		s.ServerHash = r.Hash()
		s.BettingClosesAt = r.closesAt
		s.Bets = r.ledger.All()
		if e.phase == PhaseRunning {
			s.StartedAt = r.StartedAt
			s.Multiplier = e.lastTick
		}
	})
	return s, err
}
