package round

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

// manualClock only moves when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	c     chan time.Time
	done  bool
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		t.done = true
		t.c <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) C() <-chan time.Time { return t.c }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.done {
			continue
		}
		if !t.at.After(c.now) {
			t.done = true
			t.c <- c.now
			continue
		}
		live = append(live, t)
	}
	c.timers = live
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type event struct {
	To      string
	Player  string
	Type    string
	Payload any
}

// recorder is a Publisher that keeps everything it is given.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Broadcast(typ string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Type: typ, Payload: payload})
}

func (r *recorder) Send(to Owner, typ string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{To: to.ConnID, Player: to.PlayerID, Type: typ, Payload: payload})
}

func (r *recorder) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) ofType(typ string) []event {
	var out []event
	for _, e := range r.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ string, n int) event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.ofType(typ)) >= n
	}, 2*time.Second, time.Millisecond, "waiting for %d %q events", n, typ)
	return r.ofType(typ)[n-1]
}

var testEpoch = time.UnixMilli(1_700_000_000_000)

type harness struct {
	t      *testing.T
	cfg    Config
	engine *Engine
	clock  *manualClock
	pub    *recorder
	wallet wallet.Wallet
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// newHarness starts an engine on a manual clock. A positive crashPoint pins
// every round's crash point; w defaults to a memory wallet holding 1000.
func newHarness(t *testing.T, crashPoint float64, w wallet.Wallet, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if w == nil {
		w = wallet.NewMemory(decimal.NewFromInt(1000), "")
	}
	h := &harness{
		t:      t,
		cfg:    cfg,
		clock:  newManualClock(testEpoch),
		pub:    &recorder{},
		wallet: w,
		done:   make(chan struct{}),
	}
	options := []Option{WithClock(h.clock), WithLogger(zaptest.NewLogger(t))}
	if crashPoint > 0 {
		options = append(options, WithCrashPoint(func(string, string) float64 { return crashPoint }))
	}
	h.engine = New(cfg, w, h.pub, append(options, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.runErr = h.engine.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Error("engine did not stop")
	}
	h.engine.Drain()
}

// advance waits for the engine to arm its next timer, then moves the clock.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.clock.pending() > 0 }, 2*time.Second, time.Millisecond, "engine never armed a timer")
	h.clock.Advance(d)
}

// openBetting runs the clock to the next commit and returns its announcement.
func (h *harness) openBetting(n int) RoundHash {
	h.t.Helper()
	delay := h.cfg.InterRoundDelay
	if n == 1 {
		delay = h.cfg.StartDelay
	}
	h.advance(delay)
	return h.pub.waitFor(h.t, EventRoundHash, n).Payload.(RoundHash)
}

func (h *harness) startRound(n int) {
	h.t.Helper()
	h.advance(h.cfg.BettingWindow)
	h.pub.waitFor(h.t, EventRoundStart, n)
}

func (h *harness) balance(playerID string) decimal.Decimal {
	h.t.Helper()
	b, ok := h.wallet.(wallet.Balancer)
	require.True(h.t, ok, "harness wallet cannot report balances")
	h.engine.Drain()
	v, err := b.Balance(context.Background(), playerID, "")
	require.NoError(h.t, err)
	return v
}

func ptr(f float64) *float64 { return &f }

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }
