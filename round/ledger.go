package round

import "fmt"

// Ledger is the append-only bet list of one round. CashOut is its only
// mutation. It is not safe for concurrent use; the Engine goroutine owns it.
type Ledger struct {
	bets []*Bet
	byID map[string]*Bet
}

func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]*Bet)}
}

func (l *Ledger) Append(b *Bet) error {
	if _, dup := l.byID[b.ID]; dup {
		return fmt.Errorf("round: duplicate bet id %s", b.ID)
	}
	l.bets = append(l.bets, b)
	l.byID[b.ID] = b
	return nil
}

func (l *Ledger) Get(id string) (Bet, bool) {
	b, ok := l.byID[id]
	if !ok {
		return Bet{}, false
	}
	return *b, true
}

// CashOut marks the bet cashed at multiplier m and returns the updated copy.
func (l *Ledger) CashOut(id string, m float64) (Bet, error) {
	b, ok := l.byID[id]
	if !ok {
		return Bet{}, ErrBetNotFound
	}
	if b.CashedOut {
		return Bet{}, ErrAlreadyCashed
	}
	b.CashedOut = true
	b.CashedAt = m
	return *b, nil
}

// Open returns copies of the bets not yet cashed out, in placement order.
func (l *Ledger) Open() []Bet {
	out := make([]Bet, 0, len(l.bets))
	for _, b := range l.bets {
		if !b.CashedOut {
			out = append(out, *b)
		}
	}
	return out
}

func (l *Ledger) All() []Bet {
	out := make([]Bet, len(l.bets))
	for i, b := range l.bets {
		out[i] = *b
	}
	return out
}

func (l *Ledger) Len() int {
	return len(l.bets)
}
