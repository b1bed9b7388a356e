package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Account is one player's balance. Persisted to JSON.
type Account struct {
	PlayerID  string          `json:"playerId"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type debit struct {
	PlayerID string          `json:"playerId"`
	Amount   decimal.Decimal `json:"amount"`
	Refunded bool            `json:"refunded"`
}

type memoryState struct {
	Accounts []*Account       `json:"accounts"`
	Debits   map[string]debit `json:"debits"`
}

// Memory keeps balances in process and, when dataDir is set, persists them to
// wallets.json (same style as the platform data/*.json files). Players are
// opened lazily with the starting balance.
type Memory struct {
	mu       sync.Mutex
	start    decimal.Decimal
	accounts map[string]*Account
	debits   map[string]debit
	applied  map[string]bool
	dataDir  string
}

func NewMemory(start decimal.Decimal, dataDir string) *Memory {
	m := &Memory{
		start:    start,
		accounts: make(map[string]*Account),
		debits:   make(map[string]debit),
		applied:  make(map[string]bool),
		dataDir:  dataDir,
	}
	m.load()
	return m
}

func (m *Memory) path() string {
	return filepath.Join(m.dataDir, "wallets.json")
}

func (m *Memory) load() {
	if m.dataDir == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.path())
	if err != nil {
		return
	}
	var st memoryState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	for _, a := range st.Accounts {
		if a != nil && a.PlayerID != "" {
			m.accounts[a.PlayerID] = a
		}
	}
	for id, d := range st.Debits {
		m.debits[id] = d
		m.applied[id] = true
	}
}

// save must be called with mu held.
func (m *Memory) save() error {
	if m.dataDir == "" {
		return nil
	}
	st := memoryState{
		Accounts: make([]*Account, 0, len(m.accounts)),
		Debits:   make(map[string]debit),
	}
	for _, a := range m.accounts {
		st.Accounts = append(st.Accounts, a)
	}
	for id, d := range m.debits {
		if !d.Refunded {
			st.Debits[id] = d
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dataDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(m.path(), data, 0644)
}

// account must be called with mu held.
func (m *Memory) account(playerID string) *Account {
	a, ok := m.accounts[playerID]
	if !ok {
		a = &Account{PlayerID: playerID, Balance: m.start, UpdatedAt: time.Now()}
		m.accounts[playerID] = a
	}
	return a
}

// Balance returns the player's balance, opening the account if needed.
func (m *Memory) Balance(ctx context.Context, playerID, _ string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(playerID).Balance, nil
}

func (m *Memory) Debit(ctx context.Context, tx Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[tx.ID] {
		return nil
	}
	a := m.account(tx.PlayerID)
	if a.Balance.LessThan(tx.Amount) {
		return ErrInsufficientFunds
	}
	prev, prevAt := a.Balance, a.UpdatedAt
	a.Balance = a.Balance.Sub(tx.Amount)
	a.UpdatedAt = time.Now()
	m.applied[tx.ID] = true
	m.debits[tx.ID] = debit{PlayerID: tx.PlayerID, Amount: tx.Amount}
	if err := m.save(); err != nil {
		// Nothing was charged unless it reached disk.
		a.Balance, a.UpdatedAt = prev, prevAt
		delete(m.applied, tx.ID)
		delete(m.debits, tx.ID)
		return fmt.Errorf("wallet: persist debit: %w", err)
	}
	return nil
}

func (m *Memory) Credit(ctx context.Context, tx Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[tx.ID] {
		return nil
	}
	var (
		orig     debit
		refunded bool
	)
	if tx.Kind == KindRefund {
		d, ok := m.debits[tx.Ref]
		if !ok || d.Refunded {
			m.applied[tx.ID] = true
			return nil
		}
		orig, refunded = d, true
		d.Refunded = true
		m.debits[tx.Ref] = d
	}
	a := m.account(tx.PlayerID)
	prev, prevAt := a.Balance, a.UpdatedAt
	a.Balance = a.Balance.Add(tx.Amount)
	a.UpdatedAt = time.Now()
	m.applied[tx.ID] = true
	if err := m.save(); err != nil {
		// Undo so the engine's retry applies the credit again.
		a.Balance, a.UpdatedAt = prev, prevAt
		delete(m.applied, tx.ID)
		if refunded {
			m.debits[tx.Ref] = orig
		}
		return fmt.Errorf("wallet: persist credit: %w", err)
	}
	return nil
}
