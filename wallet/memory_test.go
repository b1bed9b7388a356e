package wallet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balanceOf(t *testing.T, m *Memory, playerID string) decimal.Decimal {
	t.Helper()
	b, err := m.Balance(context.Background(), playerID, "")
	require.NoError(t, err)
	return b
}

func TestMemoryDebitAndCredit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(dec("1000"), "")

	require.NoError(t, m.Debit(ctx, Tx{ID: "t1", Kind: KindBet, PlayerID: "p1", Amount: dec("100")}))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("900")))

	require.NoError(t, m.Credit(ctx, Tx{ID: "t2", Kind: KindWin, PlayerID: "p1", Amount: dec("173.00")}))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("1073")))
}

func TestMemoryInsufficientFunds(t *testing.T) {
	m := NewMemory(dec("50"), "")
	err := m.Debit(context.Background(), Tx{ID: "t1", Kind: KindBet, PlayerID: "p1", Amount: dec("50.01")})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("50")))
}

func TestMemoryIdempotentOnTxID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(dec("1000"), "")
	tx := Tx{ID: "t1", Kind: KindBet, PlayerID: "p1", Amount: dec("10")}
	require.NoError(t, m.Debit(ctx, tx))
	require.NoError(t, m.Debit(ctx, tx))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("990")))

	win := Tx{ID: "t2", Kind: KindWin, PlayerID: "p1", Amount: dec("20")}
	require.NoError(t, m.Credit(ctx, win))
	require.NoError(t, m.Credit(ctx, win))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("1010")))
}

func TestMemoryRefund(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(dec("100"), "")
	require.NoError(t, m.Debit(ctx, Tx{ID: "bet-1", Kind: KindBet, PlayerID: "p1", Amount: dec("40")}))

	require.NoError(t, m.Credit(ctx, Tx{ID: "r1", Kind: KindRefund, Ref: "bet-1", PlayerID: "p1", Amount: dec("40")}))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("100")))

	// A second refund of the same debit under a new id is ignored.
	require.NoError(t, m.Credit(ctx, Tx{ID: "r2", Kind: KindRefund, Ref: "bet-1", PlayerID: "p1", Amount: dec("40")}))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("100")))

	// Refund of a debit that never happened.
	require.NoError(t, m.Credit(ctx, Tx{ID: "r3", Kind: KindRefund, Ref: "missing", PlayerID: "p1", Amount: dec("40")}))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("100")))
}

func TestMemoryRejectsNonPositiveAmounts(t *testing.T) {
	m := NewMemory(dec("100"), "")
	require.ErrorIs(t, m.Debit(context.Background(), Tx{ID: "t1", PlayerID: "p1", Amount: decimal.Zero}), ErrInvalidAmount)
	require.ErrorIs(t, m.Credit(context.Background(), Tx{ID: "t2", PlayerID: "p1", Amount: dec("-1")}), ErrInvalidAmount)
}

func TestMemoryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory(dec("100"), "")
	require.ErrorIs(t, m.Debit(ctx, Tx{ID: "t1", PlayerID: "p1", Amount: dec("1")}), context.Canceled)
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("100")))
}

func TestMemoryPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m := NewMemory(dec("1000"), dir)
	require.NoError(t, m.Debit(ctx, Tx{ID: "bet-1", Kind: KindBet, PlayerID: "p1", Amount: dec("250")}))

	reopened := NewMemory(dec("1000"), dir)
	assert.True(t, balanceOf(t, reopened, "p1").Equal(dec("750")))

	// The open debit survives too, so a refund after restart still lands once.
	require.NoError(t, reopened.Credit(ctx, Tx{ID: "r1", Kind: KindRefund, Ref: "bet-1", PlayerID: "p1", Amount: dec("250")}))
	assert.True(t, balanceOf(t, reopened, "p1").Equal(dec("1000")))
	require.NoError(t, reopened.Debit(ctx, Tx{ID: "bet-1", Kind: KindBet, PlayerID: "p1", Amount: dec("250")}))
	assert.True(t, balanceOf(t, reopened, "p1").Equal(dec("1000")), "replayed debit id must not charge again")
}

func TestMemoryPersistFailureChargesNothing(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	m := NewMemory(dec("1000"), filepath.Join(file, "wallets"))

	bet := Tx{ID: "bet-1", Kind: KindBet, PlayerID: "p1", Amount: dec("100")}
	require.Error(t, m.Debit(ctx, bet))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("1000")))

	// The id was not burned: a retry is attempted again and still charges nothing.
	require.Error(t, m.Debit(ctx, bet))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("1000")))

	require.Error(t, m.Credit(ctx, Tx{ID: "win-1", Kind: KindWin, PlayerID: "p1", Amount: dec("5")}))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("1000")))
}

func TestMemoryRefundRetriedAfterPersistFailure(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	m := NewMemory(dec("100"), dir)
	require.NoError(t, m.Debit(ctx, Tx{ID: "bet-1", Kind: KindBet, PlayerID: "p1", Amount: dec("40")}))

	// Swap the data dir for a regular file so the next write fails.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0644))
	refund := Tx{ID: "bet-1:refund", Kind: KindRefund, Ref: "bet-1", PlayerID: "p1", Amount: dec("40")}
	require.Error(t, m.Credit(ctx, refund))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("60")))

	require.NoError(t, os.Remove(dir))
	require.NoError(t, m.Credit(ctx, refund))
	assert.True(t, balanceOf(t, m, "p1").Equal(dec("100")))
}
