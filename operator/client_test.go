package operator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

const secret = "s3cret"

// expectedSignature recomputes the operator signature from a raw query.
func expectedSignature(q url.Values) string {
	m := hmac.New(sha256.New, []byte(secret))
	for _, k := range []string{"api_version", "bet_amount", "device_type", "game_code", "player_id", "round_id", "session_id", "tx_id"} {
		m.Write([]byte(q.Get(k)))
	}
	return hex.EncodeToString(m.Sum(nil))
}

func TestDebitIsSigned(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "status": "OK"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, secret, "crash")
	err := c.Debit(context.Background(), wallet.Tx{
		ID: "bet-1", Kind: wallet.KindBet, RoundID: "1700000000000", PlayerID: "p1", Session: "s1",
		Amount: decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)

	assert.Equal(t, "debit", got.Get("action"))
	assert.Equal(t, "12.50", got.Get("bet_amount"))
	assert.Equal(t, "crash", got.Get("game_code"))
	assert.Equal(t, expectedSignature(got), got.Get("signature"))
}

func TestCreditAndRefundActions(t *testing.T) {
	var actions []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actions = append(actions, r.URL.Query())
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	ctx := context.Background()
	require.NoError(t, c.Credit(ctx, wallet.Tx{ID: "bet-1:win", Kind: wallet.KindWin, PlayerID: "p1", Amount: decimal.RequireFromString("20")}))
	require.NoError(t, c.Credit(ctx, wallet.Tx{ID: "bet-2:refund", Kind: wallet.KindRefund, Ref: "bet-2", PlayerID: "p1", Amount: decimal.RequireFromString("5")}))

	require.Len(t, actions, 2)
	assert.Equal(t, "credit", actions[0].Get("action"))
	assert.Equal(t, "20.00", actions[0].Get("win_amount"))
	assert.Equal(t, "refund", actions[1].Get("action"))
	assert.Equal(t, "bet-2", actions[1].Get("ref_tx_id"))
	assert.Empty(t, actions[0].Get("signature"), "no secret, no signature")
}

func TestBalance(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "status": "OK", "balance": 812.4})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, secret, "crash")
	balance, err := c.Balance(context.Background(), "p1", "s1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("812.4")), "balance = %s", balance)
	assert.Equal(t, "balance", got.Get("action"))
	assert.Equal(t, "s1", got.Get("session_id"))
	assert.NotEmpty(t, got.Get("signature"))
}

func TestOperatorErrorCodes(t *testing.T) {
	code := CodeInsufficientFunds
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "status": "Error", "message": "nope"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, secret, "crash")
	tx := wallet.Tx{ID: "bet-1", PlayerID: "p1", Amount: decimal.RequireFromString("1")}
	assert.ErrorIs(t, c.Debit(context.Background(), tx), wallet.ErrInsufficientFunds)

	code = CodeSessionInvalid
	err := c.Debit(context.Background(), tx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, wallet.ErrInsufficientFunds)
}
