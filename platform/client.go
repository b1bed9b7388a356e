package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

// Client calls the platform (Next.js) balance APIs using the player's JWT.
// It satisfies wallet.Wallet: bets debit, wins credit, refunds roll the
// platform bet back.
type Client struct {
	baseURL      string
	currency     string
	gameName     string
	gameProvider string
	http         *http.Client

	mu     sync.Mutex
	betIDs map[string]placedBet // wallet tx id -> platform bet
}

type placedBet struct {
	id string
	at time.Time
}

// betTTL bounds how long a platform bet id is kept for rollback. Lost bets are
// never settled, so their ids are dropped once they age out.
const betTTL = 10 * time.Minute

func NewClient(baseURL, currency, gameName, gameProvider string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	if currency == "" {
		currency = "USD"
	}
	if gameName == "" {
		gameName = "Crash"
	}
	if gameProvider == "" {
		gameProvider = "Crypto LATAM"
	}
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		currency:     currency,
		gameName:     gameName,
		gameProvider: gameProvider,
		http:         &http.Client{Timeout: 10 * time.Second},
		betIDs:       make(map[string]placedBet),
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("platform: %s (status %d)", e.Message, e.Status)
}

// post sends payload with the wallet tx id as Idempotency-Key so a retried
// credit is not paid twice by platforms that honour the header.
func (c *Client) post(ctx context.Context, token, key, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	var data struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(respBody, &data)
	if resp.StatusCode != http.StatusOK {
		if data.Error == "" {
			data.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: data.Error}
	}
	if out != nil {
		_ = json.Unmarshal(respBody, out)
	}
	return nil
}

// Balance returns the player's balance in the configured currency. The
// session is the bearer token the platform issued.
func (c *Client) Balance(ctx context.Context, _, session string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/balance", nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Authorization", "Bearer "+session)
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	var data struct {
		Balances map[string]json.Number `json:"balances"`
		Error    string                 `json:"error"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	_ = dec.Decode(&data)
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, &apiError{Status: resp.StatusCode, Message: data.Error}
	}
	raw, ok := data.Balances[c.currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("platform: no %s balance", c.currency)
	}
	return decimal.NewFromString(raw.String())
}

func (c *Client) gamePayload(amount decimal.Decimal) map[string]any {
	return map[string]any{
		"currency":     c.currency,
		"amount":       amount.InexactFloat64(),
		"gameName":     c.gameName,
		"gameProvider": c.gameProvider,
	}
}

// Debit places the bet on the platform and remembers the platform bet id for a
// later rollback.
func (c *Client) Debit(ctx context.Context, tx wallet.Tx) error {
	if tx.Session == "" {
		return fmt.Errorf("platform: bet %s has no session token", tx.BetID)
	}
	var data struct {
		BetID string `json:"betId"`
	}
	if err := c.post(ctx, tx.Session, tx.ID, "/api/balance/bet", c.gamePayload(tx.Amount), &data); err != nil {
		return classify(err)
	}
	now := time.Now()
	c.mu.Lock()
	for id, b := range c.betIDs {
		if now.Sub(b.at) > betTTL {
			delete(c.betIDs, id)
		}
	}
	c.betIDs[tx.ID] = placedBet{id: data.BetID, at: now}
	c.mu.Unlock()
	return nil
}

// Credit pays a win, or for refunds rolls back the platform bet. A refund for
// a bet the platform never confirmed is a no-op.
func (c *Client) Credit(ctx context.Context, tx wallet.Tx) error {
	if tx.Kind == wallet.KindRefund {
		c.mu.Lock()
		bet, ok := c.betIDs[tx.Ref]
		c.mu.Unlock()
		if !ok {
			return nil
		}
		if err := c.post(ctx, tx.Session, tx.ID, "/api/balance/rollback", map[string]any{"betId": bet.id}, nil); err != nil {
			return err
		}
		c.forget(tx.Ref)
		return nil
	}
	if err := c.post(ctx, tx.Session, tx.ID, "/api/balance/win", c.gamePayload(tx.Amount), nil); err != nil {
		return err
	}
	c.forget(tx.BetID)
	return nil
}

func (c *Client) forget(txID string) {
	c.mu.Lock()
	delete(c.betIDs, txID)
	c.mu.Unlock()
}

// classify maps the platform's rejection of an unaffordable bet onto wallet.ErrInsufficientFunds.
func classify(err error) error {
	if e, ok := err.(*apiError); ok {
		msg := strings.ToLower(e.Message)
		if e.Status == http.StatusPaymentRequired || strings.Contains(msg, "insufficient") {
			return fmt.Errorf("%w: %s", wallet.ErrInsufficientFunds, e.Message)
		}
	}
	return err
}
