package operator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

// Operator response codes.
const (
	CodeOK                = 0
	CodeTechnical         = 1
	CodeSessionInvalid    = 2
	CodeInsufficientFunds = 3
	CodeParameterRequired = 13
)

// Client calls the operator's signed wallet callback. Every request is a GET
// whose parameters are signed with HMAC-SHA256 over the sorted values.
type Client struct {
	endpoint   string
	secret     string
	gameCode   string
	deviceType string
	apiVersion string
	http       *http.Client
}

type Response struct {
	Code       int             `json:"code"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Balance    decimal.Decimal `json:"balance"`
	Body       json.RawMessage `json:"-"`
	StatusCode int             `json:"-"`
}

func NewClient(endpoint, secret, gameCode string) *Client {
	if gameCode == "" {
		gameCode = "crash"
	}
	return &Client{
		endpoint:   endpoint,
		secret:     secret,
		gameCode:   gameCode,
		deviceType: "desktop",
		apiVersion: "1.0",
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, params map[string]string) (*Response, error) {
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if c.secret != "" {
		values.Set("signature", c.sign(values))
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("operator: decode %s response: %w", params["action"], err)
	}
	out := &Response{Body: body, StatusCode: resp.StatusCode}
	_ = json.Unmarshal(body, out)
	return out, nil
}

// sign concatenates every value except action in key order and HMACs it.
func (c *Client) sign(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k == "action" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := make([]byte, 0, 256)
	for _, k := range keys {
		buf = append(buf, v.Get(k)...)
	}
	m := hmac.New(sha256.New, []byte(c.secret))
	m.Write(buf)
	return hex.EncodeToString(m.Sum(nil))
}

func (c *Client) base(action string, tx wallet.Tx) map[string]string {
	return map[string]string{
		"action":      action,
		"player_id":   tx.PlayerID,
		"session_id":  tx.Session,
		"round_id":    tx.RoundID,
		"tx_id":       tx.ID,
		"game_code":   c.gameCode,
		"device_type": c.deviceType,
		"api_version": c.apiVersion,
	}
}

// Debit charges the bet amount.
func (c *Client) Debit(ctx context.Context, tx wallet.Tx) error {
	params := c.base("debit", tx)
	params["bet_amount"] = formatAmount(tx.Amount)
	resp, err := c.call(ctx, params)
	if err != nil {
		return err
	}
	return resp.err("debit")
}

// Credit pays a win or, for wallet.KindRefund, refunds the original debit.
func (c *Client) Credit(ctx context.Context, tx wallet.Tx) error {
	var params map[string]string
	if tx.Kind == wallet.KindRefund {
		params = c.base("refund", tx)
		params["refund_amount"] = formatAmount(tx.Amount)
		params["ref_tx_id"] = tx.Ref
	} else {
		params = c.base("credit", tx)
		params["win_amount"] = formatAmount(tx.Amount)
		params["round_status"] = "completed"
	}
	resp, err := c.call(ctx, params)
	if err != nil {
		return err
	}
	return resp.err(params["action"])
}

// Balance asks the operator for the player's current balance.
func (c *Client) Balance(ctx context.Context, playerID, session string) (decimal.Decimal, error) {
	resp, err := c.call(ctx, map[string]string{
		"action":      "balance",
		"player_id":   playerID,
		"session_id":  session,
		"game_code":   c.gameCode,
		"device_type": c.deviceType,
		"api_version": c.apiVersion,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if err := resp.err("balance"); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

func (r *Response) err(action string) error {
	switch {
	case r.StatusCode != http.StatusOK && r.Code == CodeOK:
		return fmt.Errorf("operator: %s: http status %d", action, r.StatusCode)
	case r.Code == CodeOK:
		return nil
	case r.Code == CodeInsufficientFunds:
		return fmt.Errorf("%w: %s", wallet.ErrInsufficientFunds, r.Message)
	default:
		return fmt.Errorf("operator: %s: code %d %s: %s", action, r.Code, r.Status, r.Message)
	}
}

func formatAmount(v decimal.Decimal) string {
	return v.StringFixed(2)
}
