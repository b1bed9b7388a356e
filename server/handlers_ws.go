package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
)

// handleWS upgrades GET /ws?token=&player_id= and serves the connection until
// it closes. The token is passed through to the wallet as the bet session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.hub.enter() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down", "shutting_down")
		return
	}
	defer s.hub.leave()

	q := r.URL.Query()
	owner := round.Owner{
		ConnID:   uuid.NewString(),
		PlayerID: q.Get("player_id"),
		Session:  q.Get("token"),
	}
	if owner.PlayerID == "" {
		owner.PlayerID = "guest-" + owner.ConnID
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.log.Debug("websocket accept", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxMessageBytes)

	c := NewClient(conn, s.hub, owner)
	if !s.hub.Register(c) {
		c.cancel()
		_ = conn.Close(websocket.StatusTryAgainLater, "server full")
		return
	}
	c.log.Debug("client connected")
	go c.writePump()

	if snap, err := s.engine.Snapshot(r.Context()); err == nil {
		c.sendMessage(MsgState, stateView(snap, true))
	}
	c.readPump(s.dispatch)
	c.log.Debug("client disconnected")
}

func (s *Server) dispatch(c *Client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendMessage(MsgError, ErrorPayload{Code: "bad_request", Message: "malformed message"})
		return
	}
	switch msg.Type {
	case MsgPlaceBet:
		var req PlaceBetRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendMessage(MsgError, ErrorPayload{Code: round.ErrInvalidAmount.Code, Message: "malformed place_bet"})
			return
		}
		bet, err := s.engine.PlaceBet(c.ctx, c.owner, req.Amount, req.AutoCashout)
		if err != nil {
			s.reject(c, err)
			return
		}
		c.sendMessage(MsgBetAccepted, BetAccepted{Bet: betView(bet)})

	case MsgCashOut:
		var req CashOutRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.BetID == "" {
			c.sendMessage(MsgError, ErrorPayload{Code: round.ErrBetNotFound.Code, Message: "betId is required"})
			return
		}
		// Success is reported by the engine's bet_cashed event.
		if _, err := s.engine.CashOut(c.ctx, req.RoundID, req.BetID, c.owner); err != nil {
			s.reject(c, err)
		}

	case MsgBalance:
		s.sendBalance(c)

	default:
		c.sendMessage(MsgError, ErrorPayload{Code: "unknown_type", Message: msg.Type})
	}
}

func (s *Server) sendBalance(c *Client) {
	if s.balances == nil {
		c.sendMessage(MsgError, ErrorPayload{Code: "balance_unavailable", Message: "wallet does not report balances"})
		return
	}
	amount, err := s.balances.Balance(c.ctx, c.owner.PlayerID, c.owner.Session)
	if err != nil {
		c.log.Warn("balance lookup failed", zap.Error(err))
		c.sendMessage(MsgError, ErrorPayload{Code: "balance_unavailable", Message: "balance lookup failed"})
		return
	}
	c.sendMessage(MsgBalance, BalanceView{Amount: amount.InexactFloat64(), Currency: s.cfg.Currency})
}

func (s *Server) reject(c *Client, err error) {
	code := round.Code(err)
	if code == round.CodeInternal {
		c.log.Error("request failed", zap.Error(err))
		c.sendMessage(MsgError, ErrorPayload{Code: code, Message: "internal error"})
		return
	}
	c.sendMessage(MsgError, ErrorPayload{Code: code, Message: err.Error()})
}
