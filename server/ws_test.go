package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/wallet"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type liveServer struct {
	url    string
	wallet *wallet.Memory
	hub    *Hub
}

// startLive runs a real engine with a fixed crash point behind an httptest
// server. tune adjusts the hub before any client connects.
func startLive(t *testing.T, crashPoint float64, tune ...func(*Hub)) *liveServer {
	t.Helper()
	log := zaptest.NewLogger(t)
	hub := NewHub(log)
	for _, fn := range tune {
		fn(hub)
	}
	w := wallet.NewMemory(decimal.NewFromInt(1000), "")

	cfg := round.DefaultConfig()
	cfg.StartDelay = 300 * time.Millisecond
	cfg.BettingWindow = 500 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	cfg.InterRoundDelay = time.Hour
	engine := round.New(cfg, w, hub,
		round.WithLogger(log),
		round.WithCrashPoint(func(string, string) float64 { return crashPoint }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()

	srvCfg := testConfig()
	srvCfg.Currency = "USD"
	srv := httptest.NewServer(New(srvCfg, engine, hub, w, log).Handler())
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		cancel()
		<-done
		engine.Drain()
	})
	return &liveServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), wallet: w, hub: hub}
}

func (l *liveServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, l.url+"/ws?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readUntil discards messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg envelope
		require.NoError(t, wsjson.Read(ctx, conn, &msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg.Payload
		}
	}
}

// drain reads and discards frames in the background until the connection closes.
func drain(conn *websocket.Conn) {
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, Message{Type: typ, Payload: payload}))
}

func TestWebsocketRoundTrip(t *testing.T) {
	live := startLive(t, 1.2)
	conn := live.dial(t, "player_id=p1&token=tok")

	var state StateView
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgState), &state))

	roundID := state.RoundID
	if state.Phase != "betting" {
		var hash round.RoundHash
		require.NoError(t, json.Unmarshal(readUntil(t, conn, round.EventRoundHash), &hash))
		assert.Len(t, hash.ServerHash, 64)
		roundID = hash.RoundID
	}

	send(t, conn, MsgPlaceBet, map[string]any{"amount": 10, "autoCashout": 1.1})
	var accepted BetAccepted
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgBetAccepted), &accepted))
	assert.Equal(t, roundID, accepted.Bet.RoundID)
	assert.Equal(t, 10.0, accepted.Bet.Amount)
	assert.Equal(t, "p1", accepted.Bet.PlayerID)

	var cashed round.BetCashed
	require.NoError(t, json.Unmarshal(readUntil(t, conn, round.EventBetCashed), &cashed))
	assert.Equal(t, accepted.Bet.ID, cashed.BetID)
	assert.Equal(t, 1.1, cashed.CashedAtMultiplier)
	assert.Equal(t, 11.0, cashed.Payout)
	assert.True(t, cashed.Auto)

	var crashed round.Crash
	require.NoError(t, json.Unmarshal(readUntil(t, conn, round.EventCrash), &crashed))
	assert.Equal(t, 1.2, crashed.CrashPoint)
	assert.NotEmpty(t, crashed.ServerSeed)

	require.Eventually(t, func() bool {
		b, err := live.wallet.Balance(context.Background(), "p1", "")
		return err == nil && b.Equal(decimal.NewFromInt(1001))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejections(t *testing.T) {
	live := startLive(t, 1.5)
	conn := live.dial(t, "player_id=p2")
	readUntil(t, conn, MsgState)

	send(t, conn, MsgPlaceBet, map[string]any{"amount": -1})
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgError), &e))
	assert.Equal(t, "invalid_amount", e.Code)

	send(t, conn, MsgCashOut, map[string]any{"betId": "nope"})
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgError), &e))
	assert.Equal(t, "no_running_round", e.Code)

	send(t, conn, "dance", nil)
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgError), &e))
	assert.Equal(t, "unknown_type", e.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{")))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgError), &e))
	assert.Equal(t, "bad_request", e.Code)
}

func TestHubTracksConnections(t *testing.T) {
	live := startLive(t, 2)
	conn := live.dial(t, "player_id=p3")
	readUntil(t, conn, MsgState)
	assert.Equal(t, 1, live.hub.Len())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return live.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), live.hub.Metrics().Snapshot().TotalConnections)
}

func TestCashOutAfterReconnect(t *testing.T) {
	live := startLive(t, 50)
	first := live.dial(t, "player_id=p4")
	var state StateView
	require.NoError(t, json.Unmarshal(readUntil(t, first, MsgState), &state))
	if state.Phase != "betting" {
		readUntil(t, first, round.EventRoundHash)
	}

	send(t, first, MsgPlaceBet, map[string]any{"amount": 20})
	var accepted BetAccepted
	require.NoError(t, json.Unmarshal(readUntil(t, first, MsgBetAccepted), &accepted))
	require.NoError(t, first.Close(websocket.StatusNormalClosure, ""))

	second := live.dial(t, "player_id=p4")
	readUntil(t, second, round.EventTick)
	send(t, second, MsgCashOut, map[string]any{"betId": accepted.Bet.ID})

	var cashed round.BetCashed
	require.NoError(t, json.Unmarshal(readUntil(t, second, round.EventBetCashed), &cashed))
	assert.Equal(t, accepted.Bet.ID, cashed.BetID)
	assert.False(t, cashed.Auto)
	assert.GreaterOrEqual(t, cashed.Payout, 20.0)
}

func TestHubSendFallsBackToPlayer(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	c := NewClient(nil, hub, round.Owner{ConnID: "conn-2", PlayerID: "p7"})
	t.Cleanup(c.cancel)
	require.True(t, hub.Register(c))

	hub.Send(round.Owner{ConnID: "conn-1", PlayerID: "p7"}, round.EventBetLost, round.BetLost{BetID: "b1"})
	select {
	case data := <-c.send:
		var msg envelope
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, round.EventBetLost, msg.Type)
	default:
		t.Fatal("event for a dropped connection did not reach the player's live one")
	}

	hub.Send(round.Owner{ConnID: "conn-9", PlayerID: "someone-else"}, round.EventBetLost, round.BetLost{BetID: "b2"})
	assert.Empty(t, c.send)
	assert.Equal(t, int64(1), hub.Metrics().Snapshot().MessagesDropped)

	hub.Unregister(c)
	hub.Send(round.Owner{ConnID: "conn-1", PlayerID: "p7"}, round.EventBetLost, round.BetLost{BetID: "b3"})
	assert.Empty(t, c.send)
	assert.Equal(t, int64(2), hub.Metrics().Snapshot().MessagesDropped)
}

func TestIdleSpectatorStaysConnected(t *testing.T) {
	live := startLive(t, 2, func(h *Hub) {
		h.pingInterval = 20 * time.Millisecond
		h.pongTimeout = 50 * time.Millisecond
	})
	conn := live.dial(t, "player_id=p6")
	drain(conn) // answers the server's pings; the client never writes

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, live.hub.Len())
	assert.Zero(t, live.hub.Metrics().Snapshot().ConnectionErrors)
}

func TestUnresponsiveClientIsDropped(t *testing.T) {
	live := startLive(t, 2, func(h *Hub) {
		h.pingInterval = 20 * time.Millisecond
		h.pongTimeout = 50 * time.Millisecond
	})
	live.dial(t, "player_id=p8") // never reads, so pings go unanswered

	require.Eventually(t, func() bool {
		return live.hub.Metrics().Snapshot().TotalConnections == 1 && live.hub.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBalanceMessage(t *testing.T) {
	live := startLive(t, 2)
	conn := live.dial(t, "player_id=p5&token=tok")
	readUntil(t, conn, MsgState)

	send(t, conn, MsgBalance, nil)
	var got BalanceView
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgBalance), &got))
	assert.Equal(t, 1000.0, got.Amount)
	assert.Equal(t, "USD", got.Currency)
}

func TestBalanceUnavailableWithoutBalancer(t *testing.T) {
	log := zaptest.NewLogger(t)
	hub := NewHub(log)
	srv := httptest.NewServer(New(testConfig(), &fakeEngine{}, hub, nil, log).Handler())
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	live := &liveServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), hub: hub}
	conn := live.dial(t, "player_id=p9")
	readUntil(t, conn, MsgState)

	send(t, conn, MsgBalance, nil)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgError), &e))
	assert.Equal(t, "balance_unavailable", e.Code)
}

func TestHubWaitsForHandlers(t *testing.T) {
	live := startLive(t, 2)
	conn := live.dial(t, "player_id=p10")
	readUntil(t, conn, MsgState)
	drain(conn)

	finished := make(chan struct{})
	go func() {
		live.hub.Wait()
		close(finished)
	}()
	isDone := func() bool {
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
	assert.Never(t, isDone, 100*time.Millisecond, 10*time.Millisecond, "handler still serving")

	live.hub.CloseAll()
	require.Eventually(t, isDone, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, live.url+"/ws?player_id=p11", nil)
	require.Error(t, err, "closed hub admits no new clients")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
