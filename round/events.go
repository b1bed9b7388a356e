package round

// Event types published by the engine.
const (
	EventRoundHash  = "round_hash"
	EventRoundStart = "round_start"
	EventTick       = "tick"
	EventBetCashed  = "bet_cashed"
	EventBetLost    = "bet_lost"
	EventCrash      = "crash"
	EventPlayerBet  = "player_bet"
)

// Publisher fans engine events out to clients. Both methods are called from
// the engine goroutine and must not block. Send should fall back to the
// player's other connections when to.ConnID is gone.
type Publisher interface {
	Broadcast(event string, payload any)
	Send(to Owner, event string, payload any)
}

type RoundHash struct {
	RoundID              string  `json:"roundId"`
	ServerHash           string  `json:"serverHash"`
	BettingWindowSeconds float64 `json:"bettingWindowSeconds"`
}

type RoundStart struct {
	RoundID string `json:"roundId"`
}

type Tick struct {
	RoundID    string  `json:"roundId"`
	Multiplier float64 `json:"multiplier"`
}

type BetCashed struct {
	RoundID            string  `json:"roundId"`
	BetID              string  `json:"betId"`
	Amount             float64 `json:"amount"`
	CashedAtMultiplier float64 `json:"cashedAtMultiplier"`
	Payout             float64 `json:"payout"`
	Auto               bool    `json:"auto"`
}

type BetLost struct {
	RoundID string  `json:"roundId"`
	BetID   string  `json:"betId"`
	Amount  float64 `json:"amount"`
}

type Crash struct {
	RoundID    string  `json:"roundId"`
	CrashPoint float64 `json:"crashPoint"`
	ServerSeed string  `json:"serverSeed"`
}

type PlayerBet struct {
	RoundID  string  `json:"roundId"`
	BetID    string  `json:"betId"`
	PlayerID string  `json:"playerId"`
	Amount   float64 `json:"amount"`
}

// nopPublisher drops everything; used when New is given a nil Publisher.
type nopPublisher struct{}

func (nopPublisher) Broadcast(string, any)    {}
func (nopPublisher) Send(Owner, string, any)  {}
