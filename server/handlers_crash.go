package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
)

func (s *Server) crashState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		if errors.Is(err, round.ErrEngineStopped) {
			writeError(w, http.StatusServiceUnavailable, "engine stopped", "engine_stopped")
			return
		}
		s.log.Error("crash state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "state unavailable", round.CodeInternal)
		return
	}
	writeJSON(w, http.StatusOK, stateView(snap, false))
}

// VerifyResponse reports whether a revealed round checks out.
type VerifyResponse struct {
	RoundID         string   `json:"roundId"`
	CrashPoint      float64  `json:"crashPoint"`
	Hash            string   `json:"hash"`
	CommitmentValid *bool    `json:"commitmentValid,omitempty"`
	Announced       *float64 `json:"announcedCrashPoint,omitempty"`
	CrashPointValid *bool    `json:"crashPointValid,omitempty"`
	Valid           bool     `json:"valid"`
}

// crashVerify recomputes a round from its revealed seed. hash and crashPoint
// are optional; each one given is checked.
func (s *Server) crashVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seed, roundID := q.Get("seed"), q.Get("roundId")
	if seed == "" || roundID == "" {
		writeError(w, http.StatusBadRequest, "seed and roundId are required", "missing_parameter")
		return
	}
	resp := VerifyResponse{
		RoundID:    roundID,
		CrashPoint: fairness.CrashPoint(seed, roundID, s.fairness),
		Hash:       fairness.HashSeed(seed),
		Valid:      true,
	}
	if hash := q.Get("hash"); hash != "" {
		ok := fairness.VerifyCommitment(seed, hash)
		resp.CommitmentValid = &ok
		resp.Valid = resp.Valid && ok
	}
	if raw := q.Get("crashPoint"); raw != "" {
		announced, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(announced) {
			writeError(w, http.StatusBadRequest, "crashPoint must be a number", "invalid_parameter")
			return
		}
		ok := math.Abs(announced-resp.CrashPoint) < 1e-9
		resp.Announced = &announced
		resp.CrashPointValid = &ok
		resp.Valid = resp.Valid && ok
	}
	writeJSON(w, http.StatusOK, resp)
}
