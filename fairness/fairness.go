// Package fairness implements the commit-reveal scheme behind every crash
// round: a secret server seed is drawn and hashed before bets open, and the
// crash point is derived from that seed and the round id so anyone holding
// the revealed seed can recompute it.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// SeedBytes is the amount of entropy behind one server seed (256 bits).
const SeedBytes = 32

const (
	DefaultPrefixHexChars = 13 // 52 bits, exactly representable in a float64
	DefaultCeiling        = 1000.0
	MinCrashPoint         = 1.0
)

var (
	ErrEntropy            = errors.New("fairness: entropy source unavailable")
	ErrCommitmentMismatch = errors.New("fairness: seed does not match committed hash")
	ErrCrashPointMismatch = errors.New("fairness: crash point does not match seed and round")
)

// Params are the policy constants of the crash point derivation.
type Params struct {
	PrefixHexChars int     `json:"prefixHexChars" yaml:"prefix_hex_chars"`
	Ceiling        float64 `json:"ceiling" yaml:"ceiling"`
}

func DefaultParams() Params {
	return Params{PrefixHexChars: DefaultPrefixHexChars, Ceiling: DefaultCeiling}
}

func (p Params) normalized() Params {
	if p.PrefixHexChars < 1 || p.PrefixHexChars > 16 {
		p.PrefixHexChars = DefaultPrefixHexChars
	}
	if p.Ceiling < MinCrashPoint || math.IsNaN(p.Ceiling) || math.IsInf(p.Ceiling, 0) {
		p.Ceiling = DefaultCeiling
	}
	return p
}

// Commitment pairs a server seed with its published hash. Seed stays private
// until the round it belongs to has crashed.
type Commitment struct {
	Seed string
	Hash string
}

// Commit draws SeedBytes from r (crypto/rand when nil) and hashes the hex seed.
// A short read is an error: a round must never start on a partial seed.
func Commit(r io.Reader) (Commitment, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, SeedBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	seed := hex.EncodeToString(b)
	return Commitment{Seed: seed, Hash: HashSeed(seed)}, nil
}

// HashSeed returns the lowercase hex sha256 of the seed string (not of the decoded bytes).
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommitment reports whether seed hashes to the published hash.
func VerifyCommitment(seed, hash string) bool {
	want := HashSeed(seed)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(hash))))
}

// Ratio maps HMAC-SHA256(key=seed, msg=roundID) into [0, 1) using the first
// prefix hex characters of the digest.
func Ratio(seed, roundID string, prefix int) float64 {
	if prefix < 1 || prefix > 16 {
		prefix = DefaultPrefixHexChars
	}
	m := hmac.New(sha256.New, []byte(seed))
	m.Write([]byte(roundID))
	digest := hex.EncodeToString(m.Sum(nil))
	num, _ := strconv.ParseUint(digest[:prefix], 16, 64)
	return float64(num) / math.Exp2(float64(4*prefix))
}

// Transform turns a uniform ratio into a crash multiplier: floor(100/(1-r))/100
// clamped to [1, ceiling].
func Transform(r, ceiling float64) float64 {
	if ceiling < MinCrashPoint {
		ceiling = DefaultCeiling
	}
	if r >= 1 {
		return ceiling
	}
	if r < 0 {
		r = 0
	}
	crash := math.Floor((1/(1-r))*100) / 100
	if crash < MinCrashPoint {
		crash = MinCrashPoint
	}
	if crash > ceiling {
		crash = ceiling
	}
	return crash
}

// CrashPoint derives the crash multiplier of a round. Pure and deterministic.
func CrashPoint(seed, roundID string, p Params) float64 {
	p = p.normalized()
	return Transform(Ratio(seed, roundID, p.PrefixHexChars), p.Ceiling)
}

// Verify recomputes a revealed round. It returns ErrCommitmentMismatch when the
// seed does not hash to hash and ErrCrashPointMismatch when the announced crash
// point differs from the derived one.
func Verify(seed, hash, roundID string, crashPoint float64, p Params) error {
	if !VerifyCommitment(seed, hash) {
		return ErrCommitmentMismatch
	}
	if got := CrashPoint(seed, roundID, p); math.Abs(got-crashPoint) > 1e-9 {
		return fmt.Errorf("%w: derived %.2f, announced %.2f", ErrCrashPointMismatch, got, crashPoint)
	}
	return nil
}
