package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
)

// crashverify recomputes a revealed round offline:
//
//	crashverify -seed <hex seed> -round 1700000000000 -hash <sha256> -crash 2.37
func main() {
	seed := flag.String("seed", "", "Revealed server seed (hex)")
	roundID := flag.String("round", "", "Round id the seed was used for")
	hash := flag.String("hash", "", "Server hash published before betting (optional)")
	crash := flag.String("crash", "", "Announced crash point (optional)")
	ceiling := flag.Float64("ceiling", fairness.DefaultCeiling, "Crash point ceiling")
	prefix := flag.Int("prefix", fairness.DefaultPrefixHexChars, "HMAC hex characters used for the ratio")
	flag.Parse()

	if *seed == "" || *roundID == "" {
		fmt.Fprintln(os.Stderr, "missing required -seed and -round arguments")
		os.Exit(2)
	}
	p := fairness.Params{PrefixHexChars: *prefix, Ceiling: *ceiling}
	if err := run(os.Stdout, *seed, *roundID, *hash, *crash, p); err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, seed, roundID, hash, crash string, p fairness.Params) error {
	derived := fairness.CrashPoint(seed, roundID, p)
	fmt.Fprintf(out, "round:       %s\n", roundID)
	fmt.Fprintf(out, "seed hash:   %s\n", fairness.HashSeed(seed))
	fmt.Fprintf(out, "crash point: %.2f\n", derived)

	if hash != "" {
		if !fairness.VerifyCommitment(seed, hash) {
			return fairness.ErrCommitmentMismatch
		}
		fmt.Fprintln(out, "commitment:  ok")
	}
	if crash != "" {
		announced, err := strconv.ParseFloat(crash, 64)
		if err != nil {
			return fmt.Errorf("parse -crash: %w", err)
		}
		if err := fairness.Verify(seed, fairness.HashSeed(seed), roundID, announced, p); err != nil {
			return err
		}
		fmt.Fprintln(out, "crash point: ok")
	}
	return nil
}
