package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
)

func TestRun(t *testing.T) {
	c, err := fairness.Commit(nil)
	require.NoError(t, err)
	p := fairness.DefaultParams()
	cp := fairness.CrashPoint(c.Seed, "42", p)

	var out bytes.Buffer
	require.NoError(t, run(&out, c.Seed, "42", c.Hash, fmt.Sprintf("%.2f", cp), p))
	assert.Contains(t, out.String(), "commitment:  ok")
	assert.Contains(t, out.String(), fmt.Sprintf("crash point: %.2f", cp))

	assert.ErrorIs(t, run(&out, c.Seed, "42", fairness.HashSeed("x"), "", p), fairness.ErrCommitmentMismatch)
	assert.ErrorIs(t, run(&out, c.Seed, "42", "", "1000000", p), fairness.ErrCrashPointMismatch)
	assert.Error(t, run(&out, c.Seed, "42", "", "abc", p))
}
