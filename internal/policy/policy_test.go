package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, 25.0, p.StepUpCostUSD)
	assert.Equal(t, 50.0, p.FalsePositiveCostUSD)
	assert.Equal(t, 70, p.Bands.HighAt)
	assert.Equal(t, 35, p.Bands.MediumAt)
	assert.Len(t, p.HardFails, 4)
	assert.Equal(t, "REPLAY_ATTACK", p.HardFails[0].Reason)
}

func TestHash(t *testing.T) {
	p := Default()
	assert.Equal(t, "1c3fa423e38c78d307c867235caa013d912be9b253c40c93409a93ac04df3b47", p.Hash())

	ref := p.Ref()
	assert.Equal(t, DefaultID, ref.ID)
	assert.Equal(t, DefaultVersion, ref.Version)
	assert.Equal(t, p.Hash(), ref.Hash)
}

func TestContentHash_ChangesWithWeights(t *testing.T) {
	a := Default()
	b := Default()
	b.Signals[0].Points = 26

	ha, err := a.ContentHash()
	require.NoError(t, err)
	hb, err := b.ContentHash()
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestParse_OverridesDefaults(t *testing.T) {
	p, err := Parse([]byte(`
id: custom
version: v2
step_up_cost_usd: 10
bands:
  high_at: 80
  medium_at: 40
`))
	require.NoError(t, err)

	assert.Equal(t, "custom", p.ID)
	assert.Equal(t, "028d26bfb9ac97291e86c2cd1e0329bef7715e1a53128142e931a36348496561", p.Hash())
	assert.Equal(t, 10.0, p.StepUpCostUSD)
	assert.Equal(t, 50.0, p.FalsePositiveCostUSD)
	assert.Equal(t, 80, p.Bands.HighAt)
	assert.Len(t, p.Signals, 5, "unspecified lists keep defaults")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty id", `id: ""`},
		{"inverted bands", "bands:\n  high_at: 30\n  medium_at: 40\n"},
		{"unsorted tiers", "amount_tiers:\n  - {min_usd: 100, points: 1, reason: A}\n  - {min_usd: 200, points: 2, reason: B}\n"},
		{"negative cost", "false_positive_cost_usd: -1"},
		{"signal without reason", "signals:\n  - {signal: x, points: 5}\n"},
		{"no hard fails", "hard_fails: []\n"},
		{"gate dropped", `
hard_fails:
  - {signal: replay_attempt, reason: REPLAY_ATTACK}
  - {signal: ttl_expired, reason: TTL_EXPIRED}
  - {signal: exec_hash_mismatch, reason: EXEC_HASH_MISMATCH}
`},
		{"gate renamed", `
hard_fails:
  - {signal: replay_attempt, reason: REPLAY_ATTACK}
  - {signal: ttl_expired, reason: TTL_EXPIRED}
  - {signal: exec_hash_mismatch, reason: EXEC_HASH_MISMATCH}
  - {signal: poison_stats, reason: STALE_STATS}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy), "got %v", err)
		})
	}
}

func TestParse_HardFailsReorderedAndExtended(t *testing.T) {
	p, err := Parse([]byte(`
hard_fails:
  - {signal: poison_stats, reason: UNTRUSTED_STATS_SOURCE}
  - {signal: api_key_compromise, reason: API_KEY_COMPROMISED}
  - {signal: ttl_expired, reason: TTL_EXPIRED}
  - {signal: exec_hash_mismatch, reason: EXEC_HASH_MISMATCH}
  - {signal: replay_attempt, reason: REPLAY_ATTACK}
`))
	require.NoError(t, err)
	require.Len(t, p.HardFails, 5)
	assert.Equal(t, "poison_stats", p.HardFails[0].Signal)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("id: [unterminated"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidPolicy))
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultID, p.ID)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v9\n"), 0o600))
	p, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "v9", p.Version)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
