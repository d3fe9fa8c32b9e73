package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torwatch/vanguard/internal/model"
)

func relay(fp string, measured uint64, flags ...string) *model.RelayDescriptor {
	fm := make(map[string]bool, len(flags))
	for _, f := range flags {
		fm[f] = true
	}
	return &model.RelayDescriptor{Fingerprint: fp, Measured: measured, Flags: fm}
}

func TestNewFailsWhenRestrictionsEmptyThePool(t *testing.T) {
	routers := []*model.RelayDescriptor{relay("A", 100)}
	restriction := FlagRestriction{Required: []string{model.FlagGuard}}

	_, err := New(routers, restriction, model.BandwidthWeights{}, model.PositionMiddle)
	require.Error(t, err)
}

func TestGenerateReturnsOnlyCandidateWhenPoolHasOne(t *testing.T) {
	routers := []*model.RelayDescriptor{relay("ONLY", 500, model.FlagGuard)}
	s, err := New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	r, err := s.Generate()
	require.NoError(t, err)
	assert.Equal(t, "ONLY", r.Fingerprint)
}

func TestGenerateIsProportionalToWeight(t *testing.T) {
	routers := []*model.RelayDescriptor{
		relay("HEAVY", 1_000_000),
		relay("LIGHT", 1),
	}
	s, err := New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		r, err := s.Generate()
		require.NoError(t, err)
		counts[r.Fingerprint]++
	}
	assert.Greater(t, counts["HEAVY"], counts["LIGHT"])
}

func TestGenerateFailsWhenTotalWeightIsZero(t *testing.T) {
	routers := []*model.RelayDescriptor{relay("ZERO", 0)}
	s, err := New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	_, err = s.Generate()
	assert.Error(t, err)
}

func TestRepairExitsDoesNotAlterTotalWeight(t *testing.T) {
	routers := []*model.RelayDescriptor{
		relay("EXIT", 100, model.FlagExit),
		relay("MID", 200),
	}
	s, err := New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	before := s.TotalWeight()
	s.RepairExits()
	assert.Equal(t, before, s.TotalWeight())

	exitTotal, ok := s.ExitTotal()
	require.True(t, ok)
	assert.Greater(t, exitTotal, 0.0)
}

func TestFlagWeightKeySelection(t *testing.T) {
	guardOnly := relay("G", 1, model.FlagGuard)
	exitOnly := relay("E", 1, model.FlagExit)
	both := relay("D", 1, model.FlagGuard, model.FlagExit)
	neither := relay("N", 1)

	assert.Equal(t, "Wmg", model.FlagWeightKey(guardOnly, model.PositionMiddle))
	assert.Equal(t, "Wme", model.FlagWeightKey(exitOnly, model.PositionMiddle))
	assert.Equal(t, "Wmd", model.FlagWeightKey(both, model.PositionMiddle))
	assert.Equal(t, "Wmm", model.FlagWeightKey(neither, model.PositionMiddle))
}

func TestAndRequiresEveryRestriction(t *testing.T) {
	restriction := And{
		FlagRestriction{Required: []string{model.FlagFast}},
		FlagRestriction{Required: []string{model.FlagStable}},
	}
	fastOnly := relay("F", 1, model.FlagFast)
	both := relay("B", 1, model.FlagFast, model.FlagStable)

	assert.False(t, restriction.Allows(fastOnly))
	assert.True(t, restriction.Allows(both))
}
