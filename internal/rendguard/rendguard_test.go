package rendguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torwatch/vanguard/internal/model"
	"github.com/torwatch/vanguard/internal/selector"
)

func relay(fp string, measured uint64, flags ...string) *model.RelayDescriptor {
	fm := make(map[string]bool, len(flags))
	for _, f := range flags {
		fm[f] = true
	}
	return &model.RelayDescriptor{Fingerprint: fp, Measured: measured, Flags: fm}
}

func TestReweightAssignsWeightProportionalToBandwidth(t *testing.T) {
	routers := []*model.RelayDescriptor{
		relay("AAAA", 100),
		relay("BBBB", 300),
	}
	sel, err := selector.New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	tr := New(1, 1, 10, 1000, 1)
	tr.Reweight(sel)

	assert.InDelta(t, 0.25, tr.Counts["AAAA"].Weight, 0.001)
	assert.InDelta(t, 0.75, tr.Counts["BBBB"].Weight, 0.001)
	assert.Contains(t, tr.Counts, NotInConsensus)
}

func TestReweightCarriesForwardUsedCounts(t *testing.T) {
	routers := []*model.RelayDescriptor{relay("AAAA", 100)}
	sel, err := selector.New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	tr := New(1, 1, 10, 1000, 1)
	tr.Reweight(sel)
	tr.RecordUse("AAAA")
	assert.Equal(t, 1.0, tr.Counts["AAAA"].Used)

	tr.Reweight(sel)
	assert.Equal(t, 1.0, tr.Counts["AAAA"].Used)
}

func TestRecordUseCreditsSentinelForUnknownFingerprint(t *testing.T) {
	tr := New(1, 1, 10, 1000, 5)
	tr.Counts[NotInConsensus] = &UseCount{Fingerprint: NotInConsensus, Weight: 0.05}

	tr.RecordUse("deadbeef")
	assert.Equal(t, 1.0, tr.Counts[NotInConsensus].Used)
	assert.Equal(t, 1.0, tr.TotalUsed)
}

func TestRecordUseFlagsOveruseWhenRatioExceedsWeightedThreshold(t *testing.T) {
	tr := New(2, 2, 1.0, 1000, 1)
	tr.Counts["HEAVY"] = &UseCount{Fingerprint: "HEAVY", Weight: 0.1}

	tr.RecordUse("HEAVY")
	v := tr.RecordUse("HEAVY")

	assert.True(t, v.Overused)
	assert.InDelta(t, 100.0, v.UsageRate, 0.001)
	assert.InDelta(t, 10.0, v.ExpectedRate, 0.001)
}

func TestRecordUseDoesNotFlagBelowGlobalStartCount(t *testing.T) {
	tr := New(1000, 1, 1.0, 1000, 1)
	tr.Counts["HEAVY"] = &UseCount{Fingerprint: "HEAVY", Weight: 0.01}

	v := tr.RecordUse("HEAVY")
	assert.False(t, v.Overused)
}

func TestScaleCountsHalvesUsedAndIsFixedPointAfterTwoApplications(t *testing.T) {
	tr := New(1, 1, 10, 1000, 1)
	tr.Counts["A"] = &UseCount{Fingerprint: "A", Used: 100}
	tr.Counts["B"] = &UseCount{Fingerprint: "B", Used: 60}
	tr.recomputeTotal()

	original := tr.TotalUsed
	tr.scaleCounts()
	tr.scaleCounts()

	assert.InDelta(t, original/4, tr.TotalUsed, 0.001)
}
