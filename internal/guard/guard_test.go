package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torwatch/vanguard/internal/exclude"
	"github.com/torwatch/vanguard/internal/model"
	"github.com/torwatch/vanguard/internal/rendguard"
	"github.com/torwatch/vanguard/internal/selector"
)

func relay(fp string, measured uint64, flags ...string) *model.RelayDescriptor {
	fm := make(map[string]bool, len(flags))
	for _, f := range flags {
		fm[f] = true
	}
	return &model.RelayDescriptor{Fingerprint: fp, Measured: measured, Flags: fm}
}

const hexDigits = "0123456789ABCDEF"

func fingerprints(n int) []*model.RelayDescriptor {
	out := make([]*model.RelayDescriptor, n)
	for i := range out {
		fp := make([]byte, 40)
		for j := range fp {
			fp[j] = hexDigits[(i+j)%16]
		}
		out[i] = relay(string(fp), uint64(100+i))
	}
	return out
}

func TestSampleLifetimeStaysWithinBounds(t *testing.T) {
	r := LifetimeRange{MinHours: 1 * time.Hour, MaxHours: 10 * time.Hour}
	for i := 0; i < 50; i++ {
		d, err := SampleLifetime(r)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, r.MinHours)
		assert.LessOrEqual(t, d, r.MaxHours)
	}
}

func TestReplenishFillsLayerToTarget(t *testing.T) {
	sel, err := selector.New(fingerprints(20), nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	s := &State{}
	lifetime := LifetimeRange{MinHours: time.Hour, MaxHours: 2 * time.Hour}
	require.NoError(t, s.Replenish(Layer2, 4, sel, nil, lifetime, time.Now()))

	assert.Len(t, s.Layer2Nodes, 4)
	seen := map[string]bool{}
	for _, n := range s.Layer2Nodes {
		assert.False(t, seen[n.Fingerprint], "guard set must not contain duplicate fingerprints")
		seen[n.Fingerprint] = true
	}
}

func TestReplenishTrimsOversizedLayerBeforeFilling(t *testing.T) {
	routers := fingerprints(20)
	sel, err := selector.New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	now := time.Now()
	oversized := make([]Node, 6)
	for i := range oversized {
		oversized[i] = Node{
			Fingerprint: model.NormalizeFingerprint(routers[i].Fingerprint),
			ChosenAt:    now,
			ExpiresAt:   now.Add(time.Hour),
		}
	}
	s := &State{Layer2Nodes: oversized}

	lifetime := LifetimeRange{MinHours: time.Hour, MaxHours: 2 * time.Hour}
	require.NoError(t, s.Replenish(Layer2, 4, sel, nil, lifetime, now))

	assert.Len(t, s.Layer2Nodes, 4, "Replenish must trim a layer already over target before filling")
	kept := []string{oversized[0].Fingerprint, oversized[1].Fingerprint, oversized[2].Fingerprint, oversized[3].Fingerprint}
	for _, n := range s.Layer2Nodes {
		assert.Contains(t, kept, n.Fingerprint)
	}
}

func TestReplenishFailsWhenPoolExhausted(t *testing.T) {
	sel, err := selector.New(fingerprints(2), nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	s := &State{}
	lifetime := LifetimeRange{MinHours: time.Hour, MaxHours: 2 * time.Hour}
	err = s.Replenish(Layer2, 5, sel, nil, lifetime, time.Now())
	assert.Error(t, err)
}

func TestReplenishHonorsExclusionSet(t *testing.T) {
	routers := fingerprints(3)
	sel, err := selector.New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	excl := exclude.Parse(routers[0].Fingerprint, "")
	s := &State{}
	lifetime := LifetimeRange{MinHours: time.Hour, MaxHours: 2 * time.Hour}
	require.NoError(t, s.Replenish(Layer2, 2, sel, excl, lifetime, time.Now()))

	assert.False(t, s.Contains(Layer2, routers[0].Fingerprint))
}

func TestReconcileRemovesExpiredNodes(t *testing.T) {
	routers := fingerprints(5)
	sel, err := selector.New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	now := time.Now()
	s := &State{
		Layer2Nodes: []Node{
			{Fingerprint: model.NormalizeFingerprint(routers[0].Fingerprint), ChosenAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		},
	}
	lifetime := LifetimeRange{MinHours: time.Hour, MaxHours: 2 * time.Hour}
	require.NoError(t, s.Reconcile(Layer2, 2, sel, nil, lifetime, now, nil))

	assert.False(t, s.Contains(Layer2, routers[0].Fingerprint))
	assert.Len(t, s.Layer2Nodes, 2)
}

func TestReconcileRemovesDownNodes(t *testing.T) {
	routers := fingerprints(5)
	sel, err := selector.New(routers, nil, model.BandwidthWeights{}, model.PositionMiddle)
	require.NoError(t, err)

	now := time.Now()
	downFP := model.NormalizeFingerprint(routers[0].Fingerprint)
	s := &State{
		Layer2Nodes: []Node{
			{Fingerprint: downFP, ChosenAt: now, ExpiresAt: now.Add(24 * time.Hour)},
		},
	}
	isDown := func(fp string) bool { return fp == downFP }

	lifetime := LifetimeRange{MinHours: time.Hour, MaxHours: 2 * time.Hour}
	require.NoError(t, s.Reconcile(Layer2, 1, sel, nil, lifetime, now, isDown))

	assert.False(t, s.Contains(Layer2, downFP))
}

func TestSaveAndLoadRoundTripsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	now := time.Now()
	fp := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	tracker := rendguard.New(10, 2, 1.5, 500, 3)
	tracker.Counts[fp] = &rendguard.UseCount{Fingerprint: fp, Used: 2, Weight: 0.2}
	tracker.TotalUsed = 2

	original := &State{
		Layer2Nodes: []Node{{Fingerprint: fp, ChosenAt: now.Truncate(time.Second), ExpiresAt: now.Add(48 * time.Hour).Truncate(time.Second)}},
		Rendezvous:  tracker,
	}

	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Layer2Nodes, 1)
	assert.Equal(t, fp, loaded.Layer2Nodes[0].Fingerprint)
	assert.Equal(t, 2.0, loaded.Rendezvous.Counts[fp].Used)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not survive a successful save")
}

func TestLoadRejectsCorruptFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	s := &State{Layer2Nodes: []Node{{Fingerprint: "not-a-fingerprint", ChosenAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}}}
	require.NoError(t, Save(path, s))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAcceptsExpiresAtMeasuredFromNowNotChosenAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	// ChosenAt is old enough that ChosenAt+365d is already in the past;
	// ExpiresAt is still within 365 days of now, so this must load cleanly
	// only when validation measures against now, not against ChosenAt.
	now := time.Now()
	s := &State{
		Layer2Nodes: []Node{{
			Fingerprint: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			ChosenAt:    now.Add(-400 * 24 * time.Hour),
			ExpiresAt:   now.Add(30 * 24 * time.Hour),
		}},
	}
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err, "ExpiresAt within 365 days of now must be valid regardless of how old ChosenAt is")
	require.Len(t, loaded.Layer2Nodes, 1)
}

func TestLoadRejectsExpiresAtBeyondMaxLifetimeFromNow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	now := time.Now()
	s := &State{
		Layer2Nodes: []Node{{
			Fingerprint: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			ChosenAt:    now,
			ExpiresAt:   now.Add(400 * 24 * time.Hour),
		}},
	}
	require.NoError(t, Save(path, s))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownSchemaRevision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")
	require.NoError(t, os.WriteFile(path, []byte{99, 0, 0, 0}, 0600))

	_, err := Load(path)
	assert.Error(t, err)
}
