// Package guard implements the two persistent guard layers (spec §4.C
// "Guard State"), grounded on original_source/src/vanguards.rs's
// GuardNode/VanguardState.
package guard

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/torwatch/vanguard/internal/exclude"
	"github.com/torwatch/vanguard/internal/model"
	"github.com/torwatch/vanguard/internal/rendguard"
	"github.com/torwatch/vanguard/internal/selector"
	verrors "github.com/torwatch/vanguard/pkg/errors"
)

// maxReplenishAttempts bounds the number of draws Replenish will make while
// filling a layer, so a pool saturated with excluded/duplicate relays fails
// with NoNodesRemain instead of looping forever (spec §4.C "Replenish").
const maxReplenishAttempts = 1000

// Node is one chosen guard relay with its sampled lifetime (spec §3 "Guard
// Node").
type Node struct {
	Fingerprint string
	ChosenAt    time.Time
	ExpiresAt   time.Time
}

// Layer identifies which persistent guard layer a node belongs to.
type Layer int

const (
	Layer2 Layer = iota
	Layer3
)

// State is the full persisted guard configuration: two ordered guard
// layers plus the rendezvous-point usage tracker, under a schema revision
// used by the persistence layer to detect format drift (spec §4.C).
type State struct {
	SchemaRevision int
	Layer2Nodes    []Node
	Layer3Nodes    []Node
	Rendezvous     *rendguard.Tracker
}

// LifetimeRange bounds the hours a guard of a given layer may remain in
// service (spec §3 "Guard Lifetime").
type LifetimeRange struct {
	MinHours time.Duration
	MaxHours time.Duration
}

// SampleLifetime draws a guard lifetime as the maximum of two independent
// uniform samples in [min,max] (spec §4.C "Lifetime sampling"). Taking the
// max of two samples biases the distribution towards the upper end of the
// range, which original_source/src/vanguards.rs relies on to keep guard
// churn low.
func SampleLifetime(r LifetimeRange) (time.Duration, error) {
	a, err := uniformDuration(r.MinHours, r.MaxHours)
	if err != nil {
		return 0, err
	}
	b, err := uniformDuration(r.MinHours, r.MaxHours)
	if err != nil {
		return 0, err
	}
	if a > b {
		return a, nil
	}
	return b, nil
}

func uniformDuration(min, max time.Duration) (time.Duration, error) {
	if max <= min {
		return min, nil
	}
	span := int64(max - min)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, verrors.Wrap(verrors.KindIO, "failed to draw random guard lifetime", err)
	}
	return min + time.Duration(n.Int64()), nil
}

func (s *State) nodes(layer Layer) []Node {
	if layer == Layer2 {
		return s.Layer2Nodes
	}
	return s.Layer3Nodes
}

func (s *State) setNodes(layer Layer, nodes []Node) {
	if layer == Layer2 {
		s.Layer2Nodes = nodes
	} else {
		s.Layer3Nodes = nodes
	}
}

func (s *State) fingerprintSet(layer Layer) map[string]bool {
	nodes := s.nodes(layer)
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[model.NormalizeFingerprint(n.Fingerprint)] = true
	}
	return seen
}

// Replenish fills layer up to target size, drawing new relays from sel and
// skipping ones already present in the layer or excluded by excl. It
// returns NoNodesRemain if the pool is exhausted before the target is
// reached (spec §4.C "Replenish").
func (s *State) Replenish(layer Layer, target int, sel *selector.Selector, excl *exclude.Set, lifetime LifetimeRange, now time.Time) error {
	nodes := s.nodes(layer)
	if len(nodes) > target {
		nodes = append([]Node{}, nodes[:target]...)
	}
	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[model.NormalizeFingerprint(n.Fingerprint)] = true
	}

	for attempts := 0; len(nodes) < target; attempts++ {
		if attempts >= maxReplenishAttempts {
			return verrors.NoNodesRemainError("exhausted replenish attempts before reaching target guard count")
		}

		r, err := sel.Generate()
		if err != nil {
			return err
		}

		fp := model.NormalizeFingerprint(r.Fingerprint)
		if present[fp] {
			continue
		}
		if excl != nil && excl.Excludes(r, nil) {
			continue
		}

		lifespan, err := SampleLifetime(lifetime)
		if err != nil {
			return err
		}

		nodes = append(nodes, Node{
			Fingerprint: fp,
			ChosenAt:    now,
			ExpiresAt:   now.Add(lifespan),
		})
		present[fp] = true
	}

	s.setNodes(layer, nodes)
	return nil
}

// Reconcile removes nodes that are down, expired, or newly excluded, then
// replenishes the layer back up to target (spec §4.C "Reconcile").
// isDown reports whether a fingerprint counts as down; the dispatcher passes
// a check for absence from the current consensus.
func (s *State) Reconcile(layer Layer, target int, sel *selector.Selector, excl *exclude.Set, lifetime LifetimeRange, now time.Time, isDown func(fingerprint string) bool) error {
	nodes := s.nodes(layer)
	kept := nodes[:0:0]
	for _, n := range nodes {
		if now.After(n.ExpiresAt) {
			continue
		}
		if isDown != nil && isDown(n.Fingerprint) {
			continue
		}
		if excl != nil {
			if r := findRouter(sel, n.Fingerprint); r != nil && excl.Excludes(r, nil) {
				continue
			}
		}
		kept = append(kept, n)
	}
	s.setNodes(layer, kept)

	return s.Replenish(layer, target, sel, excl, lifetime, now)
}

func findRouter(sel *selector.Selector, fingerprint string) *model.RelayDescriptor {
	fp := model.NormalizeFingerprint(fingerprint)
	for _, r := range sel.Routers() {
		if model.NormalizeFingerprint(r.Fingerprint) == fp {
			return r
		}
	}
	return nil
}

// Contains reports whether fingerprint is present in layer.
func (s *State) Contains(layer Layer, fingerprint string) bool {
	return s.fingerprintSet(layer)[model.NormalizeFingerprint(fingerprint)]
}
