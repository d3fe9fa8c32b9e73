// Package selector implements the bandwidth-weighted random relay selector
// (spec §4.A "Node Selector"), grounded on original_source/src/node_selection.rs's
// BwWeightedGenerator.
package selector

import (
	"crypto/rand"
	"math/big"

	"github.com/torwatch/vanguard/internal/model"
	verrors "github.com/torwatch/vanguard/pkg/errors"
)

// Restriction is a composable predicate over a relay descriptor. A composite
// restriction (see And) passes a relay iff every contained predicate passes
// (spec §4.A "Restrictions").
type Restriction interface {
	Allows(r *model.RelayDescriptor) bool
}

// RestrictionFunc adapts a plain function to the Restriction interface.
type RestrictionFunc func(r *model.RelayDescriptor) bool

func (f RestrictionFunc) Allows(r *model.RelayDescriptor) bool { return f(r) }

// FlagRestriction requires every flag in Required to be set and every flag
// in Forbidden to be clear (spec §4.A's one built-in predicate).
type FlagRestriction struct {
	Required  []string
	Forbidden []string
}

func (fr FlagRestriction) Allows(r *model.RelayDescriptor) bool {
	for _, f := range fr.Required {
		if !r.HasFlag(f) {
			return false
		}
	}
	for _, f := range fr.Forbidden {
		if r.HasFlag(f) {
			return false
		}
	}
	return true
}

// And composes restrictions: a relay passes iff every restriction passes.
type And []Restriction

func (a And) Allows(r *model.RelayDescriptor) bool {
	for _, restriction := range a {
		if !restriction.Allows(r) {
			return false
		}
	}
	return true
}

// Selector draws relays at random with probability proportional to
// bandwidth x flag-weight-for-position (spec §4.A).
type Selector struct {
	routers    []*model.RelayDescriptor
	position   model.Position
	weights    model.BandwidthWeights
	perNode    []float64 // weight of routers[i]
	total      float64
	exitTotal  float64 // set by RepairExits; exitWeight == nil means "not computed"
	exitWeight []float64
}

// New filters routers through every restriction, fails with NoNodesRemain if
// the filtered list is empty, and precomputes per-relay weights.
func New(routers []*model.RelayDescriptor, restrictions Restriction, weights model.BandwidthWeights, position model.Position) (*Selector, error) {
	filtered := make([]*model.RelayDescriptor, 0, len(routers))
	for _, r := range routers {
		if restrictions == nil || restrictions.Allows(r) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil, verrors.NoNodesRemainError("no relays remain after applying restrictions")
	}

	s := &Selector{
		routers:  filtered,
		position: position,
		weights:  weights,
		perNode:  make([]float64, len(filtered)),
	}

	var total float64
	for i, r := range filtered {
		w := float64(r.Bandwidth()) * weights.Get(model.FlagWeightKey(r, position))
		s.perNode[i] = w
		total += w
	}
	s.total = total

	return s, nil
}

// Generate draws one relay via cumulative-distribution sampling in
// [0, total_weight) using a cryptographically secure RNG. Fails with
// NoNodesRemain if total weight is zero. Returns the last relay when the
// random draw equals total_weight exactly (spec §4.A tie behavior).
func (s *Selector) Generate() (*model.RelayDescriptor, error) {
	if s.total <= 0 {
		return nil, verrors.NoNodesRemainError("total selection weight is zero")
	}

	draw, err := secureFloat64(s.total)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindIO, "failed to draw random selection value", err)
	}

	var cumulative float64
	for i, w := range s.perNode {
		cumulative += w
		if draw < cumulative {
			return s.routers[i], nil
		}
	}
	return s.routers[len(s.routers)-1], nil
}

// RepairExits recomputes weights for Exit-flagged relays using exit-position
// weights and records a separate exit total, without altering the selector's
// main total weight (spec §4.A). Used before rendezvous-tracker reweighting.
func (s *Selector) RepairExits() {
	exitWeight := make([]float64, len(s.routers))
	var exitTotal float64
	for i, r := range s.routers {
		if !r.HasFlag(model.FlagExit) {
			continue
		}
		w := float64(r.Bandwidth()) * s.weights.Get(model.FlagWeightKey(r, model.PositionExit))
		exitWeight[i] = w
		exitTotal += w
	}
	s.exitWeight = exitWeight
	s.exitTotal = exitTotal
}

// Routers returns the filtered candidate list (read-only use by callers such
// as the rendezvous tracker reweighting pass).
func (s *Selector) Routers() []*model.RelayDescriptor { return s.routers }

// TotalWeight returns the selector's precomputed total weight.
func (s *Selector) TotalWeight() float64 { return s.total }

// ExitTotal returns the exit-position total weight computed by RepairExits,
// and whether RepairExits has been called.
func (s *Selector) ExitTotal() (float64, bool) {
	if s.exitWeight == nil {
		return 0, false
	}
	return s.exitTotal, true
}

// NodeWeight returns the precomputed selection weight for routers()[i].
func (s *Selector) NodeWeight(i int) float64 { return s.perNode[i] }

// ExitWeight returns the exit-position weight for routers()[i], valid only
// after RepairExits has been called.
func (s *Selector) ExitWeight(i int) float64 {
	if s.exitWeight == nil {
		return 0
	}
	return s.exitWeight[i]
}

// secureFloat64 draws a cryptographically secure float64 uniformly in [0, max).
func secureFloat64(max float64) (float64, error) {
	const precision = 1 << 53 // mantissa bits of a float64
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0, err
	}
	frac := float64(n.Int64()) / float64(precision)
	return frac * max, nil
}
