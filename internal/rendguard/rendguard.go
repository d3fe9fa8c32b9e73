// Package rendguard implements the rendezvous-point usage tracker (spec
// §4.D "Rendezvous Tracker"), grounded on original_source/src/vanguards.rs's
// RendUseCount/RendGuard.
package rendguard

import (
	"github.com/torwatch/vanguard/internal/model"
	"github.com/torwatch/vanguard/internal/selector"
)

// NotInConsensus is the sentinel fingerprint aggregating usage for relays
// absent from the current consensus (spec §3 "Rendezvous Use Count").
const NotInConsensus = "NOT_IN_CONSENSUS"

// UseCount is a single relay's rendezvous-point usage record.
type UseCount struct {
	Fingerprint string
	Used        float64
	Weight      float64
}

// Verdict is the tagged-variant result of a usage check (spec §9 "Tagged-variant verdicts").
type Verdict struct {
	Overused     bool
	UsageRate    float64 // 100 * used/total
	ExpectedRate float64 // 100 * weight
}

// Tracker maps fingerprint to UseCount and tracks the running total (spec §3
// "Rendezvous Tracker"). TotalUsed is restored to equal the sum of
// individual Used values at each mutation, bounding drift to within a single
// update.
type Tracker struct {
	Counts    map[string]*UseCount
	TotalUsed float64

	GlobalStartCount float64
	RelayStartCount  float64
	MaxUseToBwRatio  float64
	ScaleAtCount     float64
	ChurnPct         float64 // max-consensus-weight-churn-pct, used for the sentinel weight
}

// New creates an empty tracker with the given thresholds (spec §4.D).
func New(globalStartCount, relayStartCount, maxUseToBwRatio, scaleAtCount, churnPct float64) *Tracker {
	return &Tracker{
		Counts:           make(map[string]*UseCount),
		GlobalStartCount: globalStartCount,
		RelayStartCount:  relayStartCount,
		MaxUseToBwRatio:  maxUseToBwRatio,
		ScaleAtCount:     scaleAtCount,
		ChurnPct:         churnPct,
	}
}

// Reweight assigns fresh weights on a new consensus (spec §4.D "Weight
// assignment on consensus change"): for every relay in sel's filtered list,
// weight is node-weight/exit-total if the relay is an Exit and RepairExits
// has run, else node-weight/total-weight. A sentinel entry is inserted with
// weight = churnPct/100. Previous Used counts are carried forward by
// fingerprint (and the sentinel), scaling down first if TotalUsed has grown
// past ScaleAtCount.
func (t *Tracker) Reweight(sel *selector.Selector) {
	if t.TotalUsed >= t.ScaleAtCount && t.ScaleAtCount > 0 {
		t.scaleCounts()
	}

	previous := t.Counts
	next := make(map[string]*UseCount, len(previous)+1)

	total := sel.TotalWeight()
	exitTotal, hasExitTotal := sel.ExitTotal()

	for i, r := range sel.Routers() {
		var weight float64
		if hasExitTotal && r.HasFlag(model.FlagExit) && exitTotal > 0 {
			weight = sel.ExitWeight(i) / exitTotal
		} else if total > 0 {
			weight = sel.NodeWeight(i) / total
		}

		fp := model.NormalizeFingerprint(r.Fingerprint)
		used := 0.0
		if prev, ok := previous[fp]; ok {
			used = prev.Used
		}
		next[fp] = &UseCount{Fingerprint: fp, Used: used, Weight: weight}
	}

	sentinelUsed := 0.0
	if prev, ok := previous[NotInConsensus]; ok {
		sentinelUsed = prev.Used
	}
	next[NotInConsensus] = &UseCount{Fingerprint: NotInConsensus, Used: sentinelUsed, Weight: t.ChurnPct / 100.0}

	t.Counts = next
	t.recomputeTotal()
}

// scaleCounts halves every Used value and the running total, bounding
// long-term growth (spec §4.D "Scaling"; invariant 7: scale(scale(c)) = c/4).
func (t *Tracker) scaleCounts() {
	for _, uc := range t.Counts {
		uc.Used /= 2
	}
	t.recomputeTotal()
}

func (t *Tracker) recomputeTotal() {
	var total float64
	for _, uc := range t.Counts {
		total += uc.Used
	}
	t.TotalUsed = total
}

// RecordUse credits fingerprint (or the sentinel, if fingerprint is unknown
// to the tracker) with one rendezvous selection and returns the usage
// verdict (spec §4.D "Usage check").
func (t *Tracker) RecordUse(fingerprint string) Verdict {
	fp := model.NormalizeFingerprint(fingerprint)
	uc, ok := t.Counts[fp]
	if !ok {
		uc, ok = t.Counts[NotInConsensus]
		if !ok {
			uc = &UseCount{Fingerprint: NotInConsensus, Weight: t.ChurnPct / 100.0}
			t.Counts[NotInConsensus] = uc
		}
	}

	uc.Used++
	t.TotalUsed++

	return t.verdictFor(uc)
}

func (t *Tracker) verdictFor(uc *UseCount) Verdict {
	var ratio float64
	if t.TotalUsed > 0 {
		ratio = uc.Used / t.TotalUsed
	}

	overused := t.TotalUsed >= t.GlobalStartCount &&
		uc.Used >= t.RelayStartCount &&
		ratio > uc.Weight*t.MaxUseToBwRatio

	return Verdict{
		Overused:     overused,
		UsageRate:    100 * ratio,
		ExpectedRate: 100 * uc.Weight,
	}
}
