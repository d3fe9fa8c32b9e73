// Package pathverify implements the circuit path-length expectation check
// (spec §8 invariant 10), grounded on original_source/src/pathverify.rs's
// ROUTELEN_FOR_PURPOSE / ROUTELEN_FOR_PURPOSE_LITE tables and PathVerify::circ_event.
package pathverify

import "strings"

// routelenForPurpose is the expected circuit hop count per hidden-service
// purpose under full vanguards (two persistent guard layers).
var routelenForPurpose = map[string]int{
	"HS_VANGUARDS":     4,
	"HS_CLIENT_HSDIR":  5,
	"HS_CLIENT_INTRO":  5,
	"HS_CLIENT_REND":   4,
	"HS_SERVICE_HSDIR": 4,
	"HS_SERVICE_INTRO": 4,
	"HS_SERVICE_REND":  5,
}

// routelenForPurposeLite is the expected hop count under vanguards-lite
// (single persistent guard layer).
var routelenForPurposeLite = map[string]int{
	"HS_VANGUARDS":     3,
	"HS_CLIENT_HSDIR":  4,
	"HS_CLIENT_INTRO":  4,
	"HS_CLIENT_REND":   3,
	"HS_SERVICE_HSDIR": 4,
	"HS_SERVICE_INTRO": 4,
	"HS_SERVICE_REND":  4,
}

// Verifier checks built hidden-service circuit paths against the
// expectation table for the configured mode (spec §4.C "VanguardsLite").
type Verifier struct {
	Lite    bool
	Layer2  map[string]bool
	Layer3  map[string]bool
	NumLayer3 int
}

// NewVerifier creates a path verifier for the given mode and the guard
// fingerprints currently in each persistent layer.
func NewVerifier(lite bool, layer2, layer3 []string) *Verifier {
	v := &Verifier{Lite: lite, Layer2: make(map[string]bool, len(layer2)), Layer3: make(map[string]bool, len(layer3)), NumLayer3: len(layer3)}
	for _, fp := range layer2 {
		v.Layer2[fp] = true
	}
	for _, fp := range layer3 {
		v.Layer3[fp] = true
	}
	return v
}

// ExpectedLength returns the table entry for purpose under the verifier's
// mode, and whether the purpose has a known expectation.
func (v *Verifier) ExpectedLength(purpose string) (int, bool) {
	table := routelenForPurpose
	if v.Lite {
		table = routelenForPurposeLite
	}
	n, ok := table[purpose]
	return n, ok
}

// Result is the outcome of checking one built circuit's path.
type Result struct {
	LengthMismatch      bool
	ExpectedLength      int
	ActualLength        int
	MismatchExpected    bool // known cannibalized-circuit/retry exception, informational only
	Layer2Mismatch      bool // path[1] is not a member of the current layer-2 set
	Layer3Mismatch      bool // path[2] is not a member of the current layer-3 set (only when layer 3 configured)
}

// CheckCircuit verifies a built or guard-waiting hidden-service circuit's
// path (spec §4.G step 2, "path-verifier" fan-out target; invariant 10).
// Non-HS purposes and circuits not yet built are not checked.
func (v *Verifier) CheckCircuit(status, purpose, hsState string, path []string) Result {
	var r Result
	if !strings.HasPrefix(purpose, "HS_") {
		return r
	}
	if status != "BUILT" && status != "GUARD_WAIT" {
		return r
	}

	if expected, ok := v.ExpectedLength(purpose); ok {
		r.ExpectedLength = expected
		r.ActualLength = len(path)
		if len(path) != expected {
			r.LengthMismatch = true
			r.MismatchExpected = (purpose == "HS_SERVICE_HSDIR" && hsState == "HSSI_CONNECTING") ||
				(purpose == "HS_CLIENT_INTRO" && hsState == "HSCI_CONNECTING")
		}
	}

	if len(path) > 1 && !v.Layer2[path[1]] {
		r.Layer2Mismatch = true
	}
	if v.NumLayer3 > 0 && len(path) > 2 && !v.Layer3[path[2]] {
		r.Layer3Mismatch = true
	}

	return r
}
