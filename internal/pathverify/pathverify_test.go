package pathverify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectedLengthSelectsFullVsLiteTable(t *testing.T) {
	full := NewVerifier(false, nil, nil)
	lite := NewVerifier(true, nil, nil)

	n, ok := full.ExpectedLength("HS_CLIENT_REND")
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	n, ok = lite.ExpectedLength("HS_CLIENT_REND")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestCheckCircuitIgnoresNonHSPurposes(t *testing.T) {
	v := NewVerifier(false, nil, nil)
	r := v.CheckCircuit("BUILT", "GENERAL", "", []string{"a", "b", "c"})
	assert.False(t, r.LengthMismatch)
}

func TestCheckCircuitIgnoresUnbuiltCircuits(t *testing.T) {
	v := NewVerifier(false, nil, nil)
	r := v.CheckCircuit("LAUNCHED", "HS_CLIENT_REND", "", []string{"a"})
	assert.False(t, r.LengthMismatch)
}

func TestCheckCircuitFlagsLengthMismatch(t *testing.T) {
	v := NewVerifier(false, nil, nil)
	r := v.CheckCircuit("BUILT", "HS_CLIENT_REND", "", []string{"a", "b", "c"})
	assert.True(t, r.LengthMismatch)
	assert.Equal(t, 4, r.ExpectedLength)
	assert.Equal(t, 3, r.ActualLength)
	assert.False(t, r.MismatchExpected)
}

func TestCheckCircuitTreatsKnownRetryPatternAsExpected(t *testing.T) {
	v := NewVerifier(false, nil, nil)
	r := v.CheckCircuit("BUILT", "HS_SERVICE_HSDIR", "HSSI_CONNECTING", []string{"a"})
	assert.True(t, r.LengthMismatch)
	assert.True(t, r.MismatchExpected)
}

func TestCheckCircuitFlagsLayer2Mismatch(t *testing.T) {
	v := NewVerifier(false, []string{"GOODL2"}, nil)
	path := make([]string, 4)
	path[1] = "BADL2"
	r := v.CheckCircuit("BUILT", "HS_VANGUARDS", "", path)
	assert.True(t, r.Layer2Mismatch)
}

func TestCheckCircuitSkipsLayer3WhenNotConfigured(t *testing.T) {
	v := NewVerifier(false, []string{"L2"}, nil)
	path := []string{"G1", "L2", "NOTL3"}
	r := v.CheckCircuit("BUILT", "HS_VANGUARDS", "", path)
	assert.False(t, r.Layer3Mismatch)
}
