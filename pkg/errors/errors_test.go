package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	e := New(KindValidation, "bad fingerprint")
	assert.Equal(t, "[validation] bad fingerprint", e.Error())
	assert.False(t, e.Retryable)
}

func TestWrapPreservesUnderlying(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(KindIO, "failed to write state", cause)
	assert.Equal(t, cause, e.Unwrap())
	assert.Contains(t, e.Error(), "disk full")
}

func TestRetryableConstructors(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryable(KindConsensus, "missing weights")))
	assert.False(t, IsRetryable(New(KindValidation, "bad input")))
	assert.True(t, IsRetryable(DescriptorUnavailableError("descriptors not loaded")))
}

func TestGetKindDefaultsToIOForPlainErrors(t *testing.T) {
	plain := errors.New("not a VanguardError")
	assert.Equal(t, KindIO, GetKind(plain))
}

func TestIsKind(t *testing.T) {
	e := StateIntegrityError("corrupt state file", nil)
	assert.True(t, IsKind(e, KindStateIntegrity))
	assert.False(t, IsKind(e, KindConsensus))
}

func TestIsComparesByKind(t *testing.T) {
	a := New(KindNoNodesRemain, "pool empty after exclusion")
	b := New(KindNoNodesRemain, "pool empty after restriction")
	assert.True(t, errors.Is(a, b))
}

func TestWithContext(t *testing.T) {
	e := New(KindConfiguration, "invalid guard layer size").
		WithContext("layer", 2).
		WithContext("value", -1)
	assert.Equal(t, 2, e.Context["layer"])
	assert.Equal(t, -1, e.Context["value"])
}
