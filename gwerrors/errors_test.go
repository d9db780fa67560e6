package gwerrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableKinds(t *testing.T) {
	assert.True(t, Timeout.Recoverable())
	assert.True(t, Busy.Recoverable())
	assert.True(t, Locked.Recoverable())
	assert.True(t, BadState.Recoverable())
	assert.False(t, Parse.Recoverable())
	assert.False(t, Fatal.Recoverable())
}

func TestErrorRecoverableByAbortClass(t *testing.T) {
	rangeErr := NewAbort(OutOfRange, "value out of range")
	assert.True(t, rangeErr.Recoverable())

	unknownErr := NewAbort(UnknownIndex, "no such param")
	assert.True(t, unknownErr.Recoverable())

	genericErr := NewAbort(Generic, "device refused")
	assert.False(t, genericErr.Recoverable())
}

func TestNewNonAbortNeverRecoverableGeneric(t *testing.T) {
	err := New(Fatal, "bus gone")
	assert.False(t, err.Recoverable())
}

func TestErrorStringIncludesAbortClass(t *testing.T) {
	err := NewAbort(OutOfRange, "value %d too high", 99)
	assert.Contains(t, err.Error(), "OutOfRange")
	assert.Contains(t, err.Error(), "value 99 too high")
}
