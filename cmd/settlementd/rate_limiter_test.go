package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallerRateLimiter(t *testing.T) {
	l := NewCallerRateLimiter(0.001, 2)

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	// buckets are per caller
	assert.True(t, l.Allow("bob"))

	l.Reset("alice")
	assert.True(t, l.Allow("alice"))

	l.ResetAll()
	assert.True(t, l.Allow("bob"))
	assert.True(t, l.Allow("bob"))
}
