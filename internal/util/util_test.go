package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinMax(t *testing.T) {
	assert.Equal(t, 3, Min(3, 7))
	assert.Equal(t, 3, Min(7, 3))
	assert.Equal(t, 7, Max(3, 7))
	assert.Equal(t, 7, Max(7, 3))
}

func TestRoundupRounddown(t *testing.T) {
	assert.Equal(t, 8, Rounddown(11, 8))
	assert.Equal(t, 0, Rounddown(7, 8))
	assert.Equal(t, 16, Roundup(9, 8))
	assert.Equal(t, 8, Roundup(8, 8))
}

func TestIsPow2(t *testing.T) {
	assert.True(t, IsPow2(1))
	assert.True(t, IsPow2(1024))
	assert.False(t, IsPow2(0))
	assert.False(t, IsPow2(3))
}
