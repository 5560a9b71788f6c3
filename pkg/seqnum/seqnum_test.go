package seqnum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLessThanWraparound(t *testing.T) {
	assert.True(t, LessThan(0xFFFFFFFF, 0))
	assert.False(t, LessThan(0, 0xFFFFFFFF))
	assert.True(t, LessThan(100, 200))
	assert.False(t, LessThan(200, 100))
	assert.False(t, LessThan(100, 100))
}

func TestInWindow(t *testing.T) {
	assert.True(t, InWindow(105, 100, 10))
	assert.True(t, InWindow(100, 100, 10))
	assert.False(t, InWindow(110, 100, 10))
	assert.False(t, InWindow(99, 100, 10))
	assert.True(t, InWindow(100, 100, 0))
	assert.True(t, InWindow(0, 0xFFFFFFFF, 5))
}

func TestAddSub(t *testing.T) {
	v := Add(0xFFFFFFFE, 4)
	assert.Equal(t, Value(2), v)
	assert.Equal(t, Size(4), Sub(v, 0xFFFFFFFE))
}

func TestMaxMin(t *testing.T) {
	assert.Equal(t, Value(200), Max(100, 200))
	assert.Equal(t, Value(0xFFFFFFFF), Min(0xFFFFFFFF, 0))
}
