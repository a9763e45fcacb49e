package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorStaysInRangeAndWraps(t *testing.T) {
	alloc, err := NewAllocator(50000, 50004, func(int) bool { return true })
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		port, err := alloc.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 50000)
		assert.Less(t, port, 50004)
		assert.Equal(t, 50000+i, port)
	}

	// One more wraps back to the bottom of the range.
	port, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 50000, port)
}

func TestAllocatorSkipsBusyPorts(t *testing.T) {
	busy := map[int]bool{50001: true, 50002: true}
	alloc, err := NewAllocator(50000, 50005, func(p int) bool { return !busy[p] })
	require.NoError(t, err)

	got := []int{}
	for i := 0; i < 3; i++ {
		port, err := alloc.Allocate()
		require.NoError(t, err)
		got = append(got, port)
	}
	assert.Equal(t, []int{50000, 50003, 50004}, got)
}

func TestAllocatorExhausted(t *testing.T) {
	alloc, err := NewAllocator(50000, 50003, func(int) bool { return false })
	require.NoError(t, err)

	_, err = alloc.Allocate()
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestAllocatorRejectsBadRange(t *testing.T) {
	_, err := NewAllocator(50000, 50000, nil)
	assert.Error(t, err)
	_, err = NewAllocator(0, 100, nil)
	assert.Error(t, err)
}
