package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalRange(t *testing.T) {
	smallest, biggest := LegalRange(0x10, 0xff00)
	assert.Equal(t, uint16(0x1000), smallest)
	assert.Equal(t, uint16(0x10ff), biggest)
}

func TestAllocatorRequestSpecificFree(t *testing.T) {
	a := NewClientIDAllocator(0x10, 0xff00, nil)
	id, err := a.Request("app1", 0x1042)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1042), id)
}

func TestAllocatorRequestSameNameReturnsSameID(t *testing.T) {
	a := NewClientIDAllocator(0x10, 0xff00, nil)
	id1, err := a.Request("app1", 0x1042)
	require.NoError(t, err)
	id2, err := a.Request("app1", 0x1042)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestAllocatorRequestConflictFallsThrough(t *testing.T) {
	a := NewClientIDAllocator(0x10, 0xff00, nil)
	_, err := a.Request("app1", 0x1000)
	require.NoError(t, err)
	id, err := a.Request("app2", 0x1000)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(0x1000), id, "expected a different id once 0x1000 is taken by another name")
}

func TestAllocatorAutoAllocateWraps(t *testing.T) {
	a := NewClientIDAllocator(0x10, 0xff00, nil)
	smallest, biggest := LegalRange(0x10, 0xff00)
	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		id, err := a.Request("", ClientUnset)
		require.NoErrorf(t, err, "allocation %d", i)
		assert.Falsef(t, seen[id], "allocated duplicate id %#x", id)
		seen[id] = true
		assert.GreaterOrEqual(t, id, smallest)
		assert.LessOrEqual(t, id, biggest)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	// A /0xfffe mask leaves only 2 legal client ids.
	a := NewClientIDAllocator(0, 0xfffe, nil)
	_, err1 := a.Request("a", ClientUnset)
	_, err2 := a.Request("b", ClientUnset)
	require.NoError(t, err1)
	require.NoError(t, err2)
	_, err := a.Request("c", ClientUnset)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocatorReleaseFreesID(t *testing.T) {
	a := NewClientIDAllocator(0, 0xfffe, nil)
	id, err := a.Request("a", ClientUnset)
	require.NoError(t, err)
	a.Release(id)
	_, ok := a.InUse(id)
	assert.False(t, ok, "expected id to be free after Release")
}
