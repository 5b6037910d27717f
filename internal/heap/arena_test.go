package heap

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	a, err := NewArena(NewLinear(testBase, size), testBase, size, 16)
	require.NoError(t, err)
	return a
}

func TestArenaRejectsBadGeometry(t *testing.T) {
	mem := NewLinear(testBase, 4096)

	_, err := NewArena(mem, testBase, 4096, 12)
	assert.Error(t, err)
	_, err = NewArena(mem, 0, 4096, 16)
	assert.Error(t, err, "null base would collide with the null sentinel")
	_, err = NewArena(mem, testBase+8, 4096, 16)
	assert.Error(t, err)
	_, err = NewArena(mem, testBase, 8, 16)
	assert.Error(t, err)
}

func TestArenaFirstFitAndCoalesce(t *testing.T) {
	a := newTestArena(t, 1024)

	p1, err := a.Alloc(16)
	require.NoError(t, err)
	p2, err := a.Alloc(16)
	require.NoError(t, err)
	p3, err := a.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBase), p1)
	assert.Equal(t, p1+16, p2)
	assert.Equal(t, p2+16, p3)

	require.NoError(t, a.Free(p2, 16))
	assert.Equal(t, 2, a.Stats().FreeRanges)

	// First fit reuses the hole.
	p4, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, p2, p4)

	require.NoError(t, a.Free(p1, 16))
	require.NoError(t, a.Free(p3, 16))
	require.NoError(t, a.Free(p4, 10))

	st := a.Stats()
	assert.Equal(t, 1, st.FreeRanges)
	assert.Equal(t, uint64(1024), st.LargestFree)
	assert.Equal(t, uint64(0), st.UsedBytes)
}

func TestArenaFreeChecksSize(t *testing.T) {
	a := newTestArena(t, 1024)

	p, err := a.Alloc(24)
	require.NoError(t, err)

	assert.True(t, errors.Is(a.Free(p, 32), ErrSizeMismatch))
	assert.True(t, errors.Is(a.Free(p+16, 24), ErrBadFree))
	require.NoError(t, a.Free(p, 24))
	assert.True(t, errors.Is(a.Free(p, 24), ErrBadFree))
}

func TestArenaReallocMovesWhenBlocked(t *testing.T) {
	a := newTestArena(t, 1024)

	p, err := a.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, a.mem.MemWrite(p, []byte("sixteen bytes!!!")))
	_, err = a.Alloc(16)
	require.NoError(t, err)

	np, err := a.Realloc(p, 16, 64)
	require.NoError(t, err)
	assert.NotEqual(t, p, np)

	got, err := a.mem.MemRead(np, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("sixteen bytes!!!"), got)

	size, ok := a.Lookup(np)
	require.True(t, ok)
	assert.Equal(t, uint64(64), size)
	_, ok = a.Lookup(p)
	assert.False(t, ok)
}

func TestArenaWriteMap(t *testing.T) {
	a := newTestArena(t, 256)

	p, err := a.Alloc(40)
	require.NoError(t, err)
	_, err = a.Alloc(8)
	require.NoError(t, err)
	require.NoError(t, a.Free(p, 40))

	w := jwriter.NewWriter()
	a.WriteMap(&w)
	require.NoError(t, w.Error())

	var out struct {
		Allocations  int
		UnusedRanges int
		Blocks       []struct {
			Offset float64
			Size   float64
			Type   string
		}
	}
	require.NoError(t, json.Unmarshal(w.Bytes(), &out))

	assert.Equal(t, 1, out.Allocations)
	assert.Equal(t, 2, out.UnusedRanges)
	require.Len(t, out.Blocks, 3)
	assert.Equal(t, "FREE", out.Blocks[0].Type)
	assert.Equal(t, float64(48), out.Blocks[0].Size)
	assert.Equal(t, "USED", out.Blocks[1].Type)
	assert.Equal(t, float64(48), out.Blocks[1].Offset)
	assert.Equal(t, "FREE", out.Blocks[2].Type)
}
