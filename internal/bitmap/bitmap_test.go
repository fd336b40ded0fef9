package bitmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sv39os/internal/bitmap"
	"sv39os/internal/blockcache"
	"sv39os/internal/config"
	"sv39os/internal/hostdisk"
)

func newDevice(t *testing.T, blocks int) (*blockcache.Manager, *hostdisk.File) {
	t.Helper()
	path := t.TempDir() + "/bitmap.img"
	dev, err := hostdisk.Create(path, blocks)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return blockcache.NewManager(config.BlockCacheCapacity), dev
}

func TestBitmapAllocFirstFit(t *testing.T) {
	cache, dev := newDevice(t, 2)
	bm := bitmap.New(0, 1)

	first, ok := bm.Alloc(cache, dev)
	require.True(t, ok)
	require.Equal(t, 0, first)

	second, ok := bm.Alloc(cache, dev)
	require.True(t, ok)
	require.Equal(t, 1, second)

	total, free := bm.Stat()
	require.Equal(t, total-2, free)
}

func TestBitmapDeallocThenRealloc(t *testing.T) {
	cache, dev := newDevice(t, 1)
	bm := bitmap.New(0, 1)

	id, ok := bm.Alloc(cache, dev)
	require.True(t, ok)

	bm.Dealloc(cache, dev, id)
	_, free := bm.Stat()
	require.Equal(t, bm.MaxBits(), free)

	reused, ok := bm.Alloc(cache, dev)
	require.True(t, ok)
	require.Equal(t, id, reused, "first-fit should hand the freed low bit back out first")
}

func TestBitmapDeallocOfClearBitPanics(t *testing.T) {
	cache, dev := newDevice(t, 1)
	bm := bitmap.New(0, 1)
	require.Panics(t, func() { bm.Dealloc(cache, dev, 0) })
}

func TestBitmapExhaustion(t *testing.T) {
	cache, dev := newDevice(t, 1)
	bm := bitmap.New(0, 1)
	max := bm.MaxBits()
	for i := 0; i < max; i++ {
		_, ok := bm.Alloc(cache, dev)
		require.True(t, ok)
	}
	_, ok := bm.Alloc(cache, dev)
	require.False(t, ok, "a fully-allocated bitmap must report exhaustion rather than panic")
}
