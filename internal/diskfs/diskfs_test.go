package diskfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sv39os/internal/blockcache"
	"sv39os/internal/config"
	"sv39os/internal/diskfs"
	"sv39os/internal/hostdisk"
)

func newDevice(t *testing.T, blocks int) (*hostdisk.File, *blockcache.Manager) {
	t.Helper()
	dev, err := hostdisk.Create(t.TempDir()+"/disk.img", blocks)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev, blockcache.NewManager(config.BlockCacheCapacity)
}

func TestNewEasyFileSystemAllocatesRootInode(t *testing.T) {
	dev, cache := newDevice(t, 64)
	fs := diskfs.NewEasyFileSystem(cache, dev, 64, 1)

	blockID, _ := fs.InodePos(config.RootInodeID)
	require.GreaterOrEqual(t, blockID, uint32(1))

	id, ok := fs.AllocInode()
	require.True(t, ok)
	require.Equal(t, config.RootInodeID+1, id, "root inode must already be allocated by NewEasyFileSystem")
}

func TestAllocDataBlockOffsetsPastDataAreaStart(t *testing.T) {
	dev, cache := newDevice(t, 2048)
	fs := diskfs.NewEasyFileSystem(cache, dev, 2048, 1)

	first, ok := fs.AllocDataBlock()
	require.True(t, ok)
	second, ok := fs.AllocDataBlock()
	require.True(t, ok)
	require.NotEqual(t, first, second)
	require.Greater(t, first, uint32(0))
}

func TestOpenEasyFileSystemRestoresLayoutAfterReopen(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	dev, err := hostdisk.Create(path, 2048)
	require.NoError(t, err)
	cache := blockcache.NewManager(config.BlockCacheCapacity)
	fs := diskfs.NewEasyFileSystem(cache, dev, 2048, 1)

	rootBlock, rootOffset := fs.InodePos(config.RootInodeID)
	_, ok := fs.AllocDataBlock()
	require.True(t, ok)

	cache.SyncAll(context.Background())
	require.NoError(t, dev.Close())

	reopened, err := hostdisk.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	cache2 := blockcache.NewManager(config.BlockCacheCapacity)

	fs2, err := diskfs.OpenEasyFileSystem(cache2, reopened)
	require.NoError(t, err)

	reopenedBlock, reopenedOffset := fs2.InodePos(config.RootInodeID)
	require.Equal(t, rootBlock, reopenedBlock)
	require.Equal(t, rootOffset, reopenedOffset)

	// Stat()'s allocated count is in-memory only (original_source/easy-fs/
	// src/bitmap.rs carries the same limitation: Bitmap::new always starts
	// allocated at 0, even in efs.rs's open() path) — a freshly reconstructed
	// bitmap reports fully free regardless of what's actually set on disk.
	_, free := fs2.DataBitmap.Stat()
	require.Equal(t, fs2.DataBitmap.MaxBits(), free)
}

func TestOpenEasyFileSystemRejectsBadMagic(t *testing.T) {
	dev, cache := newDevice(t, 4)
	_, err := diskfs.OpenEasyFileSystem(cache, dev)
	require.Error(t, err, "an unformatted image has no valid superblock magic")
}
