package vfs_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sv39os/internal/blockcache"
	"sv39os/internal/config"
	"sv39os/internal/diskfs"
	"sv39os/internal/hostdisk"
	"sv39os/internal/vfs"
)

// newFS builds a freshly formatted filesystem image backed by a temp-dir
// host file, mirroring what cmd/mkfs does (spec.md §8 "FS round trip").
func newFS(t *testing.T) (*diskfs.EasyFileSystem, *sync.Mutex) {
	t.Helper()
	path := t.TempDir() + "/test.img"
	dev, err := hostdisk.Create(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	cache := blockcache.NewManager(config.BlockCacheCapacity)
	fs := diskfs.NewEasyFileSystem(cache, dev, 4096, 1)
	return fs, &sync.Mutex{}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs, mu := newFS(t)
	root := vfs.Root(fs, mu)

	file := root.Create("hello.txt", false)
	require.NotNil(t, file)
	require.True(t, file.IsFile())

	payload := []byte("the quick brown fox jumps over the lazy dog")
	written := file.WriteAt(0, payload)
	require.Equal(t, len(payload), written)
	require.Equal(t, len(payload), file.Size())

	buf := make([]byte, len(payload))
	read := file.ReadAt(0, buf)
	require.Equal(t, len(payload), read)
	require.Equal(t, payload, buf)
}

func TestCreateOnNonDirectoryFails(t *testing.T) {
	fs, mu := newFS(t)
	root := vfs.Root(fs, mu)

	file := root.Create("leaf", false)
	require.NotNil(t, file)
	require.Nil(t, file.Create("nope", false), "creating inside a file, not a directory, must fail")
}

func TestFindAbsoluteWalksNestedPath(t *testing.T) {
	fs, mu := newFS(t)
	root := vfs.Root(fs, mu)

	sub := root.Create("bin", true)
	require.NotNil(t, sub)
	leaf := sub.Create("cat", false)
	require.NotNil(t, leaf)
	leaf.WriteAt(0, []byte("meow"))

	found := vfs.FindAbsolute(fs, mu, "/bin/cat")
	require.NotNil(t, found)
	buf := make([]byte, 4)
	found.ReadAt(0, buf)
	require.Equal(t, []byte("meow"), buf)

	require.Nil(t, vfs.FindAbsolute(fs, mu, "/bin/dog"))
}

func TestLsListsDirectoryEntries(t *testing.T) {
	fs, mu := newFS(t)
	root := vfs.Root(fs, mu)
	root.Create("a", false)
	root.Create("b", true)

	names := root.Ls()
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestResizeGrowsAndShrinksWithoutLosingPrefix(t *testing.T) {
	fs, mu := newFS(t)
	root := vfs.Root(fs, mu)
	file := root.Create("grow.bin", false)

	file.WriteAt(0, []byte("0123456789"))
	file.Resize(5)
	require.Equal(t, 5, file.Size())

	buf := make([]byte, 5)
	file.ReadAt(0, buf)
	require.Equal(t, []byte("01234"), buf)

	file.Resize(10)
	require.Equal(t, 10, file.Size())
}

func TestFilesystemSurvivesCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	imgPath := dir + "/persist.img"

	dev, err := hostdisk.Create(imgPath, 4096)
	require.NoError(t, err)
	cache := blockcache.NewManager(config.BlockCacheCapacity)
	fs := diskfs.NewEasyFileSystem(cache, dev, 4096, 1)
	var mu sync.Mutex
	root := vfs.Root(fs, &mu)
	file := root.Create("durable.txt", false)
	file.WriteAt(0, []byte("still here"))
	cache.SyncAll(context.Background())
	require.NoError(t, dev.Close())

	dev2, err := hostdisk.Open(imgPath)
	require.NoError(t, err)
	t.Cleanup(func() { dev2.Close() })
	cache2 := blockcache.NewManager(config.BlockCacheCapacity)
	fs2, err := diskfs.OpenEasyFileSystem(cache2, dev2)
	require.NoError(t, err)
	var mu2 sync.Mutex

	reopened := vfs.FindAbsolute(fs2, &mu2, "/durable.txt")
	require.NotNil(t, reopened)
	buf := make([]byte, len("still here"))
	reopened.ReadAt(0, buf)
	require.Equal(t, "still here", string(buf))
}
