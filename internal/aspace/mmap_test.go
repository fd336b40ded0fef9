package aspace_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/config"
	"sv39os/internal/frame"
)

func newSet(t *testing.T) *aspace.MemorySet {
	t.Helper()
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(4096))
	return aspace.NewBare(mem)
}

func TestMmapThenMunmapRoundTrip(t *testing.T) {
	ms := newSet(t)
	start := addr.VA(0x1000_0000)
	length := 3 * config.PgSize

	require.True(t, ms.Mmap(start, length, aspace.PermR|aspace.PermW|aspace.PermU))

	vpn := start.Floor()
	_, ok := ms.Translate(vpn)
	require.True(t, ok, "every page in a successful mmap must be mapped")

	require.True(t, ms.Munmap(start, length))
	_, ok = ms.Translate(vpn)
	require.False(t, ok, "munmap must unmap every page in range")
}

func TestMmapRejectsMisalignedStart(t *testing.T) {
	ms := newSet(t)
	require.False(t, ms.Mmap(addr.VA(0x1000_0001), config.PgSize, aspace.PermR|aspace.PermU))
}

func TestMmapRejectsOverlap(t *testing.T) {
	ms := newSet(t)
	start := addr.VA(0x2000_0000)
	length := 2 * config.PgSize
	require.True(t, ms.Mmap(start, length, aspace.PermR|aspace.PermU))
	require.False(t, ms.Mmap(start, config.PgSize, aspace.PermR|aspace.PermU),
		"mapping into an already-mapped page must fail, not silently replace it")
}

func TestMunmapOfUnmappedRangeFails(t *testing.T) {
	ms := newSet(t)
	require.False(t, ms.Munmap(addr.VA(0x3000_0000), config.PgSize))
}

func TestMunmapRejectsMisalignedStart(t *testing.T) {
	ms := newSet(t)
	start := addr.VA(0x4000_0000)
	require.True(t, ms.Mmap(start, config.PgSize, aspace.PermR|aspace.PermU))
	require.False(t, ms.Munmap(addr.VA(uint64(start)+1), config.PgSize))
}
