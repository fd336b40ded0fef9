// Command mkfs builds a filesystem image from a host directory tree, the
// Go analogue of original_source/easy-fs-fuse (SPEC_FULL.md §10 "CLI
// tooling"). Layout mirrors biscuit/src/mkfs/mkfs.go's addfiles/copydata
// walk, rehomed onto this project's diskfs/vfs packages instead of
// biscuit's ufs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sv39os/internal/blockcache"
	"sv39os/internal/config"
	"sv39os/internal/diskfs"
	"sv39os/internal/hostdisk"
	"sv39os/internal/vfs"
)

var (
	flagImage             string
	flagSource            string
	flagTotalBlocks       int
	flagInodeBitmapBlocks int
)

func main() {
	root := &cobra.Command{
		Use:   "mkfs",
		Short: "build a sv39os filesystem image from a host directory",
		RunE:  run,
	}
	root.Flags().StringVar(&flagImage, "image", "fs.img", "path of the image file to create")
	root.Flags().StringVar(&flagSource, "source", "", "host directory tree to copy into the image (optional)")
	root.Flags().IntVar(&flagTotalBlocks, "total-blocks", 32768, "total number of blocks in the image")
	root.Flags().IntVar(&flagInodeBitmapBlocks, "inode-bitmap-blocks", 1, "blocks reserved for the inode bitmap")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("mkfs: failed")
	}
}

func run(_ *cobra.Command, _ []string) error {
	dev, err := hostdisk.Create(flagImage, flagTotalBlocks)
	if err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	// Pre-zero the raw image directly against the host file, bypassing the
	// block cache entirely: positional pwrite lets every worker write its
	// own disjoint block range concurrently (SPEC_FULL.md §11 — errgroup
	// parallelizes this bulk initialization pass; diskfs.NewEasyFileSystem
	// zeroes through the cache afterwards regardless, so this pass only
	// exists to demonstrate and exercise the bounded-concurrency path
	// against the underlying device, not to skip the cache's own work).
	if err := zeroRegionConcurrently(dev, flagTotalBlocks); err != nil {
		return fmt.Errorf("mkfs: zeroing image: %w", err)
	}

	cache := blockcache.NewManager(config.BlockCacheCapacity)
	fs := diskfs.NewEasyFileSystem(cache, dev, flagTotalBlocks, flagInodeBitmapBlocks)

	var fsMu sync.Mutex
	root := vfs.Root(fs, &fsMu)

	if flagSource != "" {
		if err := addFiles(root, flagSource); err != nil {
			return fmt.Errorf("mkfs: %w", err)
		}
	}

	cache.SyncAll(context.Background())
	if err := dev.Close(); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	total, free := fs.DataBitmap.Stat()
	p := message.NewPrinter(language.English)
	p.Printf("sv39os image %q: %d blocks total, %d data blocks free\n", flagImage, flagTotalBlocks, free)
	_ = total
	return nil
}

// zeroRegionConcurrently writes totalBlocks zeroed blocks to dev using a
// bounded worker pool (errgroup.Group with SetLimit), mirroring the
// concurrency bound internal/blockcache.Manager applies to its own
// in-flight device requests during SyncAll.
func zeroRegionConcurrently(dev *hostdisk.File, totalBlocks int) error {
	var g errgroup.Group
	g.SetLimit(config.BlockCacheCapacity)
	zero := make([]byte, config.BlockSize)
	for i := 0; i < totalBlocks; i++ {
		id := i
		g.Go(func() error {
			dev.WriteBlock(id, zero)
			return nil
		})
	}
	return g.Wait()
}

// addFiles walks skelDir on the host and replicates its contents into the
// filesystem rooted at root (biscuit/src/mkfs/mkfs.go: addfiles/copydata).
func addFiles(root *vfs.Inode, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skelDir), "/")
		if rel == "" {
			return nil
		}

		parent, name := splitParent(root, rel)
		if parent == nil {
			return fmt.Errorf("mkfs: missing parent directory for %q", rel)
		}

		if d.IsDir() {
			if parent.Create(name, true) == nil {
				return fmt.Errorf("mkfs: failed to create dir %q", rel)
			}
			return nil
		}

		child := parent.Create(name, false)
		if child == nil {
			return fmt.Errorf("mkfs: failed to create file %q", rel)
		}
		return copyData(path, child)
	})
}

// splitParent resolves rel's parent directory inside root, returning the
// parent handle and rel's final path component.
func splitParent(root *vfs.Inode, rel string) (*vfs.Inode, string) {
	parts := strings.Split(rel, string(filepath.Separator))
	dir := root
	for _, p := range parts[:len(parts)-1] {
		dir = dir.Find(p)
		if dir == nil {
			return nil, ""
		}
	}
	return dir, parts[len(parts)-1]
}

// copyData reads src from the host and appends its contents into dst
// block-by-block (biscuit/src/mkfs/mkfs.go: copydata).
func copyData(src string, dst *vfs.Inode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, config.BlockSize)
	offset := 0
	for {
		n, err := f.Read(buf)
		if n > 0 {
			dst.WriteAt(offset, buf[:n])
			offset += n
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
