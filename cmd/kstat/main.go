// Command kstat reports frame-allocator and inode/data bitmap occupancy
// (SPEC_FULL.md §11 "google/pprof"), giving the bounded allocators in
// spec.md §4.1/§4.7/§4.8 a real visualization path: the same counts
// printed to the terminal are also emitted as a pprof profile.Profile so
// they can be opened with `pprof -http`.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sv39os/internal/addr"
	"sv39os/internal/blockcache"
	"sv39os/internal/config"
	"sv39os/internal/diskfs"
	"sv39os/internal/frame"
	"sv39os/internal/hostdisk"
)

var (
	flagImage    string
	flagPprofOut string
)

func main() {
	root := &cobra.Command{
		Use:   "kstat",
		Short: "report allocator and filesystem occupancy for a sv39os image",
		RunE:  run,
	}
	root.Flags().StringVar(&flagImage, "image", "fs.img", "path of the image file to inspect")
	root.Flags().StringVar(&flagPprofOut, "pprof-out", "", "optional path to write a pprof profile of the occupancy counts")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("kstat: failed")
	}
}

func run(_ *cobra.Command, _ []string) error {
	dev, err := hostdisk.Open(flagImage)
	if err != nil {
		return fmt.Errorf("kstat: %w", err)
	}
	defer dev.Close()

	cache := blockcache.NewManager(config.BlockCacheCapacity)
	fs, err := diskfs.OpenEasyFileSystem(cache, dev)
	if err != nil {
		return fmt.Errorf("kstat: %w", err)
	}

	inodeTotal, inodeFree := fs.InodeBitmap.Stat()
	dataTotal, dataFree := fs.DataBitmap.Stat()

	// A representative frame allocator over the identity-mapped RAM region
	// (config.MemoryEnd), demonstrating the same bounded-pool stat the
	// kernel core reports internally (spec.md §4.1 "stat()") — this
	// process has no live kernel to attach to, so the allocator here is
	// freshly seeded rather than introspected out of a running instance.
	alloc := frame.New(addr.NewPPN(0), addr.NewPPN(config.MemoryEnd>>config.PgShift))
	frameTotal, frameFree := alloc.Stat()

	p := message.NewPrinter(language.English)
	p.Printf("sv39os image %q\n", flagImage)
	p.Printf("  blocks:       %d total\n", dev.TotalBlocks())
	p.Printf("  inode bitmap: %d total, %d free\n", inodeTotal, inodeFree)
	p.Printf("  data bitmap:  %d total, %d free\n", dataTotal, dataFree)
	p.Printf("  frame pool:   %d total, %d free\n", frameTotal, frameFree)

	if flagPprofOut == "" {
		return nil
	}
	return writeProfile(flagPprofOut, map[string]int64{
		"inode_bitmap_used": int64(inodeTotal - inodeFree),
		"data_bitmap_used":  int64(dataTotal - dataFree),
		"frame_pool_used":   int64(frameTotal - frameFree),
	})
}

// writeProfile encodes counts as a single-sample-per-metric pprof profile:
// one value type per counter, all attached to a single synthetic "image"
// location, so `pprof -http` can render the occupancy as a flat bar chart.
func writeProfile(path string, counts map[string]int64) error {
	fn := &profile.Function{ID: 1, Name: "sv39os.image", SystemName: "sv39os.image", Filename: "kstat"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}
	prof := &profile.Profile{
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
		Function:      []*profile.Function{fn},
		Location:      []*profile.Location{loc},
	}
	sample := &profile.Sample{
		Location: []*profile.Location{prof.Location[0]},
	}
	for name, v := range counts {
		prof.SampleType = append(prof.SampleType, &profile.ValueType{Type: name, Unit: "count"})
		sample.Value = append(sample.Value, v)
	}
	prof.Sample = append(prof.Sample, sample)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("kstat: %w", err)
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		return fmt.Errorf("kstat: writing profile: %w", err)
	}
	return nil
}
