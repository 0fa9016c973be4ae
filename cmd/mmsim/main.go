// Command mmsim boots the memory management core on a block of host memory
// that plays the role of physical RAM. It replays a set of fixed scenarios,
// runs a seeded random workload while checking the allocator invariants and
// optionally exports a report of the final memory state.
package main

import (
	"flag"
	"fmt"
	"os"

	"eclipseos/internal/hostmem"
	"eclipseos/internal/memreport"
	"eclipseos/kernel/kfmt"
	"eclipseos/kernel/mm"
	"eclipseos/kernel/mm/allocator"
	"eclipseos/kernel/mm/heap"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

var errKernelHalted = errors.New("kernel halted")

type simConfig struct {
	mem      mm.Size
	physBase uintptr
	heapSize mm.Size
	ops      int
	seed     int64
	jsonOut  string
	pngOut   string
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmsim] error: %s\n", err.Error())
	os.Exit(1)
}

// installKernelHooks routes the kernel log into logger and turns kernel
// panics into process termination.
func installKernelHooks(logger *slog.Logger) *logSink {
	sink := newLogSink(logger)
	kfmt.SetOutputSink(sink)
	kfmt.SetHaltFn(func() {
		sink.Flush()
		exit(errKernelHalted)
	})
	return sink
}

func runScenarios(logger *slog.Logger) error {
	for _, sc := range scenarios {
		if err := sc.run(); err != nil {
			return errors.Wrapf(err, "scenario %q", sc.name)
		}
		logger.Info("scenario passed", slog.String("name", sc.name))
	}
	return nil
}

func runWorkload(cfg simConfig, logger *slog.Logger) (workloadStats, error) {
	arena, err := hostmem.NewArena(cfg.physBase, cfg.mem)
	if err != nil {
		return workloadStats{}, errors.Wrap(err, "allocating simulated memory")
	}
	defer func() {
		mm.SetPhysMapOffset(0)
		_ = arena.Close()
	}()
	arena.Install()

	// Every heap page is backed by a frame so the heap can never outgrow a
	// window of the same size as physical memory.
	window, err := hostmem.Map(cfg.mem)
	if err != nil {
		return workloadStats{}, errors.Wrap(err, "reserving heap window")
	}
	defer func() { _ = window.Close() }()

	ctxCfg := allocator.DefaultConfig()
	ctxCfg.Heap = heap.Config{Base: window.Addr(), InitialSize: cfg.heapSize}

	var ctx allocator.Context
	if err := ctx.Init(ctxCfg, arena.MemoryMap().Visit); err != nil {
		return workloadStats{}, kernelErr(err, "initializing memory context")
	}

	w := newWorkload(&ctx, window, cfg.seed)
	if err := w.Run(cfg.ops); err != nil {
		return w.stats, err
	}

	stats := ctx.Stats()
	logger.Info("workload completed",
		slog.Int("ops", cfg.ops),
		slog.Int64("seed", cfg.seed),
		slog.Int("allocs", w.stats.Allocs),
		slog.Int("frees", w.stats.Frees),
		slog.Int("failed", w.stats.Failed),
		slog.Int("pagesMapped", w.stats.PagesMapped),
		slog.Uint64("physUsed", uint64(stats.Used)),
		slog.Uint64("heapSize", uint64(stats.Heap.Size)),
		slog.Int("heapBlocks", stats.Heap.Blocks),
		slog.Uint64("fallbackCalls", stats.FallbackCalls),
	)

	snap := memreport.Capture(&ctx, arena.PhysBase(), arena.PhysBase()+uintptr(cfg.mem))
	return w.stats, writeReports(cfg, snap)
}

func writeReports(cfg simConfig, snap *memreport.Snapshot) error {
	if cfg.jsonOut != "" {
		if err := writeFile(cfg.jsonOut, func(f *os.File) error { return memreport.WriteJSON(f, snap) }); err != nil {
			return err
		}
	}
	if cfg.pngOut != "" {
		if err := writeFile(cfg.pngOut, func(f *os.File) error { return memreport.RenderPNG(f, snap, memreport.RenderOptions{}) }); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, fn func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}

	if err = fn(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

func run(cfg simConfig, logger *slog.Logger) error {
	if cfg.heapSize >= cfg.mem {
		return errors.Newf("heap size %d must be smaller than the simulated memory %d", cfg.heapSize, cfg.mem)
	}
	if cfg.ops < 0 {
		return errors.Newf("invalid operation count %d", cfg.ops)
	}

	sink := installKernelHooks(logger)
	defer sink.Flush()

	if err := runScenarios(logger); err != nil {
		return err
	}
	_, err := runWorkload(cfg, logger)
	return err
}

func runTool() error {
	memMb := flag.Uint("mem", 16, "the size of the simulated physical memory in MiB")
	physBase := flag.Uint64("base", 0x100000, "the physical address where the simulated memory starts")
	heapKb := flag.Uint("heap", 4096, "the initial heap size in KiB")
	ops := flag.Int("ops", 10000, "the number of random operations to run")
	seed := flag.Int64("seed", 1, "the seed for the random workload")
	jsonOut := flag.String("json", "", "a file to write a JSON memory report to")
	pngOut := flag.String("png", "", "a file to write a PNG memory map to")
	verbose := flag.Bool("v", false, "enable debug output, including kernel log messages")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mmsim: run the memory manager on simulated physical memory\n\n")
		fmt.Fprint(os.Stderr, "Usage: mmsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return run(simConfig{
		mem:      mm.Size(*memMb) * mm.Mb,
		physBase: uintptr(*physBase),
		heapSize: mm.Size(*heapKb) * mm.Kb,
		ops:      *ops,
		seed:     *seed,
		jsonOut:  *jsonOut,
		pngOut:   *pngOut,
	}, logger)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
