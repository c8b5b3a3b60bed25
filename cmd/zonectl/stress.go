package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/internal/logger"
	"github.com/joshuapare/autozone/zone"
)

var (
	stressThreads  int
	stressOps      int
	stressSeed     uint64
	stressMediumPc int
	stressDepth    int
	stressStats    bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressThreads, "threads", "t", 4, "Mutator threads")
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 20000, "Operations per thread")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressMediumPc, "medium", 25, "Percent of allocations that are medium blocks")
	cmd.Flags().IntVar(&stressDepth, "depth", 32, "Shadow-stack slots each thread keeps live")
	cmd.Flags().BoolVar(&stressStats, "stats", false, "Print the full zone statistics afterwards")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent mutators against a collecting zone",
		Long: `The stress command runs mutator threads that allocate, link and drop
blocks while a collector goroutine alternates partial and full collections.
Every block carries a tag derived from its address; a tag that changes means a
live block was reclaimed.

Example:
  zonectl stress
  zonectl stress --threads 8 --ops 100000 --check
  zonectl stress --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStressCmd(cmd.Context())
		},
	}
	return cmd
}

type stressConfig struct {
	Threads   int
	Ops       int
	Seed      uint64
	MediumPct int
	Depth     int
}

// StressResult summarizes one stress run.
type StressResult struct {
	Threads      int
	Ops          int
	Duration     time.Duration
	Collections  int64
	Mismatches   int64
	UsageErrors  int
	LiveBlocks   int
	LiveBytes    uintptr
	FinalMarked  int64
	VerifyFailed string `json:",omitempty"`
	Stats        zone.Stats
}

func runStressCmd(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	u := &usageLog{}
	z, err := zone.New(zoneOptions(u))
	if err != nil {
		return fmt.Errorf("failed to create zone: %w", err)
	}
	defer z.Close()

	cfg := stressConfig{
		Threads:   stressThreads,
		Ops:       stressOps,
		Seed:      stressSeed,
		MediumPct: stressMediumPc,
		Depth:     stressDepth,
	}
	printVerbose("Running %d threads x %d ops (seed %d)\n", cfg.Threads, cfg.Ops, cfg.Seed)

	res, err := runStress(ctx, z, cfg)
	if err != nil {
		return err
	}
	res.UsageErrors = u.count()
	logger.Info("stress run finished",
		"threads", res.Threads,
		"ops", res.Ops,
		"collections", res.Collections,
		"mismatches", res.Mismatches,
		"usage_errors", res.UsageErrors,
		"duration", res.Duration)

	if jsonOut {
		return printJSON(res)
	}

	failed := res.Mismatches > 0 || res.UsageErrors > 0 || res.VerifyFailed != ""
	status := render(passStyle, "PASS")
	if failed {
		status = render(failStyle, "FAIL")
	}
	printInfo("%s\n", render(headerStyle, "Stress run"))
	printInfo("%s\n", table([][2]string{
		{"Result", status},
		{"Threads", fmt.Sprint(res.Threads)},
		{"Operations", fmt.Sprint(res.Threads * res.Ops)},
		{"Duration", res.Duration.Round(time.Millisecond).String()},
		{"Collections", fmt.Sprint(res.Collections)},
		{"Tag mismatches", fmt.Sprint(res.Mismatches)},
		{"Usage errors", fmt.Sprint(res.UsageErrors)},
		{"Live blocks", fmt.Sprintf("%d (%s)", res.LiveBlocks, formatBytes(int64(res.LiveBytes)))},
	}))
	if res.VerifyFailed != "" {
		printError("heap verification: %s\n", res.VerifyFailed)
	}
	if first := u.first(); first != nil {
		printError("first zone error: %v\n", first)
	}
	if stressStats && !quiet {
		fmt.Println()
		z.PrintStats(os.Stdout)
	}
	if failed {
		return errors.New("stress run failed")
	}
	return nil
}

// runStress drives cfg.Threads mutators against z and a collector that
// alternates partial and full collections, then quiesces the zone.
func runStress(ctx context.Context, z *zone.Zone, cfg stressConfig) (*StressResult, error) {
	threads := make([]*zone.Thread, cfg.Threads)
	for i := range threads {
		th, err := z.RegisterThread()
		if err != nil {
			return nil, fmt.Errorf("failed to register thread: %w", err)
		}
		threads[i] = th
	}
	defer func() {
		for _, th := range threads {
			_ = th.Unregister()
		}
	}()

	start := time.Now()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var collections atomic.Int64
	collectorErr := make(chan error, 1)
	go func() {
		for n := 0; cctx.Err() == nil; n++ {
			mode := zone.Partial
			if n%4 == 3 {
				mode = zone.Full
			}
			if _, err := z.Collect(cctx, mode); err != nil {
				if !errors.Is(err, context.Canceled) {
					collectorErr <- err
					return
				}
				break
			}
			collections.Add(1)
		}
		collectorErr <- nil
	}()

	var mismatches atomic.Int64
	var wg sync.WaitGroup
	for i, th := range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &mutator{th: th, cfg: cfg, bad: &mismatches}
			m.run(cfg.Seed + uint64(i))
		}()
	}
	wg.Wait()
	cancel()
	if err := <-collectorErr; err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	for _, th := range threads {
		if _, err := th.CollectLocal(); err != nil {
			return nil, fmt.Errorf("local collection: %w", err)
		}
	}
	final, err := z.Collect(ctx, zone.Full)
	if err != nil {
		return nil, fmt.Errorf("final collection: %w", err)
	}

	res := &StressResult{
		Threads:     cfg.Threads,
		Ops:         cfg.Ops,
		Duration:    time.Since(start),
		Collections: collections.Load() + 1,
		Mismatches:  mismatches.Load(),
		FinalMarked: final.Marked,
	}
	z.Enumerate(func(bi zone.BlockInfo) bool {
		res.LiveBlocks++
		res.LiveBytes += bi.Size
		return true
	})
	if err := z.Verify(); err != nil {
		res.VerifyFailed = err.Error()
	}
	res.Stats = z.Stats()
	return res, nil
}

const (
	linkOffset = 0
	tagOffset  = format.WordSize
)

func tagFor(v uintptr) uintptr { return v | 1 }

// mutator is one stress thread. Its shadow stack is its only root; linked
// blocks are reachable through the first word of each block.
type mutator struct {
	th  *zone.Thread
	cfg stressConfig
	bad *atomic.Int64
}

func (m *mutator) check(v uintptr) {
	if v == 0 {
		return
	}
	tag, err := m.th.Load(v + tagOffset)
	if err != nil || tag != tagFor(v) {
		m.bad.Add(1)
	}
}

func (m *mutator) run(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed*0x2545f4914f6cdd1d))
	th := m.th
	for range m.cfg.Ops {
		depth := th.Depth()
		switch op := rng.IntN(10); {
		case op < 4 || depth == 0:
			size := uintptr(16 + rng.IntN(8)*16)
			if rng.IntN(100) < m.cfg.MediumPct {
				size = uintptr(1100 + rng.IntN(4096))
			}
			v, err := th.Allocate(size, zone.Scanned, zone.Clear)
			if err != nil {
				m.bad.Add(1)
				continue
			}
			_ = th.Store(v+tagOffset, tagFor(v))
			if depth < m.cfg.Depth {
				_ = th.Push(v)
			} else {
				_ = th.SetSlot(rng.IntN(depth), v)
			}
		case op < 7:
			_ = th.Store(th.Slot(rng.IntN(depth))+linkOffset, th.Slot(rng.IntN(depth)))
		case op < 8:
			_, _ = th.Pop()
		case op < 9:
			_, _ = th.CollectLocal()
		default:
			v := th.Slot(rng.IntN(depth))
			m.check(v)
			if link, err := th.Load(v + linkOffset); err == nil {
				m.check(link)
			}
		}
		th.ClearRegisters()
	}
}
