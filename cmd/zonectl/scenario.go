package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/autozone/internal/format"
	"github.com/joshuapare/autozone/internal/logger"
	"github.com/joshuapare/autozone/zone"
	"github.com/joshuapare/autozone/zone/sidedata"
)

// scenario is a scripted collector run. It returns a one-line summary of
// what it observed, or an error naming the first expectation that failed.
type scenario struct {
	Name  string
	Short string
	Run   func(ctx context.Context, z *zone.Zone) (string, error)
	Tune  func(*zone.Options)
}

var scenarios = []scenario{
	{Name: "roots", Short: "Blocks reachable from a root survive, the rest are reclaimed", Run: scenarioRoots},
	{Name: "generational", Short: "Old blocks survive partial collections and keep young targets alive", Run: scenarioGenerational},
	{Name: "local", Short: "Thread-local garbage is reclaimed without a zone collection", Run: scenarioLocal},
	{Name: "escape", Short: "Publishing a local block makes it and its referents global", Run: scenarioEscape},
	{Name: "associations", Short: "Associated values live exactly as long as their owner's entry", Run: scenarioAssociations},
	{Name: "refcount", Short: "A retained block is a root until released", Run: scenarioRefcount},
	{
		Name:  "overflow",
		Short: "A wide graph overflows the scan stack and is retraced from bitmaps",
		Run:   scenarioOverflow,
		Tune:  func(o *zone.Options) { o.ScanStackLimit = 4 },
	},
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name    string
	Passed  bool
	Summary string `json:",omitempty"`
	Error   string `json:",omitempty"`
}

func init() {
	rootCmd.AddCommand(newScenarioCmd())
}

func newScenarioCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "scenario [name...]",
		Short: "Run scripted collector scenarios",
		Long: `The scenario command runs small scripted programs against a fresh zone
and checks what the collector kept and reclaimed. With no arguments every
scenario runs.

Example:
  zonectl scenario
  zonectl scenario roots generational
  zonectl scenario --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, s := range scenarios {
					printInfo("%-14s %s\n", s.Name, render(detailStyle, s.Short))
				}
				return nil
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runScenarios(ctx, args)
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "List scenarios instead of running them")
	return cmd
}

func selectScenarios(names []string) ([]scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}
	var out []scenario
	for _, n := range names {
		i := slices.IndexFunc(scenarios, func(s scenario) bool { return s.Name == n })
		if i < 0 {
			return nil, fmt.Errorf("unknown scenario %q", n)
		}
		out = append(out, scenarios[i])
	}
	return out, nil
}

func runScenarios(ctx context.Context, names []string) error {
	selected, err := selectScenarios(names)
	if err != nil {
		return err
	}

	results := make([]ScenarioResult, 0, len(selected))
	failed := 0
	for _, s := range selected {
		printVerbose("Running scenario %s\n", s.Name)
		r := runScenario(ctx, s)
		if !r.Passed {
			failed++
			logger.Warn("scenario failed", "scenario", s.Name, "error", r.Error)
		} else {
			logger.Debug("scenario passed", "scenario", s.Name, "summary", r.Summary)
		}
		results = append(results, r)
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		printInfo("%s\n", render(headerStyle, "Collector scenarios"))
		for _, r := range results {
			mark := render(passStyle, "PASS")
			detail := r.Summary
			if !r.Passed {
				mark = render(failStyle, "FAIL")
				detail = r.Error
			}
			printInfo("  %s  %-14s %s\n", mark, r.Name, render(detailStyle, detail))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

// runScenario runs s against its own zone. Errors the zone reports through
// its hook fail the scenario.
func runScenario(ctx context.Context, s scenario) ScenarioResult {
	r := ScenarioResult{Name: s.Name}
	u := &usageLog{}
	opts := zoneOptions(u)
	opts.CollectionThreshold = 0
	if s.Tune != nil {
		s.Tune(opts)
	}
	z, err := zone.New(opts)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	defer z.Close()

	summary, err := s.Run(ctx, z)
	if err == nil && u.count() > 0 {
		err = fmt.Errorf("zone reported: %w", u.first())
	}
	if err == nil {
		err = z.Verify()
	}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Passed = true
	r.Summary = summary
	return r
}

// expect collects failed expectations.
type expect []string

func (e *expect) that(ok bool, msg string, args ...any) {
	if !ok {
		*e = append(*e, fmt.Sprintf(msg, args...))
	}
}

func (e expect) err() error {
	if len(e) == 0 {
		return nil
	}
	return errors.New(strings.Join(e, "; "))
}

func scenarioRoots(ctx context.Context, z *zone.Zone) (string, error) {
	a, err := z.Allocate(64, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	b, err := z.Allocate(64, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	garbage, err := z.Allocate(64, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if err := z.Store(a, b); err != nil {
		return "", err
	}
	if _, err := z.AddRoot(a); err != nil {
		return "", err
	}

	st, err := z.Collect(ctx, zone.Full)
	if err != nil {
		return "", err
	}
	var e expect
	e.that(z.IsValid(a) && z.IsValid(b), "rooted chain was reclaimed")
	e.that(!z.IsValid(garbage), "unreachable block survived")
	e.that(st.Reclaimed == 1, "reclaimed %d blocks, want 1", st.Reclaimed)
	return fmt.Sprintf("marked %d, reclaimed %d", st.Marked, st.Reclaimed), e.err()
}

func scenarioGenerational(ctx context.Context, z *zone.Zone) (string, error) {
	old, err := z.Allocate(64, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if _, err := z.AddRoot(old); err != nil {
		return "", err
	}
	for range sidedata.YoungestAge {
		if _, err := z.Collect(ctx, zone.Full); err != nil {
			return "", err
		}
	}
	var e expect
	bi, _ := z.BlockInfo(old)
	e.that(bi.Age == sidedata.EldestAge, "root is age %d after %d collections", bi.Age, sidedata.YoungestAge)

	young, err := z.Allocate(64, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if err := z.Store(old, young); err != nil {
		return "", err
	}
	st, err := z.Collect(ctx, zone.Partial)
	if err != nil {
		return "", err
	}
	e.that(z.IsValid(young), "young block stored into an old one was reclaimed")
	e.that(st.CardRanges > 0, "partial collection rescanned no card ranges")

	if err := z.Store(old, 0); err != nil {
		return "", err
	}
	st2, err := z.Collect(ctx, zone.Partial)
	if err != nil {
		return "", err
	}
	e.that(!z.IsValid(young), "dropped young block survived a partial collection")
	e.that(z.IsValid(old), "old block was reclaimed by a partial collection")
	return fmt.Sprintf("card ranges %d, then reclaimed %d", st.CardRanges, st2.Reclaimed), e.err()
}

func scenarioLocal(_ context.Context, z *zone.Zone) (string, error) {
	th, err := z.RegisterThread()
	if err != nil {
		return "", err
	}
	defer th.Unregister()

	keep, err := th.Allocate(32, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if err := th.Push(keep); err != nil {
		return "", err
	}
	for range 10 {
		if _, err := th.Allocate(32, zone.Scanned, zone.Clear); err != nil {
			return "", err
		}
	}
	th.ClearRegisters()

	var e expect
	e.that(th.IsLocal(keep), "thread allocation is not local")
	st, err := th.CollectLocal()
	if err != nil {
		return "", err
	}
	e.that(st.Reclaimed == 10, "reclaimed %d local blocks, want 10", st.Reclaimed)
	e.that(z.IsValid(keep), "stack-reachable local block was reclaimed")
	e.that(z.Stats().Collections == 0, "a local collection ran a zone collection")
	return fmt.Sprintf("%d local, reclaimed %d (%s)", st.Local, st.Reclaimed, formatBytes(int64(st.ReclaimedBytes))), e.err()
}

func scenarioEscape(ctx context.Context, z *zone.Zone) (string, error) {
	th, err := z.RegisterThread()
	if err != nil {
		return "", err
	}
	defer th.Unregister()

	head, err := th.Allocate(32, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	tail, err := th.Allocate(32, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if err := th.Store(head, tail); err != nil {
		return "", err
	}
	r, err := z.AddRoot(0)
	if err != nil {
		return "", err
	}
	if err := th.StoreRoot(r, head); err != nil {
		return "", err
	}
	th.ClearRegisters()

	var e expect
	e.that(!th.IsLocal(head) && !th.IsLocal(tail), "published blocks are still local")
	e.that(z.Stats().Escapes == 2, "escapes %d, want 2", z.Stats().Escapes)
	if _, err := th.Collect(ctx, zone.Full); err != nil {
		return "", err
	}
	e.that(z.IsValid(head) && z.IsValid(tail), "published chain was reclaimed")
	return fmt.Sprintf("%d escapes", z.Stats().Escapes), e.err()
}

func scenarioAssociations(ctx context.Context, z *zone.Zone) (string, error) {
	owner, err := z.Allocate(32, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	value, err := z.Allocate(32, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if _, err := z.AddRoot(owner); err != nil {
		return "", err
	}
	const key = 0x10
	if err := z.SetAssociation(owner, key, value); err != nil {
		return "", err
	}

	var e expect
	if _, err := z.Collect(ctx, zone.Full); err != nil {
		return "", err
	}
	got, ok := z.Association(owner, key)
	e.that(ok && got == value, "association lost")
	e.that(z.IsValid(value), "associated value was reclaimed")

	z.EraseAssociation(owner, key)
	st, err := z.Collect(ctx, zone.Full)
	if err != nil {
		return "", err
	}
	e.that(!z.IsValid(value), "value survived after its entry was erased")
	return fmt.Sprintf("reclaimed %d after erase", st.Reclaimed), e.err()
}

func scenarioRefcount(ctx context.Context, z *zone.Zone) (string, error) {
	b, err := z.Allocate(128, zone.Unscanned, 0)
	if err != nil {
		return "", err
	}
	if _, err := z.Retain(b); err != nil {
		return "", err
	}
	var e expect
	if _, err := z.Collect(ctx, zone.Full); err != nil {
		return "", err
	}
	e.that(z.IsValid(b), "retained block was reclaimed")
	n, err := z.Release(b)
	if err != nil {
		return "", err
	}
	e.that(n == 0, "refcount %d after release", n)
	if _, err := z.Collect(ctx, zone.Full); err != nil {
		return "", err
	}
	e.that(!z.IsValid(b), "released block survived")
	return "retained across one collection", e.err()
}

func scenarioOverflow(ctx context.Context, z *zone.Zone) (string, error) {
	const n = 32
	head, err := z.Allocate(64, zone.Scanned, zone.Clear)
	if err != nil {
		return "", err
	}
	if _, err := z.AddRoot(head); err != nil {
		return "", err
	}
	// A wide fan-out keeps more than the scan stack's worth of work pending.
	prev := head
	for i := range n {
		c, err := z.Allocate(64, zone.Scanned, zone.Clear)
		if err != nil {
			return "", err
		}
		if err := z.Store(prev+uintptr(i%8)*format.WordSize, c); err != nil {
			return "", err
		}
		if i%8 == 7 {
			prev = c
		}
	}
	st, err := z.Collect(ctx, zone.Full)
	if err != nil {
		return "", err
	}
	var e expect
	e.that(st.Retries > 0, "scan stack never overflowed")
	e.that(st.Marked == n+1, "marked %d blocks, want %d", st.Marked, n+1)
	e.that(st.Reclaimed == 0, "reclaimed %d live blocks", st.Reclaimed)
	return fmt.Sprintf("%d retries, marked %d", st.Retries, st.Marked), e.err()
}
