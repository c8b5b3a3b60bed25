package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/joshuapare/autozone/internal/logger"
	"github.com/joshuapare/autozone/zone"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	noColor  bool
	logLevel string
	logDir   string

	// Zone flags
	arenaMiB    int
	guardPages  bool
	integrity   bool
	scanWorkers int
	noLocal     bool
)

var rootCmd = &cobra.Command{
	Use:   "zonectl",
	Short: "Exercise and inspect the autozone collector",
	Long: `zonectl drives an autozone heap from the command line. It runs
scripted collector scenarios, stresses the zone with concurrent mutators and
prints the zone's allocation and collection statistics.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log", "", "Log zone diagnostics to stderr at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write JSON logs to daily files in this directory")

	// Zone flags
	rootCmd.PersistentFlags().IntVar(&arenaMiB, "arena", 256, "Arena reservation in MiB")
	rootCmd.PersistentFlags().BoolVar(&guardPages, "guard-pages", false, "Guard large blocks and disable coalescing")
	rootCmd.PersistentFlags().BoolVar(&integrity, "check", false, "Validate the heap as it is touched")
	rootCmd.PersistentFlags().IntVar(&scanWorkers, "scan-workers", 1, "Goroutines draining pending bitmaps")
	rootCmd.PersistentFlags().BoolVar(&noLocal, "no-local", false, "Disable thread-local allocation")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() error {
	if logLevel == "" && logDir == "" {
		return logger.FromEnv()
	}
	var level slog.Level
	if logLevel != "" {
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
	}
	return logger.Init(logger.Options{Enabled: true, LogDir: logDir, Level: level})
}

// usageLog collects the errors a zone reports through its error hook, so a
// command can report them instead of aborting.
type usageLog struct {
	mu   sync.Mutex
	errs []error
}

func (u *usageLog) hook(err error) {
	u.mu.Lock()
	u.errs = append(u.errs, err)
	u.mu.Unlock()
	printVerbose("zone error: %v\n", err)
}

func (u *usageLog) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.errs)
}

func (u *usageLog) first() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.errs) == 0 {
		return nil
	}
	return u.errs[0]
}

// zoneOptions builds zone options from the global flags.
func zoneOptions(u *usageLog) *zone.Options {
	opts := zone.DefaultOptions()
	opts.ArenaSize = uintptr(arenaMiB) << 20
	opts.GuardPages = guardPages
	opts.IntegrityChecks = integrity
	opts.ScanWorkers = scanWorkers
	opts.ThreadLocal = !noLocal
	opts.Logger = logger.L
	opts.ErrorHook = u.hook
	return opts
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
