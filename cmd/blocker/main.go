package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"server-region-blocker/internal/catalog"
	"server-region-blocker/internal/firewall"
	"server-region-blocker/internal/model"
	"server-region-blocker/internal/probe"
	"server-region-blocker/internal/reconciler"
)

var (
	noGUI          bool
	enablePat      string
	enableExclude  string
	disablePat     string
	disableExclude string
	configPath     string
	sourceURL      string
	refresh        bool
	provider       string
	dbDSN          string
	dryRun         bool
	probeRate      float64
	logLevel       string
	logFile        string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blocker",
		Short: "Selectively block server regions while monitoring the rest",
		Long: `blocker bans and unbans the addresses of named remote server regions
on the host firewall, continuously probing the unblocked addresses for
latency and loss.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().BoolVar(&noGUI, "no-gui", false, "Run headless: apply --enable/--disable and exit after convergence")
	rootCmd.Flags().StringVar(&enablePat, "enable", "", "Enable all regions whose name matches the given regex")
	rootCmd.Flags().StringVar(&enableExclude, "enable-exclude", "", "Exclusion regex for --enable")
	rootCmd.Flags().StringVar(&disablePat, "disable", "", "Disable all regions whose name matches the given regex")
	rootCmd.Flags().StringVar(&disableExclude, "disable-exclude", "", "Exclusion regex for --disable")
	rootCmd.Flags().StringVar(&configPath, "config", "network_datagram_config.json", "Network datagram config file path")
	rootCmd.Flags().StringVar(&sourceURL, "source-url", catalog.DefaultSourceURL, "Datagram config download URL")
	rootCmd.Flags().BoolVar(&refresh, "refresh", false, "Re-download the datagram config before loading")
	rootCmd.Flags().StringVar(&provider, "provider", "file", "Region catalog provider: 'file' or 'mariadb'")
	rootCmd.Flags().StringVar(&dbDSN, "db", "", "Database connection string (for 'mariadb' provider)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory firewall instead of iptables")
	rootCmd.Flags().Float64Var(&probeRate, "probe-rate", 0, "Maximum probes per second (0 = unlimited)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")

	rootCmd.MarkFlagsRequiredTogether("enable-exclude", "enable")
	rootCmd.MarkFlagsRequiredTogether("disable-exclude", "disable")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel, logFile)
	slog.SetDefault(logger)

	slog.Info("Starting server region blocker", "provider", provider, "headless", noGUI, "dry_run", dryRun)

	enableRe, err := compilePattern(enablePat)
	if err != nil {
		return fmt.Errorf("bad --enable pattern: %w", err)
	}
	enableExcludeRe, err := compilePattern(enableExclude)
	if err != nil {
		return fmt.Errorf("bad --enable-exclude pattern: %w", err)
	}
	disableRe, err := compilePattern(disablePat)
	if err != nil {
		return fmt.Errorf("bad --disable pattern: %w", err)
	}
	disableExcludeRe, err := compilePattern(disableExclude)
	if err != nil {
		return fmt.Errorf("bad --disable-exclude pattern: %w", err)
	}

	groups, err := loadGroups(cmd.Context())
	if err != nil {
		return err
	}
	slog.Info("Region catalog loaded", "groups", len(groups))

	var authority firewall.Authority
	if dryRun {
		authority = firewall.NewMemory()
	} else {
		authority, err = firewall.NewIPTables()
		if err != nil {
			return err
		}
	}

	engine, err := probe.NewICMPEngine()
	if err != nil {
		return fmt.Errorf("probing unavailable (need CAP_NET_RAW or root): %w", err)
	}
	defer engine.Close()

	rec := reconciler.New(groups, authority, engine, reconciler.Config{
		Probe: probe.Config{Rate: probeRate},
	})
	defer rec.Close()

	if enableRe != nil {
		n := rec.EnableMatching(enableRe, enableExcludeRe)
		slog.Info("Enable pattern applied", "pattern", enablePat, "matched", n)
	}
	if disableRe != nil {
		n := rec.DisableMatching(disableRe, disableExcludeRe)
		slog.Info("Disable pattern applied", "pattern", disablePat, "matched", n)
	}

	if noGUI {
		return runHeadless(rec)
	}
	return runInteractive(cmd.Context(), rec)
}

func loadGroups(ctx context.Context) ([]model.Group, error) {
	switch provider {
	case "file":
		_, statErr := os.Stat(configPath)
		if refresh || os.IsNotExist(statErr) {
			slog.Info("Downloading datagram config", "url", sourceURL, "path", configPath)
			if err := catalog.Fetch(ctx, sourceURL, configPath); err != nil {
				if statErr == nil {
					// a cached copy exists, fall back to it
					slog.Warn("Download failed, using cached copy", "error", err)
				} else {
					return nil, err
				}
			}
		}
		return catalog.LoadFile(configPath)
	case "mariadb":
		if dbDSN == "" {
			return nil, fmt.Errorf("database connection string must be provided for mariadb provider")
		}
		return catalog.LoadDB(dbDSN)
	default:
		return nil, fmt.Errorf("unknown catalog provider: %s", provider)
	}
}

// runHeadless ticks until every group has a known classification,
// prints the final status table and exits.
func runHeadless(rec *reconciler.Reconciler) error {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec.Update()
		if allClassified(rec) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !allClassified(rec) {
		slog.Warn("Some groups did not classify before the deadline")
	}
	renderStatus(os.Stdout, rec)
	return nil
}

// runInteractive renders the status table periodically until
// interrupted.
func runInteractive(ctx context.Context, rec *reconciler.Reconciler) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down")
			return nil
		case <-ticker.C:
			rec.Update()
			renderStatus(os.Stdout, rec)
		}
	}
}

func allClassified(rec *reconciler.Reconciler) bool {
	for _, g := range rec.Groups() {
		if rec.State(g.Name).Kind == model.StateUnknown {
			return false
		}
	}
	return true
}

func renderStatus(w io.Writer, rec *reconciler.Reconciler) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSTATE\tPING\tDESCRIPTION")
	for _, g := range rec.Groups() {
		state := rec.State(g.Name)
		ping := "Disabled"
		if state.Kind != model.StateAllBlocked {
			ping = rec.AggregatePing(g.Addrs).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Name, state, ping, g.Description)
	}
	tw.Flush()
}

// compilePattern compiles an optional regex flag; empty means unset.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// We don't log an error here because the logger isn't set up yet.
		// It will just fall back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}
