// Package main provides the calcharvest command, which drives a web
// emissions calculator through every region and exports the results as a
// spreadsheet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/config"
	"github.com/entrhq/calcharvest/pkg/export"
	"github.com/entrhq/calcharvest/pkg/harvest"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/logging"
	"github.com/entrhq/calcharvest/pkg/ui"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile  string
	OutputDir   string
	Workers     int
	Limit       int
	Verbosity   string
	Headed      bool
	TUI         bool
	Retry       bool
	ShowVersion bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("calcharvest v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nStopping: finishing current entities and writing exports...")
		cancel()
	}()

	err := run(ctx, cancel, cli)
	cancel()
	if err != nil {
		log.Printf("Harvest failed: %v", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cli.OutputDir, "output", "", "Output directory (overrides config)")
	flag.IntVar(&cli.Workers, "workers", 0, "Number of parallel browser workers (overrides config)")
	flag.IntVar(&cli.Limit, "limit", 0, "Process at most this many regions")
	flag.StringVar(&cli.Verbosity, "verbosity", "", "Logging verbosity: quiet, normal, verbose, debug")
	flag.BoolVar(&cli.Headed, "headed", false, "Show the browser windows")
	flag.BoolVar(&cli.TUI, "tui", false, "Show a live progress dashboard")
	flag.BoolVar(&cli.Retry, "retry-faulted", false, "Retry a faulted region once on a fresh session")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "calcharvest - harvest emission factors from a web calculator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: calcharvest [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Harvest every region with the defaults\n")
		fmt.Fprintf(os.Stderr, "  calcharvest\n\n")
		fmt.Fprintf(os.Stderr, "  # Quick check against three regions with a visible browser\n")
		fmt.Fprintf(os.Stderr, "  calcharvest -limit 3 -workers 1 -headed\n\n")
		fmt.Fprintf(os.Stderr, "  # Run with a config file and the dashboard\n")
		fmt.Fprintf(os.Stderr, "  calcharvest -config calcharvest.yaml -tui\n\n")
	}

	flag.Parse()
	return cli
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.Default()
	if cli.ConfigFile != "" {
		loaded, err := config.Load(cli.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cli.OutputDir != "" {
		cfg.Output.Dir = cli.OutputDir
	}
	if cli.Workers > 0 {
		cfg.Run.Workers = cli.Workers
	}
	if cli.Limit > 0 {
		cfg.Regions.Limit = cli.Limit
	}
	if cli.Verbosity != "" {
		cfg.Logging.Verbosity = cli.Verbosity
	}
	if cli.Headed {
		cfg.Browser.Headless = false
	}
	if cli.Retry {
		cfg.Run.RetryFaulted = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

//nolint:gocyclo
func run(ctx context.Context, cancel context.CancelFunc, cli *CLIConfig) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	// The dashboard owns the terminal, so the console mirror is off under -tui.
	var mirror io.Writer = os.Stderr
	if cli.TUI {
		mirror = nil
	}
	logging.Configure(cfg.Logging.Dir, cfg.LogLevel(), mirror)
	logger, err := logging.NewLogger("calcharvest")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	logger.Infof("calcharvest v%s, run %s, log %s", version, logger.RunID(), logger.LogPath())

	table, err := cfg.LocatorTable()
	if err != nil {
		return err
	}
	loc, err := locator.New(table, cfg.LocatorOptions(), cfg.Pacer(), logger.With("locator"))
	if err != nil {
		return err
	}
	wcfg, err := cfg.WizardConfig()
	if err != nil {
		return err
	}
	hopts, err := cfg.HarvestOptions()
	if err != nil {
		return err
	}
	writer, err := export.NewWriter(cfg.Output.Dir, cfg.Formats())
	if err != nil {
		return err
	}

	manager := browser.NewSessionManager(cfg.SessionOptions())
	manager.SetMaxSessions(min(cfg.Run.Workers, harvest.MaxWorkers) + 1)
	if err := manager.Initialize(); err != nil {
		return err
	}
	defer func() {
		for _, s := range manager.ListSessions() {
			logger.Warnf("session %s still open at %s, last used %s", s.Name, s.CurrentURL, s.LastUsedAt.Format(time.RFC3339))
		}
		if err := manager.Shutdown(); err != nil {
			logger.Warnf("browser shutdown: %v", err)
		}
	}()

	factory := &harvest.NavigatorFactory{
		Opener:  manager,
		Locator: loc,
		Config:  wcfg,
		Log:     logger,
	}
	orch, err := harvest.New(factory, writer, hopts, logger.With("harvest"))
	if err != nil {
		return err
	}

	harvestAll := func(observer harvest.Observer) (*harvest.Report, error) {
		orch.SetObserver(observer)
		regions, err := orch.FetchRegions(ctx)
		if err != nil {
			return nil, err
		}
		return orch.Run(ctx, regions)
	}

	var report *harvest.Report
	if cli.TUI {
		report, err = ui.Run("calcharvest", cancel, harvestAll, tea.WithAltScreen())
	} else {
		report, err = harvestAll(logProgress(logger.With("progress")))
	}

	if report != nil && report.Summary != nil {
		fmt.Print(export.SummaryMarkdown(report.Summary))
	}
	if errors.Is(err, context.Canceled) {
		logger.Warnf("run interrupted, partial results written to %s", writer.Dir())
		return nil
	}
	return err
}

// logProgress reports finished entities as log lines.
func logProgress(logger *logging.Logger) harvest.Observer {
	return func(e harvest.Event) {
		if e.Type == harvest.EventTypeEntityDone {
			logger.Infof("shard %d [%d/%d] %s: %s", e.Shard, e.Index, e.Total, e.Entity, e.Outcome)
		}
	}
}
