package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inkcal/internal/config"
	appLog "inkcal/internal/log"
	"inkcal/internal/scheduler"
	"inkcal/internal/web"
)

var (
	configPath string
	listenAddr string
	logLevel   string
	pruneDays  int
	skipFirst  bool
	clearYes   bool
)

var rootCmd = &cobra.Command{
	Use:   "inkcal",
	Short: "Offline-first calendar cache for e-paper displays",
	Long: `inkcal keeps a local SQLite cache of Google Calendar and ICS events,
refreshes it on a schedule, and serves day and window views from the cache
whether or not the remote calendars are reachable.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the refresh scheduler and HTTP API until interrupted",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and print its report",
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print provenance and cache age per calendar",
	RunE:  runStatus,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached events that ended before the retention horizon",
	RunE:  runPrune,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached event and sync record",
	RunE:  runClear,
}

var cfg *config.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/inkcal/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")

	runCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config if set)")
	runCmd.Flags().BoolVar(&skipFirst, "no-initial-sync", false, "wait for the first scheduled tick instead of syncing at startup")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "retention in days (default: retention_days from config)")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm deleting the whole cache")

	rootCmd.AddCommand(runCmd, syncCmd, statusCmd, pruneCmd, clearCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return err
	}
	if listenAddr != "" {
		c.Listen = listenAddr
	}
	level := c.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))

	appLog.Debug("effective config",
		"config_path", configPath,
		"listen", c.Listen,
		"timezone", c.Timezone,
		"refresh", c.RefreshCron,
		"db_path", c.DBPath,
		"fetch_days", c.FetchDays,
		"backfill_days", c.BackfillDays,
		"calendars", len(c.Calendars),
	)
	cfg = c
	return nil
}

func openApp() (*app, error) {
	return newApp(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sched, err := scheduler.New(cfg.RefreshCron, a.clock.Location(), a.sync)
	if err != nil {
		return err
	}
	srv := web.NewServer(cfg, a.clock, a.query, a.sync, a.store, a.metrics)

	appLog.Info("inkcal starting", "listen", cfg.Listen, "calendars", len(cfg.Calendars), "timezone", cfg.Timezone)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx, !skipFirst)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	err = g.Wait()
	appLog.Info("inkcal exiting")
	return err
}

func runSync(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	report := a.sync.RunCycle(ctx)
	if err := printJSON(report); err != nil {
		return err
	}
	if len(report.Outcomes) > 0 && report.Online() == 0 {
		return errors.New("no calendar synced")
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.query.Status(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runPrune(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	days := pruneDays
	if days <= 0 {
		days = cfg.RetentionDays
	}
	cutoff := a.clock.Now().AddDate(0, 0, -days)
	n, err := a.store.PruneOlderThan(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d events that ended before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	if !clearYes {
		return errors.New("refusing to clear the cache without --yes")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.ClearAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("cache cleared")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
