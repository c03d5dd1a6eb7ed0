package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/kardianos/service"
	"github.com/lmittmann/tint"

	"ccost/internal/cache"
	"ccost/internal/config"
	"ccost/internal/history"
	"ccost/internal/model"
	"ccost/internal/pricing"
	"ccost/internal/tracker"
	"ccost/internal/watcher"
)

const version = "0.1.0"

func main() {
	command := "scan"
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "scan", "watch", "cleanup", "history", "config":
			command = args[0]
			args = args[1:]
		}
	}

	switch command {
	case "scan":
		runScan(args)
	case "watch":
		runWatch(args)
	case "cleanup":
		runCleanup(args)
	case "history":
		runHistory(args)
	case "config":
		runConfig(args)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func loadConfig() *config.Config {
	path, err := config.DefaultPath()
	if err != nil {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func buildTracker(cfg *config.Config, logger *slog.Logger) *tracker.Tracker {
	table := pricing.LoadOrDefault(cfg.PricingPath, logger)
	c := cache.Open(cfg.CachePath, logger)
	return tracker.New(table, c, logger)
}

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var (
		dir       string
		monthOnly bool
		jsonOut   bool
		verbose   bool
		showVer   bool
	)
	fs.StringVar(&dir, "dir", "", "Scan a single project directory instead of all configured roots")
	fs.BoolVar(&monthOnly, "month", false, "Restrict to the current UTC month (bypasses the cache)")
	fs.BoolVar(&jsonOut, "json", false, "Output as JSON")
	fs.BoolVar(&verbose, "verbose", false, "Verbose logging")
	fs.BoolVar(&showVer, "version", false, "Show version")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `ccost - per-project Claude Code usage and cost

Usage: ccost [command] [options]

Commands:
  scan      Compute usage for all projects (default)
  watch     Run the background re-scan daemon
  cleanup   Drop cache entries for deleted projects
  history   Show recorded scan history
  config    Configure data directories and paths

Options:
`)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if showVer {
		fmt.Printf("ccost version %s\n", version)
		return
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)
	cfg := loadConfig()
	t := buildTracker(cfg, logger)

	dirs := []string{dir}
	if dir == "" {
		dirs = projectDirs(cfg)
		if len(dirs) == 0 {
			fmt.Println("No project directories found. Run 'ccost config --data-dir <path>' to configure.")
			return
		}
	}

	results := t.ComputeAll(context.Background(), dirs, monthOnly)

	if !monthOnly {
		recordHistory(cfg, logger, results)
	}

	if jsonOut {
		printJSON(results)
		return
	}
	printTable(results, monthOnly)
}

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	fs.Parse(args)

	logger := newLogger(slog.LevelInfo)
	cfg := loadConfig()
	t := buildTracker(cfg, logger)

	removed, err := t.EvictMissingDirectories()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error cleaning cache: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d stale cache entries.\n", removed)
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var (
		dir   string
		limit int
	)
	fs.StringVar(&dir, "dir", "", "Show history for one project directory")
	fs.IntVar(&limit, "limit", 10, "Number of snapshots to show")
	fs.Parse(args)

	cfg := loadConfig()
	db, err := history.Open(cfg.HistoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error migrating history: %v\n", err)
		os.Exit(1)
	}

	var snapshots []history.Snapshot
	if dir != "" {
		snapshots, err = db.Recent(dir, limit)
	} else {
		snapshots, err = db.Latest()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading history: %v\n", err)
		os.Exit(1)
	}

	if len(snapshots) == 0 {
		fmt.Println("No scan history recorded yet.")
		return
	}
	for _, s := range snapshots {
		fmt.Printf("%-19s  %-40s  %12s tok  $%8.2f (month $%.2f)\n",
			s.ScannedAt.Format("2006-01-02 15:04:05"), s.Directory,
			formatNumber(s.Usage.Total()), s.TotalCost, s.MonthlyCost)
	}
}

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	var (
		dataDir  string
		interval time.Duration
		show     bool
	)
	fs.StringVar(&dataDir, "data-dir", "", "Add a transcript root directory")
	fs.DurationVar(&interval, "interval", 0, "Periodic re-scan interval for watch mode")
	fs.BoolVar(&show, "show", false, "Show current configuration")
	fs.Parse(args)

	path, err := config.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving config path: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if show || (dataDir == "" && interval == 0) {
		fmt.Printf("Data dirs:     %v\n", cfg.DataDirs)
		fmt.Printf("Cache path:    %s\n", cfg.CachePath)
		fmt.Printf("History path:  %s\n", cfg.HistoryPath)
		fmt.Printf("Pricing path:  %s\n", cfg.PricingPath)
		fmt.Printf("Scan interval: %s\n", cfg.Interval())
		return
	}

	if dataDir != "" {
		cfg.DataDirs = append(cfg.DataDirs, dataDir)
	}
	if interval > 0 {
		cfg.ScanInterval = config.Duration(interval)
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration saved.")
}

// watchDaemon implements service.Interface for the background re-scan loop.
type watchDaemon struct {
	stop   chan struct{}
	logger *slog.Logger
}

func (d *watchDaemon) Start(svc service.Service) error {
	d.stop = make(chan struct{})
	go d.run()
	return nil
}

func (d *watchDaemon) Stop(svc service.Service) error {
	close(d.stop)
	return nil
}

func (d *watchDaemon) run() {
	cfg := loadConfig()
	t := buildTracker(cfg, d.logger)

	var db *history.DB
	if cfg.HistoryPath != "" {
		var err error
		db, err = history.Open(cfg.HistoryPath)
		if err != nil {
			d.logger.Warn("history unavailable", "error", err)
		} else if err := db.Migrate(); err != nil {
			d.logger.Warn("history migration failed", "error", err)
			db.Close()
			db = nil
		}
	}
	if db != nil {
		defer db.Close()
	}

	scanOne := func(dir string) {
		res, err := t.ComputeUsage(context.Background(), dir, false)
		if err != nil {
			d.logger.Warn("scan failed", "dir", dir, "error", err)
			return
		}
		if db != nil {
			if err := db.RecordScan(dir, time.Now(), res); err != nil {
				d.logger.Warn("history write failed", "dir", dir, "error", err)
			}
		}
		d.logger.Debug("scan complete", "dir", dir, "cost", res.AllTime.Cost)
	}
	scanAll := func() {
		for _, dir := range projectDirs(cfg) {
			select {
			case <-d.stop:
				return
			default:
			}
			scanOne(dir)
		}
		if _, err := t.EvictMissingDirectories(); err != nil {
			d.logger.Warn("cache cleanup failed", "error", err)
		}
	}

	// Initial load, then event-driven plus periodic sweeps.
	scanAll()

	w := watcher.New(cfg.DataDirs, cfg.Interval(), d.logger, scanOne, scanAll)
	if err := w.Start(); err != nil {
		d.logger.Error("watcher failed to start", "error", err)
		return
	}
	<-d.stop
	w.Stop()
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ccost watch [command]

Commands:
  (none)      Run the daemon in the foreground
  install     Install as a background service
  start       Start the background service
  stop        Stop the background service
  uninstall   Remove the background service
  status      Show service status
`)
	}

	var svcCommand string
	if len(args) > 0 {
		switch args[0] {
		case "install", "start", "stop", "uninstall", "status":
			svcCommand = args[0]
			args = args[1:]
		}
	}
	fs.Parse(args)

	svcConfig := &service.Config{
		Name:        "ccost-watch",
		DisplayName: "ccost Watch Service",
		Description: "Keeps per-project Claude Code usage aggregates up to date",
		Arguments:   []string{"watch", "run"},
	}

	daemon := &watchDaemon{logger: newLogger(slog.LevelInfo)}
	s, err := service.New(daemon, svcConfig)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	switch svcCommand {
	case "install":
		if err := s.Install(); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		if err := s.Start(); err != nil {
			log.Fatalf("Service installed but failed to start: %v", err)
		}
		fmt.Println("Service installed and started.")
	case "start":
		if err := s.Start(); err != nil {
			log.Fatalf("Failed to start service: %v", err)
		}
		fmt.Println("Service started.")
	case "stop":
		if err := s.Stop(); err != nil {
			log.Fatalf("Failed to stop service: %v", err)
		}
		fmt.Println("Service stopped.")
	case "uninstall":
		s.Stop() // ignore error
		if err := s.Uninstall(); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		fmt.Println("Service uninstalled.")
	case "status":
		status, err := s.Status()
		if err != nil {
			fmt.Printf("Service status: not installed or error (%v)\n", err)
			return
		}
		switch status {
		case service.StatusRunning:
			fmt.Println("Service status: running")
		case service.StatusStopped:
			fmt.Println("Service status: stopped")
		default:
			fmt.Println("Service status: unknown")
		}
	default:
		// Foreground or service-managed run.
		if err := s.Run(); err != nil {
			log.Fatalf("Daemon failed: %v", err)
		}
	}
}

func projectDirs(cfg *config.Config) []string {
	var dirs []string
	for _, root := range cfg.DataDirs {
		sub, err := tracker.ProjectDirs(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot list %s: %v\n", root, err)
			continue
		}
		dirs = append(dirs, sub...)
	}
	return dirs
}

func recordHistory(cfg *config.Config, logger *slog.Logger, results map[string]model.UsageResult) {
	if cfg.HistoryPath == "" {
		return
	}
	db, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Warn("history unavailable", "error", err)
		return
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Warn("history migration failed", "error", err)
		return
	}
	now := time.Now()
	for dir, res := range results {
		if err := db.RecordScan(dir, now, res); err != nil {
			logger.Warn("history write failed", "dir", dir, "error", err)
		}
	}
}

func printJSON(results map[string]model.UsageResult) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding results: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func printTable(results map[string]model.UsageResult, monthOnly bool) {
	dirs := make([]string, 0, len(results))
	for dir := range results {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	window := "All time"
	if monthOnly {
		window = "This month"
	}
	fmt.Printf("%-44s %14s %14s %10s\n", "Project", "Input", "Output", window)

	var totalCost float64
	var totalUsage model.TokenUsage
	for _, dir := range dirs {
		res := results[dir]
		w := res.AllTime
		fmt.Printf("%-44s %14s %14s %10s\n",
			truncate(dir, 44),
			formatNumber(w.Usage.InputTokens),
			formatNumber(w.Usage.OutputTokens),
			costLabel(res, w.Cost))
		totalUsage.Add(w.Usage)
		totalCost += w.Cost
	}
	fmt.Printf("%-44s %14s %14s %10s\n", "Total",
		formatNumber(totalUsage.InputTokens),
		formatNumber(totalUsage.OutputTokens),
		fmt.Sprintf("$%.2f", totalCost))
}

// costLabel shows a dash for subscription-only projects: their tokens are
// covered by the flat-rate plan and a dollar figure would mislead.
func costLabel(res model.UsageResult, cost float64) string {
	if !res.Priced() {
		return "-"
	}
	return fmt.Sprintf("$%.2f", cost)
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n == 0 {
		return "0"
	}
	str := fmt.Sprintf("%d", n)
	negative := n < 0
	if negative {
		str = str[1:]
	}
	result := ""
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(c)
	}
	if negative {
		result = "-" + result
	}
	return result
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max+3:]
}
