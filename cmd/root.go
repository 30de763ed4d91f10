// Package cmd wires the CLI's external interfaces onto the gander
// library: flag/config parsing (cobra+viper), logger setup (zerolog),
// and dispatch into an Attack built from a single ad-hoc task that
// issues the configured request against --host. A real load test
// typically imports package gander directly and registers its own task
// sets; this binary exists for quick CI/smoke-test usage and as the
// worker/manager entry point.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"gander"
	"gander/internal/banner"
	"gander/internal/control"
	"gander/internal/dummy"
	"gander/internal/stats"
	"gander/internal/statslog"
	"gander/internal/storage"
	"gander/internal/tui"
)

var (
	cfgFile string

	host            string
	method          string
	body            string
	users           int
	hatchRate       float64
	runTime         string
	throttleReqs    int
	noStats         bool
	onlySummary     bool
	resetStats      bool
	statusCodes     []int
	stickyFollow    bool
	headerFlags     []string
	listFlag        bool
	logFile         string
	logLevel        []string
	verboseCount    int
	manager         bool
	worker          bool
	expectWorkers   int
	managerBindHost string
	managerBindPort int
	managerHost     string
	managerPort     int
	noHashCheck     bool
	statsLogFile    string
	statsLogFormat  string
	debugLogFile    string
	debugLogFormat  string
	tuiFlag         bool
)

var rootCmd = &cobra.Command{
	Use:   "gander",
	Short: "gander - distributed HTTP load-generation framework",
	Long: `
gander drives many concurrent simulated users against an HTTP target,
aggregating per-request statistics, optionally distributed across a
manager and a fleet of workers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case gander.ErrConfig:
		return 1
	case gander.ErrRuntime:
		return 2
	default:
		return 1
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(dummyCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.gander.yaml)")

	rootCmd.Flags().StringVar(&host, "host", "", "Target host, e.g. http://localhost:8080")
	rootCmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method for the ad-hoc task")
	rootCmd.Flags().StringVarP(&body, "body", "b", "", "Request body for the ad-hoc task")
	rootCmd.Flags().IntVarP(&users, "users", "u", 1, "Number of concurrent users")
	rootCmd.Flags().Float64VarP(&hatchRate, "hatch-rate", "r", 1, "Users to hatch per second")
	rootCmd.Flags().StringVarP(&runTime, "run-time", "t", "", "Run time, e.g. 30s, 5m, 1h30m (empty = until interrupted)")
	rootCmd.Flags().IntVar(&throttleReqs, "throttle-requests", 0, "Max requests/second across all users (0 = unlimited)")
	rootCmd.Flags().BoolVar(&noStats, "no-stats", false, "Suppress periodic/final stats rendering")
	rootCmd.Flags().BoolVar(&onlySummary, "only-summary", false, "Only print the final summary, no live view")
	rootCmd.Flags().BoolVar(&resetStats, "reset-stats", false, "Reset stats once all users are hatched")
	rootCmd.Flags().IntSliceVar(&statusCodes, "status-codes", nil, "Exact status codes treated as success (default: <400)")
	rootCmd.Flags().BoolVar(&stickyFollow, "sticky-follow", false, "Follow redirected host for the rest of a user's life")
	rootCmd.Flags().StringSliceVarP(&headerFlags, "header", "H", nil, `HTTP header, e.g. "Key: Value"`)
	rootCmd.Flags().BoolVarP(&listFlag, "list", "l", false, "List registered task sets/tasks and exit")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.Flags().StringSliceVarP(&logLevel, "log-level", "g", nil, "Log level (repeatable): trace,debug,info,warn,error")
	rootCmd.Flags().CountVarP(&verboseCount, "verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.Flags().BoolVar(&manager, "manager", false, "Run in manager mode")
	rootCmd.Flags().BoolVar(&worker, "worker", false, "Run in worker mode")
	rootCmd.Flags().IntVar(&expectWorkers, "expect-workers", 1, "Manager: number of workers to wait for")
	rootCmd.Flags().StringVar(&managerBindHost, "manager-bind-host", "0.0.0.0", "Manager: bind host")
	rootCmd.Flags().IntVar(&managerBindPort, "manager-bind-port", 5115, "Manager: bind port")
	rootCmd.Flags().StringVar(&managerHost, "manager-host", "127.0.0.1", "Worker: manager host")
	rootCmd.Flags().IntVar(&managerPort, "manager-port", 5115, "Worker: manager port")
	rootCmd.Flags().BoolVar(&noHashCheck, "no-hash-check", false, "Skip the task-set hash compatibility check")
	rootCmd.Flags().StringVar(&statsLogFile, "stats-log-file", "", "Stream RawRequests to this file")
	rootCmd.Flags().StringVar(&statsLogFormat, "stats-log-format", "json", "Stats log format: json,csv,raw")
	rootCmd.Flags().StringVar(&debugLogFile, "debug-log-file", "", "Stream DebugRecords to this file")
	rootCmd.Flags().StringVar(&debugLogFormat, "debug-log-format", "json", "Debug log format: json,raw")
	rootCmd.Flags().BoolVar(&tuiFlag, "tui", false, "Render a live dashboard instead of periodic summaries")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".gander")
		}
	}
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func buildLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	for _, l := range logLevel {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(l)); err == nil {
			level = parsed
		}
	}
	if verboseCount > 0 {
		level = zerolog.Level(int8(level) - int8(verboseCount))
		if level < zerolog.TraceLevel {
			level = zerolog.TraceLevel
		}
	}

	if logFile != "" {
		if f, err := os.Create(logFile); err == nil {
			return zerolog.New(f).Level(level).With().Timestamp().Logger()
		}
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func parseHeaders(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return out
}

func run() error {
	log := buildLogger()

	if manager && worker {
		return gander.ConfigError("--manager and --worker are mutually exclusive")
	}

	rt, err := control.ParseRunTime(runTime)
	if err != nil {
		return gander.ConfigError(err.Error())
	}

	mode := gander.ModeStandalone
	if manager {
		mode = gander.ModeManager
	} else if worker {
		mode = gander.ModeWorker
	}

	aggCh := make(chan *stats.Aggregator, 1)
	onAttach := func(a *stats.Aggregator) { aggCh <- a }

	cfg := gander.Config{
		Mode:            mode,
		Host:            host,
		Users:           users,
		HatchRate:       hatchRate,
		RunTime:         rt,
		ThrottleReqs:    throttleReqs,
		NoStats:         noStats,
		OnlySummary:     onlySummary,
		ResetStats:      resetStats,
		StatusCodes:     statusCodes,
		StickyFollow:    stickyFollow,
		Headers:         parseHeaders(headerFlags),
		List:            listFlag,
		ManagerBindHost: managerBindHost,
		ManagerBindPort: managerBindPort,
		ManagerHost:     managerHost,
		ManagerPort:     managerPort,
		ExpectWorkers:   expectWorkers,
		NoHashCheck:     noHashCheck,
		StatsLogFile:    statsLogFile,
		StatsLogFormat:  statslog.Format(statsLogFormat),
		DebugLogFile:    debugLogFile,
		DebugLogFormat:  statslog.DebugFormat(debugLogFormat),
		OnAttach:        onAttach,
		Log:             log,
	}

	if host == "" && !listFlag && mode != gander.ModeWorker {
		return gander.ConfigError("--host is required")
	}

	attack := gander.New(cfg).AddTaskSet(adHocTaskSet())

	ctx := context.Background()
	runID := uuid.NewString()
	startedAt := time.Now()

	if tuiFlag && !cfg.List && !cfg.NoStats {
		summary, err := runWithTUICollect(ctx, attack, aggCh)
		if err != nil {
			return err
		}
		saveRun(log, runID, startedAt, summary)
		if summary.ExitCode != 0 {
			os.Exit(summary.ExitCode)
		}
		return nil
	}

	var summary gander.Summary
	if !cfg.List && !cfg.NoStats {
		summary, err = runHeadlessCollect(ctx, attack, aggCh, cfg.OnlySummary)
	} else {
		summary, err = attack.Execute(ctx)
	}
	if err != nil {
		return err
	}

	if !cfg.List && !cfg.NoStats {
		printSummary(summary)
	}
	if !cfg.List {
		saveRun(log, runID, startedAt, summary)
	}
	if summary.ExitCode != 0 {
		os.Exit(summary.ExitCode)
	}
	return nil
}

// liveReportInterval is how often a headless (non --tui) run renders a
// snapshot while it's in progress.
const liveReportInterval = 15 * time.Second

// runHeadlessCollect runs attack.Execute to completion while rendering a
// snapshot to stdout every liveReportInterval, unless onlySummary asks for
// only the final render. Mirrors runWithTUICollect's aggCh handoff, minus
// the bubbletea program.
func runHeadlessCollect(ctx context.Context, attack *gander.Attack, aggCh <-chan *stats.Aggregator, onlySummary bool) (gander.Summary, error) {
	type result struct {
		summary gander.Summary
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		s, err := attack.Execute(ctx)
		resultCh <- result{s, err}
	}()

	if onlySummary {
		r := <-resultCh
		return r.summary, r.err
	}

	var agg *stats.Aggregator
	select {
	case agg = <-aggCh:
	case r := <-resultCh:
		return r.summary, r.err
	}

	ticker := time.NewTicker(liveReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renderSnapshot(agg)
		case r := <-resultCh:
			return r.summary, r.err
		}
	}
}

func renderSnapshot(agg *stats.Aggregator) {
	snap := agg.Snapshot()
	printSummary(gander.Summary{
		Aggregate:      snap.Aggregate,
		Buckets:        snap.Buckets,
		DroppedRecords: snap.DroppedRecords,
	})
}

// saveRun archives a completed run's summary to the local run-history
// store (best-effort: a failure to persist history never fails the run).
func saveRun(log zerolog.Logger, id string, startedAt time.Time, s gander.Summary) {
	store, err := storage.NewStore()
	if err != nil {
		log.Warn().Err(err).Msg("could not open run history store")
		return
	}
	defer store.Close()

	run := storage.RunSummary{
		ID:             id,
		StartedAt:      startedAt,
		Duration:       s.Duration,
		HatchedUsers:   s.HatchedUsers,
		Aggregate:      s.Aggregate,
		Buckets:        s.Buckets,
		DroppedRecords: s.DroppedRecords,
	}
	if err := store.Save(run); err != nil {
		log.Warn().Err(err).Msg("could not save run history")
	}
}

// runWithTUICollect launches the bubbletea dashboard concurrently with
// Execute — the dashboard polls the aggregator Config.OnAttach hands back
// over aggCh, quits once Execute returns, and hands the final summary back
// to the caller (for printing and for run-history persistence).
func runWithTUICollect(ctx context.Context, attack *gander.Attack, aggCh <-chan *stats.Aggregator) (gander.Summary, error) {
	type result struct {
		summary gander.Summary
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		s, err := attack.Execute(ctx)
		resultCh <- result{s, err}
	}()

	var agg *stats.Aggregator
	select {
	case agg = <-aggCh:
	case r := <-resultCh:
		if r.err == nil {
			printSummary(r.summary)
		}
		return r.summary, r.err
	}

	p := tea.NewProgram(tui.NewModel(agg), tea.WithAltScreen())

	finalCh := make(chan result, 1)
	go func() {
		r := <-resultCh
		finalCh <- r
		p.Send(tea.Quit())
	}()

	if _, err := p.Run(); err != nil {
		return gander.Summary{}, err
	}

	r := <-finalCh
	if r.err == nil {
		printSummary(r.summary)
	}
	return r.summary, r.err
}

func printSummary(s gander.Summary) {
	fmt.Printf("\nrequests: %d  failures: %d  dropped: %d  duration: %s\n",
		s.Aggregate.RequestCount, s.Aggregate.FailCount, s.DroppedRecords, s.Duration.Round(1e6))
	fmt.Printf("p50=%.0fms p75=%.0fms p98=%.0fms p99=%.0fms p99.9=%.0fms mean=%.1fms\n",
		s.Aggregate.Percentiles.P50, s.Aggregate.Percentiles.P75, s.Aggregate.Percentiles.P98,
		s.Aggregate.Percentiles.P99, s.Aggregate.Percentiles.P999, s.Aggregate.MeanMs())
	for name, b := range s.Buckets {
		fmt.Printf("  %-30s count=%-8d fail=%-6d p99=%.0fms\n", name, b.RequestCount, b.FailCount, b.Percentiles.P99)
	}
}

// adHocTaskSet wraps --method/--body/--header into a single task hitting
// --host's root path, the CLI's ready-to-run default when no custom
// program has registered its own task sets.
func adHocTaskSet() *gander.TaskSet {
	m := strings.ToUpper(method)
	b := body
	return gander.NewTaskSet("ad-hoc").AddTask(gander.NewTask("request", func(ctx context.Context, u *gander.User) gander.Outcome {
		var err error
		switch m {
		case "POST":
			_, err = u.Executor.Post(ctx, "/", strings.NewReader(b))
		case "PUT":
			_, err = u.Executor.Put(ctx, "/", strings.NewReader(b))
		case "DELETE":
			_, err = u.Executor.Delete(ctx, "/")
		case "HEAD":
			_, err = u.Executor.Head(ctx, "/")
		default:
			_, err = u.Executor.Get(ctx, "/")
		}
		if err != nil {
			return gander.Fail(err.Error())
		}
		return gander.Ok()
	}))
}

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run the built-in dummy target server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		log := buildLogger()
		shutdown := dummy.Start(dummy.ServerConfig{Port: port, Log: log})
		defer shutdown(context.Background())
		select {}
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past run summaries saved under $HOME/.gander/runs.db",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past runs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStore()
		if err != nil {
			return gander.RuntimeError(err.Error())
		}
		defer store.Close()

		for _, run := range store.List() {
			fmt.Printf("%s  %s  duration=%s  requests=%d  failures=%d\n",
				run.ID, run.StartedAt.Format(time.RFC3339), run.Duration.Round(time.Second),
				run.Aggregate.RequestCount, run.Aggregate.FailCount)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full summary for one past run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStore()
		if err != nil {
			return gander.RuntimeError(err.Error())
		}
		defer store.Close()

		run, err := store.Get(args[0])
		if err != nil {
			return gander.ConfigError(err.Error())
		}
		printSummary(gander.Summary{
			Aggregate:      run.Aggregate,
			Buckets:        run.Buckets,
			DroppedRecords: run.DroppedRecords,
			Duration:       run.Duration,
			HatchedUsers:   run.HatchedUsers,
		})
		return nil
	},
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
}
