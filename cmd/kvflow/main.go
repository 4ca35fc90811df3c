package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/kvflow/internal/audit"
	"github.com/basket/kvflow/internal/bus"
	"github.com/basket/kvflow/internal/config"
	"github.com/basket/kvflow/internal/kvcache"
	"github.com/basket/kvflow/internal/lineage"
	"github.com/basket/kvflow/internal/model"
	otelPkg "github.com/basket/kvflow/internal/otel"
	"github.com/basket/kvflow/internal/runtime"
	"github.com/basket/kvflow/internal/store"
	"github.com/basket/kvflow/internal/telemetry"
	"github.com/basket/kvflow/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run <plan.yaml>          Execute a workflow plan
  %s task <input.json>        Run a single task (use "-" for stdin)
  %s show <task_id>           Print a task's lineage record and output
  %s doctor [-json]           Run environment diagnostics
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  KVFLOW_HOME             Data directory (default: ~/.kvflow)
  KVFLOW_STORE_DRIVER     Store backend: sqlite or memory
  KVFLOW_STORE_PATH       SQLite database path
  KVFLOW_PAGE_SIZE        Cache page capacity in tokens

EXAMPLES:
  Run a plan:             %s run workflow.yaml
  Run one task:           echo '{"task_id":"t1","mode":"start","prompt":"hi"}' | %s task -
  Inspect lineage:        %s show t1
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	logLevel := flag.String("log-level", "", "override configured log level (debug, info, warn, error)")
	quiet := flag.Bool("quiet", false, "suppress log output on stdout")
	flag.Usage = printUsage
	flag.Parse()

	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version":
		fmt.Println(Version)
		return
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *quiet {
		cfg.Quiet = true
	}

	logger, logLevelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer closeStore()
	logger.Info("startup phase", "phase", "store_opened", "driver", cfg.Store.Driver)

	runner := runtime.NewRunner(runtime.Options{
		Fwd:              model.NewRefModel(),
		Tokenizer:        model.NewRefTokenizer(),
		Table:            kvcache.NewTable(),
		Store:            st,
		Queue:            bus.New(),
		Logger:           logger,
		Tracer:           otelProvider.Tracer,
		Metrics:          metrics,
		PageSize:         cfg.Cache.PageSize,
		DefaultMaxTokens: cfg.Generation.MaxTokens,
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if ev.Config == nil {
				continue
			}
			// The -log-level flag pins the level for this process.
			if *logLevel == "" {
				logLevelVar.Set(telemetry.ParseLevel(ev.Config.LogLevel))
			}
			runner.SetDefaultMaxTokens(ev.Config.Generation.MaxTokens)
			logger.Info("config hot-reloaded",
				"log_level", ev.Config.LogLevel,
				"max_tokens", ev.Config.Generation.MaxTokens)
		}
	}()

	var code int
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "run":
		code = runRunCommand(ctx, cfg, runner, logger, args[1:])
	case "task":
		code = runTaskCommand(ctx, runner, args[1:])
	case "show":
		code = runShowCommand(ctx, st, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

// openStore builds the configured store backend. The returned closer is
// a no-op for the memory driver.
func openStore(cfg config.Config) (lineage.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func runRunCommand(ctx context.Context, cfg config.Config, runner *runtime.Runner, logger *slog.Logger, args []string) int {
	path := cfg.WorkflowFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: kvflow run <plan.yaml>")
		return 2
	}

	plan, err := workflow.LoadPlan(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load plan: %v\n", err)
		return 1
	}

	executor := workflow.NewExecutor(runner, logger)
	result, err := executor.Execute(ctx, plan)
	if result != nil {
		printResults(os.Stdout, result)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan failed: %v\n", err)
		return 1
	}
	return 0
}

func printResults(w *os.File, result *workflow.ExecutionResult) {
	fmt.Fprintf(w, "run %s\n", result.RunID)
	for id, sr := range result.StepResults {
		fmt.Fprintf(w, "  %-20s %-8s %4dms  %s\n", id, sr.Status, sr.DurationMs, firstLine(sr.Output))
		if sr.Error != "" {
			fmt.Fprintf(w, "  %-20s error: %s\n", "", sr.Error)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// loadDotEnv applies KEY=VALUE lines from a local .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
