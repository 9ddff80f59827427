package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/kkeeland/trak-sub001/internal/bus"
	"github.com/kkeeland/trak-sub001/internal/config"
	"github.com/kkeeland/trak-sub001/internal/gateway"
	"github.com/kkeeland/trak-sub001/internal/graph"
	otelPkg "github.com/kkeeland/trak-sub001/internal/otel"
	"github.com/kkeeland/trak-sub001/internal/portable"
	"github.com/kkeeland/trak-sub001/internal/store"
	"github.com/kkeeland/trak-sub001/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

TASKS:
  %s create -title <t> [options]   Create a task
  %s list [-status s] [-project p] List tasks
  %s show <id>                     Show one task with journal and deps
  %s dep <child> <parent>          Record a dependency edge
  %s claim <id> -agent <name>      Claim a task
  %s close <id>                    Close a task and cascade dispatch
  %s journal <id> <entry>          Append a journal entry
  %s ready                         List auto-dispatchable tasks
  %s heat                          List tasks by heat score

SYNC:
  %s sync                          Export the portable log
  %s import                        Rebuild the store from the log
  %s resolve                       Resolve a conflicted log and reimport
  %s locks                         List live workspace locks

DISPATCH:
  %s dispatch <id>|-all            Dispatch task(s) to the gateway
  %s run <id>                      Run one task as an ephemeral worker
  %s daemon                        Watch the log and run periodic chores

VERIFY:
  %s verify <id> [options]         Verify a task (manual/command/checklist/diff)
  %s convoy <create|list> [...]    Manage convoys

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TRAK_HOME               Data directory (default: ~/.trak)
  TRAK_DB_PATH            Store location override
`)
}

// app bundles the wiring every subcommand needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	bus      *bus.Bus
	store    *store.Store
	graph    *graph.Engine
	metrics  *otelPkg.Metrics
	otelShut func(context.Context) error
	repoRoot string
}

func newApp(ctx context.Context, quietLogs bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logClose, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	b := bus.New()
	s, err := store.Open(cfg.ResolveDBPath(), b)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		logClose: logClose,
		bus:      b,
		store:    s,
		graph:    graph.New(s),
		metrics:  metrics,
		otelShut: provider.Shutdown,
		repoRoot: cwd,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
	if a.otelShut != nil {
		if err := a.otelShut(ctx); err != nil {
			a.logger.Warn("shutdown otel", "error", err)
		}
	}
	if a.logClose != nil {
		_ = a.logClose.Close()
	}
}

// logPath is where this repo's portable log lives.
func (a *app) logPath() string {
	return config.LogPath(a.repoRoot)
}

// exportLog rewrites the portable log from store state. Every mutating
// command calls this so the file tracked by version control never lags.
func (a *app) exportLog(ctx context.Context) error {
	if err := portable.Export(ctx, a.store, a.logPath()); err != nil {
		return fmt.Errorf("export portable log: %w", err)
	}
	a.bus.Publish(bus.TopicSyncExported, a.logPath())
	return nil
}

func (a *app) newGateway() *gateway.Client {
	return gateway.NewClient(a.cfg.Gateway.Addr)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		os.Exit(0)
	}
	if cmd == "version" {
		fmt.Println("trak", Version)
		os.Exit(0)
	}

	// Keep command output clean on a terminal: logs go file-only. The daemon
	// mirrors logs to stdout since it has no other output.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && cmd != "daemon"

	a, err := newApp(ctx, quietLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "trak:", err)
		os.Exit(1)
	}
	defer a.close(context.Background())

	var code int
	switch cmd {
	case "create":
		code = runCreateCommand(ctx, a, args[1:])
	case "list":
		code = runListCommand(ctx, a, args[1:])
	case "show":
		code = runShowCommand(ctx, a, args[1:])
	case "dep":
		code = runDepCommand(ctx, a, args[1:])
	case "claim":
		code = runClaimCommand(ctx, a, args[1:])
	case "close":
		code = runCloseCommand(ctx, a, args[1:])
	case "journal":
		code = runJournalCommand(ctx, a, args[1:])
	case "ready":
		code = runReadyCommand(ctx, a)
	case "heat":
		code = runHeatCommand(ctx, a)
	case "sync":
		code = runSyncCommand(ctx, a)
	case "import":
		code = runImportCommand(ctx, a)
	case "resolve":
		code = runResolveCommand(ctx, a)
	case "locks":
		code = runLocksCommand(a)
	case "dispatch":
		code = runDispatchCommand(ctx, a, args[1:])
	case "run":
		code = runWorkerCommand(ctx, a, args[1:])
	case "daemon":
		code = runDaemonCommand(ctx, a)
	case "verify":
		code = runVerifyCommand(ctx, a, args[1:])
	case "convoy":
		code = runConvoyCommand(ctx, a, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "trak: unknown command %q\n", cmd)
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "trak:", err)
	return 1
}
