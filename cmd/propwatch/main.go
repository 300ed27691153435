package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
	"propwatch/internal/infra/logger"
	"propwatch/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "run":
		err = run()
	case "tick":
		err = runTick(os.Stdout)
	case "queue":
		err = runQueue(os.Stdout)
	case "approve":
		err = runResolve(os.Stdout, true)
	case "reject":
		err = runResolve(os.Stdout, false)
	case "encrypt":
		err = runEncrypt(os.Stdout)
	case "doctor":
		err = runDoctor(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'propwatch --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`propwatch - autonomous monitoring agents for property operations

USAGE:
    propwatch [COMMAND] [FLAGS]

COMMANDS:
    run                 Run the agents, the approval queue and the gateway (default)
    tick [AGENT...]     Run one orchestrator tick, or the named agents now
    queue [STATUS]      List queued actions (default: pending)
    approve ID          Approve a pending action and execute it
    reject ID           Reject a pending action
    encrypt VALUE       Encrypt a config secret with $PROPWATCH_CONFIG_KEY
    doctor              Check the configuration

FLAGS:
    -h, --help          Show this help message
    --config PATH       Config file path (default: ./config.yaml)
    --as NAME           Approver name for approve/reject (default: $USER)
    --reason TEXT       Rejection reason

CONFIGURATION:
    Config file: ./config.yaml (or $PROPWATCH_CONFIG)
    Environment: PROPWATCH_* variables override config`)
}

// configPath returns --config, then $PROPWATCH_CONFIG, then config.yaml.
func configPath() string {
	if p := flagValue("--config"); p != "" {
		return p
	}
	if p := os.Getenv("PROPWATCH_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// flagValue finds "--name value" or "--name=value" in os.Args.
func flagValue(name string) string {
	for i, arg := range os.Args {
		if arg == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}

// positional returns the n-th argument after the command, skipping flags.
func positional(n int) string {
	if args := positionals(); n < len(args) {
		return args[n]
	}
	return ""
}

func positionals() []string {
	var args []string
	for i := 2; i < len(os.Args); i++ {
		arg := os.Args[i]
		if strings.HasPrefix(arg, "--") {
			if !strings.Contains(arg, "=") {
				i++
			}
			continue
		}
		args = append(args, arg)
	}
	return args
}

// bootstrap loads the config, sets up logging and tracing, and wires the app.
// The returned func tears everything down.
func bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		_ = tracerShutdown(ctx)
		logCloser()
		return nil, nil, err
	}
	return app, func() {
		if err := app.Close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
		_ = tracerShutdown(context.Background())
		logCloser()
	}, nil
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, teardown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	if err := app.Start(ctx); err != nil {
		return err
	}
	app.Logger.Info("propwatch starting",
		"agents", len(app.Orch.Agents()),
		"engine", app.Config.Decision.Engine,
		"store", app.Config.Store.Kind,
		"gateway", app.Gateway != nil,
		"audit", app.FileAudit != nil,
		"notifiers", app.Notifier != nil,
	)

	<-ctx.Done()
	app.Logger.Info("propwatch shutting down")
	return nil
}

func runTick(w io.Writer) error {
	ctx := context.Background()
	app, teardown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	if ids := positionals(); len(ids) > 0 {
		runs, err := app.Orch.RunNow(ctx, ids...)
		if err != nil {
			return err
		}
		return printJSON(w, runs)
	}
	report, err := app.Orch.Tick(ctx, time.Now())
	if err != nil {
		return err
	}
	return printJSON(w, report)
}

func runQueue(w io.Writer) error {
	ctx := context.Background()
	app, teardown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	status := domain.ActionStatus(positional(0))
	if status == "" {
		status = domain.ActionPending
	}
	printActions(w, app.Queue.List(ctx, domain.ActionFilter{Status: status}))
	return nil
}

func runResolve(w io.Writer, approve bool) error {
	id := positional(0)
	if id == "" {
		return fmt.Errorf("action id is required")
	}
	approver := flagValue("--as")
	if approver == "" {
		approver = os.Getenv("USER")
	}
	if approver == "" {
		return fmt.Errorf("--as is required")
	}

	ctx := context.Background()
	app, teardown, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	var a *domain.QueuedAction
	if approve {
		a, err = app.Queue.Approve(ctx, id, approver)
	} else {
		a, err = app.Queue.Reject(ctx, id, approver, flagValue("--reason"))
	}
	if a != nil {
		if perr := printJSON(w, a); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func runEncrypt(w io.Writer) error {
	value := positional(0)
	if value == "" {
		return fmt.Errorf("value is required")
	}
	passphrase := os.Getenv(config.KeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", config.KeyEnv)
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, enc)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printActions(w io.Writer, actions []*domain.QueuedAction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tPRIORITY\tAPPROVER\tIMPACT\tSTATUS\tTITLE")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			a.ID, a.SourceAgentID, a.Priority, a.RequiredApproverRole, a.EstimatedImpact, a.Status, a.Title)
	}
	tw.Flush()
}
