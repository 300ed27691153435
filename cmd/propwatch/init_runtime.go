package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"propwatch/internal/adapter/gateway"
	"propwatch/internal/adapter/notify"
	"propwatch/internal/adapter/store"
	"propwatch/internal/adapter/tool"
	"propwatch/internal/domain"
	"propwatch/internal/infra/audit"
	"propwatch/internal/infra/config"
	"propwatch/internal/infra/logger"
	"propwatch/internal/usecase/actionqueue"
	"propwatch/internal/usecase/eventbus"
	"propwatch/internal/usecase/orchestrator"
	"propwatch/internal/usecase/scheduling"
)

// App holds the wired runtime. Gateway and Notifier are nil when disabled.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Bus       *eventbus.Bus
	Store     store.Store
	Audit     domain.AuditLogger
	FileAudit *audit.FileLogger // nil when audit is disabled
	Queue     *actionqueue.Queue
	Backend   *tool.MemoryBackend
	Engine    domain.DecisionEngine
	Scheduler *scheduling.Scheduler
	Orch      *orchestrator.Orchestrator
	Gateway   *gateway.Server
	Notifier  *notify.Dispatcher

	cleanups []func() error
}

// buildApp wires every component from cfg. Nothing is started; call Start
// for the long-running daemon or use the pieces directly for one-shot commands.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (app *App, err error) {
	app = &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	// 1. Persistence
	st, err := store.Open(cfg.Store.Kind, cfg.Store.Path, cfg.Store.MaxRuns)
	if err != nil {
		return app, fmt.Errorf("store: %w", err)
	}
	app.Store = st
	app.onClose(st.Close)

	// 2. Event bus
	app.Bus = eventbus.New(logger.Component(log, "eventbus"))
	app.onClose(func() error { app.Bus.Close(); return nil })

	// 3. Audit
	sec, err := initSecurity(cfg, log)
	if err != nil {
		return app, fmt.Errorf("security: %w", err)
	}
	app.Audit, app.FileAudit = sec.Audit, sec.FileAudit
	app.onClose(sec.Audit.Close)

	// 4. Approval queue
	app.Queue = actionqueue.New(actionqueue.Config{
		SLA:            cfg.Queue.SLA,
		MaxEscalations: cfg.Queue.MaxEscalations,
		Tiers:          approverTiers(cfg.Queue.Tiers),
	}, actionqueue.Deps{
		Store:  st,
		Bus:    app.Bus,
		Audit:  app.Audit,
		Logger: logger.Component(log, "queue"),
	})
	n, err := app.Queue.Load(ctx)
	if err != nil {
		return app, fmt.Errorf("queue: %w", err)
	}
	if n > 0 {
		log.Info("actions restored", "count", n)
	}

	// 5. Tools
	app.Backend = tool.NewMemoryBackend()
	fixtures, err := tool.LoadFixtures(cfg.Fixtures)
	if err != nil {
		return app, err
	}
	fixtures.Seed(app.Backend)
	toolkit := tool.NewToolkit(tool.MemoryBackends(app.Backend), tool.Limits{
		Timeout:            cfg.Tools.Timeout,
		EmailsPerHour:      cfg.Tools.EmailsPerHour,
		SMSPerHour:         cfg.Tools.SMSPerHour,
		MaxDiscountPercent: cfg.Tools.MaxDiscountPercent,
	}, logger.Component(log, "tools"))

	// 6. Decision engine
	app.Engine, err = initEngine(ctx, cfg, log)
	if err != nil {
		return app, fmt.Errorf("decision engine: %w", err)
	}

	// 7. Orchestrator and agents
	app.Scheduler = scheduling.NewScheduler(logger.Component(log, "scheduler"), cfg.Tools.Timeout*4)
	app.Orch, err = orchestrator.New(orchestrator.Config{
		TickInterval: cfg.Orchestrator.TickInterval,
		MaxParallel:  cfg.Orchestrator.MaxParallel,
	}, orchestrator.Deps{
		Queue:     app.Queue,
		RunLog:    st,
		Bus:       app.Bus,
		Scheduler: app.Scheduler,
		Logger:    logger.Component(log, "orchestrator"),
	})
	if err != nil {
		return app, err
	}
	if err := initAgents(cfg, toolkit, app, log); err != nil {
		return app, fmt.Errorf("agents: %w", err)
	}
	app.Queue.SetExecutor(app.Orch)

	// 8. Outer surfaces
	if err := initGateway(cfg, app, log); err != nil {
		return app, fmt.Errorf("gateway: %w", err)
	}
	if err := initNotify(cfg, app, log); err != nil {
		return app, fmt.Errorf("notify: %w", err)
	}
	return app, nil
}

// Start launches the orchestrator, the audit retention task and the gateway.
// It returns once they are running; cancel ctx and call Close to stop.
func (a *App) Start(ctx context.Context) error {
	if a.FileAudit != nil && (a.Config.Audit.MaxAge > 0 || a.Config.Audit.MaxSize != "") {
		err := a.Scheduler.AddTask("audit.retention", scheduling.NewConstantDelay(time.Hour),
			func(ctx context.Context) error {
				removed, err := a.FileAudit.EnforceRetention(ctx)
				if err != nil {
					return err
				}
				if removed > 0 {
					a.Logger.Info("audit retention enforced", "removed", removed)
				}
				return nil
			}, false)
		if err != nil {
			return err
		}
	}

	if err := a.Orch.Start(ctx); err != nil {
		return err
	}
	a.onClose(a.Orch.Stop)

	if a.Gateway != nil {
		go func() {
			if err := a.Gateway.Start(ctx); err != nil {
				a.Logger.Error("gateway server error", "error", err)
			}
		}()
		a.onClose(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.Gateway.Stop(shutdownCtx)
		})
	}
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.cleanups = append(a.cleanups, fn)
}

func approverTiers(in []config.ApproverTierConfig) []actionqueue.ApproverTier {
	out := make([]actionqueue.ApproverTier, 0, len(in))
	for _, t := range in {
		out = append(out, actionqueue.ApproverTier{Role: t.Role, MaxImpact: t.MaxImpact})
	}
	return out
}

// roleLadder orders the approver roles from junior to senior.
func roleLadder(tiers []config.ApproverTierConfig) domain.RoleLadder {
	ladder := make(domain.RoleLadder, 0, len(tiers))
	for _, t := range tiers {
		ladder = append(ladder, t.Role)
	}
	return ladder
}
