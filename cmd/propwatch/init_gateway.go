package main

import (
	"log/slog"

	"propwatch/internal/adapter/gateway"
	"propwatch/internal/adapter/notify"
	"propwatch/internal/infra/config"
	"propwatch/internal/infra/logger"
	"propwatch/internal/infra/middleware"
)

// initGateway builds the approval gateway with its RPC and REST surfaces.
func initGateway(cfg *config.Config, app *App, log *slog.Logger) error {
	if !cfg.Gateway.Enabled {
		return nil
	}
	opts := gateway.Options{Addr: cfg.Gateway.Addr}
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		opts.RateLimit = middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
		}
	}
	gwLog := logger.Component(log, "gateway")
	srv := gateway.NewServer(app.Bus, gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens), opts, gwLog)

	deps := gateway.HandlerDeps{
		Queue:  app.Queue,
		Agents: app.Orch,
		Ladder: roleLadder(cfg.Queue.Tiers),
		Audit:  app.Audit,
		Bus:    app.Bus,
		Logger: gwLog,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)
	app.Gateway = srv

	log.Info("gateway configured", "addr", cfg.Gateway.Addr, "tokens", len(cfg.Gateway.Auth.Tokens))
	return nil
}

// initNotify subscribes the configured approver notifiers to queue events.
func initNotify(cfg *config.Config, app *App, log *slog.Logger) error {
	var notifiers []notify.Notifier
	if s := cfg.Notify.Slack; s.Enabled {
		notifiers = append(notifiers, notify.NewSlackNotifier(s.BotToken, s.ChannelID))
	}
	if d := cfg.Notify.Discord; d.Enabled {
		dn, err := notify.NewDiscordNotifier(d.Token, d.ChannelID)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, dn)
	}
	if len(notifiers) == 0 {
		return nil
	}

	app.Notifier = notify.NewDispatcher(logger.Component(log, "notify"), notifiers...)
	unsub := app.Notifier.Subscribe(app.Bus)
	app.onClose(func() error { unsub(); return nil })

	log.Info("approver notifications enabled", "notifiers", app.Notifier.Len())
	return nil
}
