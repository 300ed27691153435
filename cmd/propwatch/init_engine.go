package main

import (
	"context"
	"log/slog"

	"propwatch/internal/adapter/decision"
	"propwatch/internal/adapter/llm"
	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
	"propwatch/internal/infra/logger"
)

// initEngine builds the decision engine named by cfg.Decision.Engine.
func initEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.DecisionEngine, error) {
	switch cfg.Decision.Engine {
	case "llm":
		provider, reg, err := llm.Build(ctx, cfg.Decision, logger.Component(log, "llm"))
		if err != nil {
			return nil, err
		}
		log.Info("decision engine ready", "engine", "llm",
			"provider", cfg.Decision.DefaultProvider, "providers", reg.List())
		return decision.NewLLMEngine(provider, cfg.Decision, logger.Component(log, "decision")), nil
	default:
		engine, err := decision.LoadScript(cfg.Decision.Script)
		if err != nil {
			return nil, err
		}
		log.Info("decision engine ready", "engine", "scripted", "script", cfg.Decision.Script)
		return engine, nil
	}
}
