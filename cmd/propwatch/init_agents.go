package main

import (
	"fmt"
	"log/slog"

	"propwatch/internal/adapter/tool"
	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
	"propwatch/internal/infra/logger"
	"propwatch/internal/usecase/agent"
	"propwatch/internal/usecase/agents"
	"propwatch/internal/usecase/orchestrator"
)

// agentSpec pairs a policy with the toolkit kind and trigger it runs with.
type agentSpec struct {
	kind   string
	cfg    config.AgentConfig
	policy agent.Policy
}

// initAgents builds every enabled agent and registers it with app.Orch.
func initAgents(cfg *config.Config, toolkit *tool.Toolkit, app *App, log *slog.Logger) error {
	specs, err := agentSpecs(cfg.Agents)
	if err != nil {
		return err
	}
	for _, s := range specs {
		tools, err := toolkit.Registry(s.kind)
		if err != nil {
			return err
		}
		rt, err := agent.New(agent.Deps{
			Policy:      s.policy,
			Tools:       tools,
			Engine:      app.Engine,
			Queue:       app.Queue,
			Logger:      logger.Component(log, "agent"),
			AlwaysQueue: s.cfg.AlwaysQueue,
			Bus:         app.Bus,
			Audit:       app.Audit,
		})
		if err != nil {
			return err
		}
		if err := app.Orch.Register(rt, trigger(s.cfg)); err != nil {
			return err
		}
	}
	if len(specs) == 0 {
		log.Warn("no agents enabled")
	}
	return nil
}

func agentSpecs(ac config.AgentsConfig) ([]agentSpec, error) {
	var specs []agentSpec
	add := func(kind string, c config.AgentConfig, build func(agents.Options) (agent.Policy, error)) error {
		if !c.Enabled {
			return nil
		}
		p, err := build(agents.Options{
			ID:         c.ID,
			PropertyID: c.PropertyID,
			Threshold:  c.Threshold,
			Role:       c.Role,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		specs = append(specs, agentSpec{kind: kind, cfg: c, policy: p})
		return nil
	}

	err := add(tool.KindArrears, ac.Arrears, func(o agents.Options) (agent.Policy, error) {
		return agents.NewArrears(o)
	})
	if err == nil {
		err = add(tool.KindMaintenance, ac.Maintenance.AgentConfig, func(o agents.Options) (agent.Policy, error) {
			return agents.NewMaintenance(agents.MaintenanceOptions{Options: o, Contractors: ac.Maintenance.Contractors})
		})
	}
	if err == nil {
		err = add(tool.KindPricing, ac.Pricing.AgentConfig, func(o agents.Options) (agent.Policy, error) {
			return agents.NewPricing(agents.PricingOptions{Options: o, WindowDays: ac.Pricing.WindowDays})
		})
	}
	if err == nil {
		err = add(tool.KindEnergy, ac.Energy.AgentConfig, func(o agents.Options) (agent.Policy, error) {
			return agents.NewEnergy(agents.EnergyOptions{Options: o, EnergyConfig: agents.EnergyConfig{
				EcoThresholdC: ac.Energy.EcoThresholdC,
				ComfortC:      ac.Energy.ComfortC,
				ArrivalWindow: ac.Energy.ArrivalWindow,
				CheapPrice:    ac.Energy.CheapPrice,
			}})
		})
	}
	return specs, err
}

func trigger(c config.AgentConfig) orchestrator.Trigger {
	t := orchestrator.Trigger{Schedule: c.Schedule}
	for _, e := range c.Events {
		t.Events = append(t.Events, domain.EventType(e))
	}
	return t
}
