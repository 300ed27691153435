package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"propwatch/internal/adapter/decision"
	"propwatch/internal/adapter/store"
	"propwatch/internal/adapter/tool"
	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor(w io.Writer) error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Store", Fn: checkStore},
		{Name: "Decision engine", Fn: checkEngine},
		{Name: "Fixtures", Fn: checkFixtures},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Audit", Fn: checkAudit},
	}

	fmt.Fprintln(w, "propwatch doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		fmt.Fprintf(w, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{Status: StatusFail, Message: cfgErr.Error(),
				Fix: "Correct the listed fields in " + cfgPath}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{Status: StatusWarn, Message: cfgPath + " not found, running on defaults",
				Fix: "Create " + cfgPath + " or pass --config"}
		}
		return CheckResult{Status: StatusPass, Message: cfgPath}
	}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	st, err := store.Open(cfg.Store.Kind, cfg.Store.Path, cfg.Store.MaxRuns)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(),
			Fix: "Check store.kind and that store.path is writable"}
	}
	defer st.Close()
	if cfg.Store.Kind == store.KindMemory || cfg.Store.Kind == "" {
		return CheckResult{Status: StatusWarn, Message: "memory store: queued actions are lost on restart",
			Fix: "Set store.kind to sqlite or file"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s at %s", cfg.Store.Kind, cfg.Store.Path)}
}

func checkEngine(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if cfg.Decision.Engine == "llm" {
		return CheckResult{Status: StatusPass,
			Message: fmt.Sprintf("llm via %s (%d providers)", cfg.Decision.DefaultProvider, len(cfg.Decision.Providers))}
	}
	if cfg.Decision.Script == "" {
		return CheckResult{Status: StatusWarn, Message: "scripted engine without a script: agents observe but never act",
			Fix: "Set decision.script or switch decision.engine to llm"}
	}
	if _, err := decision.LoadScript(cfg.Decision.Script); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: "scripted from " + cfg.Decision.Script}
}

func checkFixtures(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if cfg.Fixtures == "" {
		return CheckResult{Status: StatusWarn, Message: "no fixtures: the in-memory backend starts empty",
			Fix: "Set fixtures to a YAML seed file"}
	}
	f, err := tool.LoadFixtures(cfg.Fixtures)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d ledgers, %d tickets, %d rooms",
		len(f.Ledgers), len(f.Tickets), len(f.Rooms))}
}

func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	specs, err := agentSpecs(cfg.Agents)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if len(specs) == 0 {
		return CheckResult{Status: StatusWarn, Message: "no agents enabled"}
	}
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.policy.Identity().ID)
	}
	return CheckResult{Status: StatusPass, Message: strings.Join(names, ", ")}
}

func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusWarn, Message: "disabled: actions can only be resolved from the CLI",
			Fix: "Set gateway.enabled and gateway.auth.tokens"}
	}
	ladder := roleLadder(cfg.Queue.Tiers)
	top := -1
	for _, t := range cfg.Gateway.Auth.Tokens {
		if slices.Contains(t.Roles, domain.RoleAdmin) {
			top = len(ladder) - 1
			break
		}
		for _, r := range t.Roles {
			top = max(top, ladder.Rank(r))
		}
	}
	if missing := ladder[top+1:]; len(missing) > 0 {
		return CheckResult{Status: StatusWarn, Message: "no token can approve as " + strings.Join(missing, ", "),
			Fix: "Give a gateway token one of those roles"}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Gateway.Addr}
}

func checkAudit(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusWarn, Message: "disabled", Fix: "Set audit.enabled"}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Audit.Path}
}
