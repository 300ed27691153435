package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"propwatch/internal/infra/config"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", nil)
	result := fn(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_ValidationError(t *testing.T) {
	fn := checkConfigFile("config.yaml", &config.ValidationError{Errors: []string{"queue.sla must be positive"}})
	result := fn(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for invalid config, got %s", result.Status)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, cfgPath, "store:\n  kind: memory\n"); err != nil {
		t.Fatal(err)
	}
	result := checkConfigFile(cfgPath, nil)(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	for name, fn := range map[string]func(*config.Config) CheckResult{
		"store":    checkStore,
		"engine":   checkEngine,
		"fixtures": checkFixtures,
		"agents":   checkAgents,
		"gateway":  checkGateway,
		"audit":    checkAudit,
	} {
		if got := fn(nil).Status; got != StatusFail {
			t.Errorf("%s: expected FAIL for nil config, got %s", name, got)
		}
	}
}

func TestCheckStore_MemoryWarns(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Kind = "memory"
	if got := checkStore(cfg).Status; got != StatusWarn {
		t.Errorf("expected WARN for memory store, got %s", got)
	}
}

func TestCheckStore_SQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(t.TempDir(), "propwatch.db")
	result := checkStore(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckEngine(t *testing.T) {
	cfg := config.Defaults()
	if got := checkEngine(cfg).Status; got != StatusWarn {
		t.Errorf("expected WARN without a script, got %s", got)
	}

	dir := t.TempDir()
	cfg.Decision.Script = filepath.Join(dir, "script.yaml")
	if err := writeTestFile(t, cfg.Decision.Script, testScript); err != nil {
		t.Fatal(err)
	}
	if got := checkEngine(cfg); got.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", got.Status, got.Message)
	}

	cfg.Decision.Script = filepath.Join(dir, "missing.yaml")
	if got := checkEngine(cfg).Status; got != StatusFail {
		t.Errorf("expected FAIL for missing script, got %s", got)
	}
}

func TestCheckFixtures(t *testing.T) {
	cfg := config.Defaults()
	cfg.Fixtures = filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := writeTestFile(t, cfg.Fixtures, testFixtures); err != nil {
		t.Fatal(err)
	}
	result := checkFixtures(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "1 ledgers") {
		t.Errorf("unexpected message %q", result.Message)
	}
}

func TestCheckAgents(t *testing.T) {
	cfg := config.Defaults()
	result := checkAgents(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	for _, id := range []string{"arrears", "maintenance", "pricing", "energy"} {
		if !strings.Contains(result.Message, id) {
			t.Errorf("expected %s in %q", id, result.Message)
		}
	}

	cfg.Agents.Arrears.Enabled = false
	cfg.Agents.Maintenance.Enabled = false
	cfg.Agents.Pricing.Enabled = false
	cfg.Agents.Energy.Enabled = false
	if got := checkAgents(cfg).Status; got != StatusWarn {
		t.Errorf("expected WARN with no agents, got %s", got)
	}
}

func TestCheckGateway(t *testing.T) {
	cfg := config.Defaults()
	if got := checkGateway(cfg).Status; got != StatusWarn {
		t.Errorf("expected WARN when disabled, got %s", got)
	}

	cfg.Gateway.Enabled = true
	cfg.Gateway.Auth.Tokens = []config.TokenConfig{
		{Token: "a", Name: "sam", Roles: []string{"duty_manager"}},
		{Token: "b", Name: "pat", Roles: []string{"property_manager"}},
	}
	result := checkGateway(cfg)
	if result.Status != StatusWarn {
		t.Fatalf("expected WARN, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "finance_director") {
		t.Errorf("expected finance_director to be reported, got %q", result.Message)
	}

	cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens,
		config.TokenConfig{Token: "c", Name: "root", Roles: []string{"admin"}})
	if got := checkGateway(cfg); got.Status != StatusPass {
		t.Errorf("expected PASS with an admin token, got %s: %s", got.Status, got.Message)
	}
}

func TestCheckAudit(t *testing.T) {
	cfg := config.Defaults()
	if got := checkAudit(cfg).Status; got != StatusWarn {
		t.Errorf("expected WARN when disabled, got %s", got)
	}
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	if got := checkAudit(cfg).Status; got != StatusPass {
		t.Errorf("expected PASS, got %s", got)
	}
}

func writeTestFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0o600)
}
