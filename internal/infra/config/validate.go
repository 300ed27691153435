package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateDecision(cfg, ve)
	validateStore(cfg, ve)
	validateQueue(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateTools(cfg, ve)
	validateAgents(cfg, ve)
	validateGateway(cfg, ve)
	validateNotify(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	case "file":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint must name a file for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, file)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

var validProviderTypes = map[string]bool{"anthropic": true, "openai": true, "bedrock": true}

func validateDecision(cfg *Config, ve *ValidationError) {
	d := cfg.Decision
	switch d.Engine {
	case "scripted":
		return
	case "llm":
	default:
		ve.Add("decision.engine %q is invalid (want: scripted, llm)", d.Engine)
		return
	}

	if d.DefaultProvider == "" {
		ve.Add("decision.default_provider must not be empty when engine is llm")
	}
	if d.MaxTokens <= 0 {
		ve.Add("decision.max_tokens must be > 0")
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		ve.Add("decision.temperature must be in [0,2]")
	}
	if d.MaxPromptTokens < 0 {
		ve.Add("decision.max_prompt_tokens must be >= 0")
	}

	seen := make(map[string]bool)
	for i, p := range d.Providers {
		if p.Name == "" {
			ve.Add("decision.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("decision.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("decision.providers[%d].type %q is invalid (want: anthropic, openai, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("decision.providers[%d] (%s): api_key is empty (set via PROPWATCH_DECISION_PROVIDER_%s_API_KEY)",
				i, p.Name, envName(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("decision.providers[%d] (%s): region is required for bedrock", i, p.Name)
		}
	}
	if d.DefaultProvider != "" && !seen[d.DefaultProvider] {
		ve.Add("decision.default_provider %q does not match any configured provider", d.DefaultProvider)
	}
	if d.Failover.Enabled {
		for _, fb := range d.Failover.Fallbacks {
			if !seen[fb] {
				ve.Add("decision.failover.fallbacks: unknown provider %q", fb)
			}
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Kind {
	case "memory":
	case "file", "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for store kind %q", cfg.Store.Kind)
		}
	default:
		ve.Add("store.kind %q is invalid (want: memory, file, sqlite)", cfg.Store.Kind)
	}
	if cfg.Store.MaxRuns < 0 {
		ve.Add("store.max_runs must be >= 0")
	}
}

func validateQueue(cfg *Config, ve *ValidationError) {
	q := cfg.Queue
	if q.SLA <= 0 {
		ve.Add("queue.sla must be > 0")
	}
	if q.MaxEscalations < 0 {
		ve.Add("queue.max_escalations must be >= 0")
	}
	last := 0.0
	for i, t := range q.Tiers {
		if t.Role == "" {
			ve.Add("queue.tiers[%d].role must not be empty", i)
		}
		switch {
		case t.MaxImpact < 0:
			ve.Add("queue.tiers[%d].max_impact must be >= 0", i)
		case t.MaxImpact == 0 && i != len(q.Tiers)-1:
			ve.Add("queue.tiers[%d]: only the last tier may be unbounded", i)
		case t.MaxImpact > 0 && t.MaxImpact <= last:
			ve.Add("queue.tiers[%d].max_impact must increase", i)
		}
		last = t.MaxImpact
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.TickInterval <= 0 {
		ve.Add("orchestrator.tick_interval must be > 0")
	}
	if cfg.Orchestrator.MaxParallel <= 0 {
		ve.Add("orchestrator.max_parallel must be > 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.Timeout <= 0 {
		ve.Add("tools.timeout must be > 0")
	}
	if t.EmailsPerHour < 0 || t.SMSPerHour < 0 {
		ve.Add("tools send limits must be >= 0")
	}
	if t.MaxDiscountPercent <= 0 || t.MaxDiscountPercent > 100 {
		ve.Add("tools.max_discount_percent must be in (0,100]")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	a := cfg.Agents
	check := func(name string, ac AgentConfig) {
		if !ac.Enabled {
			return
		}
		if ac.Schedule == "" && len(ac.Events) == 0 {
			ve.Add("agents.%s needs a schedule or events", name)
		}
		if ac.Schedule != "" {
			if _, err := parseSchedule(ac.Schedule); err != nil {
				ve.Add("agents.%s.schedule %q: %v", name, ac.Schedule, err)
			}
		}
		if ac.Threshold != nil && (*ac.Threshold < 0 || *ac.Threshold > 1) {
			ve.Add("agents.%s.threshold must be in [0,1]", name)
		}
	}
	check("arrears", a.Arrears)
	check("maintenance", a.Maintenance.AgentConfig)
	check("pricing", a.Pricing.AgentConfig)
	check("energy", a.Energy.AgentConfig)

	if a.Pricing.WindowDays < 0 {
		ve.Add("agents.pricing.window_days must be >= 0")
	}
	if a.Energy.ArrivalWindow < 0 {
		ve.Add("agents.energy.arrival_window must be >= 0")
	}

	ids := map[string]bool{}
	for _, id := range []string{
		idOr(a.Arrears, "arrears"), idOr(a.Maintenance.AgentConfig, "maintenance"),
		idOr(a.Pricing.AgentConfig, "pricing"), idOr(a.Energy.AgentConfig, "energy"),
	} {
		if ids[id] {
			ve.Add("agents: duplicate agent id %q", id)
		}
		ids[id] = true
	}
}

func idOr(ac AgentConfig, def string) string {
	if ac.ID != "" {
		return ac.ID
	}
	return def
}

// parseSchedule accepts a positive duration, a cron expression or a
// descriptor, the same forms the scheduler accepts for agents.
func parseSchedule(spec string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		return cron.Every(d), nil
	}
	return cron.ParseStandard(spec)
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if g.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	if len(g.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty when gateway is enabled")
	}
	for i, t := range g.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d] (%s): token is empty", i, t.Name)
		}
	}
	if g.RateLimit.Enabled && (g.RateLimit.RequestsPerSecond <= 0 || g.RateLimit.Burst <= 0) {
		ve.Add("gateway.rate_limit requires requests_per_second > 0 and burst > 0")
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	if s := cfg.Notify.Slack; s.Enabled && (s.BotToken == "" || s.ChannelID == "") {
		ve.Add("notify.slack requires bot_token and channel_id")
	}
	if d := cfg.Notify.Discord; d.Enabled && (d.Token == "" || d.ChannelID == "") {
		ve.Add("notify.discord requires token and channel_id")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must not be negative")
	}
	if _, err := cfg.Audit.MaxSizeBytes(); err != nil {
		ve.Add("audit.max_size: %v", err)
	}
}
