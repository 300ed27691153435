package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Decision     DecisionConfig     `yaml:"decision"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tools        ToolsConfig        `yaml:"tools"`
	Agents       AgentsConfig       `yaml:"agents"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Notify       NotifyConfig       `yaml:"notify"`
	Audit        AuditConfig        `yaml:"audit"`
	Fixtures     string             `yaml:"fixtures"` // YAML seed for the in-memory backend
	Includes     []string           `yaml:"includes,omitempty"`
}

// DecisionConfig selects and tunes the decision engine.
type DecisionConfig struct {
	Engine          string               `yaml:"engine"` // "scripted" or "llm"
	Script          string               `yaml:"script"` // decision script for the scripted engine
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	MaxTokens       int                  `yaml:"max_tokens"`
	Temperature     float64              `yaml:"temperature"`
	MaxPromptTokens int                  `yaml:"max_prompt_tokens"` // 0 = unbounded
	Timeout         time.Duration        `yaml:"timeout"`
}

// FailoverConfig lists providers tried after the default one fails.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// CircuitBreakerConfig holds circuit breaker settings for model providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for model providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single model provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // anthropic, openai, bedrock
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// StoreConfig selects where actions and runs are kept.
type StoreConfig struct {
	Kind    string `yaml:"kind"` // memory, file, sqlite
	Path    string `yaml:"path"`
	MaxRuns int    `yaml:"max_runs"` // per agent
}

// QueueConfig holds approval queue settings.
type QueueConfig struct {
	SLA            time.Duration        `yaml:"sla"`
	MaxEscalations int                  `yaml:"max_escalations"`
	Tiers          []ApproverTierConfig `yaml:"tiers"`
}

// ApproverTierConfig maps an impact ceiling to an approver role. MaxImpact 0
// means unbounded and belongs on the last tier.
type ApproverTierConfig struct {
	Role      string  `yaml:"role"`
	MaxImpact float64 `yaml:"max_impact"`
}

// OrchestratorConfig holds scheduling settings.
type OrchestratorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxParallel  int           `yaml:"max_parallel"`
}

// ToolsConfig holds tool execution limits.
type ToolsConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	EmailsPerHour      int           `yaml:"emails_per_hour"`
	SMSPerHour         int           `yaml:"sms_per_hour"`
	MaxDiscountPercent float64       `yaml:"max_discount_percent"`
}

// AgentsConfig holds per-agent settings.
type AgentsConfig struct {
	Arrears     AgentConfig       `yaml:"arrears"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Energy      EnergyConfig      `yaml:"energy"`
}

// AgentConfig holds the settings every agent shares.
type AgentConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ID          string   `yaml:"id,omitempty"`
	Role        string   `yaml:"role,omitempty"`
	PropertyID  string   `yaml:"property_id,omitempty"`
	Schedule    string   `yaml:"schedule"`
	Events      []string `yaml:"events,omitempty"`
	Threshold   *float64 `yaml:"threshold,omitempty"` // unset keeps the agent default
	AlwaysQueue []string `yaml:"always_queue,omitempty"`
}

// MaintenanceConfig adds the contractor directory.
type MaintenanceConfig struct {
	AgentConfig `yaml:",inline"`
	Contractors map[string]string `yaml:"contractors,omitempty"` // category -> phone
}

// PricingConfig adds the forward occupancy window.
type PricingConfig struct {
	AgentConfig `yaml:",inline"`
	WindowDays  int `yaml:"window_days"`
}

// EnergyConfig adds the temperature bands. Values are used as given, so an
// explicit 0 is a real threshold.
type EnergyConfig struct {
	AgentConfig   `yaml:",inline"`
	EcoThresholdC float64       `yaml:"eco_threshold_c"`
	ComfortC      float64       `yaml:"comfort_c"`
	ArrivalWindow time.Duration `yaml:"arrival_window"`
	CheapPrice    float64       `yaml:"cheap_price,omitempty"`
}

// GatewayConfig holds approval gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is one gateway bearer token. Roles name the approver roles the
// holder may act as; "admin" acts as any.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig limits gateway requests per client.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// NotifyConfig holds approver notification channels.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig posts queue events to a Slack channel.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig posts queue events to a Discord channel.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`  // 0 keeps entries forever
	MaxSize string        `yaml:"max_size"` // e.g. "50MB", empty = unbounded
}

// MaxSizeBytes parses MaxSize ("100MB", "1GB", "512KB", "2048").
func (c AuditConfig) MaxSizeBytes() (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(c.MaxSize))
	if s == "" {
		return 0, nil
	}
	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", c.MaxSize)
	}
	return n * multiplier, nil
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	ShowPII bool   `yaml:"show_pii"` // log tenant emails and phone numbers unmasked
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // noop, stdout or file
	Endpoint    string  `yaml:"endpoint"`     // file path for the file exporter
	SampleRatio float64 `yaml:"sample_ratio"` // 0 samples every trace
}

// defaultDataDir returns $HOME/.propwatch, or ./data without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".propwatch")
}

// Defaults returns a Config that runs every agent against the in-memory
// backend with the scripted engine.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop"},
		Decision: DecisionConfig{
			Engine:      "scripted",
			MaxTokens:   1024,
			Temperature: 0,
			Timeout:     60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store: StoreConfig{
			Kind:    "sqlite",
			Path:    filepath.Join(dataDir, "propwatch.db"),
			MaxRuns: 200,
		},
		Queue: QueueConfig{
			SLA:            48 * time.Hour,
			MaxEscalations: 3,
			Tiers: []ApproverTierConfig{
				{Role: "duty_manager", MaxImpact: 100},
				{Role: "property_manager", MaxImpact: 1000},
				{Role: "finance_director"},
			},
		},
		Orchestrator: OrchestratorConfig{TickInterval: time.Minute, MaxParallel: 4},
		Tools: ToolsConfig{
			Timeout:            30 * time.Second,
			EmailsPerHour:      20,
			SMSPerHour:         10,
			MaxDiscountPercent: 25,
		},
		Agents: AgentsConfig{
			Arrears: AgentConfig{Enabled: true, Schedule: "0 9 * * *",
				Events: []string{"arrears.anomaly.detected"}},
			Maintenance: MaintenanceConfig{AgentConfig: AgentConfig{Enabled: true, Schedule: "*/15 * * * *",
				Events: []string{"maintenance.ticket.created"}}},
			Pricing: PricingConfig{AgentConfig: AgentConfig{Enabled: true, Schedule: "0 6 * * *",
				Events: []string{"occupancy.threshold.crossed"}}, WindowDays: 7},
			Energy: EnergyConfig{AgentConfig: AgentConfig{Enabled: true, Schedule: "*/15 * * * *",
				Events: []string{"grid.price.dropped"}},
				EcoThresholdC: 18, ComfortC: 20, ArrivalWindow: 2 * time.Hour},
		},
		Gateway: GatewayConfig{
			Addr:      "127.0.0.1:8790",
			RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 10, Burst: 20},
		},
		Audit: AuditConfig{Path: filepath.Join(dataDir, "audit.jsonl")},
	}
}

// ApplyEnvOverrides maps PROPWATCH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROPWATCH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PROPWATCH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PROPWATCH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PROPWATCH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("PROPWATCH_DECISION_ENGINE"); v != "" {
		cfg.Decision.Engine = v
	}
	if v := os.Getenv("PROPWATCH_DECISION_SCRIPT"); v != "" {
		cfg.Decision.Script = v
	}
	if v := os.Getenv("PROPWATCH_DECISION_DEFAULT_PROVIDER"); v != "" {
		cfg.Decision.DefaultProvider = v
	}
	for i := range cfg.Decision.Providers {
		p := &cfg.Decision.Providers[i]
		key := "PROPWATCH_DECISION_PROVIDER_" + envName(p.Name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
		}
	}
	if v := os.Getenv("PROPWATCH_STORE_KIND"); v != "" {
		cfg.Store.Kind = v
	}
	if v := os.Getenv("PROPWATCH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PROPWATCH_QUEUE_SLA"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.SLA = d
		}
	}
	if v := os.Getenv("PROPWATCH_ORCHESTRATOR_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxParallel = n
		}
	}
	if v := os.Getenv("PROPWATCH_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("PROPWATCH_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("PROPWATCH_GATEWAY_TOKENS"); v != "" {
		// name:token[:role+role],...
		for _, spec := range splitAndTrim(v, ",") {
			parts := strings.SplitN(spec, ":", 3)
			if len(parts) < 2 || parts[1] == "" {
				continue
			}
			tok := TokenConfig{Name: parts[0], Token: parts[1]}
			if len(parts) == 3 {
				tok.Roles = splitAndTrim(parts[2], "+")
			}
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, tok)
		}
	}
	if v := os.Getenv("PROPWATCH_SLACK_BOT_TOKEN"); v != "" {
		cfg.Notify.Slack.BotToken = v
	}
	if v := os.Getenv("PROPWATCH_DISCORD_TOKEN"); v != "" {
		cfg.Notify.Discord.Token = v
	}
	if v := os.Getenv("PROPWATCH_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("PROPWATCH_FIXTURES"); v != "" {
		cfg.Fixtures = v
	}
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
