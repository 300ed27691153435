package main

import (
	"fmt"
	"log/slog"

	"propwatch/internal/domain"
	"propwatch/internal/infra/audit"
	"propwatch/internal/infra/config"
)

// SecurityComponents holds the audit trail.
type SecurityComponents struct {
	Audit     domain.AuditLogger
	FileAudit *audit.FileLogger // concrete type for retention enforcement; nil when audit is disabled
}

// initSecurity opens the audit log when enabled and falls back to a no-op
// logger otherwise.
func initSecurity(cfg *config.Config, log *slog.Logger) (*SecurityComponents, error) {
	comp := &SecurityComponents{Audit: domain.NopAuditLogger{}}
	if !cfg.Audit.Enabled {
		return comp, nil
	}

	maxSize, err := cfg.Audit.MaxSizeBytes()
	if err != nil {
		return nil, fmt.Errorf("audit max_size: %w", err)
	}
	fileAudit, err := audit.NewFileLogger(cfg.Audit.Path, audit.Retention{
		MaxAge:  cfg.Audit.MaxAge,
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	comp.Audit = fileAudit
	comp.FileAudit = fileAudit

	log.Info("audit logging enabled", "path", cfg.Audit.Path,
		"max_age", cfg.Audit.MaxAge, "max_size", cfg.Audit.MaxSize)
	return comp, nil
}
