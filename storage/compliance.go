package storage

import (
	"context"

	"custos/core"
)

// ControlFilter narrows ListControls results. Zero values mean no filter.
type ControlFilter struct {
	FrameworkID string
	Status      core.ControlStatus
	Severity    core.ControlSeverity
	Owner       string
}

// FrameworkStorage manages compliance frameworks.
type FrameworkStorage interface {
	CreateFramework(ctx context.Context, fw *core.Framework) error
	GetFramework(ctx context.Context, id string) (*core.Framework, error)
	ListFrameworks(ctx context.Context) ([]*core.Framework, error)
	UpdateFramework(ctx context.Context, fw *core.Framework) error
	DeleteFramework(ctx context.Context, id string) error
}

// ControlStorage manages controls within frameworks.
type ControlStorage interface {
	CreateControl(ctx context.Context, c *core.Control) error
	GetControl(ctx context.Context, id string) (*core.Control, error)
	ListControls(ctx context.Context, filter ControlFilter) ([]*core.Control, error)
	UpdateControl(ctx context.Context, c *core.Control) error
	DeleteControl(ctx context.Context, id string) error
}

// EvidenceStorage manages evidence attached to controls.
type EvidenceStorage interface {
	CreateEvidence(ctx context.Context, ev *core.Evidence) error
	GetEvidence(ctx context.Context, id string) (*core.Evidence, error)
	ListEvidenceByControl(ctx context.Context, controlID string) ([]*core.Evidence, error)
	UpdateEvidence(ctx context.Context, ev *core.Evidence) error
	DeleteEvidence(ctx context.Context, id string) error
}

// StatsStorage computes dashboard aggregates.
type StatsStorage interface {
	GetDashboardStats(ctx context.Context) (*core.DashboardStats, error)
}

// AuditLogger records audit trail entries.
type AuditLogger interface {
	RecordAudit(ctx context.Context, actor, action, entityType, entityID, detail string) error
}
