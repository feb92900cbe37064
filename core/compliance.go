package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ControlSeverity ranks how much a failing control matters to an audit.
type ControlSeverity string

const (
	SeverityCritical ControlSeverity = "critical"
	SeverityHigh     ControlSeverity = "high"
	SeverityMedium   ControlSeverity = "medium"
	SeverityLow      ControlSeverity = "low"
)

// ControlStatus tracks a control through its compliance lifecycle.
type ControlStatus string

const (
	ControlNotStarted    ControlStatus = "not_started"
	ControlInProgress    ControlStatus = "in_progress"
	ControlImplemented   ControlStatus = "implemented"
	ControlNotApplicable ControlStatus = "not_applicable"
)

// EvidenceStatus tracks reviewer disposition of a submitted artifact.
type EvidenceStatus string

const (
	EvidencePending  EvidenceStatus = "pending"
	EvidenceAccepted EvidenceStatus = "accepted"
	EvidenceRejected EvidenceStatus = "rejected"
)

// ErrValidation wraps all domain validation failures so handlers can
// map them to 400 responses with errors.Is.
var ErrValidation = errors.New("validation failed")

// Framework is a compliance standard (SOC 2, ISO 27001, HIPAA) whose
// controls an organization tracks.
type Framework struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks framework fields before persistence.
func (f *Framework) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: framework name is required", ErrValidation)
	}
	if len(f.Name) > 200 {
		return fmt.Errorf("%w: framework name exceeds 200 characters", ErrValidation)
	}
	if len(f.Version) > 50 {
		return fmt.Errorf("%w: framework version exceeds 50 characters", ErrValidation)
	}
	return nil
}

// Control is one requirement within a framework.
type Control struct {
	ID          string          `json:"id"`
	FrameworkID string          `json:"framework_id"`
	Code        string          `json:"code"` // e.g. "CC6.1"
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Severity    ControlSeverity `json:"severity"`
	Status      ControlStatus   `json:"status"`
	Owner       string          `json:"owner,omitempty"`
	DueAt       *time.Time      `json:"due_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ValidSeverities lists accepted control severities.
func ValidSeverities() []ControlSeverity {
	return []ControlSeverity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// ValidControlStatuses lists accepted control statuses.
func ValidControlStatuses() []ControlStatus {
	return []ControlStatus{ControlNotStarted, ControlInProgress, ControlImplemented, ControlNotApplicable}
}

// Validate checks control fields before persistence.
func (c *Control) Validate() error {
	if c.FrameworkID == "" {
		return fmt.Errorf("%w: control framework_id is required", ErrValidation)
	}
	if strings.TrimSpace(c.Code) == "" {
		return fmt.Errorf("%w: control code is required", ErrValidation)
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: control title is required", ErrValidation)
	}
	switch c.Severity {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
	default:
		return fmt.Errorf("%w: unknown control severity %q", ErrValidation, c.Severity)
	}
	switch c.Status {
	case ControlNotStarted, ControlInProgress, ControlImplemented, ControlNotApplicable:
	default:
		return fmt.Errorf("%w: unknown control status %q", ErrValidation, c.Status)
	}
	return nil
}

// Overdue reports whether the control has an unmet due date.
func (c *Control) Overdue(now time.Time) bool {
	return c.DueAt != nil && now.After(*c.DueAt) &&
		c.Status != ControlImplemented && c.Status != ControlNotApplicable
}

// Evidence is an artifact submitted to demonstrate a control is met.
type Evidence struct {
	ID          string         `json:"id"`
	ControlID   string         `json:"control_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	FileRef     string         `json:"file_ref,omitempty"` // opaque pointer into object storage
	Status      EvidenceStatus `json:"status"`
	SubmittedBy string         `json:"submitted_by"`
	SubmittedAt time.Time      `json:"submitted_at"`
	ReviewedBy  string         `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
}

// Validate checks evidence fields before persistence.
func (e *Evidence) Validate() error {
	if e.ControlID == "" {
		return fmt.Errorf("%w: evidence control_id is required", ErrValidation)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: evidence title is required", ErrValidation)
	}
	switch e.Status {
	case EvidencePending, EvidenceAccepted, EvidenceRejected:
	default:
		return fmt.Errorf("%w: unknown evidence status %q", ErrValidation, e.Status)
	}
	return nil
}

// DashboardStats aggregates counts for the overview dashboard.
type DashboardStats struct {
	Frameworks          int64                     `json:"frameworks"`
	Controls            int64                     `json:"controls"`
	ControlsByStatus    map[ControlStatus]int64   `json:"controls_by_status"`
	ControlsBySeverity  map[ControlSeverity]int64 `json:"controls_by_severity"`
	OverdueControls     int64                     `json:"overdue_controls"`
	PendingEvidence     int64                     `json:"pending_evidence"`
	EvidenceLast30Days  int64                     `json:"evidence_last_30_days"`
	CompletionPercent   float64                   `json:"completion_percent"`
}
