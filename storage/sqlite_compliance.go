package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"custos/core"
)

// SQLiteComplianceStorage implements FrameworkStorage, ControlStorage,
// EvidenceStorage, StatsStorage, and AuditLogger using SQLite.
type SQLiteComplianceStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteComplianceStorage creates a new SQLite-based compliance storage.
func NewSQLiteComplianceStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteComplianceStorage {
	return &SQLiteComplianceStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

// isUniqueViolation matches SQLite unique constraint failures. modernc.org/sqlite
// surfaces them in the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateFramework stores a new framework. A missing ID is generated.
func (scs *SQLiteComplianceStorage) CreateFramework(ctx context.Context, fw *core.Framework) error {
	if err := fw.Validate(); err != nil {
		return err
	}
	if fw.ID == "" {
		fw.ID = uuid.New().String()
	}
	now := time.Now()
	fw.CreatedAt = now
	fw.UpdatedAt = now

	_, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`INSERT INTO frameworks (id, name, version, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fw.ID, fw.Name, fw.Version, fw.Description,
		fw.CreatedAt.Format(time.RFC3339), fw.UpdatedAt.Format(time.RFC3339))
	if isUniqueViolation(err) {
		return fmt.Errorf("framework %s %s: %w", fw.Name, fw.Version, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create framework: %w", err)
	}

	scs.logger.Infow("AUDIT: framework created", "framework_id", fw.ID, "name", fw.Name, "version", fw.Version)
	return nil
}

// GetFramework retrieves a framework by ID.
func (scs *SQLiteComplianceStorage) GetFramework(ctx context.Context, id string) (*core.Framework, error) {
	var fw core.Framework
	var createdAt, updatedAt string
	var description sql.NullString

	err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT id, name, version, description, created_at, updated_at FROM frameworks WHERE id = ?`,
		id).Scan(&fw.ID, &fw.Name, &fw.Version, &description, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("framework %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get framework: %w", err)
	}

	fw.Description = description.String
	fw.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	fw.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &fw, nil
}

// ListFrameworks returns all frameworks ordered by name then version.
func (scs *SQLiteComplianceStorage) ListFrameworks(ctx context.Context) ([]*core.Framework, error) {
	rows, err := scs.sqlite.ReadDB.QueryContext(ctx,
		`SELECT id, name, version, description, created_at, updated_at FROM frameworks ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list frameworks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var frameworks []*core.Framework
	for rows.Next() {
		var fw core.Framework
		var createdAt, updatedAt string
		var description sql.NullString
		if err := rows.Scan(&fw.ID, &fw.Name, &fw.Version, &description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan framework: %w", err)
		}
		fw.Description = description.String
		fw.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		fw.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		frameworks = append(frameworks, &fw)
	}
	return frameworks, rows.Err()
}

// UpdateFramework updates name, version, and description.
func (scs *SQLiteComplianceStorage) UpdateFramework(ctx context.Context, fw *core.Framework) error {
	if err := fw.Validate(); err != nil {
		return err
	}
	fw.UpdatedAt = time.Now()

	result, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE frameworks SET name = ?, version = ?, description = ?, updated_at = ? WHERE id = ?`,
		fw.Name, fw.Version, fw.Description, fw.UpdatedAt.Format(time.RFC3339), fw.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("framework %s %s: %w", fw.Name, fw.Version, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to update framework: %w", err)
	}
	if err := requireRowAffected(result, "framework", fw.ID); err != nil {
		return err
	}

	scs.logger.Infow("AUDIT: framework updated", "framework_id", fw.ID)
	return nil
}

// DeleteFramework removes a framework. Controls and evidence cascade.
func (scs *SQLiteComplianceStorage) DeleteFramework(ctx context.Context, id string) error {
	result, err := scs.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM frameworks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete framework: %w", err)
	}
	if err := requireRowAffected(result, "framework", id); err != nil {
		return err
	}

	scs.logger.Infow("AUDIT: framework deleted", "framework_id", id)
	return nil
}

// CreateControl stores a new control under its framework.
func (scs *SQLiteComplianceStorage) CreateControl(ctx context.Context, c *core.Control) error {
	if c.Status == "" {
		c.Status = core.ControlNotStarted
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := scs.GetFramework(ctx, c.FrameworkID); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`INSERT INTO controls (id, framework_id, code, title, description, severity, status, owner, due_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FrameworkID, c.Code, c.Title, c.Description, string(c.Severity), string(c.Status),
		c.Owner, timePtrToString(c.DueAt),
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	if isUniqueViolation(err) {
		return fmt.Errorf("control %s in framework %s: %w", c.Code, c.FrameworkID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create control: %w", err)
	}

	scs.logger.Infow("AUDIT: control created", "control_id", c.ID, "framework_id", c.FrameworkID, "code", c.Code)
	return nil
}

func scanControl(scanner interface{ Scan(...interface{}) error }) (*core.Control, error) {
	var c core.Control
	var description, owner, dueAt sql.NullString
	var severity, status, createdAt, updatedAt string

	if err := scanner.Scan(&c.ID, &c.FrameworkID, &c.Code, &c.Title, &description,
		&severity, &status, &owner, &dueAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Description = description.String
	c.Severity = core.ControlSeverity(severity)
	c.Status = core.ControlStatus(status)
	c.Owner = owner.String
	c.DueAt = parseTimePtr(dueAt)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

const controlColumns = `id, framework_id, code, title, description, severity, status, owner, due_at, created_at, updated_at`

// GetControl retrieves a control by ID.
func (scs *SQLiteComplianceStorage) GetControl(ctx context.Context, id string) (*core.Control, error) {
	row := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+controlColumns+` FROM controls WHERE id = ?`, id)
	c, err := scanControl(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("control %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get control: %w", err)
	}
	return c, nil
}

// ListControls returns controls matching the filter, ordered by code.
func (scs *SQLiteComplianceStorage) ListControls(ctx context.Context, filter ControlFilter) ([]*core.Control, error) {
	query := `SELECT ` + controlColumns + ` FROM controls WHERE 1=1`
	var args []interface{}

	if filter.FrameworkID != "" {
		query += ` AND framework_id = ?`
		args = append(args, filter.FrameworkID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	query += ` ORDER BY code`

	rows, err := scs.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list controls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var controls []*core.Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan control: %w", err)
		}
		controls = append(controls, c)
	}
	return controls, rows.Err()
}

// UpdateControl updates a control's mutable fields.
func (scs *SQLiteComplianceStorage) UpdateControl(ctx context.Context, c *core.Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now()

	result, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE controls SET code = ?, title = ?, description = ?, severity = ?, status = ?,
		 owner = ?, due_at = ?, updated_at = ? WHERE id = ?`,
		c.Code, c.Title, c.Description, string(c.Severity), string(c.Status),
		c.Owner, timePtrToString(c.DueAt), c.UpdatedAt.Format(time.RFC3339), c.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("control %s: %w", c.Code, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to update control: %w", err)
	}
	if err := requireRowAffected(result, "control", c.ID); err != nil {
		return err
	}

	scs.logger.Infow("AUDIT: control updated", "control_id", c.ID, "status", string(c.Status))
	return nil
}

// DeleteControl removes a control. Evidence cascades.
func (scs *SQLiteComplianceStorage) DeleteControl(ctx context.Context, id string) error {
	result, err := scs.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM controls WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete control: %w", err)
	}
	if err := requireRowAffected(result, "control", id); err != nil {
		return err
	}

	scs.logger.Infow("AUDIT: control deleted", "control_id", id)
	return nil
}

// CreateEvidence stores a new evidence record against a control.
func (scs *SQLiteComplianceStorage) CreateEvidence(ctx context.Context, ev *core.Evidence) error {
	if ev.Status == "" {
		ev.Status = core.EvidencePending
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	if _, err := scs.GetControl(ctx, ev.ControlID); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = time.Now()
	}

	_, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`INSERT INTO evidence (id, control_id, title, description, file_ref, status, submitted_by, submitted_at, reviewed_by, reviewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ControlID, ev.Title, ev.Description, ev.FileRef, string(ev.Status),
		ev.SubmittedBy, ev.SubmittedAt.Format(time.RFC3339),
		nullIfEmpty(ev.ReviewedBy), timePtrToString(ev.ReviewedAt))
	if err != nil {
		return fmt.Errorf("failed to create evidence: %w", err)
	}

	scs.logger.Infow("AUDIT: evidence submitted", "evidence_id", ev.ID, "control_id", ev.ControlID, "submitted_by", ev.SubmittedBy)
	return nil
}

func scanEvidence(scanner interface{ Scan(...interface{}) error }) (*core.Evidence, error) {
	var ev core.Evidence
	var description, fileRef, reviewedBy, reviewedAt sql.NullString
	var status, submittedAt string

	if err := scanner.Scan(&ev.ID, &ev.ControlID, &ev.Title, &description, &fileRef,
		&status, &ev.SubmittedBy, &submittedAt, &reviewedBy, &reviewedAt); err != nil {
		return nil, err
	}

	ev.Description = description.String
	ev.FileRef = fileRef.String
	ev.Status = core.EvidenceStatus(status)
	ev.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
	ev.ReviewedBy = reviewedBy.String
	ev.ReviewedAt = parseTimePtr(reviewedAt)
	return &ev, nil
}

const evidenceColumns = `id, control_id, title, description, file_ref, status, submitted_by, submitted_at, reviewed_by, reviewed_at`

// GetEvidence retrieves an evidence record by ID.
func (scs *SQLiteComplianceStorage) GetEvidence(ctx context.Context, id string) (*core.Evidence, error) {
	row := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE id = ?`, id)
	ev, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return ev, nil
}

// ListEvidenceByControl returns evidence for a control, newest first.
func (scs *SQLiteComplianceStorage) ListEvidenceByControl(ctx context.Context, controlID string) ([]*core.Evidence, error) {
	rows, err := scs.sqlite.ReadDB.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE control_id = ? ORDER BY submitted_at DESC`, controlID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*core.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}

// UpdateEvidence updates an evidence record, including review fields.
func (scs *SQLiteComplianceStorage) UpdateEvidence(ctx context.Context, ev *core.Evidence) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	result, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE evidence SET title = ?, description = ?, file_ref = ?, status = ?, reviewed_by = ?, reviewed_at = ?
		 WHERE id = ?`,
		ev.Title, ev.Description, ev.FileRef, string(ev.Status),
		nullIfEmpty(ev.ReviewedBy), timePtrToString(ev.ReviewedAt), ev.ID)
	if err != nil {
		return fmt.Errorf("failed to update evidence: %w", err)
	}
	if err := requireRowAffected(result, "evidence", ev.ID); err != nil {
		return err
	}

	scs.logger.Infow("AUDIT: evidence updated", "evidence_id", ev.ID, "status", string(ev.Status))
	return nil
}

// DeleteEvidence removes an evidence record.
func (scs *SQLiteComplianceStorage) DeleteEvidence(ctx context.Context, id string) error {
	result, err := scs.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM evidence WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete evidence: %w", err)
	}
	if err := requireRowAffected(result, "evidence", id); err != nil {
		return err
	}

	scs.logger.Infow("AUDIT: evidence deleted", "evidence_id", id)
	return nil
}

// GetDashboardStats computes the dashboard aggregates in a handful of
// queries against the read pool.
func (scs *SQLiteComplianceStorage) GetDashboardStats(ctx context.Context) (*core.DashboardStats, error) {
	stats := &core.DashboardStats{
		ControlsByStatus:   make(map[core.ControlStatus]int64),
		ControlsBySeverity: make(map[core.ControlSeverity]int64),
	}

	if err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frameworks`).Scan(&stats.Frameworks); err != nil {
		return nil, fmt.Errorf("failed to count frameworks: %w", err)
	}
	if err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM controls`).Scan(&stats.Controls); err != nil {
		return nil, fmt.Errorf("failed to count controls: %w", err)
	}

	rows, err := scs.sqlite.ReadDB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM controls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count controls by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ControlsByStatus[core.ControlStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = scs.sqlite.ReadDB.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM controls GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count controls by severity: %w", err)
	}
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		stats.ControlsBySeverity[core.ControlSeverity(severity)] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now()
	if err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM controls
		 WHERE due_at IS NOT NULL AND due_at < ? AND status NOT IN ('implemented', 'not_applicable')`,
		now.Format(time.RFC3339)).Scan(&stats.OverdueControls); err != nil {
		return nil, fmt.Errorf("failed to count overdue controls: %w", err)
	}

	if err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence WHERE status = 'pending'`).Scan(&stats.PendingEvidence); err != nil {
		return nil, fmt.Errorf("failed to count pending evidence: %w", err)
	}

	if err := scs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence WHERE submitted_at >= ?`,
		now.AddDate(0, 0, -30).Format(time.RFC3339)).Scan(&stats.EvidenceLast30Days); err != nil {
		return nil, fmt.Errorf("failed to count recent evidence: %w", err)
	}

	// Completion excludes controls marked not applicable.
	applicable := stats.Controls - stats.ControlsByStatus[core.ControlNotApplicable]
	if applicable > 0 {
		implemented := stats.ControlsByStatus[core.ControlImplemented]
		stats.CompletionPercent = float64(implemented) / float64(applicable) * 100
	}

	return stats, nil
}

// RecordAudit appends an entry to the audit log.
func (scs *SQLiteComplianceStorage) RecordAudit(ctx context.Context, actor, action, entityType, entityID, detail string) error {
	_, err := scs.sqlite.WriteDB.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, entity_type, entity_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		actor, action, entityType, entityID, detail, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

func requireRowAffected(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
