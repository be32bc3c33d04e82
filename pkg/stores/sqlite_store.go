package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new write transaction. The connection acquires the write
// lock up front (_txlock=immediate), so concurrent writers queue on the busy
// timeout instead of failing mid-transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

const instanceColumns = `id, name, workspace_id, fleet_id, desired_manifest_id, config_fingerprint,
	deployment_type, deployment_target_id, status, health, last_reconcile_at,
	last_health_check_at, last_error, error_count, created_at, updated_at`

// CreateInstance creates a new instance record.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *fleet.Instance) error {
	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	lastErr, err := marshalLastError(inst.LastError)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		inst.WorkspaceID,
		inst.FleetID,
		inst.DesiredManifestID,
		inst.ConfigFingerprint,
		inst.DeploymentType,
		inst.DeploymentTargetID,
		inst.Status,
		inst.Health,
		inst.LastReconcileAt,
		inst.LastHealthCheckAt,
		lastErr,
		inst.ErrorCount,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*fleet.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.NewNotFound(fmt.Sprintf("instance not found: %s", id)).WithInstance(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return inst, nil
}

// UpdateInstance persists all mutable fields of an instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *fleet.Instance) error {
	query := `
		UPDATE instances
		SET desired_manifest_id = ?, config_fingerprint = ?, deployment_target_id = ?,
			status = ?, health = ?, last_reconcile_at = ?, last_health_check_at = ?,
			last_error = ?, error_count = ?, updated_at = ?
		WHERE id = ?
	`

	lastErr, err := marshalLastError(inst.LastError)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, query,
		inst.DesiredManifestID,
		inst.ConfigFingerprint,
		inst.DeploymentTargetID,
		inst.Status,
		inst.Health,
		inst.LastReconcileAt,
		inst.LastHealthCheckAt,
		lastErr,
		inst.ErrorCount,
		time.Now().UTC(),
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fleet.NewNotFound(fmt.Sprintf("instance not found: %s", inst.ID)).WithInstance(inst.ID)
	}

	return nil
}

// ListInstancesByStatus lists all instances in any of the given statuses.
func (s *SQLiteStore) ListInstancesByStatus(ctx context.Context, statuses []fleet.InstanceStatus) ([]*fleet.Instance, error) {
	if len(statuses) == 0 {
		return []*fleet.Instance{}, nil
	}

	placeholders, args := statusArgs(statuses)
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE status IN (` + placeholders + `) ORDER BY id`

	return s.queryInstances(ctx, query, args...)
}

// ListStaleInstances lists instances in the given statuses not updated since
// the cutoff.
func (s *SQLiteStore) ListStaleInstances(ctx context.Context, statuses []fleet.InstanceStatus, updatedBefore time.Time) ([]*fleet.Instance, error) {
	if len(statuses) == 0 {
		return []*fleet.Instance{}, nil
	}

	placeholders, args := statusArgs(statuses)
	args = append(args, updatedBefore)
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE status IN (` + placeholders + `) AND updated_at < ? ORDER BY id`

	return s.queryInstances(ctx, query, args...)
}

// CreateManifestVersion atomically inserts the next manifest version,
// re-points the instance's desired manifest, updates its status, and
// appends the audit record. Concurrent creates for the same instance
// serialize on the write transaction; the unique (instance_id, version)
// index is the backstop against duplicate version numbers.
func (s *SQLiteStore) CreateManifestVersion(ctx context.Context, params CreateManifestParams) (*fleet.ManifestVersion, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Instance must exist inside the transaction to keep the foreign key
	// check and version assignment consistent.
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM instances WHERE id = ?`, params.InstanceID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check instance: %w", err)
	}
	if exists == 0 {
		return nil, fleet.NewNotFound(fmt.Sprintf("instance not found: %s", params.InstanceID)).WithInstance(params.InstanceID)
	}

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM manifest_versions WHERE instance_id = ?`,
		params.InstanceID,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next version: %w", err)
	}

	mv := &fleet.ManifestVersion{
		ID:          uuid.New().String(),
		InstanceID:  params.InstanceID,
		Version:     next,
		Content:     params.Content,
		Description: params.Description,
		CreatedBy:   params.CreatedBy,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO manifest_versions (id, instance_id, version, content, description, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.InstanceID, mv.Version, string(mv.Content), mv.Description, mv.CreatedBy, mv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fleet.NewConflict("concurrent manifest create for instance", err).WithInstance(params.InstanceID)
		}
		return nil, fmt.Errorf("failed to insert manifest version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE instances SET desired_manifest_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		mv.ID, params.NextStatus, time.Now().UTC(), params.InstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update instance desired manifest: %w", err)
	}

	audit := params.Audit
	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (actor, action, resource_type, resource_id, workspace_id, diff_summary, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.Actor, audit.Action, audit.ResourceType, audit.ResourceID,
		audit.WorkspaceID, audit.DiffSummary, audit.Metadata, audit.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit manifest create: %w", err)
	}

	return mv, nil
}

// GetManifestVersion retrieves a manifest version by ID.
func (s *SQLiteStore) GetManifestVersion(ctx context.Context, id string) (*fleet.ManifestVersion, error) {
	query := `
		SELECT id, instance_id, version, content, description, created_by, created_at
		FROM manifest_versions WHERE id = ?
	`

	mv, err := scanManifestVersion(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.NewNotFound(fmt.Sprintf("manifest version not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest version: %w", err)
	}

	return mv, nil
}

// GetLatestManifestVersion returns the version with the maximum version
// number for the instance, independent of insertion order.
func (s *SQLiteStore) GetLatestManifestVersion(ctx context.Context, instanceID string) (*fleet.ManifestVersion, error) {
	query := `
		SELECT id, instance_id, version, content, description, created_by, created_at
		FROM manifest_versions
		WHERE instance_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	mv, err := scanManifestVersion(s.db.QueryRowContext(ctx, query, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.NewNotFound(fmt.Sprintf("no manifest for instance: %s", instanceID)).WithInstance(instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest manifest version: %w", err)
	}

	return mv, nil
}

// ListManifestVersions lists all versions for an instance, oldest first.
func (s *SQLiteStore) ListManifestVersions(ctx context.Context, instanceID string) ([]*fleet.ManifestVersion, error) {
	query := `
		SELECT id, instance_id, version, content, description, created_by, created_at
		FROM manifest_versions
		WHERE instance_id = ?
		ORDER BY version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest versions: %w", err)
	}
	defer rows.Close()

	versions := []*fleet.ManifestVersion{}
	for rows.Next() {
		mv, err := scanManifestVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest version: %w", err)
		}
		versions = append(versions, mv)
	}

	return versions, rows.Err()
}

// AppendAuditEvent appends a single audit record.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (actor, action, resource_type, resource_id, workspace_id, diff_summary, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Actor, event.Action, event.ResourceType, event.ResourceID,
		event.WorkspaceID, event.DiffSummary, event.Metadata, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// ListAuditEvents lists audit records for a resource, newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, resourceID string, limit, offset int) ([]*AuditEvent, error) {
	query := `
		SELECT id, actor, action, resource_type, resource_id, workspace_id, diff_summary, metadata, timestamp
		FROM audit_events
		WHERE resource_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := []*AuditEvent{}
	for rows.Next() {
		event := &AuditEvent{}
		err := rows.Scan(
			&event.ID,
			&event.Actor,
			&event.Action,
			&event.ResourceType,
			&event.ResourceID,
			&event.WorkspaceID,
			&event.DiffSummary,
			&event.Metadata,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*fleet.Instance, error) {
	inst := &fleet.Instance{}
	var lastErr sql.NullString

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.WorkspaceID,
		&inst.FleetID,
		&inst.DesiredManifestID,
		&inst.ConfigFingerprint,
		&inst.DeploymentType,
		&inst.DeploymentTargetID,
		&inst.Status,
		&inst.Health,
		&inst.LastReconcileAt,
		&inst.LastHealthCheckAt,
		&lastErr,
		&inst.ErrorCount,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastErr.Valid && lastErr.String != "" {
		var ie fleet.InstanceError
		if err := json.Unmarshal([]byte(lastErr.String), &ie); err != nil {
			return nil, fmt.Errorf("failed to decode last_error: %w", err)
		}
		inst.LastError = &ie
	}

	return inst, nil
}

func scanManifestVersion(row rowScanner) (*fleet.ManifestVersion, error) {
	mv := &fleet.ManifestVersion{}
	var content string

	err := row.Scan(
		&mv.ID,
		&mv.InstanceID,
		&mv.Version,
		&content,
		&mv.Description,
		&mv.CreatedBy,
		&mv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	mv.Content = json.RawMessage(content)
	return mv, nil
}

func (s *SQLiteStore) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*fleet.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	instances := []*fleet.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

func marshalLastError(ie *fleet.InstanceError) (interface{}, error) {
	if ie == nil {
		return nil, nil
	}
	raw, err := json.Marshal(ie)
	if err != nil {
		return nil, fmt.Errorf("failed to encode last_error: %w", err)
	}
	return string(raw), nil
}

func statusArgs(statuses []fleet.InstanceStatus) (string, []interface{}) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}
	return placeholders, args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
