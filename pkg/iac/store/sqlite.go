package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver, registered under "sqlite".
	_ "modernc.org/sqlite"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures a SQLiteStore.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore implements Store on top of modernc.org/sqlite with WAL mode
// and golang-migrate-managed schema migrations.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open creates, connects and migrates a SQLiteStore in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	s := &SQLiteStore{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: running migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, name string) (*types.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, last_plan_id, version, updated_at FROM deployments WHERE name = ?`, name)
	d := &types.Deployment{Resources: map[string]*types.ResourceInstance{}}
	if err := row.Scan(&d.Name, &d.LastPlanID, &d.Version, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get deployment %q: %w", name, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, type, name, properties, dependencies, state, outputs, canonical_key, labels, created_at, updated_at FROM resources WHERE deployment_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("store: listing resources for %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		inst := &types.ResourceInstance{}
		var properties, dependencies, outputs, labels string
		if err := rows.Scan(&inst.ID, &inst.Type, &inst.Name, &properties, &dependencies, &inst.State, &outputs, &inst.CanonicalKey, &labels, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning resource: %w", err)
		}
		if err := json.Unmarshal([]byte(properties), &inst.Properties); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dependencies), &inst.Dependencies); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outputs), &inst.Outputs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &inst.Labels); err != nil {
			return nil, err
		}
		d.Resources[inst.ID] = inst
	}
	return d, rows.Err()
}

func (s *SQLiteStore) ListDeployments(ctx context.Context) ([]*types.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM deployments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing deployments: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.Deployment, 0, len(names))
	for _, name := range names {
		d, err := s.GetDeployment(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLiteStore) PutDeployment(ctx context.Context, d *types.Deployment) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deployments (name, last_plan_id, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_plan_id = excluded.last_plan_id, version = excluded.version, updated_at = excluded.updated_at
	`, d.Name, d.LastPlanID, d.Version, d.UpdatedAt); err != nil {
		return fmt.Errorf("store: upserting deployment: %w", err)
	}

	if err := replaceResources(ctx, tx, d.Name, d.Resources); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceResources(ctx context.Context, tx *sql.Tx, deploymentName string, resources map[string]*types.ResourceInstance) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE deployment_name = ?`, deploymentName); err != nil {
		return fmt.Errorf("store: clearing resources: %w", err)
	}
	for _, r := range resources {
		properties, _ := json.Marshal(r.Properties)
		dependencies, _ := json.Marshal(r.Dependencies)
		outputs, _ := json.Marshal(r.Outputs)
		labels, _ := json.Marshal(r.Labels)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resources (deployment_name, id, type, name, properties, dependencies, state, outputs, canonical_key, labels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, deploymentName, r.ID, r.Type, r.Name, string(properties), string(dependencies), r.State, string(outputs), r.CanonicalKey, string(labels), r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("store: inserting resource %q: %w", r.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteDeployment(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE name = ?`, name)
	return err
}

func (s *SQLiteStore) StorePlan(ctx context.Context, p *types.Plan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, deployment_name, created_at, base_version, body) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.DeploymentName, p.CreatedAt, p.BaseVersion, string(body))
	if err != nil {
		return fmt.Errorf("store: storing plan %q: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM plans WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get plan %q: %w", id, err)
	}
	var p types.Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateDeploymentState applies the execution result transactionally: it
// rejects the call with ErrStalePlan if baseVersion no longer matches the
// stored version, otherwise replaces the resource map and bumps version.
func (s *SQLiteStore) UpdateDeploymentState(ctx context.Context, name string, baseVersion int64, result *types.ExecutionResult, resources map[string]*types.ResourceInstance) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM deployments WHERE name = ?`, name).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("store: reading deployment version: %w", err)
	}

	if currentVersion != baseVersion {
		return ErrStalePlan
	}

	newVersion := currentVersion + 1
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deployments (name, last_plan_id, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_plan_id = excluded.last_plan_id, version = excluded.version, updated_at = excluded.updated_at
	`, name, result.PlanID, newVersion, now); err != nil {
		return fmt.Errorf("store: bumping deployment version: %w", err)
	}

	if err := replaceResources(ctx, tx, name, resources); err != nil {
		return err
	}

	result.NewVersion = newVersion
	return tx.Commit()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now()
	var existingExpiry time.Time
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM leases WHERE deployment_name = ?`, name).Scan(&existingExpiry)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: reading lease: %w", err)
	}
	if err == nil && existingExpiry.After(now) {
		return "", ErrBusy
	}

	token := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO leases (deployment_name, holder, token, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(deployment_name) DO UPDATE SET holder = excluded.holder, token = excluded.token, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
	`, name, holder, token, now, now.Add(ttl)); err != nil {
		return "", fmt.Errorf("store: acquiring lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, name, token string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leases SET expires_at = ? WHERE deployment_name = ? AND token = ?`, time.Now().Add(ttl), name, token)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBusy
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE deployment_name = ? AND token = ?`, name, token)
	return err
}

// Recover breaks expired leases and promotes any resource left in a
// transient state to failed, per spec §4.4's crash recovery guarantee.
func (s *SQLiteStore) Recover(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at < ?`, time.Now()); err != nil {
		return fmt.Errorf("store: breaking stale leases: %w", err)
	}
	for _, transient := range []types.ResourceState{types.StateCreating, types.StateUpdating, types.StateDeleting} {
		if _, err := s.db.ExecContext(ctx, `UPDATE resources SET state = ?, updated_at = ? WHERE state = ?`, types.StateFailed, time.Now(), transient); err != nil {
			return fmt.Errorf("store: promoting transient resources: %w", err)
		}
	}
	return nil
}
