package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite. Slot records are stored as one
// JSON document per (project, environment) with a version column for the
// conditional writes Transition needs.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// A single connection keeps SQLite writes serialized and makes
	// in-memory databases behave in tests.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Projects
// =============================================================================

type projectRow struct {
	Name      string `db:"name"`
	Team      string `db:"team"`
	CreatedAt string `db:"created_at"`
}

func (s *SQLiteStore) EnsureProject(ctx context.Context, name, team string) (*domain.Project, error) {
	project := domain.NewProject(name, team)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, team, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		project.Name, project.Team, project.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, NewStoreError("EnsureProject", "project", name, err.Error(), err)
	}
	return s.GetProject(ctx, name)
}

func (s *SQLiteStore) GetProject(ctx context.Context, name string) (*domain.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, `SELECT name, team, created_at FROM projects WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetProject", "project", name, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetProject", "project", name, err.Error(), err)
	}

	project, err := fromProjectRow(row)
	if err != nil {
		return nil, err
	}

	var envs []string
	if err := s.db.SelectContext(ctx, &envs,
		`SELECT environment FROM environments WHERE project = ? ORDER BY environment`, name); err != nil {
		return nil, NewStoreError("GetProject", "project", name, err.Error(), err)
	}
	for _, e := range envs {
		project.Environments = append(project.Environments, domain.Environment(e))
	}
	return project, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT name, team, created_at FROM projects ORDER BY name`); err != nil {
		return nil, NewStoreError("ListProjects", "project", "", err.Error(), err)
	}

	projects := make([]domain.Project, 0, len(rows))
	for _, row := range rows {
		p, err := fromProjectRow(row)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, nil
}

func fromProjectRow(row projectRow) (*domain.Project, error) {
	createdAt, err := time.Parse(time.RFC3339, row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("fromProjectRow", "project", row.Name, "bad created_at", ErrInvalidData)
	}
	return &domain.Project{Name: row.Name, Team: row.Team, CreatedAt: createdAt}, nil
}

// =============================================================================
// Environments
// =============================================================================

type environmentRow struct {
	Project     string `db:"project"`
	Environment string `db:"environment"`
	Host        string `db:"host"`
	Record      string `db:"record"`
	Version     int64  `db:"version"`
	UpdatedAt   string `db:"updated_at"`
}

func (s *SQLiteStore) CreateEnvironment(ctx context.Context, ps *domain.ProjectSlots) error {
	if err := ps.Validate(); err != nil {
		return NewStoreError("CreateEnvironment", "environment", envKey(ps.Project, ps.Environment), err.Error(), err)
	}

	record, err := json.Marshal(ps)
	if err != nil {
		return NewStoreError("CreateEnvironment", "environment", envKey(ps.Project, ps.Environment), "failed to serialize record", ErrInvalidData)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (project, environment, host, record, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ps.Project, string(ps.Environment), ps.Host, string(record), ps.Version,
		ps.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateEnvironment", "environment", envKey(ps.Project, ps.Environment), "already provisioned", ErrDuplicate)
		}
		return NewStoreError("CreateEnvironment", "environment", envKey(ps.Project, ps.Environment), err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetSlots(ctx context.Context, project string, env domain.Environment) (*domain.ProjectSlots, error) {
	var row environmentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT project, environment, host, record, version, updated_at
		 FROM environments WHERE project = ? AND environment = ?`,
		project, string(env))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetSlots", "environment", envKey(project, env), "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetSlots", "environment", envKey(project, env), err.Error(), err)
	}
	return fromEnvironmentRow(row)
}

func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]domain.ProjectSlots, error) {
	var rows []environmentRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT project, environment, host, record, version, updated_at
		 FROM environments ORDER BY project, environment`); err != nil {
		return nil, NewStoreError("ListEnvironments", "environment", "", err.Error(), err)
	}

	out := make([]domain.ProjectSlots, 0, len(rows))
	for _, row := range rows {
		ps, err := fromEnvironmentRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *ps)
	}
	return out, nil
}

func (s *SQLiteStore) ListExpiredGrace(ctx context.Context, now time.Time) ([]GraceRef, error) {
	environments, err := s.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}

	var refs []GraceRef
	for i := range environments {
		ps := &environments[i]
		for _, slot := range []*domain.Slot{&ps.Blue, &ps.Green} {
			if slot.Expired(now) {
				refs = append(refs, GraceRef{Project: ps.Project, Environment: ps.Environment, Slot: slot.Name})
			}
		}
	}
	return refs, nil
}

func (s *SQLiteStore) UsedPorts(ctx context.Context) ([]int, error) {
	environments, err := s.ListEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	used := make([]int, 0, len(environments)*2)
	for i := range environments {
		used = append(used, environments[i].Blue.Port, environments[i].Green.Port)
	}
	return used, nil
}

func (s *SQLiteStore) EnvironmentsByHost(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Host  string `db:"host"`
		Count int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT host, COUNT(*) AS count FROM environments GROUP BY host`); err != nil {
		return nil, NewStoreError("EnvironmentsByHost", "environment", "", err.Error(), err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Host] = row.Count
	}
	return counts, nil
}

func fromEnvironmentRow(row environmentRow) (*domain.ProjectSlots, error) {
	var ps domain.ProjectSlots
	if err := json.Unmarshal([]byte(row.Record), &ps); err != nil {
		return nil, NewStoreError("fromEnvironmentRow", "environment", envKey(row.Project, domain.Environment(row.Environment)), "failed to parse record", ErrInvalidData)
	}
	// The columns are authoritative for the key and version.
	ps.Project = row.Project
	ps.Environment = domain.Environment(row.Environment)
	ps.Host = row.Host
	ps.Version = row.Version
	return &ps, nil
}

func envKey(project string, env domain.Environment) string {
	return project + "/" + string(env)
}

// =============================================================================
// Transition
// =============================================================================

func (s *SQLiteStore) Transition(ctx context.Context, project string, env domain.Environment, slot string, fromState domain.SlotState, fn TransitionFunc) (*domain.ProjectSlots, error) {
	key := envKey(project, env)

	ps, err := s.GetSlots(ctx, project, env)
	if err != nil {
		return nil, err
	}

	target := ps.Slot(slot)
	if target == nil {
		return nil, NewStoreError("Transition", "environment", key, fmt.Sprintf("no slot %q", slot), ErrNotFound)
	}
	if target.State != fromState {
		return nil, NewStoreError("Transition", "environment", key,
			fmt.Sprintf("slot %s is %s, expected %s", slot, target.State, fromState), ErrStateConflict)
	}

	observedVersion := ps.Version
	if err := fn(ps); err != nil {
		return nil, err
	}
	if err := ps.Validate(); err != nil {
		return nil, NewStoreError("Transition", "environment", key, err.Error(), err)
	}

	ps.Version = observedVersion + 1
	ps.UpdatedAt = time.Now().UTC()

	record, err := json.Marshal(ps)
	if err != nil {
		return nil, NewStoreError("Transition", "environment", key, "failed to serialize record", ErrInvalidData)
	}

	// Optimistic commit: no rows updated means a concurrent writer won.
	result, err := s.db.ExecContext(ctx,
		`UPDATE environments SET record = ?, version = ?, updated_at = ?
		 WHERE project = ? AND environment = ? AND version = ?`,
		string(record), ps.Version, ps.UpdatedAt.Format(time.RFC3339Nano),
		project, string(env), observedVersion)
	if err != nil {
		return nil, NewStoreError("Transition", "environment", key, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, NewStoreError("Transition", "environment", key, err.Error(), err)
	}
	if affected == 0 {
		return nil, NewStoreError("Transition", "environment", key, "concurrent update detected", ErrStateConflict)
	}

	return ps, nil
}

// =============================================================================
// Deployment Runs
// =============================================================================

type runRow struct {
	ID          string `db:"id"`
	Project     string `db:"project"`
	Environment string `db:"environment"`
	Status      string `db:"status"`
	Record      string `db:"record"`
	CreatedAt   string `db:"created_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.DeploymentRun) error {
	record, err := json.Marshal(run)
	if err != nil {
		return NewStoreError("CreateRun", "run", run.ID, "failed to serialize run", ErrInvalidData)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project, environment, status, record, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		run.ID, run.Project, string(run.Environment), string(run.Status),
		string(record), run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.DeploymentRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, project, environment, status, record, created_at FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetRun", "run", id, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return fromRunRow(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, project string, env domain.Environment, limit int) ([]domain.DeploymentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, project, environment, status, record, created_at
		 FROM runs WHERE project = ? AND environment = ?
		 ORDER BY created_at DESC LIMIT ?`,
		project, string(env), limit)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", envKey(project, env), err.Error(), err)
	}

	runs := make([]domain.DeploymentRun, 0, len(rows))
	for _, row := range rows {
		run, err := fromRunRow(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func fromRunRow(row runRow) (*domain.DeploymentRun, error) {
	var run domain.DeploymentRun
	if err := json.Unmarshal([]byte(row.Record), &run); err != nil {
		return nil, NewStoreError("fromRunRow", "run", row.ID, "failed to parse run", ErrInvalidData)
	}
	return &run, nil
}
