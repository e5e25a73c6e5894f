package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat keeps sub-second precision so history rows sort correctly.
const timeFormat = time.RFC3339Nano

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
//
// SQLite serializes writers anyway, so the pool is a single connection:
// transactions start with BEGIN IMMEDIATE and callers queue on the pool
// instead of failing with SQLITE_BUSY. This also keeps ":memory:" databases
// alive for the life of the store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

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

// WithTx runs fn inside a transaction. The Store passed to fn must be the
// only store used until fn returns.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error) {
	return getDeploymentByName(ctx, s.db, name)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, opts)
}

func (s *SQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.db, status)
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, transition *domain.StageTransition) error {
	return appendTransition(ctx, s.db, transition)
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, deploymentID string) ([]domain.StageTransition, error) {
	return listTransitions(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) CreatePortAllocation(ctx context.Context, allocation *domain.PortAllocation) error {
	return createPortAllocation(ctx, s.db, allocation)
}

func (s *SQLiteStore) GetPortAllocation(ctx context.Context, deploymentID string) (*domain.PortAllocation, error) {
	return getPortAllocation(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) ListAllocatedPorts(ctx context.Context) ([]int, error) {
	return listAllocatedPorts(ctx, s.db)
}

func (s *SQLiteStore) DeletePortAllocation(ctx context.Context, port int) error {
	return deletePortAllocation(ctx, s.db, port)
}

func (s *SQLiteStore) UpsertServiceUnit(ctx context.Context, unit *domain.ServiceUnit) error {
	return upsertServiceUnit(ctx, s.db, unit)
}

func (s *SQLiteStore) GetServiceUnit(ctx context.Context, deploymentID string) (*domain.ServiceUnit, error) {
	return getServiceUnit(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) DeleteServiceUnit(ctx context.Context, deploymentID string) error {
	return deleteServiceUnit(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) RecordUnitHealth(ctx context.Context, deploymentID string, state domain.UnitState, at time.Time) error {
	return recordUnitHealth(ctx, s.db, deploymentID, state, at)
}

func (s *SQLiteStore) CreateHookExecution(ctx context.Context, result *domain.HookExecutionResult) error {
	return createHookExecution(ctx, s.db, result)
}

func (s *SQLiteStore) ListHookExecutions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.HookExecutionResult, error) {
	return listHookExecutions(ctx, s.db, deploymentID, opts)
}

func (s *SQLiteStore) CreateWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	return createWorkflowDefinition(ctx, s.db, def)
}

func (s *SQLiteStore) GetWorkflowDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	return getWorkflowDefinition(ctx, s.db, "id", id)
}

func (s *SQLiteStore) GetWorkflowDefinitionByName(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	return getWorkflowDefinition(ctx, s.db, "name", name)
}

func (s *SQLiteStore) UpdateWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	return updateWorkflowDefinition(ctx, s.db, def)
}

func (s *SQLiteStore) ListWorkflowDefinitions(ctx context.Context, opts ListOptions) ([]domain.WorkflowDefinition, error) {
	return listWorkflowDefinitions(ctx, s.db, opts)
}

func (s *SQLiteStore) CreateWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error {
	return createWorkflowRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetWorkflowRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	return getWorkflowRun(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error {
	return updateWorkflowRun(ctx, s.db, run)
}

func (s *SQLiteStore) ListWorkflowRuns(ctx context.Context, workflowID string, opts ListOptions) ([]domain.WorkflowRun, error) {
	return listWorkflowRuns(ctx, s.db, workflowID, opts)
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error) {
	return getDeploymentByName(ctx, s.tx, name)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.tx, status)
}

func (s *txSQLiteStore) AppendTransition(ctx context.Context, transition *domain.StageTransition) error {
	return appendTransition(ctx, s.tx, transition)
}

func (s *txSQLiteStore) ListTransitions(ctx context.Context, deploymentID string) ([]domain.StageTransition, error) {
	return listTransitions(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) CreatePortAllocation(ctx context.Context, allocation *domain.PortAllocation) error {
	return createPortAllocation(ctx, s.tx, allocation)
}

func (s *txSQLiteStore) GetPortAllocation(ctx context.Context, deploymentID string) (*domain.PortAllocation, error) {
	return getPortAllocation(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) ListAllocatedPorts(ctx context.Context) ([]int, error) {
	return listAllocatedPorts(ctx, s.tx)
}

func (s *txSQLiteStore) DeletePortAllocation(ctx context.Context, port int) error {
	return deletePortAllocation(ctx, s.tx, port)
}

func (s *txSQLiteStore) UpsertServiceUnit(ctx context.Context, unit *domain.ServiceUnit) error {
	return upsertServiceUnit(ctx, s.tx, unit)
}

func (s *txSQLiteStore) GetServiceUnit(ctx context.Context, deploymentID string) (*domain.ServiceUnit, error) {
	return getServiceUnit(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) DeleteServiceUnit(ctx context.Context, deploymentID string) error {
	return deleteServiceUnit(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) RecordUnitHealth(ctx context.Context, deploymentID string, state domain.UnitState, at time.Time) error {
	return recordUnitHealth(ctx, s.tx, deploymentID, state, at)
}

func (s *txSQLiteStore) CreateHookExecution(ctx context.Context, result *domain.HookExecutionResult) error {
	return createHookExecution(ctx, s.tx, result)
}

func (s *txSQLiteStore) ListHookExecutions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.HookExecutionResult, error) {
	return listHookExecutions(ctx, s.tx, deploymentID, opts)
}

func (s *txSQLiteStore) CreateWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	return createWorkflowDefinition(ctx, s.tx, def)
}

func (s *txSQLiteStore) GetWorkflowDefinition(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	return getWorkflowDefinition(ctx, s.tx, "id", id)
}

func (s *txSQLiteStore) GetWorkflowDefinitionByName(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	return getWorkflowDefinition(ctx, s.tx, "name", name)
}

func (s *txSQLiteStore) UpdateWorkflowDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	return updateWorkflowDefinition(ctx, s.tx, def)
}

func (s *txSQLiteStore) ListWorkflowDefinitions(ctx context.Context, opts ListOptions) ([]domain.WorkflowDefinition, error) {
	return listWorkflowDefinitions(ctx, s.tx, opts)
}

func (s *txSQLiteStore) CreateWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error {
	return createWorkflowRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetWorkflowRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	return getWorkflowRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error {
	return updateWorkflowRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) ListWorkflowRuns(ctx context.Context, workflowID string, opts ListOptions) ([]domain.WorkflowRun, error) {
	return listWorkflowRuns(ctx, s.tx, workflowID, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID           string  `db:"id"`
	Name         string  `db:"name"`
	Type         string  `db:"type"`
	SourceURL    string  `db:"source_url"`
	SourceBranch string  `db:"source_branch"`
	Env          *string `db:"env"`
	Install      *string `db:"install"`
	Build        *string `db:"build"`
	Start        *string `db:"start"`
	Port         int     `db:"port"`
	Status       string  `db:"status"`
	LastStage    string  `db:"last_stage"`
	LastError    string  `db:"last_error"`
	Failure      *string `db:"failure"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	StartedAt    *string `db:"started_at"`
	StoppedAt    *string `db:"stopped_at"`
}

func deploymentParams(op string, d *domain.Deployment) (map[string]any, error) {
	fields := map[string]any{
		"env":     d.Env,
		"install": d.Install,
		"build":   d.Build,
		"start":   d.Start,
		"failure": d.Failure,
	}
	row := map[string]any{
		"id":            d.ID,
		"name":          d.Name,
		"type":          string(d.Type),
		"source_url":    d.Source.URL,
		"source_branch": d.Source.Branch,
		"port":          d.Port,
		"status":        string(d.Status),
		"last_stage":    string(d.LastStage),
		"last_error":    d.LastError,
		"created_at":    d.CreatedAt.Format(timeFormat),
		"updated_at":    d.UpdatedAt.Format(timeFormat),
		"started_at":    formatTimePtr(d.StartedAt),
		"stopped_at":    formatTimePtr(d.StoppedAt),
	}
	for name, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize "+name, ErrInvalidData)
		}
		row[name] = string(encoded)
	}
	return row, nil
}

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentParams("CreateDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, name, type, source_url, source_branch, env, install, build, start,
			port, status, last_stage, last_error, failure,
			created_at, updated_at, started_at, stopped_at
		) VALUES (
			:id, :name, :type, :source_url, :source_branch, :env, :install, :build, :start,
			:port, :status, :last_stage, :last_error, :failure,
			:created_at, :updated_at, :started_at, :stopped_at
		)`

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUnique(err, "deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if isUnique(err, "deployments.name") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, fmt.Sprintf("name %q is taken", deployment.Name), ErrDuplicateName)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func getDeploymentByName(ctx context.Context, exec executor, name string) (*domain.Deployment, error) {
	var row deploymentRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM deployments WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeploymentByName", "deployment", name, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeploymentByName", "deployment", name, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentParams("UpdateDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments SET
			name = :name,
			type = :type,
			source_url = :source_url,
			source_branch = :source_branch,
			env = :env,
			install = :install,
			build = :build,
			start = :start,
			port = :port,
			status = :status,
			last_stage = :last_stage,
			last_error = :last_error,
			failure = :failure,
			updated_at = :updated_at,
			started_at = :started_at,
			stopped_at = :stopped_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

func listDeploymentsByStatus(ctx context.Context, exec executor, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE status = ? ORDER BY created_at`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, NewStoreError("ListDeploymentsByStatus", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		deployment, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, nil
}

// rowToDeployment converts a database row to a domain.Deployment.
func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:        row.ID,
		Name:      row.Name,
		Type:      domain.DeploymentType(row.Type),
		Source:    domain.Source{URL: row.SourceURL, Branch: row.SourceBranch},
		Port:      row.Port,
		Status:    domain.DeploymentStatus(row.Status),
		LastStage: domain.DeploymentStatus(row.LastStage),
		LastError: row.LastError,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
		StartedAt: parseTimePtr(row.StartedAt),
		StoppedAt: parseTimePtr(row.StoppedAt),
	}

	fields := []struct {
		name string
		raw  *string
		dest any
	}{
		{"env", row.Env, &d.Env},
		{"install", row.Install, &d.Install},
		{"build", row.Build, &d.Build},
		{"start", row.Start, &d.Start},
		{"failure", row.Failure, &d.Failure},
	}
	for _, f := range fields {
		if err := unmarshalColumn(f.raw, f.dest); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse "+f.name, ErrInvalidData)
		}
	}
	return d, nil
}

// =============================================================================
// Stage Transition Operations
// =============================================================================

type transitionRow struct {
	ID           int64  `db:"id"`
	DeploymentID string `db:"deployment_id"`
	FromStatus   string `db:"from_status"`
	ToStatus     string `db:"to_status"`
	Message      string `db:"message"`
	At           string `db:"at"`
}

func appendTransition(ctx context.Context, exec executor, t *domain.StageTransition) error {
	query := `
		INSERT INTO deployment_transitions (deployment_id, from_status, to_status, message, at)
		VALUES (:deployment_id, :from_status, :to_status, :message, :at)`

	result, err := exec.NamedExecContext(ctx, query, map[string]any{
		"deployment_id": t.DeploymentID,
		"from_status":   string(t.From),
		"to_status":     string(t.To),
		"message":       t.Message,
		"at":            t.At.Format(timeFormat),
	})
	if err != nil {
		if isForeignKey(err) {
			return NewStoreError("AppendTransition", "deployment_transition", t.DeploymentID, "deployment not found", ErrForeignKey)
		}
		return NewStoreError("AppendTransition", "deployment_transition", t.DeploymentID, err.Error(), err)
	}
	t.ID, _ = result.LastInsertId()
	return nil
}

func listTransitions(ctx context.Context, exec executor, deploymentID string) ([]domain.StageTransition, error) {
	query := `SELECT * FROM deployment_transitions WHERE deployment_id = ? ORDER BY id`

	var rows []transitionRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("ListTransitions", "deployment_transition", deploymentID, err.Error(), err)
	}

	transitions := make([]domain.StageTransition, 0, len(rows))
	for _, row := range rows {
		transitions = append(transitions, domain.StageTransition{
			ID:           row.ID,
			DeploymentID: row.DeploymentID,
			From:         domain.DeploymentStatus(row.FromStatus),
			To:           domain.DeploymentStatus(row.ToStatus),
			Message:      row.Message,
			At:           parseTime(row.At),
		})
	}
	return transitions, nil
}

// =============================================================================
// Port Allocation Operations
// =============================================================================

type portAllocationRow struct {
	Port         int    `db:"port"`
	DeploymentID string `db:"deployment_id"`
	AllocatedAt  string `db:"allocated_at"`
}

func createPortAllocation(ctx context.Context, exec executor, a *domain.PortAllocation) error {
	query := `
		INSERT INTO port_allocations (port, deployment_id, allocated_at)
		VALUES (:port, :deployment_id, :allocated_at)`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"port":          a.Port,
		"deployment_id": a.DeploymentID,
		"allocated_at":  a.AllocatedAt.Format(timeFormat),
	})
	if err != nil {
		id := fmt.Sprint(a.Port)
		switch {
		case isUnique(err, "port_allocations.port"):
			return NewStoreError("CreatePortAllocation", "port_allocation", id, "port already allocated", ErrDuplicatePort)
		case isUnique(err, "port_allocations.deployment_id"):
			return NewStoreError("CreatePortAllocation", "port_allocation", id, "deployment already has a port", ErrDuplicateID)
		case isForeignKey(err):
			return NewStoreError("CreatePortAllocation", "port_allocation", id, "deployment not found", ErrForeignKey)
		}
		return NewStoreError("CreatePortAllocation", "port_allocation", id, err.Error(), err)
	}
	return nil
}

func getPortAllocation(ctx context.Context, exec executor, deploymentID string) (*domain.PortAllocation, error) {
	var row portAllocationRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM port_allocations WHERE deployment_id = ?`, deploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetPortAllocation", "port_allocation", deploymentID, "no port allocated", ErrNotFound)
		}
		return nil, NewStoreError("GetPortAllocation", "port_allocation", deploymentID, err.Error(), err)
	}
	return &domain.PortAllocation{
		Port:         row.Port,
		DeploymentID: row.DeploymentID,
		AllocatedAt:  parseTime(row.AllocatedAt),
	}, nil
}

func listAllocatedPorts(ctx context.Context, exec executor) ([]int, error) {
	var ports []int
	if err := exec.SelectContext(ctx, &ports, `SELECT port FROM port_allocations ORDER BY port`); err != nil {
		return nil, NewStoreError("ListAllocatedPorts", "port_allocation", "", err.Error(), err)
	}
	return ports, nil
}

func deletePortAllocation(ctx context.Context, exec executor, port int) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM port_allocations WHERE port = ?`, port)
	if err != nil {
		return NewStoreError("DeletePortAllocation", "port_allocation", fmt.Sprint(port), err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeletePortAllocation", "port_allocation", fmt.Sprint(port), "port not allocated", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Service Unit Operations
// =============================================================================

type serviceUnitRow struct {
	DeploymentID string  `db:"deployment_id"`
	Name         string  `db:"name"`
	Enabled      bool    `db:"enabled"`
	State        string  `db:"state"`
	VerifiedAt   *string `db:"verified_at"`
	UpdatedAt    string  `db:"updated_at"`
}

func upsertServiceUnit(ctx context.Context, exec executor, u *domain.ServiceUnit) error {
	query := `
		INSERT INTO service_units (deployment_id, name, enabled, state, verified_at, updated_at)
		VALUES (:deployment_id, :name, :enabled, :state, :verified_at, :updated_at)
		ON CONFLICT(deployment_id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			state = excluded.state,
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"deployment_id": u.DeploymentID,
		"name":          u.Name,
		"enabled":       u.Enabled,
		"state":         string(u.State),
		"verified_at":   formatTimePtr(u.VerifiedAt),
		"updated_at":    u.UpdatedAt.Format(timeFormat),
	})
	if err != nil {
		if isForeignKey(err) {
			return NewStoreError("UpsertServiceUnit", "service_unit", u.DeploymentID, "deployment not found", ErrForeignKey)
		}
		if isUnique(err, "service_units.name") {
			return NewStoreError("UpsertServiceUnit", "service_unit", u.DeploymentID, fmt.Sprintf("unit %q belongs to another deployment", u.Name), ErrDuplicateName)
		}
		return NewStoreError("UpsertServiceUnit", "service_unit", u.DeploymentID, err.Error(), err)
	}
	return nil
}

func getServiceUnit(ctx context.Context, exec executor, deploymentID string) (*domain.ServiceUnit, error) {
	var row serviceUnitRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM service_units WHERE deployment_id = ?`, deploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetServiceUnit", "service_unit", deploymentID, "service unit not found", ErrNotFound)
		}
		return nil, NewStoreError("GetServiceUnit", "service_unit", deploymentID, err.Error(), err)
	}
	return &domain.ServiceUnit{
		DeploymentID: row.DeploymentID,
		Name:         row.Name,
		Enabled:      row.Enabled,
		State:        domain.UnitState(row.State),
		VerifiedAt:   parseTimePtr(row.VerifiedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}, nil
}

func deleteServiceUnit(ctx context.Context, exec executor, deploymentID string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM service_units WHERE deployment_id = ?`, deploymentID)
	if err != nil {
		return NewStoreError("DeleteServiceUnit", "service_unit", deploymentID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteServiceUnit", "service_unit", deploymentID, "service unit not found", ErrNotFound)
	}
	return nil
}

// recordUnitHealth is a single statement so a concurrent stop or remove is
// either fully before it (no row matches) or fully after it.
func recordUnitHealth(ctx context.Context, exec executor, deploymentID string, state domain.UnitState, at time.Time) error {
	ts := at.UTC().Format(timeFormat)
	result, err := exec.ExecContext(ctx, `
		UPDATE service_units SET state = ?, verified_at = ?, updated_at = ?
		WHERE deployment_id = ?
		  AND EXISTS (SELECT 1 FROM deployments WHERE id = ? AND status = ?)`,
		string(state), ts, ts, deploymentID, deploymentID, string(domain.StatusRunning))
	if err != nil {
		return NewStoreError("RecordUnitHealth", "service_unit", deploymentID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("RecordUnitHealth", "service_unit", deploymentID, "no unit for a running deployment", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Hook Execution Operations
// =============================================================================

type hookExecutionRow struct {
	ID           string `db:"id"`
	HookID       string `db:"hook_id"`
	Event        string `db:"event"`
	DeploymentID string `db:"deployment_id"`
	Success      bool   `db:"success"`
	Attempts     int    `db:"attempts"`
	DurationMS   int64  `db:"duration_ms"`
	Error        string `db:"error"`
	ExecutedAt   string `db:"executed_at"`
}

func createHookExecution(ctx context.Context, exec executor, r *domain.HookExecutionResult) error {
	query := `
		INSERT INTO hook_executions (
			id, hook_id, event, deployment_id, success, attempts, duration_ms, error, executed_at
		) VALUES (
			:id, :hook_id, :event, :deployment_id, :success, :attempts, :duration_ms, :error, :executed_at
		)`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":            r.ID,
		"hook_id":       r.HookID,
		"event":         string(r.Event),
		"deployment_id": r.DeploymentID,
		"success":       r.Success,
		"attempts":      r.Attempts,
		"duration_ms":   r.Duration.Milliseconds(),
		"error":         r.Error,
		"executed_at":   r.ExecutedAt.Format(timeFormat),
	})
	if err != nil {
		if isUnique(err, "hook_executions.id") {
			return NewStoreError("CreateHookExecution", "hook_execution", r.ID, "execution already recorded", ErrDuplicateID)
		}
		return NewStoreError("CreateHookExecution", "hook_execution", r.ID, err.Error(), err)
	}
	return nil
}

func listHookExecutions(ctx context.Context, exec executor, deploymentID string, opts ListOptions) ([]domain.HookExecutionResult, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM hook_executions WHERE deployment_id = ? ORDER BY executed_at, rowid LIMIT ? OFFSET ?`

	var rows []hookExecutionRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListHookExecutions", "hook_execution", deploymentID, err.Error(), err)
	}

	results := make([]domain.HookExecutionResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, domain.HookExecutionResult{
			ID:           row.ID,
			HookID:       row.HookID,
			Event:        domain.HookEvent(row.Event),
			DeploymentID: row.DeploymentID,
			Success:      row.Success,
			Attempts:     row.Attempts,
			Duration:     time.Duration(row.DurationMS) * time.Millisecond,
			Error:        row.Error,
			ExecutedAt:   parseTime(row.ExecutedAt),
		})
	}
	return results, nil
}

// =============================================================================
// Workflow Definition Operations
// =============================================================================

type workflowDefinitionRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Nodes       string `db:"nodes"`
	Connections string `db:"connections"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func workflowDefinitionParams(op string, def *domain.WorkflowDefinition) (map[string]any, error) {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return nil, NewStoreError(op, "workflow", def.ID, "failed to serialize nodes", ErrInvalidData)
	}
	connections, err := json.Marshal(def.Connections)
	if err != nil {
		return nil, NewStoreError(op, "workflow", def.ID, "failed to serialize connections", ErrInvalidData)
	}
	return map[string]any{
		"id":          def.ID,
		"name":        def.Name,
		"nodes":       string(nodes),
		"connections": string(connections),
		"created_at":  def.CreatedAt.Format(timeFormat),
		"updated_at":  def.UpdatedAt.Format(timeFormat),
	}, nil
}

func createWorkflowDefinition(ctx context.Context, exec executor, def *domain.WorkflowDefinition) error {
	row, err := workflowDefinitionParams("CreateWorkflowDefinition", def)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_definitions (id, name, nodes, connections, created_at, updated_at)
		VALUES (:id, :name, :nodes, :connections, :created_at, :updated_at)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if isUnique(err, "workflow_definitions.id") {
			return NewStoreError("CreateWorkflowDefinition", "workflow", def.ID, "workflow with this ID already exists", ErrDuplicateID)
		}
		if isUnique(err, "workflow_definitions.name") {
			return NewStoreError("CreateWorkflowDefinition", "workflow", def.ID, fmt.Sprintf("name %q is taken", def.Name), ErrDuplicateName)
		}
		return NewStoreError("CreateWorkflowDefinition", "workflow", def.ID, err.Error(), err)
	}
	return nil
}

func getWorkflowDefinition(ctx context.Context, exec executor, column, value string) (*domain.WorkflowDefinition, error) {
	var query string
	switch column {
	case "id":
		query = `SELECT * FROM workflow_definitions WHERE id = ?`
	case "name":
		query = `SELECT * FROM workflow_definitions WHERE name = ?`
	default:
		return nil, fmt.Errorf("unsupported lookup column %q", column)
	}

	var row workflowDefinitionRow
	if err := exec.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetWorkflowDefinition", "workflow", value, "workflow not found", ErrNotFound)
		}
		return nil, NewStoreError("GetWorkflowDefinition", "workflow", value, err.Error(), err)
	}
	return rowToWorkflowDefinition(&row)
}

func updateWorkflowDefinition(ctx context.Context, exec executor, def *domain.WorkflowDefinition) error {
	row, err := workflowDefinitionParams("UpdateWorkflowDefinition", def)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_definitions SET
			name = :name,
			nodes = :nodes,
			connections = :connections,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateWorkflowDefinition", "workflow", def.ID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateWorkflowDefinition", "workflow", def.ID, "workflow not found", ErrNotFound)
	}
	return nil
}

func listWorkflowDefinitions(ctx context.Context, exec executor, opts ListOptions) ([]domain.WorkflowDefinition, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM workflow_definitions ORDER BY name LIMIT ? OFFSET ?`

	var rows []workflowDefinitionRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListWorkflowDefinitions", "workflow", "", err.Error(), err)
	}

	defs := make([]domain.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		def, err := rowToWorkflowDefinition(&rows[i])
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

func rowToWorkflowDefinition(row *workflowDefinitionRow) (*domain.WorkflowDefinition, error) {
	def := &domain.WorkflowDefinition{
		ID:        row.ID,
		Name:      row.Name,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.Nodes), &def.Nodes); err != nil {
		return nil, NewStoreError("rowToWorkflowDefinition", "workflow", row.ID, "failed to parse nodes", ErrInvalidData)
	}
	if err := json.Unmarshal([]byte(row.Connections), &def.Connections); err != nil {
		return nil, NewStoreError("rowToWorkflowDefinition", "workflow", row.ID, "failed to parse connections", ErrInvalidData)
	}
	return def, nil
}

// =============================================================================
// Workflow Run Operations
// =============================================================================

type workflowRunRow struct {
	ID         string  `db:"id"`
	WorkflowID string  `db:"workflow_id"`
	Status     string  `db:"status"`
	Params     *string `db:"params"`
	Nodes      string  `db:"nodes"`
	Error      string  `db:"error"`
	CreatedAt  string  `db:"created_at"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

func workflowRunParams(op string, run *domain.WorkflowRun) (map[string]any, error) {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return nil, NewStoreError(op, "workflow_run", run.ID, "failed to serialize params", ErrInvalidData)
	}
	nodes, err := json.Marshal(run.Nodes)
	if err != nil {
		return nil, NewStoreError(op, "workflow_run", run.ID, "failed to serialize nodes", ErrInvalidData)
	}
	return map[string]any{
		"id":          run.ID,
		"workflow_id": run.WorkflowID,
		"status":      string(run.Status),
		"params":      string(params),
		"nodes":       string(nodes),
		"error":       run.Error,
		"created_at":  run.CreatedAt.Format(timeFormat),
		"started_at":  formatTimePtr(run.StartedAt),
		"finished_at": formatTimePtr(run.FinishedAt),
	}, nil
}

func createWorkflowRun(ctx context.Context, exec executor, run *domain.WorkflowRun) error {
	row, err := workflowRunParams("CreateWorkflowRun", run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_runs (
			id, workflow_id, status, params, nodes, error, created_at, started_at, finished_at
		) VALUES (
			:id, :workflow_id, :status, :params, :nodes, :error, :created_at, :started_at, :finished_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if isForeignKey(err) {
			return NewStoreError("CreateWorkflowRun", "workflow_run", run.ID, "workflow not found", ErrForeignKey)
		}
		if isUnique(err, "workflow_runs.id") {
			return NewStoreError("CreateWorkflowRun", "workflow_run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateWorkflowRun", "workflow_run", run.ID, err.Error(), err)
	}
	return nil
}

func getWorkflowRun(ctx context.Context, exec executor, id string) (*domain.WorkflowRun, error) {
	var row workflowRunRow
	if err := exec.GetContext(ctx, &row, `SELECT * FROM workflow_runs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetWorkflowRun", "workflow_run", id, "workflow run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetWorkflowRun", "workflow_run", id, err.Error(), err)
	}
	return rowToWorkflowRun(&row)
}

func updateWorkflowRun(ctx context.Context, exec executor, run *domain.WorkflowRun) error {
	row, err := workflowRunParams("UpdateWorkflowRun", run)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_runs SET
			status = :status,
			params = :params,
			nodes = :nodes,
			error = :error,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateWorkflowRun", "workflow_run", run.ID, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateWorkflowRun", "workflow_run", run.ID, "workflow run not found", ErrNotFound)
	}
	return nil
}

func listWorkflowRuns(ctx context.Context, exec executor, workflowID string, opts ListOptions) ([]domain.WorkflowRun, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM workflow_runs WHERE workflow_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []workflowRunRow
	if err := exec.SelectContext(ctx, &rows, query, workflowID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListWorkflowRuns", "workflow_run", workflowID, err.Error(), err)
	}

	runs := make([]domain.WorkflowRun, 0, len(rows))
	for i := range rows {
		run, err := rowToWorkflowRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func rowToWorkflowRun(row *workflowRunRow) (*domain.WorkflowRun, error) {
	run := &domain.WorkflowRun{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		Status:     domain.RunStatus(row.Status),
		Error:      row.Error,
		CreatedAt:  parseTime(row.CreatedAt),
		StartedAt:  parseTimePtr(row.StartedAt),
		FinishedAt: parseTimePtr(row.FinishedAt),
	}
	if err := unmarshalColumn(row.Params, &run.Params); err != nil {
		return nil, NewStoreError("rowToWorkflowRun", "workflow_run", row.ID, "failed to parse params", ErrInvalidData)
	}
	if err := json.Unmarshal([]byte(row.Nodes), &run.Nodes); err != nil {
		return nil, NewStoreError("rowToWorkflowRun", "workflow_run", row.ID, "failed to parse nodes", ErrInvalidData)
	}
	return run, nil
}

// =============================================================================
// Helpers
// =============================================================================

func unmarshalColumn(raw *string, dest any) error {
	if raw == nil || *raw == "" || *raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), dest)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(timeFormat)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
