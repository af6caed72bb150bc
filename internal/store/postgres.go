package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"prediction-platform/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const moduleColumns = `id, name, description, status, repository_url, script_path, requirements_path, last_error, created_at, status_updated_at`

const instanceColumns = `id, instance_name, module_name, status, container_status, repository_url, script_path, last_error, created_at, completed_at`

// CreateModule inserts a Pending module. A taken name yields ErrDuplicate.
func (s *PostgresStore) CreateModule(ctx context.Context, p CreateModuleParams) (models.Module, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO modules (id, name, description, status, repository_url, script_path, requirements_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING `+moduleColumns,
		uuid.New().String(), p.Name, p.Description, models.ModulePending, p.RepositoryURL, p.ScriptPath, p.RequirementsPath)
	m, err := scanModule(row)
	if isUniqueViolation(err) {
		return models.Module{}, fmt.Errorf("module %q: %w", p.Name, models.ErrDuplicate)
	}
	if err != nil {
		return models.Module{}, fmt.Errorf("insert module: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetModule(ctx context.Context, id string) (models.Module, error) {
	m, err := scanModule(s.pool.QueryRow(ctx, `SELECT `+moduleColumns+` FROM modules WHERE id = $1`, id))
	return m, notFound(err, "module", id)
}

func (s *PostgresStore) GetModuleByName(ctx context.Context, name string) (models.Module, error) {
	m, err := scanModule(s.pool.QueryRow(ctx, `SELECT `+moduleColumns+` FROM modules WHERE name = $1`, name))
	return m, notFound(err, "module", name)
}

func (s *PostgresStore) ListModules(ctx context.Context) ([]models.Module, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var out []models.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteModule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM modules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("module %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// TransitionModule locks the row, checks the state machine and updates it in
// one transaction.
func (s *PostgresStore) TransitionModule(ctx context.Context, id string, to models.ModuleStatus, lastErr string) (models.Module, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Module{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current models.ModuleStatus
	err = tx.QueryRow(ctx, `SELECT status FROM modules WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		return models.Module{}, notFound(err, "module", id)
	}
	if !models.CanTransitionModule(current, to) {
		return models.Module{}, fmt.Errorf("module %s %s -> %s: %w", id, current, to, models.ErrInvalidTransition)
	}

	m, err := scanModule(tx.QueryRow(ctx, `
		UPDATE modules SET status = $2, last_error = $3, status_updated_at = NOW()
		WHERE id = $1
		RETURNING `+moduleColumns, id, to, emptyToNil(lastErr)))
	if err != nil {
		return models.Module{}, fmt.Errorf("update module status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Module{}, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// CreateInstance inserts a NotStarted instance. A taken name yields ErrDuplicate.
func (s *PostgresStore) CreateInstance(ctx context.Context, p CreateInstanceParams) (models.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO instances (id, instance_name, module_name, status, container_status, repository_url, script_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING `+instanceColumns,
		uuid.New().String(), p.InstanceName, p.ModuleName, models.InstanceNotStarted, models.ContainerNotRunning, p.RepositoryURL, p.ScriptPath)
	inst, err := scanInstance(row)
	if isUniqueViolation(err) {
		return models.Instance{}, fmt.Errorf("instance %q: %w", p.InstanceName, models.ErrDuplicate)
	}
	if err != nil {
		return models.Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (models.Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	return inst, notFound(err, "instance", id)
}

func (s *PostgresStore) GetInstanceByName(ctx context.Context, name string) (models.Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_name = $1`, name))
	return inst, notFound(err, "instance", name)
}

func (s *PostgresStore) ListInstances(ctx context.Context) ([]models.Instance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TransitionInstance(ctx context.Context, id string, to models.InstanceStatus, lastErr string) (models.Instance, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Instance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.InstanceStatus
	err = tx.QueryRow(ctx, `SELECT status FROM instances WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		return models.Instance{}, notFound(err, "instance", id)
	}
	if !models.CanTransitionInstance(current, to) {
		return models.Instance{}, fmt.Errorf("instance %s %s -> %s: %w", id, current, to, models.ErrInvalidTransition)
	}

	inst, err := scanInstance(tx.QueryRow(ctx, `
		UPDATE instances
		SET status = $2,
		    last_error = $3,
		    completed_at = CASE WHEN $2 = 'built' THEN NOW() ELSE completed_at END
		WHERE id = $1
		RETURNING `+instanceColumns, id, to, emptyToNil(lastErr)))
	if err != nil {
		return models.Instance{}, fmt.Errorf("update instance status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Instance{}, fmt.Errorf("commit: %w", err)
	}
	return inst, nil
}

// SetContainerStatus guards Running ⇒ Built in the WHERE clause so a racing
// status change can never leave a non-built instance marked Running.
func (s *PostgresStore) SetContainerStatus(ctx context.Context, id string, status models.ContainerStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET container_status = $2
		WHERE id = $1 AND ($2 <> 'running' OR status = 'built')
	`, id, status)
	if err != nil {
		return fmt.Errorf("update container status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetInstance(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("instance %s container %s: %w", id, status, models.ErrInvalidTransition)
}

// AppendAudit adds an audit row.
func (s *PostgresStore) AppendAudit(ctx context.Context, kind, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_kind, entity_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, kind, entityID, event, detail)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, kind, entityID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_kind, entity_id, event, detail, ts FROM audit_logs
		WHERE entity_kind = $1 AND entity_id = $2 ORDER BY id
	`, kind, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.EntityKind, &a.EntityID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanModule(row pgx.Row) (models.Module, error) {
	var m models.Module
	var lastErr pgtype.Text
	var updated *time.Time
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Status, &m.RepositoryURL, &m.ScriptPath, &m.RequirementsPath, &lastErr, &m.CreatedAt, &updated); err != nil {
		return models.Module{}, err
	}
	m.LastError = textPtr(lastErr)
	m.StatusUpdatedAt = updated
	return m, nil
}

func scanInstance(row pgx.Row) (models.Instance, error) {
	var inst models.Instance
	var lastErr pgtype.Text
	var completed *time.Time
	if err := row.Scan(&inst.ID, &inst.InstanceName, &inst.ModuleName, &inst.Status, &inst.ContainerStatus, &inst.RepositoryURL, &inst.ScriptPath, &lastErr, &inst.CreatedAt, &completed); err != nil {
		return models.Instance{}, err
	}
	inst.LastError = textPtr(lastErr)
	inst.CompletedAt = completed
	return inst, nil
}

func notFound(err error, kind, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, key, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", kind, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
