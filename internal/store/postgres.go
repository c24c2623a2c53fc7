package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/db"
	"github.com/grantvault/orgmemory/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"list_onboarded_tenants": `SELECT id, name, onboarded, created_at FROM tenants WHERE onboarded ORDER BY created_at, id`,
	"insert_audit":           `INSERT INTO audit_entries (id, organization_id, action, description, actor, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"list_requirements":      `SELECT id, tenant_id, grant_id, kind, value, due_date, document_id FROM requirements WHERE tenant_id = $1 ORDER BY grant_id, kind, id`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool so the vector index can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, onboarded, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, onboarded = EXCLUDED.onboarded`,
		t.ID, t.Name, t.Onboarded, t.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert tenant %s", t.ID)
}

func (s *PostgresStore) ListOnboardedTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, onboarded, created_at FROM tenants WHERE onboarded ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list onboarded tenants")
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Onboarded, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate tenants")
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, d model.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, tenant_id, name, type, parse_score, dated_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type,
		   parse_score = EXCLUDED.parse_score, dated_at = EXCLUDED.dated_at`,
		d.ID, d.TenantID, d.Name, d.Type, d.ParseScore, d.DatedAt, d.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert document %s", d.ID)
}

// GetDocuments returns the tenant's documents keyed by id. Ids belonging to
// another tenant are silently absent.
func (s *PostgresStore) GetDocuments(ctx context.Context, tenantID string, ids []string) (map[string]model.Document, error) {
	out := make(map[string]model.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, type, parse_score, dated_at, created_at
		 FROM documents WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get documents")
	}
	defer rows.Close()

	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Type, &d.ParseScore, &d.DatedAt, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		out[d.ID] = d
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate documents")
}

func (s *PostgresStore) UpsertRequirement(ctx context.Context, r model.Requirement) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO requirements (id, tenant_id, grant_id, kind, value, due_date, document_id) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET grant_id = EXCLUDED.grant_id, kind = EXCLUDED.kind,
		   value = EXCLUDED.value, due_date = EXCLUDED.due_date, document_id = EXCLUDED.document_id`,
		r.ID, r.TenantID, r.GrantID, r.Kind, r.Value, r.DueDate, nullString(r.DocumentID),
	)
	return eris.Wrapf(err, "postgres: upsert requirement %s", r.ID)
}

func (s *PostgresStore) ListRequirements(ctx context.Context, tenantID string) ([]model.Requirement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, grant_id, kind, value, due_date, document_id FROM requirements WHERE tenant_id = $1 ORDER BY grant_id, kind, id`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list requirements for %s", tenantID)
	}
	defer rows.Close()

	var out []model.Requirement
	for rows.Next() {
		var r model.Requirement
		var docID *string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.GrantID, &r.Kind, &r.Value, &r.DueDate, &docID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan requirement")
		}
		if docID != nil {
			r.DocumentID = *docID
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate requirements")
}

var conflictColumns = []string{"id", "tenant_id", "grant_id", "kind", "requirement_a", "requirement_b", "reason", "run_id", "detected_at"}

// ReplaceConflicts swaps the tenant's conflict set for conflicts in one transaction.
func (s *PostgresStore) ReplaceConflicts(ctx context.Context, tenantID string, conflicts []model.Conflict) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace conflicts: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM conflicts WHERE tenant_id = $1`, tenantID); err != nil {
		return eris.Wrapf(err, "postgres: clear conflicts for %s", tenantID)
	}

	rows := make([][]any, 0, len(conflicts))
	for _, c := range conflicts {
		if c.TenantID != tenantID {
			return eris.Errorf("postgres: conflict %s belongs to tenant %s, not %s", c.ID, c.TenantID, tenantID)
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.DetectedAt.IsZero() {
			c.DetectedAt = time.Now().UTC()
		}
		rows = append(rows, []any{c.ID, c.TenantID, c.GrantID, c.Kind, c.RequirementA, c.RequirementB, c.Reason, nullString(c.RunID), c.DetectedAt})
	}
	if _, err := db.CopyFrom(ctx, tx, "conflicts", conflictColumns, rows); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace conflicts: commit")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, tenantID string) ([]model.Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, grant_id, kind, requirement_a, requirement_b, reason, run_id, detected_at
		 FROM conflicts WHERE tenant_id = $1 ORDER BY grant_id, kind, id`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list conflicts for %s", tenantID)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var runID *string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.GrantID, &c.Kind, &c.RequirementA, &c.RequirementB, &c.Reason, &runID, &c.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		if runID != nil {
			c.RunID = *runID
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate conflicts")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var meta []byte
	if e.Metadata != nil {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal audit metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, organization_id, action, description, actor, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrganizationID, string(e.Action), e.Description, e.Actor, meta, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append audit for %s", e.OrganizationID)
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, organization_id, action, description, actor, metadata, created_at FROM audit_entries WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrganizationID != "" {
		query += fmt.Sprintf(` AND organization_id = $%d`, argIdx)
		args = append(args, filter.OrganizationID)
		argIdx++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(` AND action = $%d`, argIdx)
		args = append(args, string(filter.Action))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var action string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &action, &e.Description, &e.Actor, &meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		e.Action = model.AuditAction(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit metadata")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
