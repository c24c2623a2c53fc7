package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/grantvault/orgmemory/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	onboarded  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	name        TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	parse_score INTEGER,
	dated_at    DATETIME,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	action          TEXT NOT NULL,
	description     TEXT NOT NULL,
	actor           TEXT NOT NULL,
	metadata        TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS requirements (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	grant_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	value       TEXT NOT NULL DEFAULT '',
	due_date    DATETIME,
	document_id TEXT
);

CREATE TABLE IF NOT EXISTS conflicts (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id),
	grant_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	requirement_a TEXT NOT NULL,
	requirement_b TEXT NOT NULL,
	reason        TEXT NOT NULL,
	run_id        TEXT,
	detected_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_org_created ON audit_entries(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_requirements_tenant ON requirements(tenant_id, grant_id, kind);
CREATE INDEX IF NOT EXISTS idx_conflicts_tenant ON conflicts(tenant_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t model.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, onboarded, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, onboarded = excluded.onboarded`,
		t.ID, t.Name, t.Onboarded, t.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert tenant %s", t.ID)
}

func (s *SQLiteStore) ListOnboardedTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, onboarded, created_at FROM tenants WHERE onboarded = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list onboarded tenants")
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Onboarded, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate tenants")
}

func (s *SQLiteStore) UpsertDocument(ctx context.Context, d model.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, tenant_id, name, type, parse_score, dated_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, type = excluded.type,
		   parse_score = excluded.parse_score, dated_at = excluded.dated_at`,
		d.ID, d.TenantID, d.Name, d.Type, d.ParseScore, d.DatedAt, d.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert document %s", d.ID)
}

func (s *SQLiteStore) GetDocuments(ctx context.Context, tenantID string, ids []string) (map[string]model.Document, error) {
	out := make(map[string]model.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, tenant_id, name, type, parse_score, dated_at, created_at
		 FROM documents WHERE tenant_id = ? AND id IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get documents")
	}
	defer rows.Close()

	for rows.Next() {
		var d model.Document
		var parse sql.NullInt64
		var dated sql.NullTime
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Type, &parse, &dated, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		if parse.Valid {
			v := int(parse.Int64)
			d.ParseScore = &v
		}
		if dated.Valid {
			d.DatedAt = &dated.Time
		}
		out[d.ID] = d
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate documents")
}

func (s *SQLiteStore) UpsertRequirement(ctx context.Context, r model.Requirement) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requirements (id, tenant_id, grant_id, kind, value, due_date, document_id) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET grant_id = excluded.grant_id, kind = excluded.kind,
		   value = excluded.value, due_date = excluded.due_date, document_id = excluded.document_id`,
		r.ID, r.TenantID, r.GrantID, r.Kind, r.Value, r.DueDate, nullString(r.DocumentID),
	)
	return eris.Wrapf(err, "sqlite: upsert requirement %s", r.ID)
}

func (s *SQLiteStore) ListRequirements(ctx context.Context, tenantID string) ([]model.Requirement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, grant_id, kind, value, due_date, document_id FROM requirements WHERE tenant_id = ? ORDER BY grant_id, kind, id`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list requirements for %s", tenantID)
	}
	defer rows.Close()

	var out []model.Requirement
	for rows.Next() {
		var r model.Requirement
		var due sql.NullTime
		var docID sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &r.GrantID, &r.Kind, &r.Value, &due, &docID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan requirement")
		}
		if due.Valid {
			r.DueDate = &due.Time
		}
		r.DocumentID = docID.String
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate requirements")
}

func (s *SQLiteStore) ReplaceConflicts(ctx context.Context, tenantID string, conflicts []model.Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace conflicts: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE tenant_id = ?`, tenantID); err != nil {
		return eris.Wrapf(err, "sqlite: clear conflicts for %s", tenantID)
	}

	for _, c := range conflicts {
		if c.TenantID != tenantID {
			return eris.Errorf("sqlite: conflict %s belongs to tenant %s, not %s", c.ID, c.TenantID, tenantID)
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.DetectedAt.IsZero() {
			c.DetectedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (id, tenant_id, grant_id, kind, requirement_a, requirement_b, reason, run_id, detected_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TenantID, c.GrantID, c.Kind, c.RequirementA, c.RequirementB, c.Reason, nullString(c.RunID), c.DetectedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert conflict %s", c.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace conflicts: commit")
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, tenantID string) ([]model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, grant_id, kind, requirement_a, requirement_b, reason, run_id, detected_at
		 FROM conflicts WHERE tenant_id = ? ORDER BY grant_id, kind, id`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list conflicts for %s", tenantID)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var runID sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.GrantID, &c.Kind, &c.RequirementA, &c.RequirementB, &c.Reason, &runID, &c.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		c.RunID = runID.String
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate conflicts")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var meta *string
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal audit metadata")
		}
		m := string(b)
		meta = &m
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, organization_id, action, description, actor, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, string(e.Action), e.Description, e.Actor, meta, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append audit for %s", e.OrganizationID)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, organization_id, action, description, actor, metadata, created_at FROM audit_entries WHERE 1=1`
	var args []any

	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(filter.Action))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var action string
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.OrganizationID, &action, &e.Description, &e.Actor, &meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		e.Action = model.AuditAction(action)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal audit metadata")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}
