// Package vectorindex implements retrieval.Index over pgvector and Pinecone.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/db"
	"github.com/grantvault/orgmemory/internal/retrieval"
)

// Chunk is one indexed passage.
type Chunk struct {
	ID           string
	TenantID     string
	DocumentID   string
	DocumentName string
	DocumentType string
	ChunkIndex   int
	Text         string
	DocumentDate *time.Time
	Embedding    []float32
	Metadata     map[string]any
}

// PGVector stores chunks in one Postgres table with a tenant_id column.
// Every query filters on tenant_id.
type PGVector struct {
	pool  db.Pool
	table string // sanitized identifier
	dims  int
}

// NewPGVector returns an index over table. dims is the embedding width.
func NewPGVector(pool db.Pool, table string, dims int) (*PGVector, error) {
	if table == "" {
		return nil, eris.New("vectorindex: table is required")
	}
	if dims <= 0 {
		return nil, eris.Errorf("vectorindex: invalid dimensions %d", dims)
	}
	return &PGVector{pool: pool, table: pgx.Identifier{table}.Sanitize(), dims: dims}, nil
}

// EnsureSchema creates the extension, table and HNSW index if missing.
func (p *PGVector) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			document_id   TEXT NOT NULL,
			document_name TEXT NOT NULL DEFAULT '',
			document_type TEXT NOT NULL DEFAULT '',
			chunk_index   INTEGER NOT NULL,
			chunk_text    TEXT NOT NULL,
			document_date TIMESTAMPTZ,
			metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding     vector(%d) NOT NULL
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id)`,
			pgx.Identifier{p.indexName("tenant_idx")}.Sanitize(), p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{p.indexName("embedding_idx")}.Sanitize(), p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "vectorindex: ensure schema")
		}
	}
	return nil
}

func (p *PGVector) indexName(suffix string) string {
	// p.table is quoted; strip quotes for the derived name.
	name := p.table
	if len(name) >= 2 && name[0] == '"' {
		name = name[1 : len(name)-1]
	}
	return name + "_" + suffix
}

// Query returns the topK chunks of the namespace's tenant nearest to
// vector by cosine distance. Score is 1 - distance.
func (p *PGVector) Query(ctx context.Context, ns retrieval.Namespace, vector []float32, topK int) ([]retrieval.IndexMatch, error) {
	if !ns.Valid() {
		return nil, eris.Wrap(retrieval.ErrInvalidRequest, "vectorindex: namespace is required")
	}
	if len(vector) != p.dims {
		return nil, eris.Errorf("vectorindex: vector has %d dimensions, index has %d", len(vector), p.dims)
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, document_id, document_name, document_type, chunk_index, chunk_text,
			document_date, metadata, 1 - (embedding <=> $2::vector) AS similarity
		FROM %s
		WHERE tenant_id = $1
		ORDER BY embedding <=> $2::vector, id
		LIMIT $3`, p.table),
		ns.TenantID(), pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, eris.Wrap(err, "vectorindex: query")
	}
	defer rows.Close()

	var out []retrieval.IndexMatch
	for rows.Next() {
		var (
			id, docID, docName, docType, text string
			chunkIndex                        int
			docDate                           pgtype.Timestamptz
			rawMeta                           []byte
			similarity                        float64
		)
		if err := rows.Scan(&id, &docID, &docName, &docType, &chunkIndex, &text, &docDate, &rawMeta, &similarity); err != nil {
			return nil, eris.Wrap(err, "vectorindex: scan match")
		}

		md := map[string]any{}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &md); err != nil {
				return nil, eris.Wrapf(err, "vectorindex: decode metadata for %s", id)
			}
		}
		md[retrieval.MetaDocumentID] = docID
		md[retrieval.MetaDocumentName] = docName
		md[retrieval.MetaDocumentType] = docType
		md[retrieval.MetaChunkIndex] = chunkIndex
		md[retrieval.MetaText] = text
		if docDate.Valid {
			md[retrieval.MetaDocumentDate] = docDate.Time
		}

		out = append(out, retrieval.IndexMatch{ID: id, Score: similarity, Metadata: md})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "vectorindex: iterate matches")
	}
	return out, nil
}

// Upsert replaces all chunks of each document present in chunks. Every
// chunk must belong to the namespace's tenant.
func (p *PGVector) Upsert(ctx context.Context, ns retrieval.Namespace, chunks []Chunk) error {
	if !ns.Valid() {
		return eris.Wrap(retrieval.ErrInvalidRequest, "vectorindex: namespace is required")
	}
	if len(chunks) == 0 {
		return nil
	}

	var docs []string
	seen := make(map[string]struct{})
	for _, c := range chunks {
		if c.TenantID != ns.TenantID() {
			return eris.Errorf("vectorindex: chunk %s belongs to tenant %q, not %q", c.ID, c.TenantID, ns.TenantID())
		}
		if len(c.Embedding) != p.dims {
			return eris.Errorf("vectorindex: chunk %s has %d dimensions, index has %d", c.ID, len(c.Embedding), p.dims)
		}
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			docs = append(docs, c.DocumentID)
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "vectorindex: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND document_id = ANY($2)`, p.table),
		ns.TenantID(), docs); err != nil {
		return eris.Wrap(err, "vectorindex: delete existing chunks")
	}

	insert := fmt.Sprintf(`INSERT INTO %s
		(id, tenant_id, document_id, document_name, document_type, chunk_index, chunk_text, document_date, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector)`, p.table)
	for _, c := range chunks {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		rawMeta, err := json.Marshal(meta)
		if err != nil {
			return eris.Wrapf(err, "vectorindex: encode metadata for %s", c.ID)
		}
		if _, err := tx.Exec(ctx, insert,
			c.ID, c.TenantID, c.DocumentID, c.DocumentName, c.DocumentType, c.ChunkIndex, c.Text,
			c.DocumentDate, rawMeta, pgvector.NewVector(c.Embedding)); err != nil {
			return eris.Wrapf(err, "vectorindex: insert chunk %s", c.ID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "vectorindex: commit")
	}
	return nil
}
