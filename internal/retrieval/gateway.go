// Package retrieval finds the passages of a tenant's organizational memory
// most similar to a query. Every index query is scoped to one tenant
// namespace.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/confidence"
	"github.com/grantvault/orgmemory/internal/metrics"
	"github.com/grantvault/orgmemory/internal/model"
	"github.com/grantvault/orgmemory/internal/resilience"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IndexMatch is one raw hit from a vector index, best first.
type IndexMatch struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Index runs similarity queries inside a namespace.
type Index interface {
	Query(ctx context.Context, ns Namespace, vector []float32, topK int) ([]IndexMatch, error)
}

// DocumentLookup resolves document records for a tenant. Missing ids are
// absent from the returned map.
type DocumentLookup interface {
	GetDocuments(ctx context.Context, tenantID string, ids []string) (map[string]model.Document, error)
}

// Metadata keys written by the indexer.
const (
	MetaDocumentID   = "documentId"
	MetaDocumentName = "documentName"
	MetaDocumentType = "documentType"
	MetaText         = "text"
	MetaChunkIndex   = "chunkIndex"
	MetaDocumentDate = "documentDate"
	MetaParseScore   = "parseScore"
)

// SourceMatch is one retained passage.
type SourceMatch struct {
	ID           string     `json:"id"`
	Score        float64    `json:"score"`
	DocumentID   string     `json:"documentId"`
	DocumentName string     `json:"documentName"`
	DocumentType string     `json:"documentType"`
	Text         string     `json:"text"`
	ChunkIndex   int        `json:"chunkIndex"`
	DocumentDate *time.Time `json:"documentDate,omitempty"`
	ParseScore   *int       `json:"parseScore,omitempty"`
}

// Request is one retrieval call.
type Request struct {
	Query    string  `json:"query"`
	TenantID string  `json:"tenantId"`
	TopK     int     `json:"topK"`
	MinScore float64 `json:"minScore"`
}

// Result holds the matches that survived the minScore filter, in index order.
type Result struct {
	Results      []SourceMatch `json:"results"`
	AverageScore float64       `json:"averageScore"`
}

// MatchSignals converts the result into retrieval confidence inputs.
func (r *Result) MatchSignals() []confidence.MatchSignal {
	if r == nil {
		return nil
	}
	out := make([]confidence.MatchSignal, 0, len(r.Results))
	for _, m := range r.Results {
		out = append(out, confidence.MatchSignal{
			Similarity:   m.Score,
			DocumentDate: m.DocumentDate,
			ParseScore:   m.ParseScore,
		})
	}
	return out
}

// Texts returns the passage text of every match in order.
func (r *Result) Texts() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Results))
	for _, m := range r.Results {
		out = append(out, m.Text)
	}
	return out
}

// Options tune a Gateway. Zero timeouts leave the caller's deadline in charge.
type Options struct {
	EmbedTimeout time.Duration
	QueryTimeout time.Duration
	Documents    DocumentLookup
	EmbedBreaker *resilience.CircuitBreaker
	IndexBreaker *resilience.CircuitBreaker
}

// Gateway composes an embedder and a vector index. It holds no per-request
// state and is safe for concurrent use.
type Gateway struct {
	embedder Embedder
	index    Index
	opts     Options
}

// NewGateway returns a gateway over embedder and index.
func NewGateway(embedder Embedder, index Index, opts Options) *Gateway {
	return &Gateway{embedder: embedder, index: index, opts: opts}
}

// Retrieve embeds the query once, queries the tenant namespace for TopK
// matches and keeps those scoring at least MinScore.
func (g *Gateway) Retrieve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := g.retrieve(ctx, req)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidRequest):
		status = "invalid"
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	default:
		status = "error"
	}
	n := 0
	if res != nil {
		n = len(res.Results)
	}
	metrics.ObserveRetrieval(status, time.Since(start), n)
	return res, err
}

func (g *Gateway) retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "retrieval: query is required")
	}
	if req.TopK < 1 {
		return nil, eris.Wrapf(ErrInvalidRequest, "retrieval: topK=%d must be >= 1", req.TopK)
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return nil, eris.Wrapf(ErrInvalidRequest, "retrieval: minScore=%v outside [0,1]", req.MinScore)
	}
	ns, err := NewNamespace(req.TenantID)
	if err != nil {
		return nil, err
	}

	vector, err := g.embed(ctx, req.Query)
	if err != nil {
		return nil, classify(ctx, "embed", err)
	}

	matches, err := g.query(ctx, ns, vector, req.TopK)
	if err != nil {
		return nil, classify(ctx, "query", err)
	}
	if len(matches) > req.TopK {
		matches = matches[:req.TopK]
	}

	res := &Result{Results: make([]SourceMatch, 0, len(matches))}
	var sum float64
	for _, m := range matches {
		if m.Score < req.MinScore {
			continue
		}
		res.Results = append(res.Results, toSourceMatch(m))
		sum += m.Score
	}
	if len(res.Results) > 0 {
		res.AverageScore = sum / float64(len(res.Results))
	}

	g.enrich(ctx, ns.TenantID(), res.Results)
	return res, nil
}

func (g *Gateway) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, g.opts.EmbedTimeout)
	defer cancel()
	return resilience.ExecuteVal(ctx, g.opts.EmbedBreaker, func(ctx context.Context) ([]float32, error) {
		return g.embedder.Embed(ctx, text)
	})
}

func (g *Gateway) query(ctx context.Context, ns Namespace, vector []float32, topK int) ([]IndexMatch, error) {
	ctx, cancel := withTimeout(ctx, g.opts.QueryTimeout)
	defer cancel()
	return resilience.ExecuteVal(ctx, g.opts.IndexBreaker, func(ctx context.Context) ([]IndexMatch, error) {
		return g.index.Query(ctx, ns, vector, topK)
	})
}

// enrich fills document name, type, date and parse score from the
// relational store where the index metadata lacks them. Lookup failures
// are logged and the matches are returned as they are.
func (g *Gateway) enrich(ctx context.Context, tenantID string, matches []SourceMatch) {
	if g.opts.Documents == nil || len(matches) == 0 {
		return
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, m := range matches {
		if m.DocumentID == "" || !needsEnrichment(m) {
			continue
		}
		if _, ok := seen[m.DocumentID]; !ok {
			seen[m.DocumentID] = struct{}{}
			ids = append(ids, m.DocumentID)
		}
	}
	if len(ids) == 0 {
		return
	}

	docs, err := g.opts.Documents.GetDocuments(ctx, tenantID, ids)
	if err != nil {
		zap.L().Warn("retrieval: document lookup failed",
			zap.String("tenant_id", tenantID),
			zap.Int("documents", len(ids)),
			zap.Error(err),
		)
		return
	}

	for i := range matches {
		doc, ok := docs[matches[i].DocumentID]
		if !ok {
			continue
		}
		m := &matches[i]
		if m.DocumentName == "" {
			m.DocumentName = doc.Name
		}
		if m.DocumentType == "" {
			m.DocumentType = doc.Type
		}
		if m.DocumentDate == nil {
			m.DocumentDate = doc.DatedAt
		}
		if m.ParseScore == nil {
			m.ParseScore = doc.ParseScore
		}
	}
}

func needsEnrichment(m SourceMatch) bool {
	return m.DocumentName == "" || m.DocumentType == "" || m.DocumentDate == nil || m.ParseScore == nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func toSourceMatch(m IndexMatch) SourceMatch {
	md := m.Metadata
	sm := SourceMatch{
		ID:           m.ID,
		Score:        m.Score,
		DocumentID:   metaString(md, MetaDocumentID),
		DocumentName: metaString(md, MetaDocumentName),
		DocumentType: metaString(md, MetaDocumentType),
		Text:         metaString(md, MetaText),
	}
	if v, ok := metaInt(md, MetaChunkIndex); ok {
		sm.ChunkIndex = v
	}
	if v, ok := metaInt(md, MetaParseScore); ok {
		sm.ParseScore = &v
	}
	sm.DocumentDate = metaTime(md, MetaDocumentDate)
	return sm
}

func metaString(md map[string]any, key string) string {
	s, _ := md[key].(string)
	return s
}

func metaInt(md map[string]any, key string) (int, bool) {
	switch v := md[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func metaTime(md map[string]any, key string) *time.Time {
	switch v := md[key].(type) {
	case time.Time:
		return &v
	case string:
		for _, layout := range []string{time.RFC3339, time.DateOnly} {
			if t, err := time.Parse(layout, v); err == nil {
				return &t
			}
		}
	}
	return nil
}
