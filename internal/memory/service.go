// Package memory runs the organizational-memory request pipeline:
// retrieve, score, gate, generate, score, gate.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/confidence"
	"github.com/grantvault/orgmemory/internal/gate"
	"github.com/grantvault/orgmemory/internal/generation"
	"github.com/grantvault/orgmemory/internal/metrics"
	"github.com/grantvault/orgmemory/internal/model"
	"github.com/grantvault/orgmemory/internal/resilience"
	"github.com/grantvault/orgmemory/internal/retrieval"
)

// DegradedWarning is added to retrieval confidence when a retrieval failure
// was treated as an empty result.
const DegradedWarning = "Retrieval failed; continuing with no sources"

// Retriever finds tenant passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Generator drafts content from sources.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Output, error)
}

// AuditWriter stores withheld drafts.
type AuditWriter interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// AssistRequest is one end-user request.
type AssistRequest struct {
	TenantID string                   `json:"tenantId"`
	Query    string                   `json:"query"`
	Mode     generation.Mode          `json:"mode,omitempty"`
	Voice    *generation.VoiceProfile `json:"voice,omitempty"`
	// TopK falls back to the service default when <= 0, MinScore when nil.
	TopK     int      `json:"topK,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
	// Reveal returns withheld content in the response, still marked as
	// not displayed.
	Reveal bool `json:"reveal,omitempty"`
}

// AssistResponse carries every intermediate result of the pipeline.
// Content is kept even when withheld; use VisibleContent for display.
type AssistResponse struct {
	Retrieval            *retrieval.Result       `json:"retrieval"`
	RetrievalConfidence  *confidence.Score       `json:"retrievalConfidence"`
	PreGeneration        gate.Decision           `json:"preGeneration"`
	Generated            bool                    `json:"generated"`
	Content              string                  `json:"-"`
	Displayed            bool                    `json:"displayed"`
	Flagged              bool                    `json:"flagged"`
	GenerationConfidence *confidence.Score       `json:"generationConfidence,omitempty"`
	PreDisplay           *gate.Decision          `json:"preDisplay,omitempty"`
	Revealed             bool                    `json:"revealed,omitempty"`
	DraftID              string                  `json:"draftId,omitempty"`
	Message              string                  `json:"message,omitempty"`
	Sources              []retrieval.SourceMatch `json:"sources"`
	Model                string                  `json:"model,omitempty"`
}

// VisibleContent returns Content when it passed the display gate or the
// caller asked to reveal it, else "".
func (r *AssistResponse) VisibleContent() string {
	if r == nil || !(r.Displayed || r.Revealed) {
		return ""
	}
	return r.Content
}

// MarshalJSON exposes only the visible content.
func (r AssistResponse) MarshalJSON() ([]byte, error) {
	type plain AssistResponse
	return json.Marshal(struct {
		plain
		Content string `json:"content"`
	}{plain: plain(r), Content: r.VisibleContent()})
}

// Options tune a Service.
type Options struct {
	TopK        int
	MinScore    float64
	DefaultMode generation.Mode
	// RetryAttempts counts retrieval tries on timeout. 1 means no retry.
	RetryAttempts int
	RetryBackoff  time.Duration
	// DegradeOnRetrievalError treats a failed retrieval as "no sources".
	DegradeOnRetrievalError bool
	// Audit receives a DRAFT_WITHHELD entry for every draft the display
	// gate denies. Without it withheld drafts are only logged.
	Audit AuditWriter
}

// Service wires retrieval, confidence gating and generation together.
type Service struct {
	retriever   Retriever
	generator   Generator
	engine      *confidence.Engine
	opts        Options
	now         func() time.Time
	newID       func() string
	observeGate func(checkpoint string, allowed bool)
}

// NewService returns a service. A nil engine uses the default thresholds.
func NewService(retriever Retriever, generator Generator, engine *confidence.Engine, opts Options) *Service {
	if engine == nil {
		engine = confidence.DefaultEngine()
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = generation.ModeMemoryAssist
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &Service{
		retriever:   retriever,
		generator:   generator,
		engine:      engine,
		opts:        opts,
		now:         time.Now,
		newID:       uuid.NewString,
		observeGate: metrics.ObserveGate,
	}
}

// Assist runs the full pipeline. The model is called only when retrieval
// confidence passes the pre-generation gate. A gate denial is not an error.
func (s *Service) Assist(ctx context.Context, req AssistRequest) (*AssistResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	minScore := s.opts.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	mode := req.Mode
	if mode == "" {
		mode = s.opts.DefaultMode
	}
	log := zap.L().With(zap.String("tenant_id", req.TenantID), zap.String("mode", string(mode)))

	res, degraded, err := s.retrieve(ctx, retrieval.Request{
		Query:    req.Query,
		TenantID: req.TenantID,
		TopK:     topK,
		MinScore: minScore,
	})
	if err != nil {
		return nil, err
	}

	comps, warnings := confidence.RetrievalSignals{
		Matches:  res.MatchSignals(),
		Expected: topK,
		Now:      s.now(),
	}.Components()
	if degraded {
		warnings = append(warnings, DegradedWarning)
	}
	rs, err := s.engine.Score(confidence.KindRetrieval, comps, warnings)
	if err != nil {
		return nil, eris.Wrap(err, "memory: score retrieval")
	}

	resp := &AssistResponse{
		Retrieval:           res,
		RetrievalConfidence: rs,
		PreGeneration:       gate.PreGeneration(rs),
		Sources:             []retrieval.SourceMatch{},
	}
	s.observeGate(string(resp.PreGeneration.Checkpoint), resp.PreGeneration.Allowed)
	th := s.engine.Thresholds()
	if th.DisplaySources(rs) {
		resp.Sources = res.Results
	}
	if !resp.PreGeneration.Proceed() {
		resp.Message = resp.PreGeneration.Reason
		log.Info("generation gated", zap.Int("retrieval_score", rs.Score))
		return resp, nil
	}

	out, err := s.generator.Generate(ctx, generation.Request{
		TenantID: req.TenantID,
		Prompt:   req.Query,
		Sources:  res.Results,
		Mode:     mode,
		Voice:    req.Voice,
	})
	if err != nil {
		return nil, err
	}
	resp.Generated = true
	resp.Content = out.Text
	resp.Model = out.Model

	comps, warnings = confidence.GenerationSignals{
		Output:  out.Text,
		Query:   req.Query,
		Sources: res.Texts(),
	}.Components()
	gs, err := s.engine.Score(confidence.KindGeneration, comps, warnings)
	if err != nil {
		return nil, eris.Wrap(err, "memory: score generation")
	}
	resp.GenerationConfidence = gs

	display := gate.PreDisplay(gs)
	s.observeGate(string(display.Checkpoint), display.Allowed)
	resp.PreDisplay = &display
	resp.Displayed = display.Display()
	resp.Flagged = resp.Displayed && th.FlagGeneration(gs)
	if !resp.Displayed {
		resp.Message = display.Reason
		resp.Revealed = req.Reveal
		resp.DraftID = s.recordWithheld(ctx, req, mode, resp)
	}

	log.Info("assist complete",
		zap.Int("retrieval_score", rs.Score),
		zap.Int("generation_score", gs.Score),
		zap.Bool("displayed", resp.Displayed),
	)
	return resp, nil
}

// recordWithheld stores a withheld draft as an audit entry and returns its
// id. When no writer is set or the write fails the draft goes to the log
// and no id is returned.
func (s *Service) recordWithheld(ctx context.Context, req AssistRequest, mode generation.Mode, resp *AssistResponse) string {
	sourceIDs := make([]string, len(resp.Retrieval.Results))
	for i, m := range resp.Retrieval.Results {
		sourceIDs[i] = m.ID
	}
	entry := model.AuditEntry{
		ID:             s.newID(),
		OrganizationID: req.TenantID,
		Action:         model.AuditActionDraftWithheld,
		Description:    fmt.Sprintf("Draft withheld at generation confidence %d", resp.GenerationConfidence.Score),
		Actor:          model.ActorSystem,
		Metadata: map[string]any{
			"query":              req.Query,
			"mode":               string(mode),
			"model":              resp.Model,
			"content":            resp.Content,
			"generationScore":    resp.GenerationConfidence.Score,
			"retrievalScore":     resp.RetrievalConfidence.Score,
			"generationWarnings": resp.GenerationConfidence.Warnings,
			"sourceIds":          sourceIDs,
		},
		CreatedAt: s.now(),
	}

	log := zap.L().With(zap.String("tenant_id", req.TenantID), zap.String("draft_id", entry.ID))
	if s.opts.Audit == nil {
		log.Warn("draft withheld, no audit writer", zap.String("content", resp.Content))
		return ""
	}
	if err := s.opts.Audit.AppendAudit(ctx, entry); err != nil {
		log.Error("record withheld draft", zap.Error(err), zap.String("content", resp.Content))
		return ""
	}
	log.Info("draft withheld", zap.Int("generation_score", resp.GenerationConfidence.Score))
	return entry.ID
}

// retrieve applies the caller-level retry and degrade policy. Invalid
// requests are never retried or degraded.
func (s *Service) retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, bool, error) {
	cfg := resilience.RetryAttempts(s.opts.RetryAttempts)
	if s.opts.RetryBackoff > 0 {
		cfg.InitialBackoff = s.opts.RetryBackoff
	}
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, retrieval.ErrTimeout) }
	cfg.OnRetry = resilience.RetryLogger(resilience.ServiceVector, "retrieve")

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*retrieval.Result, error) {
		return s.retriever.Retrieve(ctx, req)
	})
	if err == nil {
		return res, false, nil
	}
	if !s.opts.DegradeOnRetrievalError || errors.Is(err, retrieval.ErrInvalidRequest) || ctx.Err() != nil {
		return nil, false, err
	}
	zap.L().Warn("retrieval failed, continuing with no sources",
		zap.String("tenant_id", req.TenantID),
		zap.Error(err),
	)
	return &retrieval.Result{Results: []retrieval.SourceMatch{}}, true, nil
}
