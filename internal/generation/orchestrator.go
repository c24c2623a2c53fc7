// Package generation drafts grant content from retrieved organizational
// memory with a language model.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/metrics"
	"github.com/grantvault/orgmemory/internal/resilience"
	"github.com/grantvault/orgmemory/internal/retrieval"
	"github.com/grantvault/orgmemory/pkg/anthropic"
)

var (
	ErrAuthFailure         = eris.New("generation: provider authentication failed")
	ErrRateLimited         = eris.New("generation: provider rate limited")
	ErrTimeout             = eris.New("generation: timeout")
	ErrGenerationFailure   = eris.New("generation: provider failure")
	ErrInvalidMode         = eris.New("generation: invalid mode")
	ErrInvalidVoiceProfile = eris.New("generation: invalid voice profile")
	ErrInvalidRequest      = eris.New("generation: invalid request")
)

// Request is one drafting call.
type Request struct {
	TenantID string                  `json:"tenantId"`
	Prompt   string                  `json:"prompt"`
	Sources  []retrieval.SourceMatch `json:"sources"`
	Mode     Mode                    `json:"mode"`
	Voice    *VoiceProfile           `json:"voice,omitempty"`
}

// Output is the model's draft. Text is "" when the model returned no text.
type Output struct {
	Text    string                  `json:"text"`
	Sources []retrieval.SourceMatch `json:"sources"`
	Model   string                  `json:"model"`
	Mode    Mode                    `json:"mode"`
	Usage   anthropic.TokenUsage    `json:"usage"`
}

// Options tune an Orchestrator.
type Options struct {
	Model     string
	MaxTokens int64
	// Timeout bounds each model call. 0 leaves the caller's deadline in charge.
	Timeout   time.Duration
	Templates *Templates
	Breaker   *resilience.CircuitBreaker
}

// Orchestrator builds prompts and calls the model. It never retries.
type Orchestrator struct {
	client anthropic.Client
	opts   Options
}

// NewOrchestrator returns an orchestrator over client.
func NewOrchestrator(client anthropic.Client, opts Options) *Orchestrator {
	if opts.Templates == nil {
		opts.Templates = DefaultTemplates()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	return &Orchestrator{client: client, opts: opts}
}

// Generate drafts content for req. Exactly one model call is made when the
// request is valid.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Output, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "prompt is required")
	}
	tpl, err := o.opts.Templates.Lookup(req.Mode)
	if err != nil {
		return nil, err
	}
	if req.Voice != nil {
		if err := req.Voice.Validate(); err != nil {
			return nil, err
		}
	}

	temp := tpl.Temperature
	msgReq := anthropic.MessageRequest{
		Model:       o.opts.Model,
		MaxTokens:   o.opts.MaxTokens,
		System:      anthropic.CachedSystem(o.SystemPrompt(tpl, req.Voice), anthropic.DefaultCacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: UserPrompt(req.Prompt, req.Sources)}},
		Temperature: &temp,
	}

	callCtx, cancel := withTimeout(ctx, o.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := resilience.ExecuteVal(callCtx, o.opts.Breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return o.client.CreateMessage(ctx, msgReq)
	})
	if err != nil {
		metrics.ObserveLLM(o.opts.Model, "error", time.Since(start), 0, 0)
		return nil, classify(ctx, err)
	}
	metrics.ObserveLLM(o.opts.Model, "ok", time.Since(start), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	resp.Usage.LogCost(o.opts.Model, req.TenantID, string(req.Mode))

	model := resp.Model
	if model == "" {
		model = o.opts.Model
	}
	return &Output{
		Text:    resp.Text(),
		Sources: req.Sources,
		Model:   model,
		Mode:    req.Mode,
		Usage:   resp.Usage,
	}, nil
}

// SystemPrompt assembles mode instructions, the optional voice section and
// the grounding rules.
func (o *Orchestrator) SystemPrompt(tpl Template, voice *VoiceProfile) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(tpl.Instructions))
	if voice != nil {
		b.WriteString("\n\n")
		b.WriteString(voice.section())
	}
	b.WriteString("\n\nRules:\n")
	for _, rule := range o.opts.Templates.Grounding() {
		b.WriteString("- ")
		b.WriteString(rule)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ContextBlock renders sources as numbered blocks in the given order.
func ContextBlock(sources []retrieval.SourceMatch) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		name := s.DocumentName
		if name == "" {
			name = "Untitled document"
		}
		parts[i] = fmt.Sprintf("[Source %d: %s]\n%s", i+1, name, s.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// UserPrompt combines the sources and the writer's request.
func UserPrompt(prompt string, sources []retrieval.SourceMatch) string {
	if len(sources) == 0 {
		return "No sources were found.\n\nRequest:\n" + prompt
	}
	return "Sources:\n\n" + ContextBlock(sources) + "\n\nRequest:\n" + prompt
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return eris.Wrap(ctx.Err(), "generation: cancelled")
	case anthropic.IsAuthError(err):
		return eris.Wrapf(ErrAuthFailure, "%v", err)
	case anthropic.IsRateLimited(err):
		return eris.Wrapf(ErrRateLimited, "%v", err)
	case resilience.IsTimeout(err):
		return eris.Wrapf(ErrTimeout, "%v", err)
	default:
		return eris.Wrapf(ErrGenerationFailure, "%v", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
