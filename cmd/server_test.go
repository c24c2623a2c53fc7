package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grantvault/orgmemory/internal/confidence"
	"github.com/grantvault/orgmemory/internal/conflict"
	"github.com/grantvault/orgmemory/internal/generation"
	"github.com/grantvault/orgmemory/internal/memory"
	"github.com/grantvault/orgmemory/internal/resilience"
	"github.com/grantvault/orgmemory/internal/retrieval"
)

type mockRetriever struct{ mock.Mock }

func (m *mockRetriever) Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Result), args.Error(1)
}

type mockGenerator struct{ mock.Mock }

func (m *mockGenerator) Generate(ctx context.Context, req generation.Request) (*generation.Output, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*generation.Output), args.Error(1)
}

type mockAssistant struct{ mock.Mock }

func (m *mockAssistant) Assist(ctx context.Context, req memory.AssistRequest) (*memory.AssistResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*memory.AssistResponse), args.Error(1)
}

type mockScanner struct{ mock.Mock }

func (m *mockScanner) Run(ctx context.Context) (*conflict.RunSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*conflict.RunSummary), args.Error(1)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestRouter_Health(t *testing.T) {
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	breakers.Get(resilience.ServiceAnthropic)
	h := buildRouter(&api{db: stubPinger{}, breakers: breakers}, nil)

	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"anthropic": "closed"}, body["breakers"])
}

func TestRouter_HealthStoreDown(t *testing.T) {
	h := buildRouter(&api{db: stubPinger{err: errors.New("connection refused")}}, nil)

	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", decode(t, rr)["status"])
}

func TestRouter_Metrics(t *testing.T) {
	h := buildRouter(&api{}, nil)
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := buildRouter(&api{}, []string{"https://app.example.org"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/assist", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.org", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Confidence(t *testing.T) {
	h := buildRouter(&api{engine: confidence.DefaultEngine()}, nil)

	rr := do(t, h, http.MethodPost, "/v1/confidence", map[string]any{
		"kind": "parse",
		"components": map[string]float64{
			"textCompleteness": 90, "structurePreservation": 75,
			"dateExtraction": 100, "entityExtraction": 80,
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(88), body["score"])
	assert.Equal(t, "high", body["level"])
}

func TestRouter_ConfidenceInvalid(t *testing.T) {
	h := buildRouter(&api{}, nil)

	rr := do(t, h, http.MethodPost, "/v1/confidence", map[string]any{
		"kind":       "parse",
		"components": map[string]float64{"textCompleteness": 120},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/confidence", map[string]any{"kind": "vibes"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/confidence", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid request body", decode(t, rr)["error"])
}

func TestRouter_Retrieve(t *testing.T) {
	r := &mockRetriever{}
	r.On("Retrieve", mock.Anything, retrieval.Request{Query: "budget", TenantID: "t1", TopK: 3, MinScore: 0.5}).
		Return(&retrieval.Result{Results: []retrieval.SourceMatch{{ID: "c1", Score: 0.8}}, AverageScore: 0.8}, nil)
	h := buildRouter(&api{retriever: r}, nil)

	rr := do(t, h, http.MethodPost, "/v1/retrieve", map[string]any{
		"query": "budget", "tenantId": "t1", "topK": 3, "minScore": 0.5,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.InDelta(t, 0.8, decode(t, rr)["averageScore"], 0.0001)
}

func TestRouter_AssistWithheldContentHidden(t *testing.T) {
	a := &mockAssistant{}
	a.On("Assist", mock.Anything, memory.AssistRequest{TenantID: "t1", Query: "mission"}).
		Return(&memory.AssistResponse{Generated: true, Content: "secret draft", Displayed: false, Message: "withheld"}, nil)
	h := buildRouter(&api{assistant: a}, nil)

	rr := do(t, h, http.MethodPost, "/v1/assist", map[string]any{"tenantId": "t1", "query": "mission"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret draft")
	body := decode(t, rr)
	assert.Equal(t, "", body["content"])
	assert.Equal(t, true, body["generated"])
}

func TestRouter_AssistRevealAndZeroMinScore(t *testing.T) {
	zero := 0.0
	a := &mockAssistant{}
	a.On("Assist", mock.Anything, memory.AssistRequest{TenantID: "t1", Query: "mission", MinScore: &zero, Reveal: true}).
		Return(&memory.AssistResponse{
			Generated: true, Content: "weak draft", Displayed: false, Revealed: true, DraftID: "d-1",
		}, nil)
	h := buildRouter(&api{assistant: a}, nil)

	rr := do(t, h, http.MethodPost, "/v1/assist", map[string]any{
		"tenantId": "t1", "query": "mission", "minScore": 0, "reveal": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "weak draft", body["content"])
	assert.Equal(t, false, body["displayed"])
	assert.Equal(t, "d-1", body["draftId"])
	a.AssertExpectations(t)
}

func TestRouter_Scan(t *testing.T) {
	s := &mockScanner{}
	s.On("Run", mock.Anything).Return(&conflict.RunSummary{RunID: "run-9", ProcessedTenants: 3, Failed: 1}, nil)
	h := buildRouter(&api{scanner: s}, nil)

	rr := do(t, h, http.MethodPost, "/v1/conflicts/scan", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "run-9", body["runId"])
	assert.Equal(t, float64(1), body["failed"])
}

func TestRouter_UnconfiguredCollaborators(t *testing.T) {
	h := buildRouter(&api{}, nil)
	for _, path := range []string{"/v1/retrieve", "/v1/generate", "/v1/assist", "/v1/conflicts/scan"} {
		rr := do(t, h, http.MethodPost, path, map[string]any{})
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}

func TestRouter_GenerateErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", generation.ErrAuthFailure, http.StatusBadGateway},
		{"rate limited", generation.ErrRateLimited, http.StatusTooManyRequests},
		{"timeout", generation.ErrTimeout, http.StatusGatewayTimeout},
		{"failure", generation.ErrGenerationFailure, http.StatusBadGateway},
		{"invalid mode", generation.ErrInvalidMode, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &mockGenerator{}
			g.On("Generate", mock.Anything, mock.Anything).Return(nil, tt.err)
			h := buildRouter(&api{generator: g}, nil)

			rr := do(t, h, http.MethodPost, "/v1/generate", map[string]any{"prompt": "x", "mode": "ai_draft"})
			assert.Equal(t, tt.want, rr.Code)
			assert.NotEmpty(t, decode(t, rr)["error"])
		})
	}
}

func TestStatusFor_RetrievalErrors(t *testing.T) {
	timeout := &retrieval.Error{Kind: retrieval.ErrTimeout, Op: "query", Err: context.DeadlineExceeded}
	failure := &retrieval.Error{Kind: retrieval.ErrRetrievalFailure, Op: "embed", Err: errors.New("503")}

	assert.Equal(t, http.StatusGatewayTimeout, statusFor(timeout))
	assert.Equal(t, http.StatusBadGateway, statusFor(failure))
	assert.Equal(t, http.StatusBadRequest, statusFor(retrieval.ErrInvalidRequest))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("list tenants")))
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
}

func TestStartServer_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	errCh := make(chan error, 1)
	go func() { errCh <- startServer(ctx, buildRouter(&api{}, nil), port) }()

	var ready bool
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err == nil {
			_ = resp.Body.Close()
			ready = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ready, "server did not become ready in time")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
