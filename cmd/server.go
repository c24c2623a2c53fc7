package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantvault/orgmemory/internal/confidence"
	"github.com/grantvault/orgmemory/internal/conflict"
	"github.com/grantvault/orgmemory/internal/generation"
	"github.com/grantvault/orgmemory/internal/memory"
	"github.com/grantvault/orgmemory/internal/resilience"
	"github.com/grantvault/orgmemory/internal/retrieval"
)

type assistant interface {
	Assist(ctx context.Context, req memory.AssistRequest) (*memory.AssistResponse, error)
}

type scanRunner interface {
	Run(ctx context.Context) (*conflict.RunSummary, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// api holds the collaborators behind the HTTP routes. Nil collaborators
// answer 503 so the router can be exercised piecemeal.
type api struct {
	engine    *confidence.Engine
	retriever memory.Retriever
	generator memory.Generator
	assistant assistant
	scanner   scanRunner
	db        pinger
	breakers  *resilience.ServiceBreakers
}

func newAPI(env *appEnv) *api {
	return &api{
		engine:    env.Engine,
		retriever: env.Gateway,
		generator: env.Generator,
		assistant: env.Memory,
		scanner:   env.Scheduler,
		db:        env.Store,
		breakers:  env.Breakers,
	}
}

func buildRouter(a *api, allowedOrigins []string) chi.Router {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/confidence", a.scoreConfidence)
		r.Post("/retrieve", a.retrieve)
		r.Post("/generate", a.generate)
		r.Post("/assist", a.assist)
		r.Post("/conflicts/scan", a.scan)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if a.db != nil {
		if err := a.db.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if a.breakers != nil {
		states := make(map[string]string)
		for name, st := range a.breakers.States() {
			states[name] = st.String()
		}
		body["breakers"] = states
	}
	writeJSON(w, status, body)
}

type confidenceRequest struct {
	Kind       confidence.Kind    `json:"kind"`
	Components map[string]float64 `json:"components"`
	Warnings   []string           `json:"warnings"`
}

func (a *api) scoreConfidence(w http.ResponseWriter, r *http.Request) {
	var req confidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	engine := a.engine
	if engine == nil {
		engine = confidence.DefaultEngine()
	}
	score, err := engine.Score(req.Kind, req.Components, req.Warnings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (a *api) retrieve(w http.ResponseWriter, r *http.Request) {
	if a.retriever == nil {
		writeUnavailable(w, "retrieval")
		return
	}
	var req retrieval.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.retriever.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) generate(w http.ResponseWriter, r *http.Request) {
	if a.generator == nil {
		writeUnavailable(w, "generation")
		return
	}
	var req generation.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := a.generator.Generate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) assist(w http.ResponseWriter, r *http.Request) {
	if a.assistant == nil {
		writeUnavailable(w, "assist")
		return
	}
	var req memory.AssistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := a.assistant.Assist(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) scan(w http.ResponseWriter, r *http.Request) {
	if a.scanner == nil {
		writeUnavailable(w, "conflict scan")
		return
	}
	summary, err := a.scanner.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusFor maps typed errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, confidence.ErrInvalidComponent),
		errors.Is(err, confidence.ErrUnknownKind),
		errors.Is(err, retrieval.ErrInvalidRequest),
		errors.Is(err, generation.ErrInvalidRequest),
		errors.Is(err, generation.ErrInvalidMode),
		errors.Is(err, generation.ErrInvalidVoiceProfile):
		return http.StatusBadRequest
	case errors.Is(err, generation.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, retrieval.ErrTimeout),
		errors.Is(err, generation.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, generation.ErrAuthFailure),
		errors.Is(err, retrieval.ErrRetrievalFailure),
		errors.Is(err, generation.ErrGenerationFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeUnavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " is not configured"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves h on port until ctx is cancelled, then shuts down
// gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "server listen")
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}
