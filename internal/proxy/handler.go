package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-orchestrator/internal/metrics"
	"github.com/vnmchuo/model-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/model-orchestrator/internal/provider"
	"github.com/vnmchuo/model-orchestrator/internal/usage"
	"github.com/vnmchuo/model-orchestrator/pkg/ratelimit"
)

const serviceName = "model-orchestrator"

// Deps wires a Handler. Only Orchestrator is required.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Usage        usage.Store
	Recorder     *usage.Recorder
	Limiter      *ratelimit.Limiter
	Tracer       trace.Tracer
	Logger       *zap.Logger
	Gatherer     prometheus.Gatherer
	Version      string

	DefaultTemperature float64
	DefaultMaxTokens   int
}

type Handler struct {
	orch     *orchestrator.Orchestrator
	usage    usage.Store
	recorder *usage.Recorder
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	version  string

	defaultTemperature float64
	defaultMaxTokens   int
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		orch:               d.Orchestrator,
		usage:              d.Usage,
		recorder:           d.Recorder,
		limiter:            d.Limiter,
		tracer:             d.Tracer,
		logger:             d.Logger,
		gatherer:           d.Gatherer,
		version:            d.Version,
		defaultTemperature: d.DefaultTemperature,
		defaultMaxTokens:   d.DefaultMaxTokens,
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer(serviceName)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("proxy")
	if h.version == "" {
		h.version = "dev"
	}
	if h.defaultMaxTokens == 0 {
		h.defaultMaxTokens = orchestrator.DefaultMaxTokens
	}
	return h
}

// Routes returns the HTTP surface with its middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(RequestID)
	r.Use(AccessLog(h.logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/health", h.HandleHealth)
	if h.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(h.gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.HandleChatCompletions)
		r.Post("/generate", h.HandleGenerate)
		r.Post("/smart-route", h.HandleSmartRoute)
		r.Post("/multi-provider", h.HandleMultiProvider)
		r.Get("/providers", h.HandleProviders)
		r.Get("/metrics", h.HandleMetrics)
		r.Get("/cache/stats", h.HandleCacheStats)
		r.Post("/cache/clear", h.HandleCacheClear)
		r.Get("/usage", h.HandleUsage)
	})
	return r
}

type generateBody struct {
	Prompt       string   `json:"prompt"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	TaskType     string   `json:"task_type"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	UseCache     *bool    `json:"use_cache"`
	Stream       bool     `json:"stream"`
}

type chatBody struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stream      bool     `json:"stream"`
}

type multiBody struct {
	Prompt       string   `json:"prompt"`
	Providers    []string `json:"providers"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	available := map[string]bool{}
	for _, s := range h.orch.Providers() {
		if s.State == provider.StateAvailable {
			available[string(s.Provider)] = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"version":   h.version,
		"providers": available,
		"metrics":   h.orch.Metrics(),
	})
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := h.toRequest(body.Prompt, body.Provider, body.Model, body.SystemPrompt, body.Temperature, body.MaxTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.TaskType = body.TaskType
	req.UseCache = body.UseCache == nil || *body.UseCache

	ctx, span := h.startSpan(r, "proxy.generate")
	defer span.End()
	if !h.allow(ctx, w, r, req.MaxTokens) {
		return
	}

	if body.Stream {
		h.stream(ctx, w, r, req, "/v1/generate")
		return
	}

	res, err := h.orch.Generate(ctx, req)
	h.record(r, "/v1/generate", req, res, err)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":     res.Text,
		"provider":    res.Provider,
		"model":       res.Model,
		"cached":      res.Cached,
		"failed_over": res.FailedOver,
		"request_id":  requestIDFrom(r.Context()),
	})
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	prompt := body.Messages[len(body.Messages)-1].Content
	var system string
	if len(body.Messages) > 1 && body.Messages[0].Role == "system" {
		system = body.Messages[0].Content
	}

	req, err := h.toRequest(prompt, body.Provider, body.Model, system, body.Temperature, body.MaxTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UseCache = true

	ctx, span := h.startSpan(r, "proxy.chat_completions")
	defer span.End()
	if !h.allow(ctx, w, r, req.MaxTokens) {
		return
	}

	if body.Stream {
		h.stream(ctx, w, r, req, "/v1/chat/completions")
		return
	}

	res, err := h.orch.Generate(ctx, req)
	h.record(r, "/v1/chat/completions", req, res, err)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       uuid.New().String(),
		"object":   "chat.completion",
		"created":  time.Now().Unix(),
		"model":    res.Model,
		"provider": res.Provider,
		"cached":   res.Cached,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": res.Text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     res.InputTokens,
			"completion_tokens": res.OutputTokens,
			"total_tokens":      res.InputTokens + res.OutputTokens,
		},
	})
}

func (h *Handler) HandleSmartRoute(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := h.toRequest(body.Prompt, "", "", body.SystemPrompt, body.Temperature, body.MaxTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.TaskType = body.TaskType
	if req.TaskType == "" {
		req.TaskType = "general"
	}
	req.UseCache = true

	ctx, span := h.startSpan(r, "proxy.smart_route")
	defer span.End()
	span.SetAttributes(attribute.String("task_type", req.TaskType))
	if !h.allow(ctx, w, r, req.MaxTokens) {
		return
	}

	res, err := h.orch.SmartRoute(ctx, req)
	h.record(r, "/v1/smart-route", req, res, err)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":     res.Text,
		"task_type":   req.TaskType,
		"provider":    res.Provider,
		"model":       res.Model,
		"cached":      res.Cached,
		"failed_over": res.FailedOver,
	})
}

func (h *Handler) HandleMultiProvider(w http.ResponseWriter, r *http.Request) {
	var body multiBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := h.toRequest(body.Prompt, "", "", body.SystemPrompt, body.Temperature, body.MaxTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := make([]provider.Identity, 0, len(body.Providers))
	for _, p := range body.Providers {
		id, err := provider.ParseIdentity(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ids = append(ids, id)
	}

	ctx, span := h.startSpan(r, "proxy.multi_provider")
	defer span.End()
	// Fan-out spends tokens on every provider it reaches.
	fanout := len(ids)
	if fanout == 0 {
		fanout = h.availableProviders()
	}
	if !h.allow(ctx, w, r, req.MaxTokens*fanout) {
		return
	}

	responses, err := h.orch.MultiProviderGenerate(ctx, req, ids)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"responses": responses})
}

type providerInfo struct {
	Available bool     `json:"available"`
	State     string   `json:"state"`
	Circuit   string   `json:"circuit"`
	Models    []string `json:"models,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]providerInfo)
	for _, s := range h.orch.Providers() {
		out[string(s.Provider)] = providerInfo{
			Available: s.State == provider.StateAvailable,
			State:     string(s.State),
			Circuit:   s.Circuit,
			Models:    s.Models,
			Error:     s.Error,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default_provider": h.orch.DefaultProvider(),
		"providers":        out,
	})
}

// availableProviders counts the registered providers, which is who an
// unscoped fan-out reaches.
func (h *Handler) availableProviders() int {
	n := 0
	for _, s := range h.orch.Providers() {
		if s.State == provider.StateAvailable {
			n++
		}
	}
	return n
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Metrics())
}

func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.orch.CacheStats()
	if !ok {
		writeError(w, http.StatusNotFound, "cache statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	h.orch.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotFound, "usage ledger not configured")
		return
	}
	ctx := r.Context()

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now
	limit := 100

	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	logs, err := h.usage.ListUsage(ctx, from, to, limit)
	if err != nil {
		h.logger.Error("failed to list usage", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := h.usage.SummarizeByProvider(ctx, from, to)
	if err != nil {
		h.logger.Error("failed to summarize usage", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"summary": summary,
		"logs":    logs,
	})
}

// stream relays a streamed generation as server-sent events, ending with
// data: [DONE] or an error event.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, r *http.Request, req orchestrator.GenerationRequest, endpoint string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	start := time.Now()
	s, err := h.orch.StreamGenerate(ctx, req)
	if err != nil {
		h.record(r, endpoint, req, nil, err)
		h.fail(w, trace.SpanFromContext(ctx), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var streamErr error
	for chunk := range s.Chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			writeEvent(w, "error", map[string]string{"error": chunk.Err.Error()})
			flusher.Flush()
			break
		}
		if chunk.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}
		writeEvent(w, "", map[string]string{"content": chunk.Delta})
		flusher.Flush()
	}

	rec := &usage.Record{
		Provider:  string(s.Provider),
		Model:     s.Model,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    usage.StatusSuccess,
	}
	if streamErr != nil {
		rec.Status = usage.StatusError
		h.logger.Warn("stream aborted", zap.String("provider", string(s.Provider)), zap.Error(streamErr))
	}
	h.enqueue(r, endpoint, rec)
}

func (h *Handler) toRequest(prompt, providerName, model, system string, temperature *float64, maxTokens *int) (orchestrator.GenerationRequest, error) {
	req := orchestrator.GenerationRequest{
		Prompt:       prompt,
		Model:        model,
		SystemPrompt: system,
		Temperature:  h.defaultTemperature,
		MaxTokens:    h.defaultMaxTokens,
	}
	if providerName != "" {
		id, err := provider.ParseIdentity(providerName)
		if err != nil {
			return req, err
		}
		req.Provider = id
	}
	if temperature != nil {
		req.Temperature = *temperature
	}
	if maxTokens != nil {
		if *maxTokens == 0 {
			return req, errors.New("max_tokens must be at least 1")
		}
		req.MaxTokens = *maxTokens
	}
	return req, nil
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), name)
	span.SetAttributes(
		attribute.String("request_id", requestIDFrom(r.Context())),
		attribute.String("client_id", clientID(r)),
	)
	return ctx, span
}

// allow applies the per-client token limit and writes the 429 itself.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, r *http.Request, tokens int) bool {
	allowed, err := h.limiter.Allow(ctx, clientID(r), tokens)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.Error(err))
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return false
	}
	return true
}

func (h *Handler) record(r *http.Request, endpoint string, req orchestrator.GenerationRequest, res *orchestrator.Result, err error) {
	rec := &usage.Record{Provider: string(req.Provider), Model: req.Model, Status: usage.StatusSuccess}
	if err != nil {
		rec.Status = usage.StatusError
		if rec.Provider == "" {
			rec.Provider = string(h.orch.DefaultProvider())
		}
	}
	if res != nil {
		rec.Provider = string(res.Provider)
		rec.Model = res.Model
		rec.InputTokens = res.InputTokens
		rec.OutputTokens = res.OutputTokens
		rec.LatencyMs = res.Latency.Milliseconds()
		rec.Cached = res.Cached
		rec.FailedOver = res.FailedOver
	}
	h.enqueue(r, endpoint, rec)
}

func (h *Handler) enqueue(r *http.Request, endpoint string, rec *usage.Record) {
	if h.recorder == nil {
		return
	}
	rec.RequestID = requestIDFrom(r.Context())
	rec.ClientID = clientID(r)
	rec.Endpoint = endpoint
	_ = h.recorder.Enqueue(rec)
}

func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var perr *provider.Error
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrConfig), errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrGeneration),
		errors.Is(err, orchestrator.ErrAllProvidersFailed),
		errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
