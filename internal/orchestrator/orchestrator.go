package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-orchestrator/internal/cache"
	"github.com/vnmchuo/model-orchestrator/internal/metrics"
	"github.com/vnmchuo/model-orchestrator/internal/provider"
	"github.com/vnmchuo/model-orchestrator/internal/routing"
)

// Config is fixed at construction. Reconfiguring means building a new
// Orchestrator.
type Config struct {
	DefaultProvider     provider.Identity
	EnableFallback      bool
	EnableLoadBalancing bool
	EnableCaching       bool
	// MaxRetries caps failover attempts after the primary call. Zero turns
	// failover off as if EnableFallback were false.
	MaxRetries int
	// Timeout bounds each provider call. Zero leaves it to the client.
	Timeout time.Duration
	// BreakerThreshold is the number of consecutive failures that opens a
	// provider's circuit. Zero disables circuit breaking.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultProvider:     provider.NVIDIA,
		EnableFallback:      true,
		EnableLoadBalancing: true,
		EnableCaching:       true,
		MaxRetries:          3,
		Timeout:             300 * time.Second,
		BreakerThreshold:    3,
		BreakerCooldown:     30 * time.Second,
	}
}

type Orchestrator struct {
	cfg      Config
	registry *provider.Registry
	router   *routing.Router
	cache    cache.Cache
	metrics  *metrics.Collector
	health   *health
	logger   *zap.Logger
	tracer   trace.Tracer
	closed   atomic.Bool
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithRouter(r *routing.Router) Option {
	return func(o *Orchestrator) { o.router = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New builds an Orchestrator over registry. The Orchestrator takes
// ownership of the registry and closes it on Close.
func New(cfg Config, registry *provider.Registry, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("orchestrator: nil provider registry")
	}
	if _, err := provider.ParseIdentity(string(cfg.DefaultProvider)); err != nil {
		return nil, fmt.Errorf("orchestrator: default provider: %w", err)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("orchestrator: max retries must not be negative, got %d", cfg.MaxRetries)
	}

	o := &Orchestrator{cfg: cfg, registry: registry}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	if o.router == nil {
		o.router = routing.New(cfg.DefaultProvider, nil)
	}
	if o.cache == nil {
		o.cache = cache.NewLRU(1000, 0)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector(nil)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/vnmchuo/model-orchestrator/internal/orchestrator")
	}
	o.health = newHealth(provider.Known, cfg.BreakerThreshold, cfg.BreakerCooldown, o.logger)
	return o, nil
}

// Generate serves req from the cache or a provider, failing over to the
// remaining providers when enabled.
func (o *Orchestrator) Generate(ctx context.Context, req GenerationRequest) (*Result, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.generate")
	defer span.End()

	rt := o.resolve(req)
	span.SetAttributes(
		attribute.String("orchestrator.provider", string(rt.Provider)),
		attribute.String("orchestrator.task_type", req.TaskType),
	)

	res, err := o.generate(ctx, req, rt, req.UseCache && o.cfg.EnableCaching)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("orchestrator.cached", res.Cached),
		attribute.Bool("orchestrator.failed_over", res.FailedOver),
	)
	return res, nil
}

// SmartRoute serves req with the provider and model the routing table
// assigns to its task type. Any explicit provider or model is ignored.
func (o *Orchestrator) SmartRoute(ctx context.Context, req GenerationRequest) (*Result, error) {
	if req.TaskType == "" {
		req.TaskType = routing.TaskGeneral
	}
	rt := o.router.Resolve(routing.Query{TaskType: req.TaskType})
	req.Provider = rt.Provider
	req.Model = rt.Model
	return o.Generate(ctx, req)
}

// resolve applies the Router and, for requests that did not name a
// provider, steers away from providers that cannot serve right now.
func (o *Orchestrator) resolve(req GenerationRequest) routing.Route {
	rt := o.router.Resolve(routing.Query{
		Provider: req.Provider,
		Model:    req.Model,
		TaskType: req.TaskType,
	})
	if req.Provider != "" || !o.cfg.EnableLoadBalancing || o.usable(rt.Provider) {
		return rt
	}

	for _, id := range provider.FailoverOrder {
		if id != rt.Provider && o.usable(id) {
			o.logger.Debug("rebalanced request",
				zap.String("from", string(rt.Provider)),
				zap.String("to", string(id)),
			)
			return routing.Route{Provider: id}
		}
	}
	return rt
}

func (o *Orchestrator) usable(id provider.Identity) bool {
	_, ok := o.registry.Get(id)
	return ok && o.health.available(id)
}

func (o *Orchestrator) generate(ctx context.Context, req GenerationRequest, rt routing.Route, useCache bool) (*Result, error) {
	var key string
	if useCache {
		key = cache.Key(rt.Provider, rt.Model, req.promptContent())
		if text, ok := o.cache.Get(key); ok {
			o.metrics.RecordCacheHit(rt.Provider)
			model := rt.Model
			if client, ok := o.registry.Get(rt.Provider); ok {
				model = reportedModel(client, rt.Model)
			}
			return &Result{Text: text, Provider: rt.Provider, Model: model, Cached: true}, nil
		}
	}

	client, ok := o.registry.Get(rt.Provider)
	if !ok {
		return nil, &ConfigError{Provider: rt.Provider}
	}

	res, err := o.attempt(ctx, client, rt.Model, req)
	if err == nil {
		if useCache {
			o.cache.Put(key, res.Text)
		}
		return res, nil
	}

	if !o.cfg.EnableFallback || o.cfg.MaxRetries == 0 {
		return nil, &GenerationError{Provider: rt.Provider, Err: err}
	}
	return o.failover(ctx, req, rt.Provider, err)
}

// attempt makes one provider call and records its outcome. Returned errors
// are always *provider.Error.
func (o *Orchestrator) attempt(ctx context.Context, client provider.Client, model string, req GenerationRequest) (*Result, error) {
	id := client.Identity()
	ctx, span := o.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(
		attribute.String("orchestrator.provider", string(id)),
		attribute.String("orchestrator.model", model),
	))
	defer span.End()

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	o.metrics.RecordAttempt(id)
	start := time.Now()
	resp, err := o.health.execute(id, func() (*provider.Response, error) {
		resp, err := client.Complete(ctx, req.providerRequest(model))
		if err == nil && resp == nil {
			err = errors.New("empty response")
		}
		return resp, err
	})
	latency := time.Since(start)

	if err != nil {
		err = provider.Wrap(id, err)
		o.metrics.RecordError(id)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.metrics.RecordSuccess(id, latency)

	reported := reportedModel(client, model)
	if reported == "" {
		reported = resp.Model
	}
	return &Result{
		Text:         resp.Content,
		Provider:     id,
		Model:        reported,
		Latency:      latency,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// reportedModel is the model a Result names: the one requested, or the
// client's default when none was. Cached and fresh answers to the same
// request report the same value.
func reportedModel(client provider.Client, model string) string {
	if model != "" {
		return model
	}
	return client.DefaultModel()
}

// Providers reports every known provider with its registration state and
// circuit state.
func (o *Orchestrator) Providers() []ProviderStatus {
	statuses := o.registry.Statuses()
	out := make([]ProviderStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, ProviderStatus{Status: s, Circuit: o.health.state(s.Provider)})
	}
	return out
}

type ProviderStatus struct {
	provider.Status
	Circuit string `json:"circuit"`
}

func (o *Orchestrator) Metrics() metrics.Snapshot {
	return o.metrics.Snapshot()
}

// CacheStats reports cache statistics when the configured cache keeps them.
func (o *Orchestrator) CacheStats() (cache.Stats, bool) {
	s, ok := o.cache.(interface{ Stats() cache.Stats })
	if !ok {
		return cache.Stats{}, false
	}
	return s.Stats(), true
}

func (o *Orchestrator) ClearCache() {
	o.cache.Clear()
	o.logger.Info("cache cleared")
}

func (o *Orchestrator) DefaultProvider() provider.Identity {
	return o.cfg.DefaultProvider
}

// Close closes every registered client. It is safe to call more than once.
// Calls already in flight keep the client they hold; new calls fail with
// ErrClosed.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.registry.Close()
	return nil
}
