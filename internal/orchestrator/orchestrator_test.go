package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// callLog records the order providers were called in, across clients.
type callLog struct {
	mu    sync.Mutex
	order []provider.Identity
}

func (l *callLog) add(id provider.Identity) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.order = append(l.order, id)
	l.mu.Unlock()
}

func (l *callLog) get() []provider.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]provider.Identity(nil), l.order...)
}

type stubClient struct {
	id     provider.Identity
	reply  string
	err    error
	delay  time.Duration
	// gap is the pause before each streamed chunk.
	gap time.Duration
	chunks []string
	log    *callLog

	mu       sync.Mutex
	calls    int
	requests []*provider.Request
	closed   int
}

func newStub(id provider.Identity, reply string, err error) *stubClient {
	return &stubClient{id: id, reply: reply, err: err}
}

func (s *stubClient) Identity() provider.Identity { return s.id }
func (s *stubClient) DefaultModel() string        { return string(s.id) + "-default" }
func (s *stubClient) SupportedModels() []string   { return []string{s.DefaultModel()} }

func (s *stubClient) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *stubClient) record(req *provider.Request) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	s.log.add(s.id)
}

func (s *stubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubClient) lastRequest() *provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func (s *stubClient) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	s.record(req)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Response{Content: s.reply, Model: req.Model, Provider: s.id}, nil
}

func (s *stubClient) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	s.record(req)
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		send := func(c *provider.Chunk) bool {
			if s.gap > 0 {
				select {
				case <-time.After(s.gap):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, d := range s.chunks {
			if !send(&provider.Chunk{Delta: d}) {
				return
			}
		}
		if s.err != nil {
			send(&provider.Chunk{Err: s.err})
			return
		}
		send(&provider.Chunk{Done: true})
	}()
	return ch, nil
}

func newTestOrchestrator(t *testing.T, cfg Config, clients ...*stubClient) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWithLogger(t, cfg, zaptest.NewLogger(t), clients...)
}

func newTestOrchestratorWithLogger(t *testing.T, cfg Config, logger *zap.Logger, clients ...*stubClient) *Orchestrator {
	t.Helper()
	reg := provider.NewRegistry(logger)
	for _, c := range clients {
		reg.Register(c)
	}
	o, err := New(cfg, reg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.DefaultProvider = "gemini"
	_, err = New(cfg, provider.NewRegistry(nil))
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxRetries = -1
	_, err = New(cfg, provider.NewRegistry(nil))
	assert.Error(t, err)
}

func TestGenerate_CacheHitSkipsProvider(t *testing.T) {
	nv := newStub(provider.NVIDIA, "hello back", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	req := GenerationRequest{Prompt: "hello", Provider: provider.NVIDIA, Model: "m", UseCache: true}
	first, err := o.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, nv.Calls())

	m := o.Metrics()
	assert.Equal(t, int64(1), m.RequestsCount)
	assert.Equal(t, int64(1), m.CacheHits)
}

func TestGenerate_CachedResultReportsSameModel(t *testing.T) {
	nv := newStub(provider.NVIDIA, "hello back", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	req := GenerationRequest{Prompt: "hello", UseCache: true}
	first, err := o.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Generate(context.Background(), req)
	require.NoError(t, err)

	require.True(t, second.Cached)
	assert.Equal(t, "nvidia-default", first.Model)
	assert.Equal(t, first.Model, second.Model)

	explicit := GenerationRequest{Prompt: "hello", Provider: provider.NVIDIA, Model: "m", UseCache: true}
	first, err = o.Generate(context.Background(), explicit)
	require.NoError(t, err)
	second, err = o.Generate(context.Background(), explicit)
	require.NoError(t, err)
	assert.Equal(t, "m", first.Model)
	assert.Equal(t, "m", second.Model)
}

func TestGenerate_CacheRespectsConfigAndRequest(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	cfg := DefaultConfig()
	cfg.EnableCaching = false
	o := newTestOrchestrator(t, cfg, nv)

	req := GenerationRequest{Prompt: "p", UseCache: true}
	_, _ = o.Generate(context.Background(), req)
	_, _ = o.Generate(context.Background(), req)
	assert.Equal(t, 2, nv.Calls())

	nv2 := newStub(provider.NVIDIA, "ok", nil)
	o2 := newTestOrchestrator(t, DefaultConfig(), nv2)
	req.UseCache = false
	_, _ = o2.Generate(context.Background(), req)
	_, _ = o2.Generate(context.Background(), req)
	assert.Equal(t, 2, nv2.Calls())
}

func TestGenerate_SystemPromptIsPartOfCacheKey(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "p", UseCache: true})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), GenerationRequest{Prompt: "p", SystemPrompt: "be brief", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, nv.Calls())
}

func TestGenerate_ClearCache(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	req := GenerationRequest{Prompt: "p", UseCache: true}
	_, _ = o.Generate(context.Background(), req)
	o.ClearCache()
	_, _ = o.Generate(context.Background(), req)
	assert.Equal(t, 2, nv.Calls())

	stats, ok := o.CacheStats()
	require.True(t, ok)
	assert.Equal(t, 1, stats.Size)
}

func TestGenerate_FailoverOrder(t *testing.T) {
	log := &callLog{}
	nv := newStub(provider.NVIDIA, "", errors.New("nvidia down"))
	sn := newStub(provider.SambaNova, "", errors.New("sambanova down"))
	cb := newStub(provider.Cerebras, "from cerebras", nil)
	for _, s := range []*stubClient{nv, sn, cb} {
		s.log = log
	}

	core, logs := observer.New(zap.DebugLevel)
	o := newTestOrchestratorWithLogger(t, DefaultConfig(), zap.New(core), nv, sn, cb)

	res, err := o.Generate(context.Background(), GenerationRequest{
		Prompt:   "hi",
		Provider: provider.NVIDIA,
		Model:    "nvidia-only-model",
		UseCache: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "from cerebras", res.Text)
	assert.Equal(t, provider.Cerebras, res.Provider)
	assert.True(t, res.FailedOver)
	assert.Equal(t, []provider.Identity{provider.NVIDIA, provider.SambaNova, provider.Cerebras}, log.get())
	assert.Equal(t, 1, nv.Calls())

	assert.Equal(t, "nvidia-only-model", nv.lastRequest().Model)
	assert.Empty(t, sn.lastRequest().Model, "fallback must not reuse the primary's model")
	assert.Empty(t, cb.lastRequest().Model)

	assert.Equal(t, 2, logs.FilterMessage("failing over").Len())

	// Fallback results are never cached.
	_, err = o.Generate(context.Background(), GenerationRequest{Prompt: "hi", Provider: provider.Cerebras, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, cb.Calls())
}

func TestGenerate_FailoverNeverRetriesPrimary(t *testing.T) {
	log := &callLog{}
	sn := newStub(provider.SambaNova, "", errors.New("a fails"))
	nv := newStub(provider.NVIDIA, "", errors.New("b fails"))
	cb := newStub(provider.Cerebras, "c wins", nil)
	for _, s := range []*stubClient{nv, sn, cb} {
		s.log = log
	}
	o := newTestOrchestrator(t, DefaultConfig(), nv, sn, cb)

	res, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x", Provider: provider.SambaNova})
	require.NoError(t, err)
	assert.Equal(t, "c wins", res.Text)
	assert.Equal(t, []provider.Identity{provider.SambaNova, provider.NVIDIA, provider.Cerebras}, log.get())
	assert.Equal(t, 1, sn.Calls())
}

func TestGenerate_AllProvidersFailed(t *testing.T) {
	nv := newStub(provider.NVIDIA, "", errors.New("n"))
	sn := newStub(provider.SambaNova, "", errors.New("s"))
	cb := newStub(provider.Cerebras, "", errors.New("c"))

	core, logs := observer.New(zap.DebugLevel)
	o := newTestOrchestratorWithLogger(t, DefaultConfig(), zap.New(core), nv, sn, cb)

	before := o.Metrics().ErrorCount
	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Attempts, 3)
	assert.Equal(t, provider.NVIDIA, all.Attempts[0].Provider)
	assert.Equal(t, provider.SambaNova, all.Attempts[1].Provider)
	assert.Equal(t, provider.Cerebras, all.Attempts[2].Provider)

	var perr *provider.Error
	assert.ErrorAs(t, err, &perr)

	m := o.Metrics()
	assert.Equal(t, before+int64(len(all.Attempts)), m.ErrorCount)
	assert.Equal(t, int64(3), m.RequestsCount)
	for _, id := range provider.FailoverOrder {
		assert.Equal(t, int64(1), m.ProviderUsage[string(id)])
	}
	assert.Equal(t, 1, logs.FilterMessage("failover exhausted").Len())
}

func TestGenerate_MaxRetriesCapsFailover(t *testing.T) {
	nv := newStub(provider.NVIDIA, "", errors.New("n"))
	sn := newStub(provider.SambaNova, "", errors.New("s"))
	cb := newStub(provider.Cerebras, "never reached", nil)
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	o := newTestOrchestrator(t, cfg, nv, sn, cb)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Attempts, 2)
	assert.Zero(t, cb.Calls())
}

func TestGenerate_ZeroMaxRetriesDisablesFailover(t *testing.T) {
	nv := newStub(provider.NVIDIA, "", errors.New("boom"))
	sn := newStub(provider.SambaNova, "ok", nil)
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	o := newTestOrchestrator(t, cfg, nv, sn)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, 1, nv.Calls())
	assert.Zero(t, sn.Calls())
}

func TestGenerate_NoFallbackReturnsGenerationError(t *testing.T) {
	nv := newStub(provider.NVIDIA, "", errors.New("boom"))
	sn := newStub(provider.SambaNova, "ok", nil)
	cfg := DefaultConfig()
	cfg.EnableFallback = false
	o := newTestOrchestrator(t, cfg, nv, sn)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x", Provider: provider.NVIDIA})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.NVIDIA, perr.Provider)
	assert.Zero(t, sn.Calls())
	assert.Equal(t, int64(1), o.Metrics().ErrorCount)
}

func TestGenerate_ConfigError(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	cfg := DefaultConfig()
	cfg.DefaultProvider = provider.SambaNova
	cfg.EnableLoadBalancing = false
	o := newTestOrchestrator(t, cfg, nv)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrConfig)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, provider.SambaNova, cerr.Provider)

	// Explicit requests are never rebalanced.
	o2 := newTestOrchestrator(t, DefaultConfig(), newStub(provider.NVIDIA, "ok", nil))
	_, err = o2.Generate(context.Background(), GenerationRequest{Prompt: "x", Provider: provider.Cerebras})
	assert.ErrorIs(t, err, ErrConfig)

	assert.Zero(t, nv.Calls())
	assert.Zero(t, o.Metrics().RequestsCount)
}

func TestGenerate_LoadBalancingSkipsUnavailableDefault(t *testing.T) {
	nv := newStub(provider.NVIDIA, "from nvidia", nil)
	cfg := DefaultConfig()
	cfg.DefaultProvider = provider.SambaNova
	o := newTestOrchestrator(t, cfg, nv)

	res, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, provider.NVIDIA, res.Provider)
	assert.False(t, res.FailedOver)
}

func TestGenerate_OpenCircuitIsSkipped(t *testing.T) {
	nv := newStub(provider.NVIDIA, "", errors.New("down"))
	sn := newStub(provider.SambaNova, "from sambanova", nil)
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Minute
	o := newTestOrchestrator(t, cfg, nv, sn)

	res, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.True(t, res.FailedOver)
	assert.Equal(t, 1, nv.Calls())

	var nvStatus ProviderStatus
	for _, s := range o.Providers() {
		if s.Provider == provider.NVIDIA {
			nvStatus = s
		}
	}
	assert.Equal(t, "open", nvStatus.Circuit)

	// Unqualified requests are steered away from the open circuit.
	res, err = o.Generate(context.Background(), GenerationRequest{Prompt: "y"})
	require.NoError(t, err)
	assert.Equal(t, provider.SambaNova, res.Provider)
	assert.False(t, res.FailedOver)

	// An explicit request fails fast and then fails over.
	res, err = o.Generate(context.Background(), GenerationRequest{Prompt: "z", Provider: provider.NVIDIA})
	require.NoError(t, err)
	assert.True(t, res.FailedOver)
	assert.Equal(t, 1, nv.Calls())
}

func TestGenerate_TimeoutBoundsAttempt(t *testing.T) {
	nv := newStub(provider.NVIDIA, "late", nil)
	nv.delay = time.Second
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.EnableFallback = false
	o := newTestOrchestrator(t, cfg, nv)

	start := time.Now()
	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	tests := []struct {
		name string
		req  GenerationRequest
		msg  string
	}{
		{"empty prompt", GenerationRequest{}, "prompt is required"},
		{"temperature high", GenerationRequest{Prompt: "x", Temperature: 2.5}, "temperature must be at most 2"},
		{"temperature negative", GenerationRequest{Prompt: "x", Temperature: -1}, "temperature must be at least 0"},
		{"max tokens high", GenerationRequest{Prompt: "x", MaxTokens: 32001}, "max_tokens must be at most 32000"},
		{"max tokens negative", GenerationRequest{Prompt: "x", MaxTokens: -5}, "max_tokens must be at least 1"},
		{"unknown provider", GenerationRequest{Prompt: "x", Provider: "gemini"}, "not a known provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Generate(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
	assert.Zero(t, nv.Calls())
}

func TestGenerate_DefaultsMaxTokens(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x", SystemPrompt: "sys", Temperature: 0.3})
	require.NoError(t, err)

	req := nv.lastRequest()
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
}

func TestSmartRoute(t *testing.T) {
	nv := newStub(provider.NVIDIA, "from nvidia", nil)
	cb := newStub(provider.Cerebras, "from cerebras", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv, cb)

	res, err := o.SmartRoute(context.Background(), GenerationRequest{Prompt: "write a func", TaskType: "code"})
	require.NoError(t, err)
	assert.Equal(t, provider.Cerebras, res.Provider)
	assert.Equal(t, "qwen-3-coder-480b", cb.lastRequest().Model)

	res, err = o.SmartRoute(context.Background(), GenerationRequest{Prompt: "x", TaskType: "unheard-of"})
	require.NoError(t, err)
	assert.Equal(t, provider.NVIDIA, res.Provider)
	assert.Empty(t, nv.lastRequest().Model)
}

func TestMultiProviderGenerate_Independence(t *testing.T) {
	nv := newStub(provider.NVIDIA, "nvidia says hi", nil)
	sn := newStub(provider.SambaNova, "", errors.New("quota exceeded"))
	cb := newStub(provider.Cerebras, "cerebras says hi", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv, sn, cb)

	results, err := o.MultiProviderGenerate(context.Background(), GenerationRequest{Prompt: "hi"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "nvidia says hi", results[provider.NVIDIA])
	assert.Equal(t, "cerebras says hi", results[provider.Cerebras])
	assert.True(t, strings.HasPrefix(results[provider.SambaNova], "Error: "))
	assert.Contains(t, results[provider.SambaNova], "quota exceeded")

	// No failover from the failed slot.
	assert.Equal(t, 1, nv.Calls())
	assert.Equal(t, 1, cb.Calls())
}

func TestMultiProviderGenerate_ExplicitProviders(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	results, err := o.MultiProviderGenerate(context.Background(), GenerationRequest{Prompt: "hi", UseCache: true},
		[]provider.Identity{provider.NVIDIA, provider.NVIDIA, provider.OpenAI})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[provider.NVIDIA])
	assert.Contains(t, results[provider.OpenAI], "not configured")

	// Fan-out never reads or writes the cache.
	_, err = o.MultiProviderGenerate(context.Background(), GenerationRequest{Prompt: "hi", UseCache: true},
		[]provider.Identity{provider.NVIDIA})
	require.NoError(t, err)
	assert.Equal(t, 2, nv.Calls())
}

func TestMultiProviderGenerate_RunsConcurrently(t *testing.T) {
	clients := []*stubClient{
		newStub(provider.NVIDIA, "a", nil),
		newStub(provider.SambaNova, "b", nil),
		newStub(provider.Cerebras, "c", nil),
	}
	for _, c := range clients {
		c.delay = 200 * time.Millisecond
	}
	o := newTestOrchestrator(t, DefaultConfig(), clients...)

	start := time.Now()
	results, err := o.MultiProviderGenerate(context.Background(), GenerationRequest{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStreamGenerate_PreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	nv := newStub(provider.NVIDIA, "", nil)
	nv.chunks = []string{"The ", "quick ", "fox"}
	reg := provider.NewRegistry(nil)
	reg.Register(nv)
	o, err := New(DefaultConfig(), reg)
	require.NoError(t, err)
	defer o.Close()

	s, err := o.StreamGenerate(context.Background(), GenerationRequest{Prompt: "x", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, provider.NVIDIA, s.Provider)

	var got []string
	var done bool
	for c := range s.Chunks {
		require.NoError(t, c.Err)
		if c.Done {
			done = true
			continue
		}
		got = append(got, c.Delta)
	}
	assert.True(t, done)
	assert.Equal(t, []string{"The ", "quick ", "fox"}, got)
	assert.True(t, nv.lastRequest().Stream)
	assert.Equal(t, int64(1), o.Metrics().SuccessCount)
}

func TestStreamGenerate_ErrorIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	nv := newStub(provider.NVIDIA, "", errors.New("connection reset"))
	nv.chunks = []string{"partial"}
	sn := newStub(provider.SambaNova, "never", nil)
	reg := provider.NewRegistry(nil)
	reg.Register(nv)
	reg.Register(sn)
	o, err := New(DefaultConfig(), reg)
	require.NoError(t, err)
	defer o.Close()

	s, err := o.StreamGenerate(context.Background(), GenerationRequest{Prompt: "x"})
	require.NoError(t, err)

	var chunks []*provider.Chunk
	for c := range s.Chunks {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Delta)

	var perr *provider.Error
	require.ErrorAs(t, chunks[1].Err, &perr)
	assert.Equal(t, provider.NVIDIA, perr.Provider)
	assert.Zero(t, sn.Calls(), "streams never fail over")
	assert.Equal(t, int64(1), o.Metrics().ErrorCount)
}

func TestStreamGenerate_CallerCancels(t *testing.T) {
	defer goleak.VerifyNone(t)

	nv := newStub(provider.NVIDIA, "", nil)
	nv.chunks = make([]string, 100)
	for i := range nv.chunks {
		nv.chunks[i] = "tok"
	}
	reg := provider.NewRegistry(nil)
	reg.Register(nv)
	o, err := New(DefaultConfig(), reg)
	require.NoError(t, err)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := o.StreamGenerate(ctx, GenerationRequest{Prompt: "x"})
	require.NoError(t, err)

	first := <-s.Chunks
	assert.Equal(t, "tok", first.Delta)
	cancel()

	// The channel closes once the forwarder notices the cancellation.
	for range s.Chunks {
	}

	m := o.Metrics()
	assert.Equal(t, int64(1), m.RequestsCount)
	assert.Equal(t, int64(0), m.SuccessCount, "a cancelled stream is not a success")
	assert.Equal(t, int64(0), m.ErrorCount, "a cancelled stream is not a provider failure")
	assert.Zero(t, m.AverageLatency)
	assert.Equal(t, "closed", o.Providers()[0].Circuit)
}

func TestStreamGenerate_TimeoutIsTerminalError(t *testing.T) {
	defer goleak.VerifyNone(t)

	nv := newStub(provider.NVIDIA, "", nil)
	nv.chunks = []string{"a", "b", "c", "d", "e"}
	nv.gap = 40 * time.Millisecond
	reg := provider.NewRegistry(nil)
	reg.Register(nv)
	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	o, err := New(cfg, reg)
	require.NoError(t, err)
	defer o.Close()

	s, err := o.StreamGenerate(context.Background(), GenerationRequest{Prompt: "x"})
	require.NoError(t, err)

	var last *provider.Chunk
	for c := range s.Chunks {
		last = c
	}
	require.NotNil(t, last)
	require.Error(t, last.Err)
	assert.ErrorIs(t, last.Err, context.DeadlineExceeded)
	var perr *provider.Error
	assert.ErrorAs(t, last.Err, &perr)

	m := o.Metrics()
	assert.Equal(t, int64(0), m.SuccessCount)
	assert.Equal(t, int64(1), m.ErrorCount)
}

func TestStreamGenerate_ConfigError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableLoadBalancing = false
	o := newTestOrchestrator(t, cfg)

	_, err := o.StreamGenerate(context.Background(), GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestClose_IdempotentAndRejectsNewCalls(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	sn := newStub(provider.SambaNova, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv, sn)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.Equal(t, 1, nv.closed)
	assert.Equal(t, 1, sn.closed)

	_, err := o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = o.StreamGenerate(context.Background(), GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = o.MultiProviderGenerate(context.Background(), GenerationRequest{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, nv.Calls())
}

func TestProviders_ReportsStatusAndCircuit(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	reg := provider.NewRegistry(nil)
	reg.Register(nv)
	reg.RecordInitFailure(provider.SambaNova, errors.New("missing api key"))

	cfg := DefaultConfig()
	cfg.BreakerThreshold = 0
	o, err := New(cfg, reg)
	require.NoError(t, err)
	defer o.Close()

	byID := map[provider.Identity]ProviderStatus{}
	for _, s := range o.Providers() {
		byID[s.Provider] = s
	}
	assert.Equal(t, provider.StateAvailable, byID[provider.NVIDIA].State)
	assert.Equal(t, provider.StateFailed, byID[provider.SambaNova].State)
	assert.Equal(t, provider.StateUnconfigured, byID[provider.Cerebras].State)
	assert.Equal(t, "disabled", byID[provider.NVIDIA].Circuit)
}

func TestMetrics_ConcurrentGenerate(t *testing.T) {
	nv := newStub(provider.NVIDIA, "ok", nil)
	o := newTestOrchestrator(t, DefaultConfig(), nv)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Generate(context.Background(), GenerationRequest{Prompt: "x"})
		}()
	}
	wg.Wait()

	m := o.Metrics()
	assert.Equal(t, int64(n), m.RequestsCount)
	assert.Equal(t, int64(n), m.SuccessCount)
	assert.Equal(t, int64(n), m.ProviderUsage["nvidia"])
}
