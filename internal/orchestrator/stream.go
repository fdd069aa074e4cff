package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// Stream is an in-progress streamed generation. Chunks is closed after a
// Done chunk, an Err chunk, or context cancellation.
type Stream struct {
	Provider provider.Identity
	Model    string
	Chunks   <-chan *provider.Chunk
}

// StreamGenerate forwards the provider's chunks in order. There is no cache
// and no failover: output may already have reached the caller when a
// failure happens, so errors end the stream as a terminal Err chunk.
func (o *Orchestrator) StreamGenerate(ctx context.Context, req GenerationRequest) (*Stream, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	rt := o.resolve(req)
	client, ok := o.registry.Get(rt.Provider)
	if !ok {
		return nil, &ConfigError{Provider: rt.Provider}
	}
	id := rt.Provider
	if !o.health.available(id) {
		return nil, provider.Wrap(id, gobreaker.ErrOpenState)
	}

	// The forwarding goroutine cancels on exit so the source stops too.
	parent := ctx
	var cancel context.CancelFunc
	if o.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	preq := req.providerRequest(rt.Model)
	preq.Stream = true

	o.metrics.RecordAttempt(id)
	start := time.Now()
	src, err := client.CompleteStream(ctx, preq)
	if err != nil {
		cancel()
		err = provider.Wrap(id, err)
		o.metrics.RecordError(id)
		o.health.record(id, err)
		return nil, err
	}

	out := make(chan *provider.Chunk)
	go func() {
		defer cancel()
		defer close(out)

		for chunk := range src {
			if chunk.Err != nil {
				chunk = &provider.Chunk{Err: provider.Wrap(id, chunk.Err)}
				o.metrics.RecordError(id)
				o.health.record(id, chunk.Err)
			} else if chunk.Done {
				o.metrics.RecordSuccess(id, time.Since(start))
				o.health.record(id, nil)
			}

			terminal := chunk.Err != nil || chunk.Done
			select {
			case out <- chunk:
			case <-ctx.Done():
				if !terminal {
					o.abandoned(parent, ctx, id, out)
				}
				return
			}
			if terminal {
				return
			}
		}
		if ctx.Err() != nil {
			o.abandoned(parent, ctx, id, out)
			return
		}
		// Source closed without a terminal chunk: treat as a clean end.
		o.metrics.RecordSuccess(id, time.Since(start))
		o.health.record(id, nil)
		select {
		case out <- &provider.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return &Stream{Provider: id, Model: rt.Model, Chunks: out}, nil
}

// abandoned settles a stream whose context ended before the provider
// finished. A caller that cancels is neither a success nor a failure. The
// per-attempt timeout firing is a provider failure and is reported to the
// caller as a terminal Err chunk.
func (o *Orchestrator) abandoned(parent, ctx context.Context, id provider.Identity, out chan<- *provider.Chunk) {
	if parent.Err() != nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	err := provider.Wrap(id, ctx.Err())
	o.metrics.RecordError(id)
	o.health.record(id, err)
	select {
	case out <- &provider.Chunk{Err: err}:
	case <-parent.Done():
	}
}
