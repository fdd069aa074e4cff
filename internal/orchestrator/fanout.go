package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// MultiProviderGenerate sends req to every provider in providers (all
// registered providers when empty) concurrently. Each slot reflects only
// its own provider: no failover, no cache. A failed slot holds
// "Error: <message>" and never affects the others.
func (o *Orchestrator) MultiProviderGenerate(ctx context.Context, req GenerationRequest, providers []provider.Identity) (map[provider.Identity]string, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	req.Provider = ""
	req.Model = ""
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.multi_provider")
	defer span.End()

	ids := dedupe(providers)
	if len(ids) == 0 {
		ids = o.registry.IDs()
	}

	var (
		mu      sync.Mutex
		results = make(map[provider.Identity]string, len(ids))
		g       errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			text, err := o.generateOnce(ctx, id, req)
			if err != nil {
				text = "Error: " + err.Error()
			}
			mu.Lock()
			results[id] = text
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (o *Orchestrator) generateOnce(ctx context.Context, id provider.Identity, req GenerationRequest) (string, error) {
	client, ok := o.registry.Get(id)
	if !ok {
		return "", &ConfigError{Provider: id}
	}
	res, err := o.attempt(ctx, client, "", req)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func dedupe(ids []provider.Identity) []provider.Identity {
	seen := make(map[provider.Identity]bool, len(ids))
	out := make([]provider.Identity, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
