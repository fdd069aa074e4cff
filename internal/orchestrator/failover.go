package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// failover walks FailoverOrder once, skipping providers already tried,
// unregistered, or with an open circuit. Fallback attempts use the
// provider's default model and never touch the cache.
func (o *Orchestrator) failover(ctx context.Context, req GenerationRequest, failed provider.Identity, cause error) (*Result, error) {
	attempts := []Attempt{{Provider: failed, Err: cause}}
	tried := map[provider.Identity]bool{failed: true}

	for _, id := range provider.FailoverOrder {
		if len(attempts)-1 >= o.cfg.MaxRetries {
			break
		}
		if tried[id] {
			continue
		}
		client, ok := o.registry.Get(id)
		if !ok {
			continue
		}
		if !o.health.available(id) {
			o.logger.Debug("skipping provider with open circuit", zap.String("provider", string(id)))
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, &GenerationError{Provider: failed, Err: err}
		}

		tried[id] = true
		o.logger.Warn("failing over",
			zap.String("from", string(failed)),
			zap.String("to", string(id)),
			zap.Error(attempts[len(attempts)-1].Err),
		)

		res, err := o.attempt(ctx, client, "", req)
		if err == nil {
			res.FailedOver = true
			return res, nil
		}
		attempts = append(attempts, Attempt{Provider: id, Err: err})
	}

	allErr := &AllProvidersFailedError{Attempts: attempts}
	o.logger.Error("failover exhausted",
		zap.String("primary", string(failed)),
		zap.Int("attempts", len(attempts)),
		zap.Error(allErr),
	)
	return nil, allErr
}
