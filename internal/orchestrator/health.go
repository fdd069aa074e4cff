package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// health keeps one circuit breaker per provider. A nil breakers map
// disables the feature and every provider is always available.
type health struct {
	breakers map[provider.Identity]*gobreaker.CircuitBreaker
}

func newHealth(ids []provider.Identity, threshold int, cooldown time.Duration, logger *zap.Logger) *health {
	h := &health{}
	if threshold <= 0 {
		return h
	}

	h.breakers = make(map[provider.Identity]*gobreaker.CircuitBreaker, len(ids))
	for _, id := range ids {
		settings := gobreaker.Settings{
			Name:        string(id),
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			IsSuccessful: func(err error) bool {
				// A caller hanging up says nothing about the provider.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("circuit state changed",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}
		h.breakers[id] = gobreaker.NewCircuitBreaker(settings)
	}
	return h
}

func (h *health) execute(id provider.Identity, fn func() (*provider.Response, error)) (*provider.Response, error) {
	cb := h.breakers[id]
	if cb == nil {
		return fn()
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// record feeds an outcome observed outside execute, as with streams.
func (h *health) record(id provider.Identity, err error) {
	cb := h.breakers[id]
	if cb == nil {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}

func (h *health) available(id provider.Identity) bool {
	cb := h.breakers[id]
	return cb == nil || cb.State() != gobreaker.StateOpen
}

func (h *health) state(id provider.Identity) string {
	cb := h.breakers[id]
	if cb == nil {
		return "disabled"
	}
	return cb.State().String()
}
