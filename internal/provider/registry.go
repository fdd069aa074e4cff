package provider

import (
	"sync"

	"go.uber.org/zap"
)

type State string

const (
	StateUnconfigured State = "unconfigured"
	StateFailed       State = "failed"
	StateAvailable    State = "available"
)

// Status is one row of the registry's status table.
type Status struct {
	Provider Identity `json:"provider"`
	State    State    `json:"state"`
	Error    string   `json:"error,omitempty"`
	Models   []string `json:"models,omitempty"`
}

// Registry owns the provider clients for the life of the process. A provider
// that was never configured and one whose client failed to build are both
// absent from Get; Statuses tells them apart.
type Registry struct {
	mu       sync.RWMutex
	clients  map[Identity]Client
	failures map[Identity]error
	logger   *zap.Logger
	closed   bool
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients:  make(map[Identity]Client),
		failures: make(map[Identity]error),
		logger:   logger.Named("registry"),
	}
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.Identity()
	r.clients[id] = c
	delete(r.failures, id)
}

func (r *Registry) RecordInitFailure(id Identity, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	r.failures[id] = err
	r.logger.Warn("provider client initialization failed",
		zap.String("provider", id.String()), zap.Error(err))
}

func (r *Registry) Get(id Identity) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// IDs returns the registered identities in Known order.
func (r *Registry) IDs() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]Identity, 0, len(r.clients))
	for _, id := range Known {
		if _, ok := r.clients[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(Known))
	for _, id := range Known {
		st := Status{Provider: id, State: StateUnconfigured}
		if c, ok := r.clients[id]; ok {
			st.State = StateAvailable
			st.Models = c.SupportedModels()
		} else if err, ok := r.failures[id]; ok {
			st.State = StateFailed
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close closes every registered client. Close failures are logged and never
// stop the remaining clients from closing. Calling Close twice is a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]Client, 0, len(r.clients))
	for _, id := range Known {
		if c, ok := r.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	r.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close provider client",
				zap.String("provider", c.Identity().String()), zap.Error(err))
		}
	}
}
