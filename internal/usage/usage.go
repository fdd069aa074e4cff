package usage

import (
	"context"
	"time"
)

// Outcome of a served request.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is one row of the usage ledger. The ledger is append-only and is
// never read back into the in-memory metrics.
type Record struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	ClientID     string    `json:"client_id"`
	Endpoint     string    `json:"endpoint"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	Cached       bool      `json:"cached"`
	FailedOver   bool      `json:"failed_over"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderSummary aggregates the ledger for one provider.
type ProviderSummary struct {
	Provider     string `json:"provider"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

type Store interface {
	LogUsage(ctx context.Context, rec *Record) error
	ListUsage(ctx context.Context, from, to time.Time, limit int) ([]*Record, error)
	SummarizeByProvider(ctx context.Context, from, to time.Time) ([]*ProviderSummary, error)
}
