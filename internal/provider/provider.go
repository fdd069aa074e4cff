package provider

import (
	"context"
	"fmt"
	"strings"
)

// Identity names a backend provider. The lowercase string form is what
// travels over the wire.
type Identity string

const (
	NVIDIA    Identity = "nvidia"
	SambaNova Identity = "sambanova"
	Cerebras  Identity = "cerebras"

	// Reserved, no client ships for these yet.
	OpenAI    Identity = "openai"
	Anthropic Identity = "anthropic"
)

// FailoverOrder is the fixed priority used when a provider call fails.
var FailoverOrder = []Identity{NVIDIA, SambaNova, Cerebras}

// Known lists every identity in display order.
var Known = []Identity{NVIDIA, SambaNova, Cerebras, OpenAI, Anthropic}

func ParseIdentity(s string) (Identity, error) {
	id := Identity(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range Known {
		if k == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

func (id Identity) String() string {
	return string(id)
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Messages builds the conversation sent for a single prompt.
func Messages(systemPrompt, prompt string) []Message {
	msgs := make([]Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	}
	return append(msgs, Message{Role: "user", Content: prompt})
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     Identity
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Client is the capability set every provider backend satisfies.
// Complete and CompleteStream must be safe for concurrent use. An empty
// Request.Model selects the client's default model.
type Client interface {
	Identity() Identity
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	DefaultModel() string
	SupportedModels() []string
	Close() error
}
