package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

var ErrMissingAPIKey = errors.New("api key not configured")

// Options configures a client for one OpenAI-compatible backend.
type Options struct {
	Provider     provider.Identity
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []string
	Timeout      time.Duration
}

type Client struct {
	id           provider.Identity
	apiKey       string
	baseURL      string
	defaultModel string
	models       []string
	http         *http.Client
	closeOnce    sync.Once
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
	Delta   chatDelta   `json:"delta"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", opts.BaseURL)
	}

	return &Client{
		id:           opts.Provider,
		apiKey:       opts.APIKey,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		defaultModel: opts.DefaultModel,
		models:       opts.Models,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}, nil
}

func (c *Client) Identity() provider.Identity {
	return c.id
}

func (c *Client) DefaultModel() string {
	return c.defaultModel
}

func (c *Client) SupportedModels() []string {
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// Close drops idle connections held by the client's transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.http.CloseIdleConnections()
	})
	return nil
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpReq, err := c.newRequest(ctx, c.mapRequest(req, false))
	if err != nil {
		return nil, provider.Wrap(c.id, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.Wrap(c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.Wrap(c.id, fmt.Errorf("decode response: %w", err))
	}

	if len(chatResp.Choices) == 0 {
		return nil, provider.Wrap(c.id, errors.New("api returned no choices"))
	}

	return &provider.Response{
		ID:           chatResp.ID,
		Content:      chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		Model:        chatResp.Model,
		Provider:     c.id,
	}, nil
}

func (c *Client) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	httpReq, err := c.newRequest(ctx, c.mapRequest(req, true))
	if err != nil {
		return nil, provider.Wrap(c.id, err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(chunk *provider.Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			send(&provider.Chunk{Err: provider.Wrap(c.id, err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			send(&provider.Chunk{Err: c.statusError(resp)})
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true})
					return
				}
				send(&provider.Chunk{Err: provider.Wrap(c.id, err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(&provider.Chunk{Done: true})
				return
			}

			var chatResp chatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				send(&provider.Chunk{Err: provider.Wrap(c.id, fmt.Errorf("decode stream event: %w", err))})
				return
			}

			if len(chatResp.Choices) > 0 {
				content := chatResp.Choices[0].Delta.Content
				if content != "" && !send(&provider.Chunk{Delta: content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (c *Client) mapRequest(req *provider.Request, stream bool) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	return chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream || req.Stream,
	}
}

func (c *Client) newRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (c *Client) statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &provider.Error{
		Provider:   c.id,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("api error: %s", strings.TrimSpace(string(respBody))),
	}
}
