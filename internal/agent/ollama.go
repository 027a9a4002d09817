package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// Defaults for the chat client.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultChatModel   = "qwen2.5:7b"
	DefaultChatTimeout = 60 * time.Second

	// LLM retry policy: connection and timeout failures only.
	DefaultLLMMaxRetries   = 3
	DefaultLLMRetryInitial = time.Second
	DefaultLLMRetryFactor  = 2.0
	DefaultLLMRetryCap     = 10 * time.Second
)

// Message is one turn of a chat conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef is a tool schema advertised to the model.
type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable tool.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Tools    []ToolDef      `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// ChatConfig configures the Ollama chat client.
type ChatConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// OllamaChat talks to Ollama's /api/chat endpoint with tool support.
type OllamaChat struct {
	client    *http.Client
	transport *http.Transport
	config    ChatConfig
}

// NewOllamaChat creates the chat client. No health probe; the first
// chat surfaces availability.
func NewOllamaChat(cfg ChatConfig) *OllamaChat {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultChatTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}
	// Per-request context timeouts instead of a client-wide one.
	return &OllamaChat{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

// Model returns the configured chat model name.
func (c *OllamaChat) Model() string { return c.config.Model }

// Chat sends one conversation state and returns the model's reply.
// Connection failures and timeouts are retried with exponential
// backoff; a response the service itself rejects is not.
func (c *OllamaChat) Chat(ctx context.Context, messages []Message, tools []ToolDef) (Message, error) {
	retryCfg := rerrors.RetryConfig{
		MaxRetries:   DefaultLLMMaxRetries,
		InitialDelay: DefaultLLMRetryInitial,
		Multiplier:   DefaultLLMRetryFactor,
		MaxDelay:     DefaultLLMRetryCap,
	}
	return rerrors.RetryWithResult(ctx, retryCfg, func() (Message, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
		return c.doChat(reqCtx, messages, tools)
	})
}

func (c *OllamaChat) doChat(ctx context.Context, messages []Message, tools []ToolDef) (Message, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Tools:    tools,
		Stream:   false,
	})
	if err != nil {
		return Message{}, rerrors.Internal("failed to encode chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return Message{}, rerrors.Internal("failed to create chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Message{}, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		// The service answered; retrying the same request would not help.
		llmErr := rerrors.LLM(fmt.Sprintf("chat returned status %d: %s", resp.StatusCode, string(body)), nil)
		llmErr.Retryable = false
		return Message{}, llmErr
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Message{}, rerrors.LLM("failed to decode chat response", err)
	}
	return out.Message, nil
}

// Available reports whether the Ollama chat service answers its tags
// endpoint.
func (c *OllamaChat) Available(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// classifyTransportError maps transport failures to retryable error
// codes: timeouts to ERR_301, everything else to ERR_302. Context
// cancellation passes through untouched.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return rerrors.Timeout("LLM request timed out", err)
	}
	return rerrors.New(rerrors.ErrCodeServiceUnavailable, "failed to connect to LLM service", err)
}

// Close releases idle connections.
func (c *OllamaChat) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
