package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
)

// retryableStatus mirrors the upstream LLM client's retry set.
var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// LLMConfig configures an upstream chat-completions endpoint.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultLLMConfig fills in the upstream client's defaults.
func DefaultLLMConfig(baseURL, apiKey, model string) LLMConfig {
	return LLMConfig{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Model:          model,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    300 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}

// LLMMessage is one OpenAI-format chat message.
type LLMMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []LLMToolCall  `json:"tool_calls,omitempty"`
	ToolID    string         `json:"tool_call_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Extra     map[string]any `json:"-"`
}

// LLMToolCall is one tool invocation requested by the model.
type LLMToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// LLMResponse is the node's Output payload: the assistant's reply plus
// usage accounting.
type LLMResponse struct {
	Content    string        `json:"content"`
	ToolCalls  []LLMToolCall `json:"tool_calls,omitempty"`
	FinishReas string        `json:"finish_reason"`
	Usage      *TokenUsage   `json:"usage,omitempty"`
}

// TokenUsage reports prompt/completion token counts when upstream sends them.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolIDRemapper assigns short, stable local ids to upstream tool-call
// ids so graph template substitution can reference `{step.tool_id}`
// without leaking provider-specific formats (spec's supplemented tool-id
// remapping feature).
type ToolIDRemapper struct {
	mu     sync.Mutex
	toLocal map[string]string
	toRemote map[string]string
	next   int
}

// NewToolIDRemapper returns an empty remapper.
func NewToolIDRemapper() *ToolIDRemapper {
	return &ToolIDRemapper{toLocal: map[string]string{}, toRemote: map[string]string{}}
}

// Local returns (creating if needed) the local id for an upstream tool-call id.
func (m *ToolIDRemapper) Local(remoteID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if local, ok := m.toLocal[remoteID]; ok {
		return local
	}
	m.next++
	local := fmt.Sprintf("tool_%d", m.next)
	m.toLocal[remoteID] = local
	m.toRemote[local] = remoteID
	return local
}

// Remote reverses Local, for building the tool_result message upstream expects.
func (m *ToolIDRemapper) Remote(localID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remote, ok := m.toRemote[localID]
	return remote, ok
}

// LLM is a stateless node that proxies chat-completions calls to an
// upstream OpenAI-compatible endpoint, with exponential-backoff retry on
// transient status codes. Grounded on the upstream LLMClient's
// retry/backoff loop.
type LLM struct {
	base

	cfg      LLMConfig
	client   *http.Client
	remapper *ToolIDRemapper
	log      *logger.Logger
}

// NewLLM creates a Ready LLM node.
func NewLLM(id string, cfg LLMConfig, log *logger.Logger) *LLM {
	l := &LLM{
		base: newBase(id, KindLLM, false),
		cfg:  cfg,
		client: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		remapper: NewToolIDRemapper(),
		log:      log,
	}
	l.setState(Ready)
	l.setMetadata("model", cfg.Model)
	return l
}

type chatRequest struct {
	Model    string       `json:"model"`
	Messages []LLMMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      LLMMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage"`
}

// Execute expects ec.Input to be []LLMMessage (or a single string, taken
// as one user message), posts a non-streaming chat-completions request,
// and returns an LLMResponse.
func (l *LLM) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if err := l.enterBusy(); err != nil {
		return Result{}, err
	}
	defer l.leaveBusy()

	messages, err := toMessages(ec.Input)
	if err != nil {
		l.leaveBusy()
		return Result{}, nerverr.New(nerverr.InvalidParams, "llm %q: %v", l.id, err)
	}

	body, err := json.Marshal(chatRequest{Model: l.cfg.Model, Messages: messages, Stream: false})
	if err != nil {
		return Result{}, nerverr.Wrap(nerverr.InvalidParams, err, "llm %q: marshal request", l.id)
	}

	data, err := l.postWithRetry(ctx, body)
	if err != nil {
		l.markError()
		return Result{}, nerverr.Wrap(nerverr.UpstreamError, err, "llm %q: request failed", l.id)
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, nerverr.Wrap(nerverr.UpstreamError, err, "llm %q: decode response", l.id)
	}
	if len(resp.Choices) == 0 {
		return Result{}, nerverr.New(nerverr.UpstreamError, "llm %q: empty choices", l.id)
	}

	choice := resp.Choices[0]
	for i := range choice.Message.ToolCalls {
		remote := choice.Message.ToolCalls[i].ID
		choice.Message.ToolCalls[i].ID = l.remapper.Local(remote)
	}

	out := LLMResponse{
		Content:    choice.Message.Content,
		ToolCalls:  choice.Message.ToolCalls,
		FinishReas: choice.FinishReason,
		Usage:      resp.Usage,
	}
	return Result{Success: true, Output: out}, nil
}

func toMessages(input any) ([]LLMMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, fmt.Errorf("no input provided")
	case string:
		return []LLMMessage{{Role: "user", Content: v}}, nil
	case []LLMMessage:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported input type %T for llm node", v)
	}
}

// postWithRetry implements the same attempt/backoff shape as the
// upstream client: retryable statuses sleep min(base*2^attempt, max)
// before trying again, up to MaxRetries extra attempts.
func (l *LLM) postWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	url := l.cfg.BaseURL + "/chat/completions"
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := l.client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < l.cfg.MaxRetries {
				l.sleepBackoff(ctx, attempt)
				continue
			}
			return nil, lastErr
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusOK {
			return data, nil
		}

		lastErr = fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(string(data), 500))
		if retryableStatus[resp.StatusCode] && attempt < l.cfg.MaxRetries {
			l.log.Warn("llm request retrying", "node_id", l.id, "status", resp.StatusCode, "attempt", attempt+1)
			l.sleepBackoff(ctx, attempt)
			continue
		}
		return nil, lastErr
	}

	return nil, lastErr
}

func (l *LLM) sleepBackoff(ctx context.Context, attempt int) {
	delay := time.Duration(float64(l.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt)))
	if delay > l.cfg.RetryMaxDelay {
		delay = l.cfg.RetryMaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Interrupt is a no-op: a single HTTP round trip has nothing to signal.
func (l *LLM) Interrupt(ctx context.Context) error { return nil }

// Stop marks the node unusable.
func (l *LLM) Stop(ctx context.Context) error {
	l.setState(Stopped)
	return nil
}
