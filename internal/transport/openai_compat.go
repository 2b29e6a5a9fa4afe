package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nexusnotes/chatcore/internal/usage"
	"github.com/nexusnotes/chatcore/internal/wire"
)

const httpClientTimeout = 10 * time.Minute

var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// OpenAICompat implements Transport for OpenAI-compatible chat completions
// servers: OpenAI itself, OpenRouter, Groq, Ollama, LM Studio and the local
// Nexus runtime all speak this shape.
type OpenAICompat struct {
	baseURL string
	apiKey  string // optional, local servers ignore it
	model   string
	name    string
	headers map[string]string
}

func NewOpenAICompat(baseURL, apiKey, model, name string) *OpenAICompat {
	return &OpenAICompat{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		name:    name,
	}
}

// WithHeaders sets extra headers sent on every request (OpenRouter referral
// headers and the like). Empty values are skipped.
func (p *OpenAICompat) WithHeaders(headers map[string]string) *OpenAICompat {
	p.headers = headers
	return p
}

func (p *OpenAICompat) Name() string {
	return fmt.Sprintf("%s (%s)", p.name, p.model)
}

type oaiChatRequest struct {
	Model         string         `json:"model"`
	Messages      []wire.Message `json:"messages"`
	Tools         []oaiTool      `json:"tools,omitempty"`
	ToolChoice    string         `json:"tool_choice,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *oaiStreamOpts `json:"stream_options,omitempty"`
}

type oaiStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiDeltaToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiDelta struct {
	Content   string             `json:"content,omitempty"`
	ToolCalls []oaiDeltaToolCall `json:"tool_calls,omitempty"`
}

type oaiChoice struct {
	Delta        *oaiDelta `json:"delta,omitempty"`
	FinishReason string    `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type oaiChatResponse struct {
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type oaiModelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// ListModels returns available models from the server.
func (p *OpenAICompat) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := defaultHTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, string(body))
	}

	var modelsResp oaiModelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}
	models := make([]ModelInfo, len(modelsResp.Data))
	for i, m := range modelsResp.Data {
		models[i] = ModelInfo{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy}
	}
	return models, nil
}

func (p *OpenAICompat) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if len(req.Messages) == 0 {
			return fmt.Errorf("no messages provided")
		}

		chatReq := oaiChatRequest{
			Model:         chooseModel(req.Model, p.model),
			Messages:      req.Messages,
			Tools:         buildCompatTools(req.Tools),
			Stream:        true,
			StreamOptions: &oaiStreamOpts{IncludeUsage: true},
		}
		if len(req.Tools) > 0 && req.ToolChoice != "" {
			chatReq.ToolChoice = string(req.ToolChoice)
		}
		if req.Temperature > 0 {
			v := float64(req.Temperature)
			chatReq.Temperature = &v
		}
		if req.MaxOutputTokens > 0 {
			v := req.MaxOutputTokens
			chatReq.MaxTokens = &v
		}

		resp, err := p.post(ctx, "/chat/completions", chatReq)
		if err != nil {
			return fmt.Errorf("%s request failed: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return &RateLimitError{Provider: p.name, RetryAfter: retryAfter(resp)}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, string(body))
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		toolState := newCompatToolState()
		var lastUsage *usage.Tokens

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chatResp oaiChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				continue
			}
			if chatResp.Error != nil {
				return fmt.Errorf("%s API error: %s", p.name, chatResp.Error.Message)
			}
			if chatResp.Usage != nil {
				lastUsage = &usage.Tokens{
					InputTokens:       chatResp.Usage.PromptTokens,
					OutputTokens:      chatResp.Usage.CompletionTokens,
					CachedInputTokens: chatResp.Usage.PromptTokensDetails.CachedTokens,
				}
			}
			for _, choice := range chatResp.Choices {
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.Content != "" {
					events <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
				}
				for _, idx := range toolState.Add(choice.Delta.ToolCalls) {
					// Fragments before the id arrives stay internal; the
					// tracker needs a stable id to account per call.
					if call, ok := toolState.Snapshot(idx); ok && call.ID != "" {
						events <- Event{Type: EventToolCallDelta, Tool: &call}
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s streaming error: %w", p.name, err)
		}

		for _, call := range toolState.Calls() {
			call := call
			events <- Event{Type: EventToolCall, Tool: &call}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Use: lastUsage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func (p *OpenAICompat) post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for key, value := range p.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return defaultHTTPClient.Do(httpReq)
}

func buildCompatTools(specs []ToolSpec) []oaiTool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			continue
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// compatToolState accumulates streamed tool-call fragments keyed by their
// delta index. Servers may interleave fragments for parallel calls.
type compatToolState struct {
	byIndex map[int]*toolCallState
	order   []int
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func newCompatToolState() *compatToolState {
	return &compatToolState{byIndex: make(map[int]*toolCallState)}
}

// Add folds a batch of fragments in and returns the touched indexes.
func (s *compatToolState) Add(calls []oaiDeltaToolCall) []int {
	touched := make([]int, 0, len(calls))
	for _, call := range calls {
		idx := call.Index
		state, ok := s.byIndex[idx]
		if !ok {
			state = &toolCallState{}
			s.byIndex[idx] = state
			s.order = append(s.order, idx)
		}
		if call.ID != "" {
			state.id = call.ID
		}
		if call.Function.Name != "" {
			state.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			state.args.WriteString(call.Function.Arguments)
		}
		touched = append(touched, idx)
	}
	return touched
}

// Snapshot returns the call accumulated at an index so far.
func (s *compatToolState) Snapshot(idx int) (ToolCall, bool) {
	state, ok := s.byIndex[idx]
	if !ok {
		return ToolCall{}, false
	}
	return ToolCall{
		ID:        state.id,
		Name:      state.name,
		Arguments: json.RawMessage(state.args.String()),
	}, true
}

func (s *compatToolState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        state.id,
			Name:      state.name,
			Arguments: json.RawMessage(state.args.String()),
		})
	}
	return calls
}
