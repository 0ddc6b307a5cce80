package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	Name string
	URL  string
}

// OllamaClient is an Ollama chat backend.
type OllamaClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg *OllamaConfig) (*OllamaClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ollama URL is required")
	}
	return &OllamaClient{
		name:    cfg.Name,
		baseURL: cfg.URL,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}, nil
}

func (c *OllamaClient) Name() string {
	return c.name
}

// IsAvailable probes the tags endpoint as a cheap reachability check.
func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{Name: m.Name})
	}
	return models, nil
}

// ollamaMessage is the Ollama wire shape of one chat message.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChunk struct {
	Model     string        `json:"model"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	EvalCount int           `json:"eval_count"`
}

func (c *OllamaClient) buildRequest(model string, messages []Message, opts *Options, stream bool) (map[string]any, error) {
	wireMsgs := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		wm := ollamaMessage{Role: m.Role, Content: m.Content, Images: m.Images}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, otc)
		}
		wireMsgs = append(wireMsgs, wm)
	}

	req := map[string]any{
		"model":    model,
		"messages": wireMsgs,
		"stream":   stream,
	}
	if opts != nil {
		if len(opts.Tools) > 0 {
			tools := make([]map[string]any, 0, len(opts.Tools))
			for _, t := range opts.Tools {
				tools = append(tools, map[string]any{
					"type": "function",
					"function": map[string]any{
						"name":        t.Name,
						"description": t.Description,
						"parameters":  t.Parameters,
					},
				})
			}
			req["tools"] = tools
		}
		options := map[string]any{}
		if opts.Temperature > 0 {
			options["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			options["num_predict"] = opts.MaxTokens
		}
		if len(options) > 0 {
			req["options"] = options
		}
	}
	return req, nil
}

func (c *OllamaClient) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(data))
	}
	return resp, nil
}

func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	payload, err := c.buildRequest(model, messages, opts, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chunk ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return chunkToResponse(&chunk, chunk.Message.Content), nil
}

// ChatStream reads the NDJSON stream, forwarding each content fragment.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, fn StreamFunc) (*ChatResponse, error) {
	payload, err := c.buildRequest(model, messages, opts, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content   bytes.Buffer
		last      ollamaChunk
		toolCalls []ollamaToolCall
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if fn != nil {
				fn(chunk.Message.Content)
			}
		}
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.Message.ToolCalls...)
		}
		last = chunk
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	last.Message.ToolCalls = toolCalls
	return chunkToResponse(&last, content.String()), nil
}

func chunkToResponse(chunk *ollamaChunk, content string) *ChatResponse {
	out := &ChatResponse{
		Content:    content,
		Model:      chunk.Model,
		TokensUsed: chunk.EvalCount,
	}
	for _, tc := range chunk.Message.ToolCalls {
		// Ollama tool calls carry no id of their own.
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}
