package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIConfig holds OpenAI-compatible client configuration.
type OpenAIConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Models  []string
}

// OpenAIClient is an OpenAI-compatible chat backend. It also implements the
// optional ImageDescriber capability.
type OpenAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	models     []string
	httpClient *http.Client
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg *OpenAIConfig) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	return &OpenAIClient{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}, nil
}

func (c *OpenAIClient) Name() string {
	return c.name
}

// IsAvailable reports whether the backend is usable; remote APIs only need
// a configured key.
func (c *OpenAIClient) IsAvailable(ctx context.Context) bool {
	return c.apiKey != ""
}

func (c *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, ModelInfo{Name: m})
	}
	return out, nil
}

// OpenAI wire shapes.

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) buildMessages(messages []Message) []openAIMessage {
	wire := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		wm := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var otc openAIToolCall
			otc.ID = tc.ID
			otc.Type = "function"
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, otc)
		}
		wire = append(wire, wm)
	}
	return wire
}

func (c *OpenAIClient) buildRequest(model string, messages []Message, opts *Options, stream bool) map[string]any {
	req := map[string]any{
		"model":    model,
		"messages": c.buildMessages(messages),
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
		if opts.Temperature > 0 {
			req["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			req["max_tokens"] = opts.MaxTokens
		}
	}
	return req
}

func (c *OpenAIClient) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai API returned status %d: %s", resp.StatusCode, string(data))
	}
	return resp, nil
}

func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	resp, err := c.post(ctx, c.buildRequest(model, messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := decoded.Choices[0]
	out := &ChatResponse{
		Model:      decoded.Model,
		TokensUsed: decoded.Usage.TotalTokens,
	}
	if s, ok := choice.Message.Content.(string); ok {
		out.Content = s
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream reads the SSE stream, forwarding content deltas and
// reassembling tool-call fragments by index.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, fn StreamFunc) (*ChatResponse, error) {
	resp, err := c.post(ctx, c.buildRequest(model, messages, opts, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}

	var (
		content  strings.Builder
		partials = map[int]*partialCall{}
		maxIndex = -1
		modelID  = model
		tokens   int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Model != "" {
			modelID = chunk.Model
		}
		if chunk.Usage != nil {
			tokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if fn != nil {
				fn(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			p, ok := partials[tc.Index]
			if !ok {
				p = &partialCall{}
				partials[tc.Index] = p
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
			if tc.Index > maxIndex {
				maxIndex = tc.Index
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	out := &ChatResponse{
		Content:    content.String(),
		Model:      modelID,
		TokensUsed: tokens,
	}
	for i := 0; i <= maxIndex; i++ {
		p, ok := partials[i]
		if !ok {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(p.args.String()),
		})
	}
	return out, nil
}

// DescribeImage implements the optional image-description capability using
// a vision-capable model.
func (c *OpenAIClient) DescribeImage(ctx context.Context, model, imageB64 string) (string, error) {
	payload := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": "Describe this image concisely."},
					{"type": "image_url", "image_url": map[string]any{
						"url": "data:image/jpeg;base64," + imageB64,
					}},
				},
			},
		},
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	if s, ok := decoded.Choices[0].Message.Content.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("unexpected content shape in response")
}
