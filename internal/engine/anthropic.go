package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const anthropicDefaultURL = "https://api.anthropic.com/v1"

type anthropicAdapter struct {
	model     string
	baseURL   string
	apiKey    string
	client    *http.Client
	maxTokens int
}

func newAnthropic(cfg Config) Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = anthropicDefaultURL
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicAdapter{
		model:     cfg.Model,
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    cfg.APIKey,
		client:    httpClient(cfg),
		maxTokens: maxTokens,
	}
}

func (a *anthropicAdapter) Name() string { return IdentAnthropic }

func (a *anthropicAdapter) Chat(ctx context.Context, req *ChatRequest) (*Message, error) {
	payload := anthropicRequest{
		Model:     a.model,
		System:    req.System,
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
		MaxTokens: a.maxTokens,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	msg := &Message{Role: RoleAssistant}
	textParts := make([]string, 0, len(out.Content))
	for _, part := range out.Content {
		switch part.Type {
		case "text":
			if strings.TrimSpace(part.Text) != "" {
				textParts = append(textParts, part.Text)
			}
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: part.ID, Name: part.Name, Args: part.Input})
		}
	}
	msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	return msg, nil
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []anthropicMessage  `json:"messages"`
	Tools     []anthropicToolDecl `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicMsgPart `json:"content"`
}

type anthropicMsgPart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicToolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
}

func toAnthropicTools(tools []ToolDecl) []anthropicToolDecl {
	out := make([]anthropicToolDecl, 0, len(tools))
	for _, t := range tools {
		schema := t.Params
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicToolDecl{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func toAnthropicMessages(messages []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicMsgPart{{Type: "text", Text: m.Text}},
			})
		case RoleAssistant:
			parts := make([]anthropicMsgPart, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Text) != "" {
				parts = append(parts, anthropicMsgPart{Type: "text", Text: m.Text})
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, anthropicMsgPart{Type: "tool_use", ID: call.ID, Name: call.Name, Input: call.Args})
			}
			if len(parts) > 0 {
				out = append(out, anthropicMessage{Role: "assistant", Content: parts})
			}
		case RoleTool:
			if m.ToolResponse == nil {
				continue
			}
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicMsgPart{{
					Type:      "tool_result",
					ToolUseID: m.ToolResponse.ID,
					Content:   m.ToolResponse.Result,
				}},
			})
		}
	}
	return out
}
