package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const openAIDefaultURL = "https://api.openai.com/v1"

var errNoChoices = errors.New("engine: response contained no choices")

// openAIWireAdapter speaks the OpenAI chat/completions dialect, which many
// hosted and local backends expose.
type openAIWireAdapter struct {
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

func newOpenAIWire(cfg Config) Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = openAIDefaultURL
	}
	return &openAIWireAdapter{
		model:   cfg.Model,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient(cfg),
	}
}

func (o *openAIWireAdapter) Name() string { return IdentOpenAI }

func (o *openAIWireAdapter) Chat(ctx context.Context, req *ChatRequest) (*Message, error) {
	payload := openAIRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errNoChoices
	}

	choice := out.Choices[0].Message
	msg := &Message{Role: RoleAssistant, Text: strings.TrimSpace(choice.Content)}
	for _, call := range choice.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			// Arguments arrive as a JSON-encoded string on this dialect.
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": call.Function.Arguments}
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: call.ID, Name: call.Function.Name, Args: args})
	}
	return msg, nil
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIFunctionDecl `json:"function"`
}

type openAIFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func toOpenAITools(tools []ToolDecl) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type:     "function",
			Function: openAIFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Params},
		})
	}
	return out
}

func toOpenAIMessages(system string, messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openAIMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			out = append(out, openAIMessage{Role: "user", Content: m.Text})
		case RoleAssistant:
			entry := openAIMessage{Role: "assistant", Content: m.Text}
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Args)
				entry.ToolCalls = append(entry.ToolCalls, openAIToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: openAIFunction{Name: call.Name, Arguments: string(args)},
				})
			}
			out = append(out, entry)
		case RoleTool:
			if m.ToolResponse == nil {
				continue
			}
			out = append(out, openAIMessage{
				Role:       "tool",
				Content:    m.ToolResponse.Result,
				ToolCallID: m.ToolResponse.ID,
			})
		}
	}
	return out
}
