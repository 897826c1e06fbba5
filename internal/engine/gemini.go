package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const geminiDefaultURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiAdapter struct {
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

func newGemini(cfg Config) Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = geminiDefaultURL
	}
	return &geminiAdapter{
		model:   cfg.Model,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient(cfg),
	}
}

func (g *geminiAdapter) Name() string { return IdentGemini }

func (g *geminiAdapter) Chat(ctx context.Context, req *ChatRequest) (*Message, error) {
	payload := geminiRequest{
		Contents: toGeminiContents(req.Messages),
		Tools:    toGeminiTools(req.Tools),
	}
	if strings.TrimSpace(req.System) != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, url.QueryEscape(g.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, fmt.Errorf("engine: gemini returned no candidates")
	}

	msg := &Message{Role: RoleAssistant}
	textParts := make([]string, 0, 2)
	for i, part := range out.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				// Gemini does not issue call IDs; synthesize stable ones.
				ID:   fmt.Sprintf("%s-%d", part.FunctionCall.Name, i),
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
			continue
		}
		if strings.TrimSpace(part.Text) != "" {
			textParts = append(textParts, part.Text)
		}
	}
	msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	return msg, nil
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func toGeminiTools(tools []ToolDecl) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Params})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func toGeminiContents(messages []Message) []geminiContent {
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Text}}})
		case RoleAssistant:
			parts := make([]geminiPart, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Text) != "" {
				parts = append(parts, geminiPart{Text: m.Text})
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: call.Name, Args: call.Args}})
			}
			if len(parts) > 0 {
				out = append(out, geminiContent{Role: "model", Parts: parts})
			}
		case RoleTool:
			if m.ToolResponse == nil {
				continue
			}
			out = append(out, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResponse{
					Name:     m.ToolResponse.Name,
					Response: map[string]any{"result": m.ToolResponse.Result},
				}}},
			})
		}
	}
	return out
}
