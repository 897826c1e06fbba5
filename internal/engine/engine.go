// Package engine translates agent descriptors and tool wrappers into calls
// on one concrete model backend. The orchestration core depends only on the
// Adapter contract, never on a backend dialect.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-emitted tool invocation request.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse carries a tool result back into model context.
type ToolResponse struct {
	ID     string
	Name   string
	Result string
}

// Message is one turn element in model context.
type Message struct {
	Role         Role
	Text         string
	ToolCalls    []ToolCall
	ToolResponse *ToolResponse
}

// ToolDecl describes a callable tool for model planning.
type ToolDecl struct {
	Name        string
	Description string
	Params      map[string]any
}

// ChatRequest is one backend-agnostic completion request.
type ChatRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDecl
}

// Adapter is one concrete backend dialect. Chat performs a single
// completion; the tool loop above it is backend-agnostic.
type Adapter interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*Message, error)
}

// Engine identifiers.
const (
	IdentAnthropic = "anthropic"
	IdentGemini    = "gemini"
	IdentOpenAI    = "openai"
)

// Config selects and parameterizes one backend.
type Config struct {
	Engine          string        `yaml:"engine"`
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
}

var builders = map[string]func(Config) Adapter{
	IdentAnthropic: newAnthropic,
	IdentGemini:    newGemini,
	IdentOpenAI:    newOpenAIWire,
}

// New creates the adapter for cfg.Engine. The identifier is resolved here,
// once, at team-construction time.
func New(cfg Config) (Adapter, error) {
	ident := strings.ToLower(strings.TrimSpace(cfg.Engine))
	build, ok := builders[ident]
	if !ok {
		return nil, fmt.Errorf("engine: unknown identifier %q (available: %s)", cfg.Engine, strings.Join(Identifiers(), ", "))
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("engine: model is required for %q", ident)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("engine: api key is required for %q", ident)
	}
	return build(cfg), nil
}

// Identifiers lists the registered backend identifiers.
func Identifiers() []string {
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func httpClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("engine: http %d: %s", resp.StatusCode, msg)
}
