// Package llm wraps chat-completion providers behind one small interface.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Response is the completion result.
type Response struct {
	Content string
	Model   string
}

// Client generates completions. Failures reaching the provider are returned
// as *model.BackendUnavailableError.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Options selects and configures a provider.
type Options struct {
	Provider    string // "openai" | "anthropic"
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// New builds a client for the configured provider.
func New(opts Options) (Client, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "openai":
		return NewOpenAI(opts), nil
	case "anthropic", "claude":
		return NewAnthropic(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: openai, anthropic)", opts.Provider)
	}
}

// StripFences removes a surrounding markdown code fence from model output.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
