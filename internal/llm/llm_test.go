package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

func TestStripFences(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}```", `{"a":1}`},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewProviders(t *testing.T) {
	if c, err := New(Options{}); err != nil {
		t.Fatalf("default: %v", err)
	} else if _, ok := c.(*OpenAI); !ok {
		t.Errorf("expected OpenAI by default, got %T", c)
	}
	if c, _ := New(Options{Provider: "anthropic", APIKey: "k"}); c == nil {
		t.Error("expected anthropic client")
	} else if _, ok := c.(*Anthropic); !ok {
		t.Errorf("expected Anthropic, got %T", c)
	}
	if _, err := New(Options{Provider: "nope"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestOpenAIComplete(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		Messages       []struct{ Role, Content string }
		ResponseFormat *struct{ Type string } `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello, traveler."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Options{APIKey: "test", BaseURL: srv.URL})
	resp, err := c.Complete(context.Background(), Request{
		System:   "You are Alice.",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "Hello, traveler." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("expected default model, got %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("expected system + user messages, got %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Error("expected json_object response format")
	}
}

func TestOpenAIUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Options{APIKey: "test", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if !model.IsBackendUnavailable(err) {
		t.Errorf("expected backend unavailable, got %v", err)
	}
}

func TestOpenAIBadRequestIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Options{APIKey: "test", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if model.IsBackendUnavailable(err) {
		t.Errorf("4xx should not be reported as unavailable: %v", err)
	}
}

func TestClientFunc(t *testing.T) {
	var c Client = ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: req.System}, nil
	})
	resp, _ := c.Complete(context.Background(), Request{System: "echo"})
	if resp.Content != "echo" {
		t.Errorf("unexpected %q", resp.Content)
	}
}
