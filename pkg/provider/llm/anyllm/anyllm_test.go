package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Answer from the lecture excerpts.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What is entropy?"},
			{Role: llm.RoleAssistant, Content: "A measure of disorder."},
			{Role: llm.RoleUser, Content: "And enthalpy?"},
		},
		Temperature: 0.2,
		MaxTokens:   512,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model: got %q", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("want 4 messages (system + 3), got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role: want system, got %q", params.Messages[0].Role)
	}
	if params.Messages[3].Content != "And enthalpy?" {
		t.Errorf("last message content: got %v", params.Messages[3].Content)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature: got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens: got %v", params.MaxTokens)
	}
}

func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens must be left unset")
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
	}{
		{"gpt-4o", 128_000},
		{"GPT-4O", 128_000},
		{"gpt-4", 8_192},
		{"o1-preview", 200_000},
		{"claude-3-5-sonnet-latest", 200_000},
		{"claude-3-opus-20240229", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"mistral-large", 128_000},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("ContextWindow: want %d, got %d", tc.wantWindow, caps.ContextWindow)
			}
			if caps.MaxOutputTokens <= 0 || !caps.SupportsStreaming {
				t.Errorf("unexpected caps %+v", caps)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		name string
		opts []anyllmlib.Option
	}{
		{"openai", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", nil},
		{"llamacpp", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.name, "some-model", tc.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tc.name, err)
			}
			if p.model != "some-model" {
				t.Errorf("model: got %q", p.model)
			}
		})
	}
}

func TestCountTokens_UsesApproximation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "Hello"},
		{Role: llm.RoleAssistant, Content: "Hi there, how can I help?"},
	}
	got, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if want := llm.ApproxTokens(msgs); got != want {
		t.Errorf("want %d, got %d", want, got)
	}
	if empty, _ := p.CountTokens(nil); empty != 0 {
		t.Errorf("empty: want 0, got %d", empty)
	}
}
