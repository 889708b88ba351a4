package openai

import (
	"testing"
	"time"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{llm.RoleSystem, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("system: param=%+v err=%v", p, err)
			}
		}},
		{llm.RoleUser, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("user: param=%+v err=%v", p, err)
			}
		}},
		{llm.RoleAssistant, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("assistant: param=%+v err=%v", p, err)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			tc.check(t, llm.Message{Role: tc.role, Content: "hello"})
		})
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a teaching assistant.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Summarize"}},
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("want 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 256 {
		t.Errorf("MaxCompletionTokens: got %+v", params.MaxCompletionTokens)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantOutput int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4o", 128_000, 16_384},
		{"gpt-4.1", 1_047_576, 32_768},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o3-mini", 200_000, 100_000},
		{"some-future-model", 128_000, 4_096},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("ContextWindow: want %d, got %d", tc.wantWindow, caps.ContextWindow)
			}
			if caps.MaxOutputTokens != tc.wantOutput {
				t.Errorf("MaxOutputTokens: want %d, got %d", tc.wantOutput, caps.MaxOutputTokens)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming should be true")
			}
		})
	}
}

func TestCountTokens_NeverUndercountsEmpty(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	// Force the approximation path so the test stays offline.
	p.encOnce.Do(func() {})

	n, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "abcdefgh"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if want := llm.ApproxTokens([]llm.Message{{Content: "abcdefgh"}}); n != want {
		t.Errorf("want %d, got %d", want, n)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("sk-test", "gpt-4o",
		WithBaseURL("http://localhost:9999/v1"),
		WithOrganization("org-1"),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New with options: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("model: want gpt-4o, got %s", p.model)
	}
}
