package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// errEmptyStream is reported when a backend closes its stream without
// producing a single chunk.
var errEmptyStream = errors.New("resilience: stream closed without output")

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy provider. A backend
// whose first chunk is an error, or whose stream ends before any chunk, counts
// as failed and the next one is tried. Once a chunk has been delivered the
// stream is committed to that backend; later errors reach the caller as error
// chunks.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		src, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		var first llm.Chunk
		select {
		case c, ok := <-src:
			if !ok {
				return nil, errEmptyStream
			}
			first = c
		case <-ctx.Done():
			go drain(src)
			return nil, ctx.Err()
		}
		if first.FinishReason == llm.FinishReasonError {
			go drain(src)
			return nil, fmt.Errorf("resilience: stream failed: %s", first.Text)
		}
		return prepend(ctx, first, src), nil
	})
}

// CountTokens uses the primary's tokenizer. Counting is local for every
// backend in this module, so it does not take part in failover.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the capabilities of the primary. Callers size prompts
// against it, so fallbacks should offer at least the same context window.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// prepend returns a channel that yields first followed by everything from
// src. It stops forwarding when ctx is done.
func prepend(ctx context.Context, first llm.Chunk, src <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer drain(src)
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for c := range src {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
