package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/lectern/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// several endpoints serving the same model, e.g. two Ollama hosts. Vectors from
// different models are not comparable, so every fallback must report the
// primary's model and dimensions.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.Kind == "" {
		cfg.Kind = "embeddings"
	}
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another endpoint. It fails when the endpoint embeds
// with a different model or vector length than the primary.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	primary := f.group.Primary()
	if provider.ModelID() != primary.ModelID() || provider.Dimensions() != primary.Dimensions() {
		return fmt.Errorf("resilience: embeddings fallback %q uses %s/%d, primary uses %s/%d",
			name, provider.ModelID(), provider.Dimensions(), primary.ModelID(), primary.Dimensions())
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Embed implements embeddings.Provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch implements embeddings.Provider.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions implements embeddings.Provider.
func (f *EmbeddingsFallback) Dimensions() int { return f.group.Primary().Dimensions() }

// ModelID implements embeddings.Provider.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }
