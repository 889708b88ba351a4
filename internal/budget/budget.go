// Package budget estimates the token cost of candidate prompt content and
// decides whether a scope's material fits a model context verbatim or has to
// be reduced through retrieval.
//
// Two tiers are used. The retrieval threshold is a coarse gate applied to the
// whole lecture transcript or course corpus: below it the material is
// included in full, above it only retrieved excerpts and the live tail are.
// The context ceiling is the fine, model-specific bound on the assembled
// prompt; [KeepNewest] and [KeepTop] trim history and excerpts to fit it.
//
// Estimates use a word-count heuristic that over-counts for typical English
// and German text. It never calls a tokenizer.
package budget

import (
	"errors"
	"fmt"
	"strings"
)

// Tier defaults.
const (
	DefaultRetrievalThreshold = 500_000
	DefaultContextCeiling     = 128_000
)

// tokensPerWord is the estimation factor. Real tokenizers average about 1.3
// tokens per word.
const tokensPerWord = 2

// Strategy is the inclusion strategy for a scope's material.
type Strategy string

const (
	// StrategyFull includes the complete transcript or corpus.
	StrategyFull Strategy = "FULL"

	// StrategyRetrieve includes similarity-search excerpts plus the live tail.
	StrategyRetrieve Strategy = "RETRIEVE"
)

// Budget is the per-turn token budget. It is never persisted.
type Budget struct {
	MaxTokens       int
	EstimatedTokens int
}

// Remaining returns the tokens left under MaxTokens, which is negative when
// the estimate already exceeds it.
func (b Budget) Remaining() int { return b.MaxTokens - b.EstimatedTokens }

// Fits reports whether the estimate is within MaxTokens.
func (b Budget) Fits() bool { return b.EstimatedTokens <= b.MaxTokens }

// Decision is the outcome of [Decide].
type Decision struct {
	Strategy Strategy
	Budget   Budget
}

// EstimateTokens approximates the token count of text as twice its
// whitespace-separated word count.
func EstimateTokens(text string) int {
	return len(strings.Fields(text)) * tokensPerWord
}

// Decide returns StrategyFull when the estimate of candidate is at most
// maxTokens, StrategyRetrieve otherwise.
func Decide(candidate string, maxTokens int) Decision {
	return DecideEstimate(EstimateTokens(candidate), maxTokens)
}

// DecideEstimate is Decide for a precomputed estimate, used when the
// candidate is spread over several documents.
func DecideEstimate(estimated, maxTokens int) Decision {
	d := Decision{
		Strategy: StrategyRetrieve,
		Budget:   Budget{MaxTokens: maxTokens, EstimatedTokens: estimated},
	}
	if d.Budget.Fits() {
		d.Strategy = StrategyFull
	}
	return d
}

// Config holds the two budget tiers.
type Config struct {
	// RetrievalThreshold is the coarse gate: material estimated above it is
	// retrieved instead of included in full.
	RetrievalThreshold int `yaml:"retrieval_threshold"`

	// ContextCeiling bounds the estimated size of the assembled prompt.
	ContextCeiling int `yaml:"context_ceiling"`
}

// DefaultConfig returns the default tiers.
func DefaultConfig() Config {
	return Config{
		RetrievalThreshold: DefaultRetrievalThreshold,
		ContextCeiling:     DefaultContextCeiling,
	}
}

// Validate checks that both tiers are positive.
func (c Config) Validate() error {
	var errs []error
	if c.RetrievalThreshold <= 0 {
		errs = append(errs, fmt.Errorf("budget: retrieval_threshold must be positive, got %d", c.RetrievalThreshold))
	}
	if c.ContextCeiling <= 0 {
		errs = append(errs, fmt.Errorf("budget: context_ceiling must be positive, got %d", c.ContextCeiling))
	}
	return errors.Join(errs...)
}

// withDefaults fills zero tiers.
func (c Config) withDefaults() Config {
	if c.RetrievalThreshold <= 0 {
		c.RetrievalThreshold = DefaultRetrievalThreshold
	}
	if c.ContextCeiling <= 0 {
		c.ContextCeiling = DefaultContextCeiling
	}
	return c
}

// Accountant applies a Config.
type Accountant struct {
	cfg Config
}

// NewAccountant returns an Accountant for cfg. Zero tiers take their
// defaults.
func NewAccountant(cfg Config) *Accountant {
	return &Accountant{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (a *Accountant) Config() Config { return a.cfg }

// Decide applies the retrieval threshold to candidate.
func (a *Accountant) Decide(candidate string) Decision {
	return Decide(candidate, a.cfg.RetrievalThreshold)
}

// DecideEstimate applies the retrieval threshold to a precomputed estimate.
func (a *Accountant) DecideEstimate(estimated int) Decision {
	return DecideEstimate(estimated, a.cfg.RetrievalThreshold)
}

// Ceiling returns a Budget for the assembled prompt with nothing spent yet.
func (a *Accountant) Ceiling() Budget {
	return Budget{MaxTokens: a.cfg.ContextCeiling}
}
