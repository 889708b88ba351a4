package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lectern/internal/budget"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultEmbeddingDimensions = 1536
	DefaultTailSize            = 20
	DefaultChunkSize           = 1000
	DefaultChunkOverlap        = 100
	DefaultEmbedBatchSize      = 1000
	DefaultIndexEvery          = 100
	DefaultRetrievalK          = 10
	DefaultMinScore            = 0.8
	DefaultRetrievalTimeout    = 30 * time.Second
	DefaultGenerationTimeout   = 120 * time.Second
	DefaultHistoryBudget       = 16_000
	DefaultQueueDepth          = 8
	DefaultLockTTL             = 3 * time.Minute

	// CommitTimeout bounds each turn write made after generation stopped.
	CommitTimeout = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults replaces unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)
	setDefault(&cfg.Memory.EmbeddingDimensions, DefaultEmbeddingDimensions)

	e := &cfg.Engine
	setDefault(&e.TailSize, DefaultTailSize)
	setDefault(&e.ChunkSize, DefaultChunkSize)
	if e.ChunkOverlap == 0 && e.ChunkSize == DefaultChunkSize {
		e.ChunkOverlap = DefaultChunkOverlap
	}
	setDefault(&e.EmbedBatchSize, DefaultEmbedBatchSize)
	setDefault(&e.IndexEvery, DefaultIndexEvery)
	setDefault(&e.Budget.RetrievalThreshold, budget.DefaultRetrievalThreshold)
	setDefault(&e.Budget.ContextCeiling, budget.DefaultContextCeiling)
	setDefault(&e.RetrievalK, DefaultRetrievalK)
	setDefault(&e.MinScore, DefaultMinScore)
	setDefault(&e.RetrievalTimeout, DefaultRetrievalTimeout)
	setDefault(&e.GenerationTimeout, DefaultGenerationTimeout)
	setDefault(&e.HistoryBudget, DefaultHistoryBudget)
	setDefault(&e.QueueDepth, DefaultQueueDepth)
	if e.Policies == nil {
		e.Policies = map[string]ScopePolicy{}
	}
	if _, ok := e.Policies["lecture"]; !ok {
		e.Policies["lecture"] = PolicyReject
	}
	if _, ok := e.Policies["course"]; !ok {
		e.Policies["course"] = PolicyQueue
	}

	if cfg.Redis.Addr != "" {
		setDefault(&cfg.Redis.LockTTL, DefaultLockTTL)
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.EmbeddingsFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
		}
		validateProviderName("embeddings", fb.Name)
	}

	// Memory
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must be positive", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; transcripts, turns and the index live in memory only")
	}

	// Engine
	e := cfg.Engine
	if err := e.Budget.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine.budget: %w", err))
	}
	if e.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("engine.chunk_size %d must be positive", e.ChunkSize))
	}
	if e.ChunkOverlap < 0 || (e.ChunkSize > 0 && e.ChunkOverlap >= e.ChunkSize) {
		errs = append(errs, fmt.Errorf("engine.chunk_overlap %d must be in [0, chunk_size)", e.ChunkOverlap))
	}
	if e.MinScore < 0 || e.MinScore > 1 {
		errs = append(errs, fmt.Errorf("engine.min_score %.2f is out of range [0, 1]", e.MinScore))
	}
	if e.RetrievalK < 0 || e.TailSize < 0 || e.HistoryBudget < 0 || e.QueueDepth < 0 || e.EmbedBatchSize < 0 {
		errs = append(errs, errors.New("engine: counts and budgets must not be negative"))
	}
	if e.RetrievalTimeout < 0 || e.GenerationTimeout < 0 {
		errs = append(errs, errors.New("engine: timeouts must not be negative"))
	}
	if e.Temperature < 0 || e.Temperature > 2 {
		errs = append(errs, fmt.Errorf("engine.temperature %.2f is out of range [0, 2]", e.Temperature))
	}
	for scope, p := range e.Policies {
		if scope != "lecture" && scope != "course" {
			errs = append(errs, fmt.Errorf("engine.policies: unknown scope type %q; valid values: lecture, course", scope))
		}
		if !p.IsValid() {
			errs = append(errs, fmt.Errorf("engine.policies.%s %q is invalid; valid values: reject, queue", scope, p))
		}
	}

	// Redis
	if cfg.Redis.Addr != "" && cfg.Redis.LockTTL > 0 {
		// The lease is held from admission until the reply is committed.
		held := e.RetrievalTimeout + e.GenerationTimeout + CommitTimeout
		if cfg.Redis.LockTTL <= held {
			errs = append(errs, fmt.Errorf(
				"redis.lock_ttl %s must exceed engine.retrieval_timeout %s + engine.generation_timeout %s + commit timeout %s",
				cfg.Redis.LockTTL, e.RetrievalTimeout, e.GenerationTimeout, CommitTimeout))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
