package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/indexer"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/memstore"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
	embmock "github.com/MrWong99/lectern/pkg/provider/embeddings/mock"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	llmmock "github.com/MrWong99/lectern/pkg/provider/llm/mock"
)

func mockRegistry(models map[string]string) *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"primary", "backup"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{}, nil
		})
		reg.RegisterEmbeddings(name, func(e config.ProviderEntry) (embeddings.Provider, error) {
			return &embmock.Provider{DimensionsValue: 3, ModelIDValue: models[e.Model]}, nil
		})
	}
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	models := map[string]string{"m": "model-a", "other": "model-b"}

	t.Run("plain", func(t *testing.T) {
		cfg := &config.Config{Providers: config.ProvidersConfig{
			LLM:        config.ProviderEntry{Name: "primary"},
			Embeddings: config.ProviderEntry{Name: "primary", Model: "m"},
		}}
		ps, err := buildProviders(cfg, mockRegistry(models), nil)
		if err != nil {
			t.Fatalf("buildProviders: %v", err)
		}
		if _, ok := ps.LLM.(*llmmock.Provider); !ok {
			t.Errorf("LLM = %T, want the primary itself", ps.LLM)
		}
	})

	t.Run("fallbacks", func(t *testing.T) {
		cfg := &config.Config{Providers: config.ProvidersConfig{
			LLM:                 config.ProviderEntry{Name: "primary", Model: "x"},
			LLMFallbacks:        []config.ProviderEntry{{Name: "backup", Model: "y"}},
			Embeddings:          config.ProviderEntry{Name: "primary", Model: "m"},
			EmbeddingsFallbacks: []config.ProviderEntry{{Name: "backup", Model: "m"}},
		}}
		ps, err := buildProviders(cfg, mockRegistry(models), nil)
		if err != nil {
			t.Fatalf("buildProviders: %v", err)
		}
		if _, ok := ps.LLM.(*resilience.LLMFallback); !ok {
			t.Errorf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
		}
		if _, ok := ps.Embeddings.(*resilience.EmbeddingsFallback); !ok {
			t.Errorf("Embeddings = %T, want *resilience.EmbeddingsFallback", ps.Embeddings)
		}
	})

	t.Run("incompatible embeddings fallback", func(t *testing.T) {
		cfg := &config.Config{Providers: config.ProvidersConfig{
			LLM:                 config.ProviderEntry{Name: "primary"},
			Embeddings:          config.ProviderEntry{Name: "primary", Model: "m"},
			EmbeddingsFallbacks: []config.ProviderEntry{{Name: "backup", Model: "other"}},
		}}
		if _, err := buildProviders(cfg, mockRegistry(models), nil); err == nil {
			t.Fatal("expected an error for a fallback with a different model")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := &config.Config{Providers: config.ProvidersConfig{
			LLM:        config.ProviderEntry{Name: "nope"},
			Embeddings: config.ProviderEntry{Name: "primary"},
		}}
		_, err := buildProviders(cfg, mockRegistry(models), nil)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
		}
	})
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	p, err := reg.CreateEmbeddings(config.ProviderEntry{
		Name:    "ollama",
		BaseURL: "http://localhost:11434",
		Model:   "nomic-embed-text",
		Options: map[string]any{"dimensions": 768},
	})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if p.Dimensions() != 768 {
		t.Errorf("Dimensions = %d, want 768", p.Dimensions())
	}
	for _, name := range config.ValidProviderNames["llm"] {
		_, err := reg.CreateLLM(config.ProviderEntry{Name: name})
		if errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("llm provider %q is not registered", name)
		}
	}
}

// recordingIngester stores uploads through a real ingest.Service.
type recordingIngester struct {
	mu    sync.Mutex
	names []string
	svc   *ingest.Service
}

func (r *recordingIngester) Ingest(ctx context.Context, up ingest.Upload) (ingest.Result, error) {
	r.mu.Lock()
	r.names = append(r.names, up.Name)
	r.mu.Unlock()
	return r.svc.Ingest(ctx, up)
}

func TestIndexFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(notes, []byte("# Carnot cycle\n\nTwo isotherms and two adiabats."), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.txt")

	emb := &embmock.Provider{DimensionsValue: 2, EmbedFunc: func(string) []float32 { return []float32{1, 0} }}
	store := memstore.New()
	ing := &recordingIngester{svc: ingest.NewService(store, indexer.New(emb, store))}

	var out bytes.Buffer
	scope := memory.Scope{ID: "thermo-101", Type: memory.ScopeCourse}
	err := indexFiles(context.Background(), &out, ing, scope, []string{notes, missing}, 2)
	if err == nil || !strings.Contains(err.Error(), "missing.txt") {
		t.Fatalf("err = %v, want the missing file reported", err)
	}
	if !strings.Contains(out.String(), "OK    "+notes) {
		t.Errorf("output = %q", out.String())
	}
	if len(ing.names) != 1 || ing.names[0] != "notes.md" {
		t.Errorf("ingested = %v", ing.names)
	}
	docs, err := store.ListDocuments(context.Background(), scope)
	if err != nil || len(docs) != 1 || docs[0].Title != "Carnot cycle" {
		t.Errorf("documents = %+v, %v", docs, err)
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: {name: openai, model: gpt-4o-mini}
  embeddings: {name: openai, model: text-embedding-3-small}
`))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printStartupSummary(&out, cfg)
	for _, want := range []string{"openai/gpt-4o-mini", "in-memory", "single replica", cfg.Server.ListenAddr} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary lacks %q:\n%s", want, out.String())
		}
	}
}

func TestRootCmd(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "index"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q missing", name)
		}
	}

	root.SetArgs([]string{"index", "--config", filepath.Join(t.TempDir(), "none.yaml"), "a.md"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--course") {
		t.Errorf("index without --course: %v", err)
	}

	root.SetArgs([]string{"migrate", "--config", filepath.Join(t.TempDir(), "none.yaml")})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing config: %v", err)
	}
}
