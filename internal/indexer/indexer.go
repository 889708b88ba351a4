// Package indexer turns long lecture transcripts and course documents into
// retrievable chunks.
//
// [Chunk] cuts text into overlapping rune windows. [Indexer.EmbedAndStore]
// embeds chunks in bounded batches and upserts each batch into the semantic
// index on its own: a failed batch does not roll back the ones already
// written. Chunk IDs hash the chunk position, so indexing is safe to retry
// and re-indexing a grown text replaces its earlier chunks.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for chunking and batching.
const (
	DefaultChunkSize    = 1000
	DefaultOverlap      = 100
	DefaultMaxBatchSize = 1000
)

var (
	// ErrEmbeddingBatchFailure is matched by every failed batch in a
	// [BatchError].
	ErrEmbeddingBatchFailure = errors.New("indexer: embedding batch failure")

	// ErrTooShort is the skip reason for texts not worth indexing.
	ErrTooShort = errors.New("indexer: text too short to index")
)

// BatchFailure describes one batch that was not stored.
type BatchFailure struct {
	// Batch is the 0-based batch number.
	Batch int
	// FirstSeq and LastSeq are the Seq range of the chunks in the batch.
	FirstSeq, LastSeq int
	Err               error
}

func (f BatchFailure) Error() string {
	return fmt.Sprintf("batch %d (chunks %d-%d): %v", f.Batch, f.FirstSeq, f.LastSeq, f.Err)
}

// Unwrap exposes both the failure class and the cause.
func (f BatchFailure) Unwrap() []error {
	return []error{ErrEmbeddingBatchFailure, f.Err}
}

// BatchError reports the batches of one EmbedAndStore call that failed. The
// other batches were stored.
type BatchError struct {
	Batches  int
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "indexer: %d of %d batches failed", len(e.Failures), e.Batches)
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Source names where indexed chunks come from and which scope they belong to.
type Source struct {
	Scope memory.Scope
	ID    string
	Title string
}

// Result summarises an IndexText call.
type Result struct {
	// Skipped is set when the text was not indexed; SkipReason says why.
	Skipped    bool
	SkipReason error

	// Chunks is the number of chunks cut from the text.
	Chunks int

	// IDs holds the IDs of the chunks that were stored.
	IDs []string
}

// Option is a functional option for New.
type Option func(*Indexer)

// WithChunking sets the chunk size and overlap in runes.
func WithChunking(size, overlap int) Option {
	return func(ix *Indexer) {
		ix.chunkSize, ix.overlap = normalize(size, overlap)
	}
}

// WithMaxBatchSize caps the number of chunks per embed-and-upsert request.
func WithMaxBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.maxBatch = n
		}
	}
}

// WithMetrics records batch outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(ix *Indexer) {
		ix.metrics = m
	}
}

// Indexer embeds chunks and writes them to a semantic index. It is safe for
// concurrent use.
type Indexer struct {
	embedder embeddings.Provider
	index    memory.SemanticIndex
	metrics  *observe.Metrics

	chunkSize int
	overlap   int
	maxBatch  int
}

// New creates an Indexer writing vectors from embedder into index.
func New(embedder embeddings.Provider, index memory.SemanticIndex, opts ...Option) *Indexer {
	ix := &Indexer{
		embedder:  embedder,
		index:     index,
		chunkSize: DefaultChunkSize,
		overlap:   DefaultOverlap,
		maxBatch:  DefaultMaxBatchSize,
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// ChunkSize returns the configured chunk size in runes.
func (ix *Indexer) ChunkSize() int { return ix.chunkSize }

// IndexText chunks text and stores it under src. Texts that fail ShouldIndex
// are skipped without error.
func (ix *Indexer) IndexText(ctx context.Context, text string, src Source) (Result, error) {
	if !ShouldIndex(text, ix.chunkSize) {
		observe.Logger(ctx).Debug("indexer: skipping short text",
			"scope", src.Scope.Key(), "source", src.ID, "runes", len([]rune(text)))
		return Result{Skipped: true, SkipReason: ErrTooShort}, nil
	}
	chunks := Chunk(text, ix.chunkSize, ix.overlap)
	ids, err := ix.EmbedAndStore(ctx, chunks, src)
	return Result{Chunks: len(chunks), IDs: ids}, err
}

// EmbedAndStore embeds chunks in batches of at most the configured batch size
// and upserts each batch as soon as it is embedded. Scope, source, title and
// positional ID are filled in on every chunk.
//
// It returns the IDs of every stored chunk, in chunk order. When some batches
// fail the error is a *[BatchError]; the returned IDs still list the chunks
// that were stored. A cancelled context fails the remaining batches.
func (ix *Indexer) EmbedAndStore(ctx context.Context, chunks []memory.Chunk, src Source) (ids []string, err error) {
	ctx, span := observe.StartSpan(ctx, "indexer.embed_and_store")
	span.SetAttributes(
		attribute.String("scope", src.Scope.Key()),
		attribute.String("source_id", src.ID),
		attribute.Int("chunks", len(chunks)),
	)
	defer func() { observe.EndSpan(span, err) }()

	if len(chunks) == 0 {
		return nil, nil
	}
	log := observe.Logger(ctx).With("scope", src.Scope.Key(), "source", src.ID)

	batchErr := &BatchError{}
	for start := 0; start < len(chunks); start += ix.maxBatch {
		batch := ix.prepare(chunks[start:min(start+ix.maxBatch, len(chunks))], src)
		n := batchErr.Batches
		batchErr.Batches++

		began := time.Now()
		stored, err := ix.storeBatch(ctx, batch)
		if err != nil {
			batchErr.Failures = append(batchErr.Failures, BatchFailure{
				Batch:    n,
				FirstSeq: batch[0].Seq,
				LastSeq:  batch[len(batch)-1].Seq,
				Err:      err,
			})
			ix.record(ctx, "error", len(batch))
			log.Warn("indexer: batch failed", "batch", n, "size", len(batch), "err", err)
			continue
		}
		ids = append(ids, stored...)
		ix.record(ctx, "ok", len(batch))
		log.Debug("indexer: batch stored", "batch", n, "size", len(batch), "duration", time.Since(began))
	}

	if len(batchErr.Failures) > 0 {
		return ids, batchErr
	}
	log.Info("indexer: source indexed", "chunks", len(ids), "batches", batchErr.Batches)
	return ids, nil
}

// prepare copies batch and stamps it with src metadata and positional IDs.
func (ix *Indexer) prepare(batch []memory.Chunk, src Source) []memory.Chunk {
	out := make([]memory.Chunk, len(batch))
	for i, c := range batch {
		c.ScopeID = src.Scope.ID
		c.ScopeType = src.Scope.Type
		c.SourceID = src.ID
		c.Title = src.Title
		c.ID = ChunkID(src.Scope, src.ID, c.Seq)
		out[i] = c
	}
	return out
}

func (ix *Indexer) storeBatch(ctx context.Context, batch []memory.Chunk) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embed: got %d vectors for %d chunks", len(vecs), len(batch))
	}
	dims := ix.embedder.Dimensions()
	for i := range batch {
		if len(vecs[i]) == 0 || (dims > 0 && len(vecs[i]) != dims) {
			return nil, fmt.Errorf("embed: vector %d has %d dimensions, want %d", i, len(vecs[i]), dims)
		}
		batch[i].Embedding = vecs[i]
	}
	ids, err := ix.index.UpsertChunks(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}
	return ids, nil
}

func (ix *Indexer) record(ctx context.Context, status string, n int) {
	if ix.metrics != nil {
		ix.metrics.RecordEmbeddingBatch(ctx, status, n)
	}
}
