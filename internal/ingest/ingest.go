// Package ingest turns uploaded course material into stored documents and
// indexed chunks.
//
// A document is extracted to plain text ([Extract]), stored in the
// [memory.DocumentStore] so the course can be included verbatim while it
// fits the budget, and chunked into the semantic index for retrieval once it
// does not. Document IDs are derived from the scope and file name, so
// uploading the same file again replaces the earlier version.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/internal/indexer"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/memory"
)

var (
	// ErrUnsupportedFormat is returned for payloads that are not text,
	// markdown or PDF.
	ErrUnsupportedFormat = errors.New("ingest: unsupported document format")

	// ErrEmptyDocument is returned when no text could be extracted.
	ErrEmptyDocument = errors.New("ingest: document has no text")

	// ErrNotUTF8 is returned for text payloads that are not valid UTF-8.
	ErrNotUTF8 = errors.New("ingest: text is not valid UTF-8")
)

// documentNamespace seeds name-based document IDs.
var documentNamespace = uuid.MustParse("6f1d3c0e-8a52-4d5e-9a57-2b8f0f6c1e44")

// DocumentID returns the stable ID of the document called name in scope.
func DocumentID(scope memory.Scope, name string) string {
	return uuid.NewSHA1(documentNamespace, []byte(scope.Key()+"/"+name)).String()
}

// Upload is one document to ingest.
type Upload struct {
	Scope       memory.Scope
	Name        string
	ContentType string
	Data        []byte
}

// Result reports what Ingest stored.
type Result struct {
	DocumentID string
	Title      string
	Format     Format
	Index      indexer.Result
}

// Service stores and indexes documents.
type Service struct {
	docs    memory.DocumentStore
	indexer *indexer.Indexer
}

// NewService creates a Service.
func NewService(docs memory.DocumentStore, ix *indexer.Indexer) *Service {
	return &Service{docs: docs, indexer: ix}
}

// Ingest extracts, stores and indexes one upload. The document is stored
// before indexing, so an embedding failure leaves it available for full
// inclusion; the failure is still returned.
func (s *Service) Ingest(ctx context.Context, up Upload) (res Result, err error) {
	ctx, span := observe.StartSpan(ctx, "ingest.document")
	defer func() { observe.EndSpan(span, err) }()

	if up.Scope.ID == "" {
		return Result{}, errors.New("ingest: empty scope id")
	}
	f := DetectFormat(up.Name, up.ContentType)
	ex, err := Extract(f, up.Name, up.Data)
	if err != nil {
		return Result{}, err
	}
	return s.store(ctx, up.Scope, DocumentID(up.Scope, up.Name), f, ex)
}

// IngestText stores and indexes text that is already plain, such as a
// finished lecture transcript, under a caller-chosen document ID.
func (s *Service) IngestText(ctx context.Context, scope memory.Scope, id, title, text string) (Result, error) {
	if id == "" {
		return Result{}, errors.New("ingest: empty document id")
	}
	return s.store(ctx, scope, id, FormatText, Extracted{Title: title, Text: text})
}

func (s *Service) store(ctx context.Context, scope memory.Scope, id string, f Format, ex Extracted) (Result, error) {
	res := Result{DocumentID: id, Title: ex.Title, Format: f}
	err := s.docs.PutDocument(ctx, memory.Document{
		ID:        id,
		ScopeID:   scope.ID,
		ScopeType: scope.Type,
		Title:     ex.Title,
		Text:      ex.Text,
	})
	if err != nil {
		return res, fmt.Errorf("ingest: store document %s: %w", id, err)
	}

	res.Index, err = s.indexer.IndexText(ctx, ex.Text, indexer.Source{Scope: scope, ID: id, Title: ex.Title})
	if err != nil {
		return res, fmt.Errorf("ingest: index document %s: %w", id, err)
	}
	observe.Logger(ctx).Info("ingest: document stored",
		"scope", scope.Key(), "document_id", id, "title", ex.Title,
		"chunks", res.Index.Chunks, "skipped", res.Index.Skipped)
	return res, nil
}
