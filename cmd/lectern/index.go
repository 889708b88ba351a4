package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/memory"
)

// documentIngester is what the index command needs from [ingest.Service].
type documentIngester interface {
	Ingest(ctx context.Context, up ingest.Upload) (ingest.Result, error)
}

func newIndexCmd(configPath *string) *cobra.Command {
	var (
		courseID    string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "index --course ID FILE...",
		Short: "Add course material to a course",
		Long: "Extract, store and index documents (text, Markdown, PDF) for a course. " +
			"Re-indexing a file with the same name replaces its earlier version.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			if strings.TrimSpace(courseID) == "" {
				return errors.New("--course is required")
			}
			cfg, closeLog, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			defer closeLog()
			if cfg.Memory.PostgresDSN == "" {
				return errors.New("memory.postgres_dsn is empty; indexed material would be lost on exit")
			}

			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			providers, err := buildProviders(cfg, reg, observe.DefaultMetrics())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, providers)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
					slog.Warn("shutdown error", "err", err)
				}
			}()

			scope := memory.Scope{ID: courseID, Type: memory.ScopeCourse}
			return indexFiles(cmd.Context(), cmd.OutOrStdout(), a.Ingest(), scope, files, concurrency)
		},
	}
	cmd.Flags().StringVar(&courseID, "course", "", "course to file the documents under")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "documents processed at once")
	return cmd
}

// indexFiles ingests every file into scope, at most limit at a time, and
// prints one line per file. All files are attempted; the failures are
// returned together.
func indexFiles(ctx context.Context, out io.Writer, docs documentIngester, scope memory.Scope, files []string, limit int) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, path := range files {
		g.Go(func() error {
			line, err := indexFile(gctx, docs, scope, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				fmt.Fprintf(out, "FAIL  %s: %v\n", path, err)
				return nil
			}
			fmt.Fprintln(out, line)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func indexFile(ctx context.Context, docs documentIngester, scope memory.Scope, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	res, err := docs.Ingest(ctx, ingest.Upload{Scope: scope, Name: filepath.Base(path), Data: data})
	if err != nil {
		return "", err
	}
	if res.Index.Skipped {
		return fmt.Sprintf("OK    %s -> %s (%s, small enough to include in full)", path, res.DocumentID, res.Format), nil
	}
	return fmt.Sprintf("OK    %s -> %s (%s, %d chunks)", path, res.DocumentID, res.Format, res.Index.Chunks), nil
}
