package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-cli/internal/analysis"
	"github.com/sells-group/evidence-cli/internal/fetcher"
)

// manifestEntry is one document listed in a batch manifest. Empty fields
// fall back to the command-line flags.
type manifestEntry struct {
	Path        string `yaml:"path"`
	Owner       string `yaml:"owner"`
	Feature     string `yaml:"feature"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

var (
	batchFlags       requestFlags
	batchManifest    string
	batchConcurrency int
	batchJSON        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [paths|urls...]",
	Short: "Extract evidence from many documents with bounded concurrency",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		entries := make([]manifestEntry, 0, len(args))
		for _, a := range args {
			entries = append(entries, manifestEntry{Path: a})
		}
		if batchManifest != "" {
			data, err := os.ReadFile(batchManifest)
			if err != nil {
				return eris.Wrap(err, "read manifest")
			}
			fromFile, err := parseManifest(data)
			if err != nil {
				return err
			}
			entries = append(entries, fromFile...)
		}
		if len(entries) == 0 {
			return eris.New("batch: no documents given (pass paths or --manifest)")
		}

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		reqs, err := loadRequests(ctx, env.Source, entries, &batchFlags)
		if err != nil {
			return err
		}

		resp := env.Service.RunBatch(ctx, reqs, batchConcurrency)
		if batchJSON {
			return printJSON(os.Stdout, resp)
		}
		formatBatch(os.Stdout, resp)
		return nil
	},
}

func init() {
	batchFlags.register(batchCmd.Flags())
	batchCmd.Flags().StringVar(&batchManifest, "manifest", "", "YAML manifest listing documents")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "documents processed at once (0 keeps config)")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "print the full batch response as JSON")
	rootCmd.AddCommand(batchCmd)
}

// parseManifest decodes a YAML list of manifest entries.
func parseManifest(data []byte) ([]manifestEntry, error) {
	var entries []manifestEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrap(err, "parse manifest")
	}
	for i, e := range entries {
		if e.Path == "" {
			return nil, eris.Errorf("parse manifest: entry %d has no path", i+1)
		}
		if e.TimeoutSecs < 0 {
			return nil, eris.Errorf("parse manifest: entry %d has a negative timeout", i+1)
		}
	}
	return entries, nil
}

// docOpener loads a document by location. *fetcher.Source satisfies it.
type docOpener interface {
	Open(ctx context.Context, location string) (*fetcher.Document, error)
}

// loadRequests opens every entry concurrently and builds requests in input
// order. Any document that cannot be opened aborts the batch before
// processing starts.
func loadRequests(ctx context.Context, src docOpener, entries []manifestEntry, flags *requestFlags) ([]analysis.Request, error) {
	reqs := make([]analysis.Request, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, e := range entries {
		g.Go(func() error {
			doc, err := src.Open(gctx, e.Path)
			if err != nil {
				return eris.Wrapf(err, "batch: open %s", e.Path)
			}
			req := analysis.Request{
				OwnerID:    flags.ownerID(),
				Data:       doc.Data,
				FileName:   doc.Name,
				FeatureTag: flags.feature,
				Options:    flags.options(),
			}
			if e.Owner != "" {
				req.OwnerID = e.Owner
			}
			if e.Feature != "" {
				req.FeatureTag = e.Feature
			}
			if e.TimeoutSecs > 0 {
				req.Options.Timeout = time.Duration(e.TimeoutSecs) * time.Second
			}
			reqs[i] = req
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// formatBatch writes one line per document and the totals to out.
func formatBatch(out io.Writer, b *analysis.BatchResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSTATUS\tINGESTION\tPOINTS\tFINDINGS\tWARNINGS\tDURATION")
	_, _ = fmt.Fprintln(w, "----\t------\t---------\t------\t--------\t--------\t--------")
	for _, r := range b.Results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%dms\n",
			r.Observability.FileName,
			r.Status,
			truncateID(r.IngestionID),
			r.Summary.DataPoints,
			r.Summary.Findings,
			len(r.Warnings),
			r.Observability.DurationMs,
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d documents: %d completed, %d partial, %d failed in %dms\n",
		b.Total, b.Completed, b.Partial, b.Failed, b.DurationMs)
}
