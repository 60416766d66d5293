package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/evidence-cli/internal/analysis"
)

// requestFlags are the per-request overrides shared by ingest and batch.
type requestFlags struct {
	owner         string
	feature       string
	force         bool
	skipMarkdown  bool
	noAnalysis    bool
	minConfidence float64
	timeout       time.Duration
}

func (f *requestFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.owner, "owner", "", "owner id (default from server.default_owner)")
	fs.StringVar(&f.feature, "feature", "cli", "feature tag recorded in observability")
	fs.BoolVar(&f.force, "force", false, "reprocess even when identical content was already ingested")
	fs.BoolVar(&f.skipMarkdown, "skip-markdown", false, "skip markdown reconstruction")
	fs.BoolVar(&f.noAnalysis, "no-analysis", false, "extract only, do not run compute methods")
	fs.Float64Var(&f.minConfidence, "min-confidence", 0, "table trust threshold override (0 keeps config)")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-document timeout (0 keeps config)")
}

func (f *requestFlags) ownerID() string {
	if f.owner != "" {
		return f.owner
	}
	if cfg.Server.DefaultOwner != "" {
		return cfg.Server.DefaultOwner
	}
	return "anonymous"
}

func (f *requestFlags) options() analysis.Options {
	opts := analysis.Options{
		MinTableConfidence: f.minConfidence,
		SkipMarkdown:       f.skipMarkdown,
		Timeout:            f.timeout,
		Force:              f.force,
	}
	if f.noAnalysis {
		run := false
		opts.RunAnalysis = &run
	}
	return opts
}

var ingestFlags requestFlags

var ingestCmd = &cobra.Command{
	Use:   "ingest <path|url>",
	Short: "Extract evidence from one document and print the response envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		doc, err := env.Source.Open(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		resp := env.Service.Run(ctx, analysis.Request{
			OwnerID:    ingestFlags.ownerID(),
			Data:       doc.Data,
			FileName:   doc.Name,
			FeatureTag: ingestFlags.feature,
			Options:    ingestFlags.options(),
		})
		if err := printJSON(os.Stdout, resp); err != nil {
			return err
		}
		if resp.Status == analysis.StatusFailed {
			return eris.Errorf("ingest: %s failed", doc.Name)
		}
		return nil
	},
}

func init() {
	ingestFlags.register(ingestCmd.Flags())
	rootCmd.AddCommand(ingestCmd)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
