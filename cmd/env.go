package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/analysis"
	"github.com/sells-group/evidence-cli/internal/compute"
	"github.com/sells-group/evidence-cli/internal/fetcher"
	"github.com/sells-group/evidence-cli/internal/ingest"
	"github.com/sells-group/evidence-cli/internal/markdown"
	"github.com/sells-group/evidence-cli/internal/render"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/store"
	"github.com/sells-group/evidence-cli/internal/table"
)

// appEnv holds the store and services needed by the ingest, batch and
// serve commands.
type appEnv struct {
	Store   store.Store
	Service *analysis.Service
	Source  *fetcher.Source
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates config for mode and wires the pipeline. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	retry := resilience.FromConfig(cfg.Retry)
	md := markdown.FromConfig(cfg.Extraction)

	orch := ingest.New(ingest.Deps{
		Store:        st,
		Text:         render.NewTextExtractor(cfg.Renderer),
		Info:         render.NewInfoExtractor(cfg.Renderer),
		Tables:       table.NewExtractor(table.FromConfig(cfg.Extraction)),
		Markdown:     &md,
		Retry:        retry,
		SkipMarkdown: cfg.Extraction.SkipMarkdown,
	})
	engine := compute.NewEngine(st, retry, cfg.Analysis.CreatedBy)

	return &appEnv{
		Store:   st,
		Service: analysis.NewService(orch, engine, cfg.Analysis),
		Source:  fetcher.NewSource(cfg.Fetch),
	}, nil
}

// trustThreshold is the configured table confidence threshold.
func trustThreshold() float64 {
	return table.FromConfig(cfg.Extraction).MinConfidence
}
