// Package store persists ingestions, extracted tables, data points and
// compute runs in SQLite or Postgres.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/model"
)

// ErrNotFound is returned (wrapped) when a lookup matches no row.
var ErrNotFound = eris.New("store: not found")

// IngestionFilter specifies criteria for listing ingestions.
type IngestionFilter struct {
	OwnerID string                `json:"owner_id,omitempty"`
	Status  model.IngestionStatus `json:"status,omitempty"`
	Limit   int                   `json:"limit,omitempty"`
	Offset  int                   `json:"offset,omitempty"`
}

// Store is the repository behind the ingestion pipeline and analysis
// service. Tables and data points are written per ingestion version; reads
// return only the version currently recorded on the ingestion, so rows left
// behind by a failed run are never visible.
type Store interface {
	// CreateIngestion inserts ing, or returns the existing record when the
	// (owner, content hash) pair is already stored.
	CreateIngestion(ctx context.Context, ing *model.Ingestion) (*model.Ingestion, error)
	GetIngestion(ctx context.Context, id string) (*model.Ingestion, error)
	FindIngestionByHash(ctx context.Context, ownerID, contentHash string) (*model.Ingestion, error)
	ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.Ingestion, error)
	UpdateIngestionStatus(ctx context.Context, id string, status model.IngestionStatus, message string) error
	// UpdateIngestionMetadata publishes a finished run: it records the
	// version whose artifacts become visible, the page count and metadata.
	UpdateIngestionMetadata(ctx context.Context, id string, version, pageCount int, metadata map[string]any) error

	SaveExtractedTables(ctx context.Context, tables []model.ExtractedTable) error
	GetExtractedTables(ctx context.Context, ingestionID string) ([]model.ExtractedTable, error)
	SaveDataPoints(ctx context.Context, points []model.DataPoint) error
	GetDataPoints(ctx context.Context, ingestionID string) ([]model.DataPoint, error)
	// PurgeVersion deletes tables and points written at version.
	PurgeVersion(ctx context.Context, ingestionID string, version int) error

	// SaveComputeRun stores run unless a run with the same deterministic
	// hash exists, and returns whichever record is stored.
	SaveComputeRun(ctx context.Context, run *model.ComputeRun) (*model.ComputeRun, error)
	FindComputeRunByHash(ctx context.Context, hash string) (*model.ComputeRun, error)
	GetComputeRuns(ctx context.Context, ingestionID string) ([]model.ComputeRun, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
