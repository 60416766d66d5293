package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const migrationLockID = 4_207_311

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, db.Migrations{
		FS:     postgresMigrations,
		Dir:    "migrations/postgres",
		Table:  "evidence_schema_migrations",
		LockID: migrationLockID,
	}), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateIngestion(ctx context.Context, ing *model.Ingestion) (*model.Ingestion, error) {
	id := ing.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := ing.Status
	if status == "" {
		status = model.IngestionStatusPending
	}
	meta, err := model.MarshalMetadata(ing.Metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingestions (`+ingestionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (owner_id, content_hash) DO NOTHING`,
		id, ing.OwnerID, ing.FileName, ing.ContentHash, ing.ByteSize, string(status),
		ing.Version, ing.PageCount, meta, ing.Error, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert ingestion")
	}
	return s.FindIngestionByHash(ctx, ing.OwnerID, ing.ContentHash)
}

func (s *PostgresStore) GetIngestion(ctx context.Context, id string) (*model.Ingestion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ingestionColumns+` FROM ingestions WHERE id = $1`, id)
	ing, err := scanPgIngestion(row)
	return ing, eris.Wrapf(err, "postgres: get ingestion %s", id)
}

func (s *PostgresStore) FindIngestionByHash(ctx context.Context, ownerID, contentHash string) (*model.Ingestion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions WHERE owner_id = $1 AND content_hash = $2`,
		ownerID, contentHash,
	)
	ing, err := scanPgIngestion(row)
	return ing, eris.Wrap(err, "postgres: find ingestion by hash")
}

func (s *PostgresStore) ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.Ingestion, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestions WHERE true`
	var args []any
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(` AND owner_id = $%d`, argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ingestions")
	}
	defer rows.Close()

	var out []model.Ingestion
	for rows.Next() {
		ing, err := scanPgIngestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list ingestions")
		}
		out = append(out, *ing)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list ingestions iterate")
}

func (s *PostgresStore) UpdateIngestionStatus(ctx context.Context, id string, status model.IngestionStatus, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestions SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), message, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update ingestion status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "ingestion %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateIngestionMetadata(ctx context.Context, id string, version, pageCount int, metadata map[string]any) error {
	meta, err := model.MarshalMetadata(metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestions SET version = $1, page_count = $2, metadata = $3, updated_at = $4 WHERE id = $5`,
		version, pageCount, meta, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update ingestion metadata %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "ingestion %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveExtractedTables(ctx context.Context, tables []model.ExtractedTable) error {
	if len(tables) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save extracted tables: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for i := range tables {
		t := &tables[i]
		cols, err := encodeTable(t)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO extracted_tables (id, ingestion_id, version, page_number, table_index, headers, cells, confidence, parse_status, flags, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.IngestionID, t.Version, t.PageNumber, t.TableIndex,
			cols.headers, cols.rows, t.Confidence, string(t.ParseStatus), cols.flags, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert table %s", t.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save extracted tables: commit")
}

func (s *PostgresStore) GetExtractedTables(ctx context.Context, ingestionID string) ([]model.ExtractedTable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.ingestion_id, t.version, t.page_number, t.table_index, t.headers, t.cells, t.confidence, t.parse_status, t.flags, t.created_at
		 FROM extracted_tables t JOIN ingestions i ON i.id = t.ingestion_id AND i.version = t.version
		 WHERE t.ingestion_id = $1
		 ORDER BY t.page_number, t.table_index`,
		ingestionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get extracted tables")
	}
	defer rows.Close()

	var out []model.ExtractedTable
	for rows.Next() {
		var t model.ExtractedTable
		var cols tableColumns
		var status string
		if err := rows.Scan(&t.ID, &t.IngestionID, &t.Version, &t.PageNumber, &t.TableIndex,
			&cols.headers, &cols.rows, &t.Confidence, &status, &cols.flags, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extracted table")
		}
		t.ParseStatus = model.ParseStatus(status)
		if err := decodeTable(&t, cols); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get extracted tables iterate")
}

var dataPointColumns = []string{
	"id", "ingestion_id", "version", "position", "x_variable", "y_variable",
	"x_value", "y_value", "units", "metadata", "provenance", "created_at",
}

// SaveDataPoints bulk-loads points with COPY; a single COPY is atomic.
func (s *PostgresStore) SaveDataPoints(ctx context.Context, points []model.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(points))
	for i := range points {
		p := &points[i]
		meta, err := model.MarshalMetadata(p.Metadata)
		if err != nil {
			return err
		}
		prov, err := marshalJSON(p.Provenance)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			p.ID, nullable(p.IngestionID), p.Version, i, p.XVariable, p.YVariable,
			p.XValue, p.YValue, p.Units, meta, prov, now,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "data_points", dataPointColumns, rows)
	return eris.Wrap(err, "postgres: save data points")
}

func (s *PostgresStore) GetDataPoints(ctx context.Context, ingestionID string) ([]model.DataPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, COALESCE(p.ingestion_id, ''), p.version, p.x_variable, p.y_variable, p.x_value, p.y_value, p.units, p.metadata, p.provenance, p.created_at
		 FROM data_points p JOIN ingestions i ON i.id = p.ingestion_id AND i.version = p.version
		 WHERE p.ingestion_id = $1
		 ORDER BY p.position`,
		ingestionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get data points")
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var p model.DataPoint
		var meta, prov []byte
		if err := rows.Scan(&p.ID, &p.IngestionID, &p.Version, &p.XVariable, &p.YVariable, &p.XValue, &p.YValue,
			&p.Units, &meta, &prov, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan data point")
		}
		if p.Metadata, err = model.UnmarshalMetadata(meta); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(prov, &p.Provenance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get data points iterate")
}

func (s *PostgresStore) PurgeVersion(ctx context.Context, ingestionID string, version int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: purge version: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, table := range []string{"extracted_tables", "data_points"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE ingestion_id = $1 AND version = $2`, ingestionID, version); err != nil {
			return eris.Wrapf(err, "postgres: purge %s", table)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: purge version: commit")
}

const pgComputeRunColumns = `id, COALESCE(ingestion_id, ''), method, method_version, parameters, result, deterministic_hash, created_by, created_at, updated_at`

func (s *PostgresStore) SaveComputeRun(ctx context.Context, run *model.ComputeRun) (*model.ComputeRun, error) {
	id := run.ID
	if id == "" {
		id = uuid.New().String()
	}
	params, err := model.MarshalMetadata(run.Parameters)
	if err != nil {
		return nil, err
	}
	result, err := model.MarshalMetadata(run.Result)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO compute_runs (`+computeRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (deterministic_hash) DO NOTHING`,
		id, nullable(run.IngestionID), run.Method, run.MethodVersion, params, result,
		run.DeterministicHash, run.CreatedBy, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert compute run")
	}
	return s.FindComputeRunByHash(ctx, run.DeterministicHash)
}

func (s *PostgresStore) FindComputeRunByHash(ctx context.Context, hash string) (*model.ComputeRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgComputeRunColumns+` FROM compute_runs WHERE deterministic_hash = $1`, hash)
	run, err := scanPgComputeRun(row)
	return run, eris.Wrap(err, "postgres: find compute run by hash")
}

func (s *PostgresStore) GetComputeRuns(ctx context.Context, ingestionID string) ([]model.ComputeRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgComputeRunColumns+` FROM compute_runs WHERE ingestion_id = $1 ORDER BY created_at, method`,
		ingestionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get compute runs")
	}
	defer rows.Close()

	var out []model.ComputeRun
	for rows.Next() {
		run, err := scanPgComputeRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: get compute runs")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get compute runs iterate")
}

func scanPgIngestion(row scannable) (*model.Ingestion, error) {
	var ing model.Ingestion
	var status string
	var meta []byte
	err := row.Scan(&ing.ID, &ing.OwnerID, &ing.FileName, &ing.ContentHash, &ing.ByteSize, &status,
		&ing.Version, &ing.PageCount, &meta, &ing.Error, &ing.CreatedAt, &ing.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ing.Status = model.IngestionStatus(status)
	ing.Metadata, err = model.UnmarshalMetadata(meta)
	return &ing, err
}

func scanPgComputeRun(row scannable) (*model.ComputeRun, error) {
	var run model.ComputeRun
	var params, result []byte
	err := row.Scan(&run.ID, &run.IngestionID, &run.Method, &run.MethodVersion, &params, &result,
		&run.DeterministicHash, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Parameters, err = model.UnmarshalMetadata(params); err != nil {
		return nil, err
	}
	run.Result, err = model.UnmarshalMetadata(result)
	return &run, err
}
