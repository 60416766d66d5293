package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/evidence-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ingestions (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	file_name    TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	byte_size    INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	version      INTEGER NOT NULL DEFAULT 0,
	page_count   INTEGER NOT NULL DEFAULT 0,
	metadata     TEXT NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	UNIQUE (owner_id, content_hash)
);

CREATE TABLE IF NOT EXISTS extracted_tables (
	id           TEXT PRIMARY KEY,
	ingestion_id TEXT NOT NULL REFERENCES ingestions(id) ON DELETE CASCADE,
	version      INTEGER NOT NULL,
	page_number  INTEGER NOT NULL,
	table_index  INTEGER NOT NULL,
	headers      TEXT NOT NULL,
	cells        TEXT NOT NULL,
	confidence   REAL NOT NULL,
	parse_status TEXT NOT NULL,
	flags        TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS data_points (
	id           TEXT PRIMARY KEY,
	ingestion_id TEXT REFERENCES ingestions(id) ON DELETE CASCADE,
	version      INTEGER NOT NULL,
	position     INTEGER NOT NULL,
	x_variable   TEXT NOT NULL,
	y_variable   TEXT NOT NULL,
	x_value      REAL NOT NULL,
	y_value      REAL NOT NULL,
	units        TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}',
	provenance   TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS compute_runs (
	id                 TEXT PRIMARY KEY,
	ingestion_id       TEXT REFERENCES ingestions(id) ON DELETE SET NULL,
	method             TEXT NOT NULL,
	method_version     TEXT NOT NULL,
	parameters         TEXT NOT NULL DEFAULT '{}',
	result             TEXT NOT NULL,
	deterministic_hash TEXT NOT NULL UNIQUE,
	created_by         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingestions_owner ON ingestions(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ingestions_status ON ingestions(status);
CREATE INDEX IF NOT EXISTS idx_tables_ingestion ON extracted_tables(ingestion_id, version);
CREATE INDEX IF NOT EXISTS idx_points_ingestion ON data_points(ingestion_id, version);
CREATE INDEX IF NOT EXISTS idx_compute_runs_ingestion ON compute_runs(ingestion_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const ingestionColumns = `id, owner_id, file_name, content_hash, byte_size, status, version, page_count, metadata, error, created_at, updated_at`

func (s *SQLiteStore) CreateIngestion(ctx context.Context, ing *model.Ingestion) (*model.Ingestion, error) {
	rec := *ing
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.IngestionStatusPending
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	meta, err := model.MarshalMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestions (`+ingestionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, content_hash) DO NOTHING`,
		rec.ID, rec.OwnerID, rec.FileName, rec.ContentHash, rec.ByteSize, string(rec.Status),
		rec.Version, rec.PageCount, string(meta), rec.Error, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert ingestion")
	}
	return s.FindIngestionByHash(ctx, rec.OwnerID, rec.ContentHash)
}

func (s *SQLiteStore) GetIngestion(ctx context.Context, id string) (*model.Ingestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ingestionColumns+` FROM ingestions WHERE id = ?`, id)
	ing, err := scanIngestion(row)
	return ing, eris.Wrapf(err, "sqlite: get ingestion %s", id)
}

func (s *SQLiteStore) FindIngestionByHash(ctx context.Context, ownerID, contentHash string) (*model.Ingestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ingestionColumns+` FROM ingestions WHERE owner_id = ? AND content_hash = ?`,
		ownerID, contentHash,
	)
	ing, err := scanIngestion(row)
	return ing, eris.Wrap(err, "sqlite: find ingestion by hash")
}

func (s *SQLiteStore) ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.Ingestion, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestions WHERE 1=1`
	var args []any

	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ingestions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Ingestion
	for rows.Next() {
		ing, err := scanIngestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list ingestions")
		}
		out = append(out, *ing)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list ingestions iterate")
}

func (s *SQLiteStore) UpdateIngestionStatus(ctx context.Context, id string, status model.IngestionStatus, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), message, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update ingestion status %s", id)
	}
	return checkRowsAffected(res, "ingestion", id)
}

func (s *SQLiteStore) UpdateIngestionMetadata(ctx context.Context, id string, version, pageCount int, metadata map[string]any) error {
	meta, err := model.MarshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestions SET version = ?, page_count = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		version, pageCount, string(meta), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update ingestion metadata %s", id)
	}
	return checkRowsAffected(res, "ingestion", id)
}

func (s *SQLiteStore) SaveExtractedTables(ctx context.Context, tables []model.ExtractedTable) error {
	if len(tables) == 0 {
		return nil
	}
	return s.inTx(ctx, "save extracted tables", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO extracted_tables (id, ingestion_id, version, page_number, table_index, headers, cells, confidence, parse_status, flags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		now := time.Now().UTC()
		for i := range tables {
			t := &tables[i]
			cols, err := encodeTable(t)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				t.ID, t.IngestionID, t.Version, t.PageNumber, t.TableIndex,
				string(cols.headers), string(cols.rows), t.Confidence, string(t.ParseStatus), string(cols.flags), now,
			); err != nil {
				return eris.Wrapf(err, "table %s", t.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetExtractedTables(ctx context.Context, ingestionID string) ([]model.ExtractedTable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.ingestion_id, t.version, t.page_number, t.table_index, t.headers, t.cells, t.confidence, t.parse_status, t.flags, t.created_at
		 FROM extracted_tables t JOIN ingestions i ON i.id = t.ingestion_id AND i.version = t.version
		 WHERE t.ingestion_id = ?
		 ORDER BY t.page_number, t.table_index`,
		ingestionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get extracted tables")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExtractedTable
	for rows.Next() {
		var t model.ExtractedTable
		var headers, body, flags string
		if err := rows.Scan(&t.ID, &t.IngestionID, &t.Version, &t.PageNumber, &t.TableIndex,
			&headers, &body, &t.Confidence, &t.ParseStatus, &flags, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extracted table")
		}
		if err := decodeTable(&t, tableColumns{[]byte(headers), []byte(body), []byte(flags)}); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get extracted tables iterate")
}

func (s *SQLiteStore) SaveDataPoints(ctx context.Context, points []model.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	return s.inTx(ctx, "save data points", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO data_points (id, ingestion_id, version, position, x_variable, y_variable, x_value, y_value, units, metadata, provenance, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		now := time.Now().UTC()
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
			if _, err := stmt.ExecContext(ctx,
				p.ID, nullable(p.IngestionID), p.Version, i, p.XVariable, p.YVariable, p.XValue, p.YValue,
				p.Units, string(meta), string(prov), now,
			); err != nil {
				return eris.Wrapf(err, "data point %s", p.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetDataPoints(ctx context.Context, ingestionID string) ([]model.DataPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.ingestion_id, p.version, p.x_variable, p.y_variable, p.x_value, p.y_value, p.units, p.metadata, p.provenance, p.created_at
		 FROM data_points p JOIN ingestions i ON i.id = p.ingestion_id AND i.version = p.version
		 WHERE p.ingestion_id = ?
		 ORDER BY p.position`,
		ingestionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get data points")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DataPoint
	for rows.Next() {
		var p model.DataPoint
		var ingID sql.NullString
		var meta, prov string
		if err := rows.Scan(&p.ID, &ingID, &p.Version, &p.XVariable, &p.YVariable, &p.XValue, &p.YValue,
			&p.Units, &meta, &prov, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan data point")
		}
		p.IngestionID = ingID.String
		if p.Metadata, err = model.UnmarshalMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		if err := unmarshalJSON([]byte(prov), &p.Provenance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get data points iterate")
}

func (s *SQLiteStore) PurgeVersion(ctx context.Context, ingestionID string, version int) error {
	return s.inTx(ctx, "purge version", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM extracted_tables WHERE ingestion_id = ? AND version = ?`, ingestionID, version); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM data_points WHERE ingestion_id = ? AND version = ?`, ingestionID, version)
		return err
	})
}

const computeRunColumns = `id, ingestion_id, method, method_version, parameters, result, deterministic_hash, created_by, created_at, updated_at`

func (s *SQLiteStore) SaveComputeRun(ctx context.Context, run *model.ComputeRun) (*model.ComputeRun, error) {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO compute_runs (`+computeRunColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (deterministic_hash) DO NOTHING`,
		id, nullable(run.IngestionID), run.Method, run.MethodVersion, string(params), string(result),
		run.DeterministicHash, run.CreatedBy, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert compute run")
	}
	return s.FindComputeRunByHash(ctx, run.DeterministicHash)
}

func (s *SQLiteStore) FindComputeRunByHash(ctx context.Context, hash string) (*model.ComputeRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+computeRunColumns+` FROM compute_runs WHERE deterministic_hash = ?`, hash)
	run, err := scanComputeRun(row)
	return run, eris.Wrap(err, "sqlite: find compute run by hash")
}

func (s *SQLiteStore) GetComputeRuns(ctx context.Context, ingestionID string) ([]model.ComputeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+computeRunColumns+` FROM compute_runs WHERE ingestion_id = ? ORDER BY created_at, method`,
		ingestionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get compute runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ComputeRun
	for rows.Next() {
		run, err := scanComputeRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get compute runs")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get compute runs iterate")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, action string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin", action)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "sqlite: %s", action)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", action)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanIngestion(row scannable) (*model.Ingestion, error) {
	var ing model.Ingestion
	var meta string
	err := row.Scan(&ing.ID, &ing.OwnerID, &ing.FileName, &ing.ContentHash, &ing.ByteSize, &ing.Status,
		&ing.Version, &ing.PageCount, &meta, &ing.Error, &ing.CreatedAt, &ing.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ing.Metadata, err = model.UnmarshalMetadata([]byte(meta))
	return &ing, err
}

func scanComputeRun(row scannable) (*model.ComputeRun, error) {
	var run model.ComputeRun
	var ingID sql.NullString
	var params, result string
	err := row.Scan(&run.ID, &ingID, &run.Method, &run.MethodVersion, &params, &result,
		&run.DeterministicHash, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.IngestionID = ingID.String
	if run.Parameters, err = model.UnmarshalMetadata([]byte(params)); err != nil {
		return nil, err
	}
	run.Result, err = model.UnmarshalMetadata([]byte(result))
	return &run, err
}
