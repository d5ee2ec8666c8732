package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"weather-ingest/internal/models"
	"weather-ingest/pkg/database"
	"weather-ingest/pkg/logging"
)

// StagingSession is one worker's exclusive connection to the store.
type StagingSession interface {
	// Begin opens a transaction that streams rows into the staging table.
	Begin(ctx context.Context) (StagingBatch, error)
	Close() error
}

// StagingBatch collects one file's rows. Nothing is visible to the merge
// until Commit returns nil. Cancelling the context given to Begin also
// aborts the batch.
type StagingBatch interface {
	Add(ctx context.Context, obs *models.Observation) error
	Commit(ctx context.Context) error
	Rollback() error
}

var stagingColumns = []string{"station_id", "date", "max_temp", "min_temp", "precipitation"}

var stagingTablePattern = regexp.MustCompile(`^weather_data_staging_[a-z0-9_]+$`)

// ErrInvalidStagingTable is returned for table names outside the staging namespace.
var ErrInvalidStagingTable = errors.New("invalid staging table name")

func checkStagingTable(table string) error {
	if !stagingTablePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidStagingTable, table)
	}
	return nil
}

// CreateStagingTable creates an unlogged, constraint-free copy of the
// weather_data column shape. It is a regular table so every worker
// connection can see it.
func (r *weatherRepository) CreateStagingTable(ctx context.Context, table string) error {
	if err := checkStagingTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE UNLOGGED TABLE %s AS
		SELECT station_id, date, max_temp, min_temp, precipitation
		FROM weather_data WITH NO DATA`, pq.QuoteIdentifier(table))

	if _, err := r.db.ExecContext(ctx, "create_staging", query); err != nil {
		return fmt.Errorf("failed to create staging table %s: %w", table, err)
	}

	r.logger.Debug(ctx, "[REPO_STAGING_CREATE] Staging table created", logging.Fields{
		"table": table,
	})
	return nil
}

// DropStagingTable drops the staging table if it exists.
func (r *weatherRepository) DropStagingTable(ctx context.Context, table string) error {
	if err := checkStagingTable(table); err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, "drop_staging", "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(table)); err != nil {
		return fmt.Errorf("failed to drop staging table %s: %w", table, err)
	}

	r.logger.Debug(ctx, "[REPO_STAGING_DROP] Staging table dropped", logging.Fields{
		"table": table,
	})
	return nil
}

// MergeStagingTable moves staged rows into weather_data in one statement.
func (r *weatherRepository) MergeStagingTable(ctx context.Context, table string) (int64, error) {
	if err := checkStagingTable(table); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		INSERT INTO weather_data (station_id, date, max_temp, min_temp, precipitation)
		SELECT station_id, date, max_temp, min_temp, precipitation
		FROM %s
		ON CONFLICT (station_id, date) DO NOTHING
	`, pq.QuoteIdentifier(table))

	result, err := r.db.ExecContext(ctx, "merge_staging", query)
	if err != nil {
		return 0, fmt.Errorf("failed to merge staging table %s: %w", table, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read merged row count: %w", err)
	}
	return inserted, nil
}

// AcquireStagingSession checks a connection out of the pool for one worker.
func (r *weatherRepository) AcquireStagingSession(ctx context.Context, table string) (StagingSession, error) {
	if err := checkStagingTable(table); err != nil {
		return nil, err
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire staging connection: %w", err)
	}

	return &pgStagingSession{
		conn:  conn,
		table: table,
		repo:  r,
	}, nil
}

type pgStagingSession struct {
	conn  *sqlx.Conn
	table string
	repo  *weatherRepository
}

func (s *pgStagingSession) Begin(ctx context.Context) (StagingBatch, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin staging transaction: %w", database.Classify(err))
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.table, stagingColumns...))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to start COPY into %s: %w", s.table, database.Classify(err))
	}

	return &pgStagingBatch{
		tx:      tx,
		stmt:    stmt,
		repo:    s.repo,
		started: time.Now(),
	}, nil
}

func (s *pgStagingSession) Close() error {
	return s.conn.Close()
}

type pgStagingBatch struct {
	tx      *sqlx.Tx
	stmt    *sql.Stmt
	repo    *weatherRepository
	rows    int
	started time.Time
	done    bool
}

func (b *pgStagingBatch) Add(ctx context.Context, obs *models.Observation) error {
	_, err := b.stmt.ExecContext(ctx,
		obs.StationID,
		obs.Date.Format(models.APIDateLayout),
		obs.MaxTemp,
		obs.MinTemp,
		obs.Precipitation,
	)
	if err != nil {
		return fmt.Errorf("failed to stage row: %w", database.Classify(err))
	}
	b.rows++
	return nil
}

// Commit flushes the COPY stream and commits. On error the transaction is
// rolled back and no row of the batch is kept.
func (b *pgStagingBatch) Commit(ctx context.Context) error {
	if b.done {
		return sql.ErrTxDone
	}
	b.done = true

	var err error
	defer func() { b.repo.db.Observe("staging_copy", b.started, err) }()

	if _, err = b.stmt.ExecContext(ctx); err != nil {
		b.stmt.Close()
		b.tx.Rollback()
		return fmt.Errorf("failed to flush COPY: %w", database.Classify(err))
	}
	if err = b.stmt.Close(); err != nil {
		b.tx.Rollback()
		return fmt.Errorf("failed to close COPY: %w", database.Classify(err))
	}
	if err = b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staging batch: %w", database.Classify(err))
	}
	return nil
}

func (b *pgStagingBatch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.stmt.Close()
	return b.tx.Rollback()
}
