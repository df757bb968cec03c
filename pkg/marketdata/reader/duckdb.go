// Package reader loads downloaded bar archives for replay. Bars are read in
// strict (interval_start, symbol) order so a replay consumes them exactly as
// a live session would have produced them.
package reader

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// BarSource reads bars from a Parquet archive through DuckDB.
type BarSource struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// NewBarSource opens a DuckDB connection for reading bar archives. Use
// ":memory:" for the path in normal operation; the data itself is attached
// in Initialize.
func NewBarSource(path string, log *logger.Logger) (*BarSource, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDataSourceFailed, "failed to open DuckDB connection", err)
	}

	return &BarSource{
		db:     db,
		logger: log,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

// Initialize points the source at a Parquet archive.
func (s *BarSource) Initialize(path string) error {
	s.logger.Debug("Initializing bar source", zap.String("path", path))

	_, err := s.db.Exec(`DROP VIEW IF EXISTS bars;`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDataSourceFailed, "failed to drop existing view", err)
	}

	// Raw SQL: squirrel does not support CREATE VIEW.
	query := fmt.Sprintf(`
		CREATE VIEW bars AS
		SELECT * FROM read_parquet('%s');
	`, path)

	_, err = s.db.Exec(query)
	if err != nil {
		return errors.Wrap(errors.ErrCodeDataSourceFailed, "failed to create bars view", err)
	}

	return nil
}

// Count returns the number of bars in the optional [start, end] window.
func (s *BarSource) Count(start optional.Option[time.Time], end optional.Option[time.Time]) (int, error) {
	query := s.sq.Select("COUNT(*)").From("bars")

	if t, err := start.Take(); err == nil {
		query = query.Where(squirrel.GtOrEq{"interval_start": t})
	}

	if t, err := end.Take(); err == nil {
		query = query.Where(squirrel.LtOrEq{"interval_start": t})
	}

	var count int

	if err := query.RunWith(s.db).QueryRow().Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to count bars", err)
	}

	return count, nil
}

// ReadAll yields every bar in the window in replay order.
func (s *BarSource) ReadAll(start optional.Option[time.Time], end optional.Option[time.Time]) func(yield func(types.Bar, error) bool) {
	return func(yield func(types.Bar, error) bool) {
		query := s.sq.
			Select("symbol", "interval_start", "open", "high", "low", "close", "volume").
			From("bars").
			OrderBy("interval_start ASC", "symbol ASC")

		if t, err := start.Take(); err == nil {
			query = query.Where(squirrel.GtOrEq{"interval_start": t})
		}

		if t, err := end.Take(); err == nil {
			query = query.Where(squirrel.LtOrEq{"interval_start": t})
		}

		rows, err := query.RunWith(s.db).Query()
		if err != nil {
			yield(types.Bar{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query bars", err))

			return
		}
		defer rows.Close()

		for rows.Next() {
			var bar types.Bar

			err := rows.Scan(
				&bar.Symbol,
				&bar.IntervalStart,
				&bar.Open,
				&bar.High,
				&bar.Low,
				&bar.Close,
				&bar.Volume,
			)
			if err != nil {
				yield(types.Bar{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan bar", err))

				return
			}

			if !yield(bar, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(types.Bar{}, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating bars", err))
		}
	}
}

// GetAllSymbols returns the distinct symbols in the archive.
func (s *BarSource) GetAllSymbols() ([]string, error) {
	rows, err := s.sq.Select("DISTINCT symbol").From("bars").OrderBy("symbol ASC").RunWith(s.db).Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query symbols", err)
	}
	defer rows.Close()

	var symbols []string

	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan symbol", err)
		}

		symbols = append(symbols, symbol)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating symbols", err)
	}

	return symbols, nil
}

// Close closes the database connection.
func (s *BarSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}
