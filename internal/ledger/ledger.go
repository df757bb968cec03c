// Package ledger persists closed trades in DuckDB. The trade table is
// append-only: rows are keyed by (symbol, opened_at, exit_reason) and writes
// are idempotent, so replaying a session never duplicates or mutates history.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/internal/version"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// SchemaVersion is written into new ledgers and checked when opening an
// existing one. Bump the minor on any column change.
const SchemaVersion = "1.0.0"

// Ledger is the append-only trade store.
type Ledger struct {
	db     *sql.DB
	sq     squirrel.StatementBuilderType
	logger *logger.Logger
}

// New opens (or creates) a ledger at path. Use ":memory:" for an ephemeral
// store in backtests and tests.
func New(path string, log *logger.Logger) (*Ledger, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to open ledger database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to connect to ledger database", err)
	}

	l := &Ledger{
		db:     db,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		logger: log,
	}

	if err := l.initialize(); err != nil {
		db.Close()

		return nil, err
	}

	return l, nil
}

// initialize creates the tables and enforces the schema version gate.
func (l *Ledger) initialize() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_meta (
			key TEXT PRIMARY KEY,
			value TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to create meta table", err)
	}

	var existing string

	err = l.db.QueryRow(`SELECT value FROM ledger_meta WHERE key = 'schema_version'`).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		_, err = l.db.Exec(`INSERT INTO ledger_meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion)
		if err != nil {
			return errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to record schema version", err)
		}
	case err != nil:
		return errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to read schema version", err)
	default:
		if compatErr := version.CheckSchemaCompatibility(SchemaVersion, existing); compatErr != nil {
			return errors.Wrap(errors.ErrCodeLedgerSchemaMismatch, "ledger schema is incompatible", compatErr)
		}
	}

	_, err = l.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			symbol TEXT NOT NULL,
			entry_price DOUBLE NOT NULL,
			exit_price DOUBLE NOT NULL,
			shares DOUBLE NOT NULL,
			pnl DOUBLE NOT NULL,
			commission DOUBLE NOT NULL,
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP NOT NULL,
			exit_reason TEXT NOT NULL,
			PRIMARY KEY (symbol, opened_at, exit_reason)
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to create trades table", err)
	}

	return nil
}

// Append writes one trade. Writing a row whose key already exists is a no-op,
// which makes session replays idempotent.
func (l *Ledger) Append(trade types.TradeRecord) error {
	_, err := l.sq.
		Insert("trades").
		Columns("symbol", "entry_price", "exit_price", "shares", "pnl", "commission", "opened_at", "closed_at", "exit_reason").
		Values(trade.Symbol, trade.EntryPrice, trade.ExitPrice, trade.Shares, trade.PnL, trade.Commission, trade.OpenedAt, trade.ClosedAt, trade.ExitReason).
		Suffix("ON CONFLICT DO NOTHING").
		RunWith(l.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to append trade", err)
	}

	return nil
}

// AppendAll writes a batch of trades, stopping at the first failure.
func (l *Ledger) AppendAll(trades []types.TradeRecord) error {
	for _, trade := range trades {
		if err := l.Append(trade); err != nil {
			return err
		}
	}

	return nil
}

// Trades returns trades closed in [from, to), ordered by close time then
// open time then symbol so repeated reads are byte-identical. Zero bounds
// are unbounded.
func (l *Ledger) Trades(from, to time.Time) ([]types.TradeRecord, error) {
	query := l.sq.
		Select("symbol", "entry_price", "exit_price", "shares", "pnl", "commission", "opened_at", "closed_at", "exit_reason").
		From("trades").
		OrderBy("closed_at ASC", "opened_at ASC", "symbol ASC")

	if !from.IsZero() {
		query = query.Where(squirrel.GtOrEq{"closed_at": from})
	}

	if !to.IsZero() {
		query = query.Where(squirrel.Lt{"closed_at": to})
	}

	rows, err := query.RunWith(l.db).Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerQueryFailed, "failed to query trades", err)
	}
	defer rows.Close()

	var trades []types.TradeRecord

	for rows.Next() {
		var t types.TradeRecord

		err := rows.Scan(
			&t.Symbol,
			&t.EntryPrice,
			&t.ExitPrice,
			&t.Shares,
			&t.PnL,
			&t.Commission,
			&t.OpenedAt,
			&t.ClosedAt,
			&t.ExitReason,
		)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeLedgerQueryFailed, "failed to scan trade", err)
		}

		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeLedgerQueryFailed, "error iterating trades", err)
	}

	return trades, nil
}

// TradesForSymbol returns all trades for one symbol in close order.
func (l *Ledger) TradesForSymbol(symbol string) ([]types.TradeRecord, error) {
	all, err := l.Trades(time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	var out []types.TradeRecord

	for _, t := range all {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}

	return out, nil
}

// Count returns the number of trades stored.
func (l *Ledger) Count() (int, error) {
	var n int

	err := l.sq.Select("COUNT(*)").From("trades").RunWith(l.db).QueryRow().Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeLedgerQueryFailed, "failed to count trades", err)
	}

	return n, nil
}

// Write exports the trades to a Parquet file in the specified directory.
func (l *Ledger) Write(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to create directory", err)
	}

	tradesPath := filepath.Join(path, "trades.parquet")

	_, err := l.db.Exec(fmt.Sprintf(`COPY trades TO '%s' (FORMAT PARQUET)`, tradesPath))
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerWriteFailed, "failed to export trades to Parquet", err)
	}

	l.logger.Info("Successfully exported trades to Parquet file",
		zap.String("trades", tradesPath),
	)

	return nil
}

// Cleanup drops and recreates the trade table. Test helper.
func (l *Ledger) Cleanup() error {
	_, err := l.db.Exec(`
		DROP TABLE IF EXISTS trades;
		DROP TABLE IF EXISTS ledger_meta;
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeLedgerInitFailed, "failed to cleanup trades table", err)
	}

	return l.initialize()
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}

	return l.db.Close()
}
