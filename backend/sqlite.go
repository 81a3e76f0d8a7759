package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/itiky/marketplace-sync/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	table_name TEXT NOT NULL,
	id TEXT NOT NULL,
	scope TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (table_name, id)
);

CREATE INDEX IF NOT EXISTS idx_records_scope
ON records(table_name, scope, created_at);
`

// OpenSQLite opens the SQLite database and prepares the schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// SQLiteTable implements Table on top of SQLite, all tables share the records table.
type SQLiteTable struct {
	db    *sql.DB
	table model.Table
}

// Put implements Table interface.
func (t *SQLiteTable) Put(ctx context.Context, rec model.Record) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO records (table_name, id, scope, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET data = excluded.data
	`, string(t.table), string(rec.Id), string(rec.Scope), rec.CreatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	return nil
}

// Get implements Table interface.
func (t *SQLiteTable) Get(ctx context.Context, id model.RecordID) (model.Record, error) {
	var data []byte
	err := t.db.QueryRowContext(ctx, `
		SELECT data FROM records WHERE table_name = ? AND id = ?
	`, string(t.table), string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("query record: %w", err)
	}

	return unmarshalRecord(data)
}

// List implements Table interface.
func (t *SQLiteTable) List(ctx context.Context, scope model.ScopeKey) ([]model.Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT data FROM records
		WHERE table_name = ? AND scope = ?
		ORDER BY created_at ASC, rowid ASC
	`, string(t.table), string(scope))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	list := make([]model.Record, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return list, nil
}

// NewSQLiteTable creates a Table stored in the shared SQLite database.
func NewSQLiteTable(db *sql.DB, table model.Table) *SQLiteTable {
	return &SQLiteTable{db: db, table: table}
}
