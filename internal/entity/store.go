package entity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the local tally database and the table-backed adapters over it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens or creates the tally database at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("entity: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("entity: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("entity: busy timeout: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "entity")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("entity: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voters (
			id            TEXT PRIMARY KEY,
			full_name     TEXT,
			district      TEXT,
			ballot_number TEXT,
			has_voted     TEXT,
			updated_at    TEXT,
			deleted_at    TEXT,
			deleted_by    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS parties (
			id           TEXT PRIMARY KEY,
			name         TEXT,
			abbreviation TEXT,
			updated_at   TEXT,
			deleted_at   TEXT,
			deleted_by   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tally_sessions (
			id         TEXT PRIMARY KEY,
			station_id TEXT,
			opened_by  TEXT,
			status     TEXT,
			updated_at TEXT,
			deleted_at TEXT,
			deleted_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tally_lines (
			id         TEXT PRIMARY KEY,
			session_id TEXT,
			party_id   TEXT,
			vote_count TEXT,
			updated_at TEXT,
			deleted_at TEXT,
			deleted_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tally_lines_session ON tally_lines(session_id)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			operator_id TEXT NOT NULL,
			action      TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			old_values  TEXT,
			new_values  TEXT,
			created_at  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAdapters populates the registry with adapters for every entity
// type the local schema supports.
func (s *Store) RegisterAdapters(reg *Registry) {
	reg.Register(s.adapter("Voter", "voters",
		[]string{"full_name", "district", "ballot_number", "has_voted"}))
	reg.Register(s.adapter("Party", "parties",
		[]string{"name", "abbreviation"}))
	reg.Register(s.adapter("TallySession", "tally_sessions",
		[]string{"station_id", "opened_by", "status"}))
	reg.Register(s.adapter("TallyLine", "tally_lines",
		[]string{"session_id", "party_id", "vote_count"}))
}

func (s *Store) adapter(typeTag, table string, columns []string) *tableAdapter {
	return &tableAdapter{
		db:      s.db,
		typeTag: typeTag,
		table:   table,
		columns: columns,
	}
}

// DB exposes the underlying database for the audit log and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tableAdapter serves one entity type from one table. Field values travel in
// serialized string form end to end; columns not listed are ignored on write
// so an unknown payload field never breaks the apply path.
type tableAdapter struct {
	db      *sql.DB
	typeTag string
	table   string
	columns []string
}

func (a *tableAdapter) Type() string {
	return a.typeTag
}

func (a *tableAdapter) Lookup(ctx context.Context, id string) (*Entity, error) {
	cols := append([]string{}, a.columns...)
	cols = append(cols, "updated_at", "deleted_at")

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`,
		strings.Join(cols, ", "), a.table)

	dest := make([]sql.NullString, len(cols))
	scan := make([]any, len(cols))
	for i := range dest {
		scan[i] = &dest[i]
	}

	err := a.db.QueryRowContext(ctx, query, id).Scan(scan...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entity: lookup %s/%s: %w", a.typeTag, id, err)
	}

	e := &Entity{ID: id, Fields: make(map[string]string, len(a.columns))}
	for i, col := range a.columns {
		if dest[i].Valid {
			e.Fields[col] = dest[i].String
		}
	}
	if v := dest[len(a.columns)]; v.Valid && v.String != "" {
		t, err := time.Parse(time.RFC3339Nano, v.String)
		if err != nil {
			return nil, fmt.Errorf("entity: parse updated_at for %s/%s: %w", a.typeTag, id, err)
		}
		e.UpdatedAt = &t
		e.Fields["updated_at"] = v.String
	}
	if v := dest[len(a.columns)+1]; v.Valid && v.String != "" {
		e.Deleted = true
	}
	return e, nil
}

func (a *tableAdapter) Insert(ctx context.Context, id string, fields map[string]string) error {
	cols := []string{"id"}
	args := []any{id}
	for _, col := range a.columns {
		if v, ok := fields[col]; ok {
			cols = append(cols, col)
			args = append(args, v)
		}
	}
	if v, ok := fields["updated_at"]; ok {
		cols = append(cols, "updated_at")
		args = append(args, v)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		a.table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("entity: insert %s/%s: %w", a.typeTag, id, err)
	}
	return nil
}

func (a *tableAdapter) Update(ctx context.Context, id string, fields map[string]string) error {
	var sets []string
	var args []any
	for _, col := range a.columns {
		if v, ok := fields[col]; ok {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	if v, ok := fields["updated_at"]; ok {
		sets = append(sets, "updated_at = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`,
		a.table, strings.Join(sets, ", "))

	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("entity: update %s/%s: %w", a.typeTag, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *tableAdapter) SoftDelete(ctx context.Context, id, deletedBy string) error {
	ent, err := a.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if ent.Deleted {
		return ErrAlreadyDeleted
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = a.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = ?, deleted_by = ? WHERE id = ?`, a.table),
		now, deletedBy, id,
	)
	if err != nil {
		return fmt.Errorf("entity: soft delete %s/%s: %w", a.typeTag, id, err)
	}
	return nil
}
