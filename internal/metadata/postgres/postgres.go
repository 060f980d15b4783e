// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/filedeck/filedeck/internal/logging"
	"github.com/filedeck/filedeck/internal/metadata"
	"github.com/filedeck/filedeck/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New opens the database and checks the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs the embedded migrations in name order. They are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

const selectColumns = `id, file_name, path, size, mime_type, object_key, last_modified, uploaded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (metadata.Entry, error) {
	var (
		e  metadata.Entry
		id int64
	)
	err := row.Scan(&id, &e.Record.FileName, &e.Record.Path, &e.Record.Size,
		&e.Record.MimeType, &e.ObjectKey, &e.Record.LastModified, &e.Record.UploadedAt)
	if err != nil {
		return metadata.Entry{}, err
	}
	e.Record.ID = &id
	return e, nil
}

// List returns every record ordered by id.
func (s *Store) List(ctx context.Context) ([]metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM files ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	entries := []metadata.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return entries, nil
}

// Insert stores e and returns it with its assigned id.
func (s *Store) Insert(ctx context.Context, e metadata.Entry) (metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_file", time.Since(start)) }()

	r := e.Record
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO files (file_name, path, record_key, size, mime_type, object_key, last_modified, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		r.FileName, r.Path, r.Key(), r.Size, r.MimeType, e.ObjectKey, r.LastModified, r.UploadedAt,
	).Scan(&id)
	if err != nil {
		return metadata.Entry{}, fmt.Errorf("insert file %s: %w", r.Key(), err)
	}
	e.Record.ID = &id
	e.Record.Content = nil
	return e, nil
}

// FindByKey returns the oldest record whose key is name.
func (s *Store) FindByKey(ctx context.Context, name string) (metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM files WHERE record_key = $1 ORDER BY id LIMIT 1`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.Entry{}, metadata.ErrNotFound
	}
	if err != nil {
		return metadata.Entry{}, fmt.Errorf("find file %s: %w", name, err)
	}
	return e, nil
}

// DeleteByKey removes every record whose key is name and returns them.
func (s *Store) DeleteByKey(ctx context.Context, name string) ([]metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM files WHERE record_key = $1 RETURNING `+selectColumns, name)
	if err != nil {
		return nil, fmt.Errorf("delete file %s: %w", name, err)
	}
	defer rows.Close()

	var removed []metadata.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deleted file: %w", err)
		}
		removed = append(removed, e)
	}
	return removed, rows.Err()
}
