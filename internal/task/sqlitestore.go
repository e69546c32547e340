package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/kingrea/control/internal/errs"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tasks (
	feature    TEXT NOT NULL,
	key        TEXT NOT NULL,
	order_num  INTEGER NOT NULL,
	status     TEXT NOT NULL,
	record     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (feature, key)
);
CREATE INDEX IF NOT EXISTS idx_tasks_feature_status ON tasks(feature, status);`

// SQLiteStore keeps every task record in one SQLite database. Updates run
// inside a transaction so concurrent writers serialize on the database lock.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("task: create db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("task: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("task: init schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// WithClock overrides the timestamp source.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *SQLiteStore) Get(ctx context.Context, feature, key string) (Task, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM tasks WHERE feature = ? AND key = ?`, feature, key).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, errs.New(errs.KindNotFound, "task", "task %s not found in feature %s", key, feature)
	}
	if err != nil {
		return Task{}, fmt.Errorf("task: query %s/%s: %w", feature, key, err)
	}
	return decodeRecord(record)
}

func (s *SQLiteStore) List(ctx context.Context, feature string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM tasks WHERE feature = ? ORDER BY order_num, key`, feature)
	if err != nil {
		return nil, fmt.Errorf("task: list %s: %w", feature, err)
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("task: scan: %w", err)
		}
		t, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task: list %s: %w", feature, err)
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *SQLiteStore) Create(ctx context.Context, t Task) (Task, error) {
	t, err := prepareCreate(t, s.clock())
	if err != nil {
		return Task{}, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return Task{}, fmt.Errorf("task: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (feature, key, order_num, status, record, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Feature, t.Key, t.Order(), string(t.Status), string(data), t.UpdatedAt.UnixMilli())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return Task{}, errs.New(errs.KindInvalidArgument, "task.create", "task %s already exists in %s", t.Key, t.Feature)
		}
		return Task{}, fmt.Errorf("task: insert %s/%s: %w", t.Feature, t.Key, err)
	}
	return t, nil
}

func (s *SQLiteStore) Update(ctx context.Context, feature, key string, patch Patch) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var record string
	err = tx.QueryRowContext(ctx, `SELECT record FROM tasks WHERE feature = ? AND key = ?`, feature, key).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, errs.New(errs.KindNotFound, "task", "task %s not found in feature %s", key, feature)
	}
	if err != nil {
		return Task{}, fmt.Errorf("task: query %s/%s: %w", feature, key, err)
	}
	current, err := decodeRecord(record)
	if err != nil {
		return Task{}, err
	}
	patch.Apply(&current, s.clock())
	data, err := json.Marshal(current)
	if err != nil {
		return Task{}, fmt.Errorf("task: encode: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, record = ?, updated_at = ? WHERE feature = ? AND key = ?`,
		string(current.Status), string(data), current.UpdatedAt.UnixMilli(), feature, key); err != nil {
		return Task{}, fmt.Errorf("task: update %s/%s: %w", feature, key, err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("task: commit %s/%s: %w", feature, key, err)
	}
	return current, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, feature, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE feature = ? AND key = ?`, feature, key); err != nil {
		return fmt.Errorf("task: delete %s/%s: %w", feature, key, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeRecord(record string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(record), &t); err != nil {
		return Task{}, fmt.Errorf("task: decode record: %w", err)
	}
	return t, nil
}
