package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/songzhibin97/approval-engine/types"
)

// SQLiteStorage is a Storage backed by SQLite through modernc.org/sqlite.
// Each record is stored as a JSON document next to the columns used for lookups.
type SQLiteStorage struct {
	db *sql.DB
}

// Ensure SQLiteStorage implements the interface.
var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens dsn with the "sqlite" driver and prepares the schema.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", dsn, err)
	}
	// in-memory databases are private to one connection
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStorageFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStorageFromDB wraps an existing *sql.DB using a SQLite driver.
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			definition_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			body BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS instances (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			body BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			body BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_instance_id ON tasks(instance_id);
	`)
	return err
}

func getFromSQLite[T any](ctx context.Context, db *sql.DB, query, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		var body []byte
		if err := db.QueryRowContext(ctx, query, id).Scan(&body); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
			}
			return zero, err
		}
		var out T
		if err := json.Unmarshal(body, &out); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", id, err)
		}
		return out, nil
	})
}

func listFromSQLite[T any](ctx context.Context, db *sql.DB, query string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SaveDefinition upserts a definition.
func (s *SQLiteStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		body, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO definitions (id, definition_key, version, status, body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				definition_key = excluded.definition_key,
				version = excluded.version,
				status = excluded.status,
				body = excluded.body`,
			def.ID, def.DefinitionKey, def.Version, string(def.Status), body,
		)
		return err
	})
}

// GetDefinition retrieves a definition by ID.
func (s *SQLiteStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return getFromSQLite[types.Definition](ctx, s.db,
		`SELECT body FROM definitions WHERE id = ?`, id, ErrDefinitionNotFound)
}

// ListDefinitions returns every definition ordered by key and version.
func (s *SQLiteStorage) ListDefinitions(ctx context.Context) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		return listFromSQLite[types.Definition](ctx, s.db,
			`SELECT body FROM definitions ORDER BY definition_key, version, id`)
	})
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id string) (types.Instance, error) {
	return getFromSQLite[types.Instance](ctx, s.db,
		`SELECT body FROM instances WHERE id = ?`, id, ErrInstanceNotFound)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getFromSQLite[types.Task](ctx, s.db,
		`SELECT body FROM tasks WHERE id = ?`, id, ErrTaskNotFound)
}

// Load returns the whole runtime state. Tasks keep insertion order.
func (s *SQLiteStorage) Load(ctx context.Context) (State, error) {
	return withContext(ctx, func() (State, error) {
		tasks, err := listFromSQLite[types.Task](ctx, s.db, `SELECT body FROM tasks ORDER BY seq`)
		if err != nil {
			return State{}, err
		}
		instances, err := listFromSQLite[types.Instance](ctx, s.db, `SELECT body FROM instances ORDER BY seq`)
		if err != nil {
			return State{}, err
		}
		state := State{Tasks: tasks, Instances: make(map[string]types.Instance, len(instances))}
		if state.Tasks == nil {
			state.Tasks = []types.Task{}
		}
		for _, inst := range instances {
			state.Instances[inst.InstanceID] = inst
		}
		return state, nil
	})
}

// Commit writes the batch in one transaction.
func (s *SQLiteStorage) Commit(ctx context.Context, batch Batch) error {
	return withContextError(ctx, func() error {
		if batch.Empty() {
			return nil
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, inst := range batch.Instances {
			body, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("failed to marshal instance %s: %w", inst.InstanceID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO instances (id, status, body) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body`,
				inst.InstanceID, string(inst.Status), body,
			); err != nil {
				return fmt.Errorf("failed to write instance %s: %w", inst.InstanceID, err)
			}
		}
		for _, task := range batch.Tasks {
			body, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, instance_id, status, body) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body`,
				task.ID, task.InstanceID, string(task.Status), body,
			); err != nil {
				return fmt.Errorf("failed to write task %s: %w", task.ID, err)
			}
		}
		return tx.Commit()
	})
}

// ClearTerminated removes approved or rejected instances together with their tasks.
func (s *SQLiteStorage) ClearTerminated(ctx context.Context) error {
	return withContextError(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		terminal := []interface{}{string(types.InstanceApproved), string(types.InstanceRejected)}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM tasks WHERE instance_id IN (
				SELECT id FROM instances WHERE status IN (?, ?))`, terminal...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE status IN (?, ?)`, terminal...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
