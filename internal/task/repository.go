package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLiteRepository keeps one row per task with the task encoded as JSON.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.InitTable(); err != nil {
		return nil, fmt.Errorf("init tasks table: %w", err)
	}
	return r, nil
}

// InitTable creates the tasks table if it doesn't exist
func (r *SQLiteRepository) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at DATETIME,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`
	_, err := r.db.Exec(query)
	return err
}

// Save rewrites the table inside one transaction.
func (r *SQLiteRepository) Save(snap Snapshot) (err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM tasks`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO tasks (id, status, created_at, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, t := range snap {
		data, merr := json.Marshal(t)
		if merr != nil {
			return fmt.Errorf("encode task %s: %w", id, merr)
		}
		if _, err = stmt.Exec(id, string(t.Status), t.CreatedAt, string(data)); err != nil {
			return fmt.Errorf("insert task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Load() (Snapshot, error) {
	rows, err := r.db.Query(`SELECT id, data FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			continue
		}
		snap[id] = t
	}
	return snap, rows.Err()
}

// Count returns the number of stored rows.
func (r *SQLiteRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}
