package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/taskrunner/internal/scheduler"
)

// appendRecord writes one execution_log row inside tx.
func appendRecord(ctx context.Context, tx *sql.Tx, rec scheduler.ExecutionRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_log (task_id, ts, status, message)
		VALUES (?, ?, ?, ?)
	`, rec.TaskID, toNanos(rec.Timestamp), int(rec.Status), rec.Message)
	if err != nil {
		return fmt.Errorf("failed to append execution record for %q: %w", rec.TaskID, err)
	}
	return nil
}

// Records returns the execution log of a task, oldest first.
func (s *SQLiteStore) Records(ctx context.Context, taskID string) ([]scheduler.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, ts, status, message
		FROM execution_log
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}

	var records []scheduler.ExecutionRecord
	for rows.Next() {
		var rec scheduler.ExecutionRecord
		var ts int64
		var status int
		if err := rows.Scan(&rec.ID, &rec.TaskID, &ts, &status, &rec.Message); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Timestamp = fromNanos(ts)
		rec.Status = scheduler.Status(status)
		records = append(records, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating execution log: %w", err)
	}

	if len(records) == 0 {
		// Every stored task has a submission record, so an empty log means
		// the task does not exist.
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
	}
	return records, nil
}
