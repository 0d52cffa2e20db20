package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aristath/taskrunner/internal/scheduler"
)

const taskColumns = `id, seq, name, description, handler, args, scheduled_at, occurrence_at,
	recurrence, timeout_ns, priority, retry_policy, resources, service, status,
	created_at, started_at, completed_at, result, error, attempt, retry_of, retried_by, previous, version`

// InsertTasks stores new tasks with their dependency edges and a submission
// record each, in one transaction.
func (s *SQLiteStore) InsertTasks(ctx context.Context, tasks []*scheduler.Task, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM tasks`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	for _, task := range tasks {
		found, err := rowExists(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("insert task %q: %w", task.ID, scheduler.ErrDuplicateID)
		}

		seq++
		cols, err := taskValues(task)
		if err != nil {
			return err
		}
		cols[1] = seq // seq column
		cols[len(cols)-1] = int64(1)

		_, err = tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, cols...)
		if err != nil {
			return fmt.Errorf("failed to insert task %q: %w", task.ID, err)
		}

		for _, depID := range task.Dependencies {
			found, err := rowExists(ctx, tx, depID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("insert task %q: %w: %q", task.ID, scheduler.ErrUnknownDependency, depID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dependency_edges (task_id, depends_on_id)
				VALUES (?, ?)
			`, task.ID, depID); err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}

		if err := appendRecord(ctx, tx, scheduler.ExecutionRecord{
			TaskID:    task.ID,
			Timestamp: task.CreatedAt,
			Status:    task.Status,
			Message:   message,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Only publish the assigned values once they are durable.
	seq -= int64(len(tasks))
	for _, task := range tasks {
		seq++
		task.Seq = seq
		task.Version = 1
	}
	return nil
}

func rowExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check task existence: %w", err)
	}
	return true, nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %q: %w", taskID, scheduler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, []*scheduler.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask writes t if the stored version still matches and appends rec.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *scheduler.Task, rec scheduler.ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	recurrence, retry, resources, errJSON, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			name = ?, description = ?, args = ?, scheduled_at = ?, occurrence_at = ?,
			recurrence = ?, timeout_ns = ?, priority = ?, retry_policy = ?, resources = ?,
			service = ?, status = ?, started_at = ?, completed_at = ?, result = ?, error = ?,
			attempt = ?, retry_of = ?, retried_by = ?, previous = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, t.Name, t.Description, rawOrNil(t.Args), toNanos(t.ScheduledTime), toNanos(t.Occurrence),
		recurrence, int64(t.Timeout), int(t.Priority), retry, resources,
		t.Service, int(t.Status), nullNanos(t.StartedAt), nullNanos(t.CompletedAt), rawOrNil(t.Result), errJSON,
		t.Attempt, t.RetryOf, t.RetriedBy, t.Previous,
		t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("failed to update task %q: %w", t.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %q: %w", t.ID, err)
	}
	if n == 0 {
		found, err := rowExists(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("update task %q: %w", t.ID, scheduler.ErrNotFound)
		}
		return fmt.Errorf("update task %q at v%d: %w", t.ID, t.Version, scheduler.ErrVersionConflict)
	}

	rec.TaskID = t.ID
	if err := appendRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	t.Version++
	return nil
}

// ListTasks returns tasks matching f in submission order.
func (s *SQLiteStore) ListTasks(ctx context.Context, f scheduler.TaskFilter) ([]*scheduler.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, int(st))
		}
	}
	if f.NamePrefix != "" {
		// substr counts characters, not bytes.
		where = append(where, "substr(name, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(f.NamePrefix), f.NamePrefix)
	}
	if !f.DueBy.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, toNanos(f.DueBy))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	// Dependencies are loaded after the task cursor is closed: the store
	// runs on a single connection.
	if err := s.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountByStatus returns the number of tasks per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[scheduler.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[scheduler.Status]int)
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[scheduler.Status(status)] = n
	}
	return counts, rows.Err()
}

// Dependents returns the IDs of tasks that depend on taskID.
func (s *SQLiteStore) Dependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.task_id
		FROM dependency_edges e
		JOIN tasks t ON t.id = e.task_id
		WHERE e.depends_on_id = ?
		ORDER BY t.seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// maxParams keeps IN lists under SQLite's bound-parameter limit.
const maxParams = 500

// loadDependencies fills Dependencies for tasks using batched IN queries.
func (s *SQLiteStore) loadDependencies(ctx context.Context, tasks []*scheduler.Task) error {
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for start := 0; start < len(tasks); start += maxParams {
		end := min(start+maxParams, len(tasks))
		args := make([]any, 0, end-start)
		for _, t := range tasks[start:end] {
			args = append(args, t.ID)
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, depends_on_id
			FROM dependency_edges
			WHERE task_id IN (`+placeholders(len(args))+`)
			ORDER BY rowid
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to query dependencies: %w", err)
		}
		for rows.Next() {
			var taskID, depID string
			if err := rows.Scan(&taskID, &depID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			if t, ok := byID[taskID]; ok {
				t.Dependencies = append(t.Dependencies, depID)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating dependencies: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	var (
		t                              scheduler.Task
		args, result, errJSON          sql.NullString
		recurrence, retry, resources   string
		scheduled, occurrence, created int64
		started, completed             sql.NullInt64
		timeout                        int64
		priority, status               int
	)
	err := row.Scan(&t.ID, &t.Seq, &t.Name, &t.Description, &t.Handler, &args, &scheduled, &occurrence,
		&recurrence, &timeout, &priority, &retry, &resources, &t.Service, &status,
		&created, &started, &completed, &result, &errJSON, &t.Attempt, &t.RetryOf, &t.RetriedBy, &t.Previous, &t.Version)
	if err != nil {
		return nil, err
	}

	if args.Valid {
		t.Args = json.RawMessage(args.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.ScheduledTime = fromNanos(scheduled)
	t.Occurrence = fromNanos(occurrence)
	t.CreatedAt = fromNanos(created)
	if started.Valid {
		t.StartedAt = fromNanos(started.Int64)
	}
	if completed.Valid {
		t.CompletedAt = fromNanos(completed.Int64)
	}
	t.Timeout = time.Duration(timeout)
	t.Priority = scheduler.Priority(priority)
	t.Status = scheduler.Status(status)

	if err := json.Unmarshal([]byte(recurrence), &t.Recurrence); err != nil {
		return nil, fmt.Errorf("task %q: bad recurrence: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(retry), &t.Retry); err != nil {
		return nil, fmt.Errorf("task %q: bad retry policy: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(resources), &t.Resources); err != nil {
		return nil, fmt.Errorf("task %q: bad resources: %w", t.ID, err)
	}
	if errJSON.Valid && errJSON.String != "" {
		t.Error = &scheduler.TaskError{}
		if err := json.Unmarshal([]byte(errJSON.String), t.Error); err != nil {
			return nil, fmt.Errorf("task %q: bad error: %w", t.ID, err)
		}
	}
	return &t, nil
}

// taskValues returns the column values of t in taskColumns order.
func taskValues(t *scheduler.Task) ([]any, error) {
	recurrence, retry, resources, errJSON, err := encodeTaskJSON(t)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.Seq, t.Name, t.Description, t.Handler, rawOrNil(t.Args), toNanos(t.ScheduledTime), toNanos(t.Occurrence),
		recurrence, int64(t.Timeout), int(t.Priority), retry, resources, t.Service, int(t.Status),
		toNanos(t.CreatedAt), nullNanos(t.StartedAt), nullNanos(t.CompletedAt), rawOrNil(t.Result), errJSON,
		t.Attempt, t.RetryOf, t.RetriedBy, t.Previous, t.Version,
	}, nil
}

func encodeTaskJSON(t *scheduler.Task) (recurrence, retry, resources string, errJSON sql.NullString, err error) {
	b, err := json.Marshal(t.Recurrence)
	if err != nil {
		return "", "", "", errJSON, fmt.Errorf("failed to encode recurrence: %w", err)
	}
	recurrence = string(b)

	if b, err = json.Marshal(t.Retry); err != nil {
		return "", "", "", errJSON, fmt.Errorf("failed to encode retry policy: %w", err)
	}
	retry = string(b)

	if b, err = json.Marshal(t.Resources); err != nil {
		return "", "", "", errJSON, fmt.Errorf("failed to encode resources: %w", err)
	}
	resources = string(b)

	if t.Error != nil {
		if b, err = json.Marshal(t.Error); err != nil {
			return "", "", "", errJSON, fmt.Errorf("failed to encode error: %w", err)
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}
	return recurrence, retry, resources, errJSON, nil
}

func rawOrNil(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
