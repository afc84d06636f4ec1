package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"probeflow/internal/domain"
)

// LogStore persists execution logs. Rows are inserted only through
// InsertCapped and removed only by its retention eviction.
type LogStore struct {
	db *sql.DB
}

func NewLogStore(db *sql.DB) *LogStore { return &LogStore{db: db} }

const logColumns = `id,task_id,endpoint,method,status_code,duration_ms,response_size_bytes,scheduled_at,executed_at,created_at,updated_at`

// InsertCapped writes one log row for l.TaskID while holding the per-task
// row count at maxPerTask. The count check, eviction of the oldest rows and
// the insert run inside a single transaction, so two concurrent log writes
// for the same task cannot both slip under the cap and overshoot it.
func (s *LogStore) InsertCapped(ctx context.Context, l domain.TaskLog, maxPerTask int) (domain.TaskLog, error) {
	if maxPerTask < 1 {
		return domain.TaskLog{}, fmt.Errorf("invalid log cap %d", maxPerTask)
	}
	if l.ID == "" {
		l.ID = "tlg_" + uuid.NewString()
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.TaskLog{}, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_logs WHERE task_id=?`, l.TaskID).Scan(&count); err != nil {
		return domain.TaskLog{}, err
	}
	if excess := count - maxPerTask + 1; excess > 0 {
		_, err = tx.ExecContext(ctx, `
DELETE FROM task_logs WHERE id IN (
  SELECT id FROM task_logs WHERE task_id=? ORDER BY created_at ASC, rowid ASC LIMIT ?
)`, l.TaskID, excess)
		if err != nil {
			return domain.TaskLog{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_logs (`+logColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TaskID, l.Endpoint, l.Method, l.StatusCode, l.Duration,
		l.ResponseSizeBytes, l.ScheduledAt.UTC(), l.ExecutedAt.UTC(), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return domain.TaskLog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskLog{}, err
	}
	return l, nil
}

// LogQuery pages and sorts a task's log window.
type LogQuery struct {
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
}

// Find returns logs for taskID plus the total row count for that task.
func (s *LogStore) Find(ctx context.Context, taskID string, q LogQuery) ([]domain.TaskLog, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_logs WHERE task_id=?`, taskID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + logColumns + ` FROM task_logs WHERE task_id=? ORDER BY ` +
		logOrderBy(q.SortBy, q.SortOrder)
	if q.Limit > 0 {
		page := q.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, (page-1)*q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []domain.TaskLog
	for rows.Next() {
		var l domain.TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Endpoint, &l.Method, &l.StatusCode,
			&l.Duration, &l.ResponseSizeBytes, &l.ScheduledAt, &l.ExecutedAt,
			&l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// Recent returns up to n logs for taskID, newest first.
func (s *LogStore) Recent(ctx context.Context, taskID string, n int) ([]domain.TaskLog, error) {
	logs, _, err := s.Find(ctx, taskID, LogQuery{SortBy: "createdAt", SortOrder: "desc", Limit: n})
	return logs, err
}

func logOrderBy(sortBy, sortOrder string) string {
	col := "created_at"
	switch sortBy {
	case "statusCode":
		col = "status_code"
	case "duration":
		col = "duration_ms"
	case "responseSizeBytes":
		col = "response_size_bytes"
	case "scheduledAt":
		col = "scheduled_at"
	case "executedAt":
		col = "executed_at"
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	// rowid breaks created_at ties so FIFO order stays deterministic
	return col + " " + dir + ", rowid " + dir
}
