package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"probeflow/internal/domain"
)

// TaskStore persists task definitions. Tasks are never hard-deleted; the
// only mutations are Create and Update.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore { return &TaskStore{db: db} }

const taskColumns = `id,owner_id,name,note,method,endpoint,headers,body,cron,cron_history,timezone,alert_failure,is_enable,created_at,updated_at`

// TaskQuery filters and pages a task listing.
type TaskQuery struct {
	Search    string // matches name or endpoint, case-insensitive
	Methods   []string
	SortBy    string
	SortOrder string // asc | desc
	Page      int
	Limit     int
}

func (s *TaskStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.CronHistory == nil {
		t.CronHistory = []string{}
	}

	history, err := json.Marshal(t.CronHistory)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Name, t.Note, t.Method, t.Endpoint, t.Headers, t.Body,
		t.Cron, string(history), t.Timezone, t.Alert.Failure, t.IsEnable, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.owner_id") {
			return domain.Task{}, ErrDuplicateName
		}
		return domain.Task{}, err
	}
	return t, nil
}

func (s *TaskStore) Update(ctx context.Context, t domain.Task) (domain.Task, error) {
	t.UpdatedAt = time.Now().UTC()
	history, err := json.Marshal(t.CronHistory)
	if err != nil {
		return domain.Task{}, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET name=?, note=?, method=?, endpoint=?, headers=?, body=?, cron=?, cron_history=?,
    timezone=?, alert_failure=?, is_enable=?, updated_at=?
WHERE id=?`,
		t.Name, t.Note, t.Method, t.Endpoint, t.Headers, t.Body, t.Cron, string(history),
		t.Timezone, t.Alert.Failure, t.IsEnable, t.UpdatedAt, t.ID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.owner_id") {
			return domain.Task{}, ErrDuplicateName
		}
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *TaskStore) GetByID(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

// GetForOwner fetches a task only when it belongs to the given owner.
func (s *TaskStore) GetForOwner(ctx context.Context, id, ownerID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id=? AND owner_id=?`, id, ownerID)
	return scanTask(row)
}

func (s *TaskStore) FindByName(ctx context.Context, ownerID, name string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id=? AND name=?`, ownerID, name)
	return scanTask(row)
}

// List returns the owner's tasks matching q plus the total match count
// before paging.
func (s *TaskStore) List(ctx context.Context, ownerID string, q TaskQuery) ([]domain.Task, int, error) {
	where := []string{"owner_id=?"}
	args := []any{ownerID}

	if q.Search != "" {
		where = append(where, "(name LIKE ? OR endpoint LIKE ?)")
		pattern := "%" + q.Search + "%"
		args = append(args, pattern, pattern)
	}
	if len(q.Methods) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Methods)), ",")
		where = append(where, "method IN ("+placeholders+")")
		for _, m := range q.Methods {
			args = append(args, m)
		}
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + cond +
		` ORDER BY ` + taskOrderBy(q.SortBy, q.SortOrder)
	if q.Limit > 0 {
		page := q.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, (page-1)*q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// taskOrderBy whitelists sortable columns so user input never reaches the
// SQL string directly.
func taskOrderBy(sortBy, sortOrder string) string {
	col := "created_at"
	switch sortBy {
	case "name", "endpoint", "method", "createdAt", "updatedAt":
		col = map[string]string{
			"name": "name", "endpoint": "endpoint", "method": "method",
			"createdAt": "created_at", "updatedAt": "updated_at",
		}[sortBy]
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	return col + " " + dir
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t       domain.Task
		history string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Note, &t.Method, &t.Endpoint,
		&t.Headers, &t.Body, &t.Cron, &history, &t.Timezone, &t.Alert.Failure,
		&t.IsEnable, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal([]byte(history), &t.CronHistory); err != nil {
		return domain.Task{}, fmt.Errorf("decode cron history for %s: %w", t.ID, err)
	}
	return t, nil
}
