package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FailureStatusCode is recorded when a probe produced no HTTP response at
// all (connection refused, DNS failure, timeout, TLS error).
const FailureStatusCode = 500

// Task is a recurring HTTP probe definition owned by a single user.
type Task struct {
	ID          string
	OwnerID     string
	Name        string
	Note        string
	Method      string
	Endpoint    string
	Headers     string // JSON object string, may be empty
	Body        string
	Cron        string
	CronHistory []string // previously active cron expressions, deduplicated
	Timezone    string   // IANA zone, empty = system default
	Alert       Alert
	IsEnable    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Alert configures failure notifications for a task. Failure is the number
// of consecutive failed probes that triggers a notification; zero disables
// alerting.
type Alert struct {
	Failure int `json:"failure"`
}

// ParsedHeaders decodes the serialized header map. An empty string yields
// nil without error.
func (t Task) ParsedHeaders() (map[string]string, error) {
	if t.Headers == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(t.Headers), &h); err != nil {
		return nil, fmt.Errorf("parse task headers: %w", err)
	}
	return h, nil
}

// TaskLog records a single probe execution. Rows are written only by the
// log-write worker and removed only by retention eviction.
type TaskLog struct {
	ID                string
	TaskID            string
	Endpoint          string
	Method            string
	StatusCode        int
	Duration          int64 // milliseconds
	ResponseSizeBytes int64
	ScheduledAt       time.Time
	ExecutedAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Failed reports whether the logged execution counts as a failure for
// alerting purposes.
func (l TaskLog) Failed() bool {
	return l.StatusCode >= 400
}

// ExecutionJob is the payload dispatched for each scheduled probe. Task is a
// snapshot taken at schedule registration time: edits to endpoint, headers
// or body only take effect on the next re-registration, never retroactively
// on an already dispatched job.
type ExecutionJob struct {
	Task  Task      `json:"task"`
	DueAt time.Time `json:"due_at"`
}

// LogWriteJob carries one execution outcome to the log-write worker.
type LogWriteJob struct {
	TaskID            string    `json:"task_id"`
	Endpoint          string    `json:"endpoint"`
	Method            string    `json:"method"`
	StatusCode        int       `json:"status_code"`
	Duration          int64     `json:"duration_ms"`
	ResponseSizeBytes int64     `json:"response_size_bytes"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	ExecutedAt        time.Time `json:"executed_at"`
}

// NotifyJob asks the notification worker to evaluate a task's alert
// threshold after a failed probe.
type NotifyJob struct {
	TaskID     string `json:"task_id"`
	OwnerID    string `json:"owner_id"`
	TaskName   string `json:"task_name"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code"`
	Threshold  int    `json:"threshold"`
}
