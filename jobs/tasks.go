package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatementDeliver assembles a party statement and hands it to a sink.
	TaskStatementDeliver = "cartera:statement:deliver"
	// TaskIdempotencyCleanup purges idempotency keys past their retention.
	TaskIdempotencyCleanup = "cartera:idempotency:cleanup"
)

const payloadDateLayout = "2006-01-02"

// StatementPayload describes one statement delivery. Dates use YYYY-MM-DD and
// may be empty to leave the range open.
type StatementPayload struct {
	JobID       string `json:"job_id"`
	Side        string `json:"side"`
	PartyID     int64  `json:"party_id"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	PendingOnly bool   `json:"pending_only,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
}

// Validate checks the payload shape before it reaches the queue.
func (p StatementPayload) Validate() error {
	if p.Side == "" {
		return errors.New("statement payload: side required")
	}
	if p.PartyID <= 0 {
		return errors.New("statement payload: party id required")
	}
	if _, err := parsePayloadDate(p.From); err != nil {
		return err
	}
	if _, err := parsePayloadDate(p.To); err != nil {
		return err
	}
	return nil
}

// NewStatementTask constructs the delivery task.
func NewStatementTask(payload StatementPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatementDeliver, data), nil
}

// IdempotencyCleanupPayload carries the retention applied by one cleanup run.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the cleanup task registered on the cron.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

func parsePayloadDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(payloadDateLayout, raw)
	if err != nil {
		return time.Time{}, errors.New("statement payload: dates must use YYYY-MM-DD")
	}
	return t, nil
}
