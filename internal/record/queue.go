package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of an outbound sync operation.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Valid reports whether the status is one of the known variants.
func (q QueueStatus) Valid() bool {
	switch q {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed:
		return true
	}
	return false
}

// QueueAction is the remote operation a queue item represents.
type QueueAction string

const (
	ActionUpsert QueueAction = "upsert"
)

// SyncQueueItem is the generalized outbound operation created alongside an
// attendance record. The payload is a snapshot of the record at enqueue
// time; the item is advanced by the coordinator and pruned once completed
// past a retention window.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	RecordID   string          `json:"record_id"`
	RecordType string          `json:"record_type"`
	Action     QueueAction     `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	Status     QueueStatus     `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DefaultMaxRetries bounds how many failures a queue item records before it
// is marked failed. The record itself keeps retrying on scheduler cadence;
// the cap only affects queue bookkeeping.
const DefaultMaxRetries = 10

// NewQueueItem snapshots a record into a pending queue item.
func NewQueueItem(r *AttendanceRecord, now time.Time) (*SyncQueueItem, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot record %s: %w", r.ID, err)
	}
	return &SyncQueueItem{
		ID:         uuid.NewString(),
		RecordID:   r.ID,
		RecordType: "attendance",
		Action:     ActionUpsert,
		Payload:    payload,
		Status:     QueuePending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Validate checks the queue item's field values.
func (q *SyncQueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("id is required")
	}
	if q.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if !q.Status.Valid() {
		return fmt.Errorf("invalid queue status %q", q.Status)
	}
	if q.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive (got %d)", q.MaxRetries)
	}
	return nil
}
