package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcaje/marcaje/internal/record"
)

// QueueItemsForRecord returns the sync queue items for a record, oldest
// first.
func (s *Store) QueueItemsForRecord(ctx context.Context, recordID string) ([]*record.SyncQueueItem, error) {
	return s.queryQueue(ctx, `
		SELECT id, record_id, record_type, action, payload, status,
		       retry_count, max_retries, created_at, updated_at
		FROM sync_queue WHERE record_id = ? ORDER BY created_at ASC`, recordID)
}

// PendingQueueItems returns queue items still awaiting completion.
func (s *Store) PendingQueueItems(ctx context.Context) ([]*record.SyncQueueItem, error) {
	return s.queryQueue(ctx, `
		SELECT id, record_id, record_type, action, payload, status,
		       retry_count, max_retries, created_at, updated_at
		FROM sync_queue WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(record.QueuePending), string(record.QueueProcessing))
}

// AdvanceQueueForRecord moves the record's queue items forward after a sync
// attempt: completed on success; otherwise the retry count is incremented
// and the item goes back to pending, or to failed once the retry cap is
// reached. The record itself keeps retrying regardless; the cap is queue
// bookkeeping only.
func (s *Store) AdvanceQueueForRecord(ctx context.Context, recordID string, success bool) error {
	now := time.Now().Format(time.RFC3339)
	var err error
	if success {
		_, err = s.conn.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, updated_at = ?
			WHERE record_id = ? AND status != ?`,
			string(record.QueueCompleted), now, recordID, string(record.QueueCompleted))
	} else {
		_, err = s.conn.ExecContext(ctx, `
			UPDATE sync_queue SET
				retry_count = retry_count + 1,
				status = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END,
				updated_at = ?
			WHERE record_id = ? AND status IN (?, ?)`,
			string(record.QueueFailed), string(record.QueuePending), now,
			recordID, string(record.QueuePending), string(record.QueueProcessing))
	}
	if err != nil {
		return fmt.Errorf("failed to advance queue for record %s: %w", recordID, err)
	}
	return nil
}

// MarkQueueProcessing flags the record's outstanding queue items as being
// worked on by the current sync pass.
func (s *Store) MarkQueueProcessing(ctx context.Context, recordID string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, updated_at = ?
		WHERE record_id = ? AND status = ?`,
		string(record.QueueProcessing), time.Now().Format(time.RFC3339),
		recordID, string(record.QueuePending))
	if err != nil {
		return fmt.Errorf("failed to mark queue processing for %s: %w", recordID, err)
	}
	return nil
}

// PruneCompletedQueue deletes completed queue items older than the
// retention window. Returns the number pruned.
func (s *Store) PruneCompletedQueue(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).Format(time.RFC3339)
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE status = ? AND updated_at < ?",
		string(record.QueueCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}
	return int(n), nil
}

func (s *Store) queryQueue(ctx context.Context, query string, args ...any) ([]*record.SyncQueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []*record.SyncQueueItem
	for rows.Next() {
		var item record.SyncQueueItem
		var action, status, payload, createdAt, updatedAt string
		err := rows.Scan(&item.ID, &item.RecordID, &item.RecordType, &action,
			&payload, &status, &item.RetryCount, &item.MaxRetries,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Action = record.QueueAction(action)
		item.Status = record.QueueStatus(status)
		item.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			item.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			item.UpdatedAt = t
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}
