package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

type SyncEngineOptions struct {
	Store    Store
	Client   CalendarClient
	Location *time.Location
	Now      func() time.Time
}

// SyncEngine propagates local task mutations to the remote calendar.
type SyncEngine struct {
	store  Store
	client CalendarClient
	loc    *time.Location
	now    func() time.Time
}

func NewSyncEngine(opts SyncEngineOptions) *SyncEngine {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SyncEngine{
		store:  opts.Store,
		client: opts.Client,
		loc:    loc,
		now:    now,
	}
}

// SyncTask pushes one task to the calendar. Sync-disabled tasks are a no-op
// success with zero provider calls. A linked task whose remote event vanished
// is re-created and adopts the new event id.
func (e *SyncEngine) SyncTask(ctx context.Context, userID string, task Task) (Task, error) {
	if task.UserID != "" && task.UserID != userID {
		return task, fmt.Errorf("task %s does not belong to user %s: %w", task.ID, userID, ErrInvalidInput)
	}
	if !task.SyncEnabled {
		return task, nil
	}
	if task.DueDate == "" {
		return task, fmt.Errorf("task %s has no due date: %w", task.ID, ErrValidation)
	}
	cred, err := e.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return task, fmt.Errorf("calendar not connected for user %s: %w", userID, ErrAuthExpired)
		}
		return task, err
	}

	event := TaskToEvent(task, e.loc)
	var remote RemoteEvent
	if task.Linked() {
		remote, err = e.client.PatchEvent(ctx, userID, cred.CalendarID, task.ExternalEventID, event)
		if errors.Is(err, ErrNotFound) {
			// Event vanished remotely; re-create it under a fresh id.
			event.ID = ""
			remote, err = e.client.InsertEvent(ctx, userID, cred.CalendarID, event)
		}
	} else {
		event.ID = ""
		remote, err = e.client.InsertEvent(ctx, userID, cred.CalendarID, event)
	}
	if err != nil {
		return task, err
	}

	if remote.ID != "" {
		task.ExternalEventID = remote.ID
	}
	task.SyncedWithCalendar = true
	syncedAt := e.now()
	task.LastSyncedAt = &syncedAt
	if err := e.store.UpsertTask(ctx, task); err != nil {
		return task, fmt.Errorf("persist synced task %s: %w", task.ID, err)
	}
	return task, nil
}

// DeleteTask removes the remote event for a linked task and always clears the
// link locally, whatever the remote outcome. A remote 404 means the event is
// already gone and counts as success.
func (e *SyncEngine) DeleteTask(ctx context.Context, userID string, task Task) (Task, error) {
	if task.Linked() {
		cred, err := e.store.GetCredential(ctx, userID)
		if err == nil {
			deleteErr := e.client.DeleteEvent(ctx, userID, cred.CalendarID, task.ExternalEventID)
			if deleteErr != nil && !errors.Is(deleteErr, ErrNotFound) {
				log.Printf("calsync: remote delete of event %s failed for user %s: %v", task.ExternalEventID, userID, deleteErr)
			}
		}
	}
	task.ExternalEventID = ""
	task.SyncedWithCalendar = false
	if err := e.store.UpsertTask(ctx, task); err != nil {
		return task, fmt.Errorf("persist unlinked task %s: %w", task.ID, err)
	}
	return task, nil
}

// BatchSync syncs the given tasks independently: one failure never aborts
// siblings and there is no cross-item ordering guarantee. Cancellation is
// honored only between items.
func (e *SyncEngine) BatchSync(ctx context.Context, userID string, taskIDs []string) (BatchSyncResult, error) {
	result := BatchSyncResult{Items: make([]BatchItemResult, 0, len(taskIDs))}
	for _, taskID := range taskIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		item := BatchItemResult{TaskID: taskID}
		task, err := e.store.GetTask(ctx, userID, taskID)
		if err != nil {
			item.Status = BatchItemFailed
			item.Error = err.Error()
			result.Items = append(result.Items, item)
			result.Failed++
			continue
		}
		if !task.SyncEnabled {
			item.Status = BatchItemSkipped
			result.Items = append(result.Items, item)
			result.Skipped++
			continue
		}
		if _, err := e.SyncTask(ctx, userID, task); err != nil {
			item.Status = BatchItemFailed
			item.Error = err.Error()
			result.Failed++
		} else {
			item.Status = BatchItemSynced
			result.Synced++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// SyncPeriod batch-syncs the user's tasks due in [fromDate, toDate].
func (e *SyncEngine) SyncPeriod(ctx context.Context, userID, fromDate, toDate string) (BatchSyncResult, error) {
	if _, err := time.Parse(DateLayout, fromDate); err != nil {
		return BatchSyncResult{}, fmt.Errorf("invalid from date %q: %w", fromDate, ErrInvalidInput)
	}
	if _, err := time.Parse(DateLayout, toDate); err != nil {
		return BatchSyncResult{}, fmt.Errorf("invalid to date %q: %w", toDate, ErrInvalidInput)
	}
	tasks, err := e.store.ListDueInRange(ctx, userID, fromDate, toDate)
	if err != nil {
		return BatchSyncResult{}, err
	}
	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
	}
	return e.BatchSync(ctx, userID, taskIDs)
}
