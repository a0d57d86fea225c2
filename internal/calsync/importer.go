package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

type ImporterOptions struct {
	Store  Store
	Client CalendarClient
	Now    func() time.Time
}

// Importer bulk-imports remote events in a date range into new linked tasks.
type Importer struct {
	store  Store
	client CalendarClient
	now    func() time.Time
}

func NewImporter(opts ImporterOptions) *Importer {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Importer{store: opts.Store, client: opts.Client, now: now}
}

// Import lists events in [from, to] and creates a linked task for each event
// not already linked to one of the user's tasks. Re-importing the same range
// is idempotent. One failed insert is logged and skipped, never aborting the
// batch.
func (i *Importer) Import(ctx context.Context, userID string, from, to time.Time, calendarID string) (ImportResult, error) {
	if from.After(to) {
		return ImportResult{}, fmt.Errorf("import range is inverted: %w", ErrInvalidInput)
	}
	if calendarID == "" {
		if cred, err := i.store.GetCredential(ctx, userID); err == nil {
			calendarID = cred.CalendarID
		} else {
			calendarID = DefaultCalendarID
		}
	}

	events, err := i.client.ListEvents(ctx, userID, calendarID, from, to)
	if err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{Total: len(events)}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if event.ID == "" || event.Status == eventStatusCancelled {
			result.Skipped++
			continue
		}
		_, err := i.store.FindByExternalEventID(ctx, userID, event.ID)
		if err == nil {
			result.Skipped++
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			log.Printf("calsync: import lookup for event %s failed: %v", event.ID, err)
			result.Failed++
			continue
		}
		task, buildErr := i.buildTask(ctx, userID, event)
		if buildErr != nil {
			log.Printf("calsync: import of event %s failed: %v", event.ID, buildErr)
			result.Failed++
			continue
		}
		if err := i.store.UpsertTask(ctx, task); err != nil {
			log.Printf("calsync: import insert for event %s failed: %v", event.ID, err)
			result.Failed++
			continue
		}
		result.Created++
	}
	return result, nil
}

func (i *Importer) buildTask(ctx context.Context, userID string, event RemoteEvent) (Task, error) {
	position, err := i.store.NextPosition(ctx, userID)
	if err != nil {
		return Task{}, err
	}
	syncedAt := i.now()
	task := Task{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Position:           position,
		ExternalEventID:    event.ID,
		SyncEnabled:        true,
		SyncedWithCalendar: true,
		LastSyncedAt:       &syncedAt,
	}
	ApplyPatch(&task, EventToTaskPatch(event))
	return task, nil
}
