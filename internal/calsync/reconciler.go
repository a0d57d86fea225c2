package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ReconcilerOptions struct {
	Store  Store
	Client CalendarClient
	Now    func() time.Time
}

// Reconciler consumes inbound change notifications and converges local task
// state with remote truth. Replaying a notification any number of times
// reaches the same terminal state and never duplicates a task.
type Reconciler struct {
	store  Store
	client CalendarClient
	now    func() time.Time
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{store: opts.Store, client: opts.Client, now: now}
}

// Reconcile runs the notification through the state machine and returns a
// terminal outcome. Expected-but-unusual conditions (already deleted, no
// resolvable owner) are outcomes, not errors; only store and provider
// failures surface as errors.
func (r *Reconciler) Reconcile(ctx context.Context, n Notification) (ReconcileResult, error) {
	if strings.TrimSpace(n.EventID) == "" {
		return ReconcileResult{}, fmt.Errorf("notification is missing eventId: %w", ErrInvalidInput)
	}

	linked, err := r.store.FindTasksByExternalEventID(ctx, n.EventID)
	if err != nil {
		return ReconcileResult{}, err
	}

	if len(linked) == 0 {
		if n.Action == ActionDeleted {
			// Never linked locally; nothing to delete.
			return ReconcileResult{Outcome: OutcomeIgnored}, nil
		}
		userID, resolveErr := r.resolveOwner(ctx, n.CalendarID)
		if resolveErr != nil {
			if errors.Is(resolveErr, ErrNotFound) {
				log.Printf("calsync: no owner resolvable for event %s (calendar %q)", n.EventID, n.CalendarID)
				return ReconcileResult{Outcome: OutcomeIgnored}, nil
			}
			return ReconcileResult{}, resolveErr
		}
		return r.reconcileForUser(ctx, userID, n, Task{}, false)
	}

	if n.Action == ActionDeleted {
		return r.unlinkAll(ctx, linked)
	}
	owner := linked[0]
	return r.reconcileForUser(ctx, owner.UserID, n, owner, true)
}

// resolveOwner maps a calendar id to a connected user: exact match first,
// then the "primary" sentinel for email-shaped ids, then the single connected
// user as a last resort. With several connected users and no match the
// notification is unattributable and gets ignored.
func (r *Reconciler) resolveOwner(ctx context.Context, calendarID string) (string, error) {
	calendarID = strings.TrimSpace(calendarID)
	if calendarID != "" {
		userID, err := r.store.FindUserByCalendarID(ctx, calendarID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if looksLikeEmail(calendarID) {
			userID, err = r.store.FindUserByCalendarID(ctx, DefaultCalendarID)
			if err == nil {
				return userID, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return "", err
			}
		}
	}
	userIDs, err := r.store.ListConnectedUserIDs(ctx)
	if err != nil {
		return "", err
	}
	if len(userIDs) == 1 {
		return userIDs[0], nil
	}
	return "", fmt.Errorf("calendar %q is ambiguous across %d connected users: %w", calendarID, len(userIDs), ErrNotFound)
}

func (r *Reconciler) reconcileForUser(ctx context.Context, userID string, n Notification, owner Task, hasOwner bool) (ReconcileResult, error) {
	cred, err := r.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ReconcileResult{Outcome: OutcomeIgnored}, nil
		}
		return ReconcileResult{}, err
	}
	calendarID := strings.TrimSpace(n.CalendarID)
	if calendarID == "" {
		calendarID = cred.CalendarID
	}

	event, err := r.client.GetEvent(ctx, userID, calendarID, n.EventID)
	if errors.Is(err, ErrNotFound) || (err == nil && event.Status == eventStatusCancelled) {
		// Deleted before we could fetch it. Same terminal state as an
		// explicit delete notification.
		if hasOwner {
			return r.unlinkAll(ctx, []Task{owner})
		}
		return ReconcileResult{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		return ReconcileResult{}, err
	}

	patch := EventToTaskPatch(event)
	syncedAt := r.now()

	if hasOwner {
		ApplyPatch(&owner, patch)
		owner.SyncedWithCalendar = true
		owner.LastSyncedAt = &syncedAt
		if err := r.store.UpsertTask(ctx, owner); err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{Outcome: OutcomeUpdated, TaskID: owner.ID}, nil
	}

	// Remote-originated creation. Link an identical unlinked task when one
	// exists instead of creating a duplicate.
	title := fallbackEventTitle
	if patch.Title != nil {
		title = *patch.Title
	}
	dueDate := ""
	if patch.DueDate != nil {
		dueDate = *patch.DueDate
	}
	match, err := r.store.FindUnlinkedMatch(ctx, userID, title, dueDate)
	if err == nil {
		ApplyPatch(&match, patch)
		match.ExternalEventID = n.EventID
		match.SyncedWithCalendar = true
		match.LastSyncedAt = &syncedAt
		if err := r.store.UpsertTask(ctx, match); err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{Outcome: OutcomeLinkedExisting, TaskID: match.ID}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ReconcileResult{}, err
	}

	position, err := r.store.NextPosition(ctx, userID)
	if err != nil {
		return ReconcileResult{}, err
	}
	task := Task{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Position:           position,
		ExternalEventID:    n.EventID,
		SyncEnabled:        true,
		SyncedWithCalendar: true,
		LastSyncedAt:       &syncedAt,
	}
	ApplyPatch(&task, patch)
	if err := r.store.UpsertTask(ctx, task); err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{Outcome: OutcomeCreated, TaskID: task.ID}, nil
}

// unlinkAll clears the correlation on every matched task. Repeat delivery is
// a no-op because the next lookup finds nothing.
func (r *Reconciler) unlinkAll(ctx context.Context, tasks []Task) (ReconcileResult, error) {
	result := ReconcileResult{Outcome: OutcomeDeleted}
	for _, task := range tasks {
		task.ExternalEventID = ""
		task.SyncedWithCalendar = false
		if err := r.store.UpsertTask(ctx, task); err != nil {
			return ReconcileResult{}, err
		}
		if result.TaskID == "" {
			result.TaskID = task.ID
		}
	}
	return result, nil
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}
