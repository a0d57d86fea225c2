package calsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreTaskRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	task := Task{ID: "t1", UserID: "u1", Title: "Standup", DueDate: "2026-03-14"}

	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := store.GetTask(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Title != "Standup" {
		t.Fatalf("expected Standup, got %q", got.Title)
	}

	// Tasks are scoped per user.
	if _, err := store.GetTask(ctx, "u2", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}
}

func TestMemoryStoreFindByExternalEventID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.UpsertTask(ctx, Task{ID: "t1", UserID: "u1", Title: "A", ExternalEventID: "evt-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.UpsertTask(ctx, Task{ID: "t2", UserID: "u2", Title: "B", ExternalEventID: "evt-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := store.FindByExternalEventID(ctx, "u1", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("expected t1, got %q", got.ID)
	}

	all, err := store.FindTasksByExternalEventID(ctx, "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both users' tasks, got %d", len(all))
	}

	if _, err := store.FindByExternalEventID(ctx, "u1", "evt-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreNextPositionIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var previous int64
	for i := 0; i < 5; i++ {
		position, err := store.NextPosition(ctx, "u1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if position <= previous {
			t.Fatalf("position %d not greater than %d", position, previous)
		}
		previous = position
	}

	// Counters are independent per user.
	position, err := store.NextPosition(ctx, "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if position != 1 {
		t.Fatalf("expected fresh counter for u2, got %d", position)
	}
}

func TestMemoryStoreFindUnlinkedMatchPrefersEarliestPosition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.UpsertTask(ctx, Task{ID: "t2", UserID: "u1", Title: "Standup", DueDate: "2026-03-14", Position: 2}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.UpsertTask(ctx, Task{ID: "t1", UserID: "u1", Title: "Standup", DueDate: "2026-03-14", Position: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.UpsertTask(ctx, Task{ID: "t3", UserID: "u1", Title: "Standup", DueDate: "2026-03-14", Position: 0, ExternalEventID: "evt-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := store.FindUnlinkedMatch(ctx, "u1", "Standup", "2026-03-14")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("expected earliest unlinked task t1, got %q", got.ID)
	}

	if _, err := store.FindUnlinkedMatch(ctx, "u1", "Standup", "2026-03-15"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on date mismatch, got %v", err)
	}
}

func TestMemoryStoreListDueInRangeBoundsInclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	dates := []string{"2026-02-28", "2026-03-01", "2026-03-15", "2026-03-31", "2026-04-01"}
	for i, date := range dates {
		task := Task{ID: string(rune('a' + i)), UserID: "u1", Title: date, DueDate: date, Position: int64(i)}
		if err := store.UpsertTask(ctx, task); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	tasks, err := store.ListDueInRange(ctx, "u1", "2026-03-01", "2026-03-31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks inside the range, got %d", len(tasks))
	}
	if tasks[0].DueDate != "2026-03-01" || tasks[2].DueDate != "2026-03-31" {
		t.Fatalf("expected inclusive bounds in position order, got %+v", tasks)
	}
}

func TestMemoryStoreUpsertCredentialPreservesRefreshToken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := CalendarCredential{UserID: "u1", AccessToken: "at-1", RefreshToken: "rt-1", Expiry: time.Now().Add(time.Hour)}
	if err := store.UpsertCredential(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := CalendarCredential{UserID: "u1", AccessToken: "at-2", Expiry: time.Now().Add(2 * time.Hour)}
	if err := store.UpsertCredential(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AccessToken != "at-2" {
		t.Fatalf("expected rotated access token, got %q", got.AccessToken)
	}
	if got.RefreshToken != "rt-1" {
		t.Fatalf("empty incoming refresh token must not erase the stored one, got %q", got.RefreshToken)
	}

	third := CalendarCredential{UserID: "u1", AccessToken: "at-3", RefreshToken: "rt-3", Expiry: time.Now().Add(time.Hour)}
	if err := store.UpsertCredential(ctx, third); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = store.GetCredential(ctx, "u1")
	if got.RefreshToken != "rt-3" {
		t.Fatalf("non-empty refresh token must replace, got %q", got.RefreshToken)
	}
}

func TestMemoryStoreFindUserByCalendarIDRequiresUniqueMatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	connectUser(t, store, "u1", "shared-cal")
	connectUser(t, store, "u2", "shared-cal")
	connectUser(t, store, "u3", "own-cal")

	userID, err := store.FindUserByCalendarID(ctx, "own-cal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "u3" {
		t.Fatalf("expected u3, got %q", userID)
	}

	if _, err := store.FindUserByCalendarID(ctx, "shared-cal"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ambiguous calendar must be ErrNotFound, got %v", err)
	}
	if _, err := store.FindUserByCalendarID(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown calendar must be ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListConnectedUserIDsSorted(t *testing.T) {
	store := NewMemoryStore()
	connectUser(t, store, "charlie", "c")
	connectUser(t, store, "alice", "a")
	connectUser(t, store, "bob", "b")

	ids, err := store.ListConnectedUserIDs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"alice", "bob", "charlie"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}
