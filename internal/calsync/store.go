package calsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TaskStore is the persistence surface the sync engine coordinates through.
// There are no in-process locks above it; concurrent writers converge on the
// next sync either actor triggers.
type TaskStore interface {
	GetTask(ctx context.Context, userID, taskID string) (Task, error)
	UpsertTask(ctx context.Context, task Task) error
	// FindByExternalEventID resolves the (external event id, user) correlation
	// key to at most one task.
	FindByExternalEventID(ctx context.Context, userID, eventID string) (Task, error)
	// FindTasksByExternalEventID looks the event id up across all users. Used
	// for owner resolution when a notification carries no user reference.
	FindTasksByExternalEventID(ctx context.Context, eventID string) ([]Task, error)
	// FindUnlinkedMatch returns an unlinked task owned by userID with the
	// given title and due date, for duplicate suppression.
	FindUnlinkedMatch(ctx context.Context, userID, title, dueDate string) (Task, error)
	ListDueInRange(ctx context.Context, userID, fromDate, toDate string) ([]Task, error)
	// NextPosition returns the next strictly increasing append position for
	// the user's task list.
	NextPosition(ctx context.Context, userID string) (int64, error)
}

// CredentialStore keys every operation by user id so tests can exercise
// multiple users without cross-contamination.
type CredentialStore interface {
	// UpsertCredential stores the credential. An empty incoming refresh token
	// never erases a previously stored one.
	UpsertCredential(ctx context.Context, cred CalendarCredential) error
	GetCredential(ctx context.Context, userID string) (CalendarCredential, error)
	DeleteCredential(ctx context.Context, userID string) error
	ListConnectedUserIDs(ctx context.Context) ([]string, error)
	// FindUserByCalendarID returns the user whose credential targets the given
	// calendar id. ErrNotFound when zero or more than one user matches.
	FindUserByCalendarID(ctx context.Context, calendarID string) (string, error)
}

// Store combines both persistence surfaces behind one backend.
type Store interface {
	TaskStore
	CredentialStore
	Close() error
}

// MemoryStore is the in-memory backend. It backs the memory:// profile and is
// the default store in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]Task // key: userID + "/" + taskID
	creds     map[string]CalendarCredential
	positions map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     map[string]Task{},
		creds:     map[string]CalendarCredential{},
		positions: map[string]int64{},
	}
}

func taskKey(userID, taskID string) string {
	return userID + "/" + taskID
}

func (s *MemoryStore) GetTask(ctx context.Context, userID, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskKey(userID, taskID)]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return task, nil
}

func (s *MemoryStore) UpsertTask(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.UserID) == "" {
		return fmt.Errorf("task id and user id are required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task.UpdatedAt = time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}
	if task.Position > s.positions[task.UserID] {
		s.positions[task.UserID] = task.Position
	}
	s.tasks[taskKey(task.UserID, task.ID)] = task
	return nil
}

func (s *MemoryStore) FindByExternalEventID(ctx context.Context, userID, eventID string) (Task, error) {
	if eventID == "" {
		return Task{}, fmt.Errorf("event id is required: %w", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.UserID == userID && task.ExternalEventID == eventID {
			return task, nil
		}
	}
	return Task{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
}

func (s *MemoryStore) FindTasksByExternalEventID(ctx context.Context, eventID string) ([]Task, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required: %w", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]Task, 0, 1)
	for _, task := range s.tasks {
		if task.ExternalEventID == eventID {
			matches = append(matches, task)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].UserID != matches[j].UserID {
			return matches[i].UserID < matches[j].UserID
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

func (s *MemoryStore) FindUnlinkedMatch(ctx context.Context, userID, title, dueDate string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidates := make([]Task, 0, 1)
	for _, task := range s.tasks {
		if task.UserID == userID && task.ExternalEventID == "" && task.Title == title && task.DueDate == dueDate {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) == 0 {
		return Task{}, fmt.Errorf("no unlinked task %q on %s: %w", title, dueDate, ErrNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Position < candidates[j].Position })
	return candidates[0], nil
}

func (s *MemoryStore) ListDueInRange(ctx context.Context, userID, fromDate, toDate string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]Task, 0)
	for _, task := range s.tasks {
		if task.UserID != userID || task.DueDate == "" {
			continue
		}
		if task.DueDate < fromDate || task.DueDate > toDate {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	return tasks, nil
}

func (s *MemoryStore) NextPosition(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[userID]++
	return s.positions[userID], nil
}

func (s *MemoryStore) UpsertCredential(ctx context.Context, cred CalendarCredential) error {
	if strings.TrimSpace(cred.UserID) == "" {
		return fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.CalendarID == "" {
		cred.CalendarID = DefaultCalendarID
	}
	if existing, ok := s.creds[cred.UserID]; ok && cred.RefreshToken == "" {
		cred.RefreshToken = existing.RefreshToken
	}
	cred.UpdatedAt = time.Now().UTC()
	s.creds[cred.UserID] = cred
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, userID string) (CalendarCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[userID]
	if !ok {
		return CalendarCredential{}, fmt.Errorf("credential for user %s: %w", userID, ErrNotFound)
	}
	return cred, nil
}

func (s *MemoryStore) DeleteCredential(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, userID)
	return nil
}

func (s *MemoryStore) ListConnectedUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.creds))
	for userID := range s.creds {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) FindUserByCalendarID(ctx context.Context, calendarID string) (string, error) {
	if calendarID == "" {
		return "", fmt.Errorf("calendar id is required: %w", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]string, 0, 1)
	for userID, cred := range s.creds {
		if cred.CalendarID == calendarID {
			matches = append(matches, userID)
		}
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("calendar %s matched %d users: %w", calendarID, len(matches), ErrNotFound)
	}
	return matches[0], nil
}

func (s *MemoryStore) Close() error {
	return nil
}
