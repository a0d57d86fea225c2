package calsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeCalendarClient is an in-memory provider double that counts calls and
// returns classified errors the way the HTTP client would.
type fakeCalendarClient struct {
	mu     sync.Mutex
	events map[string]RemoteEvent
	nextID int

	getCalls    int
	insertCalls int
	patchCalls  int
	deleteCalls int
	listCalls   int

	failAll error
}

func newFakeCalendarClient() *fakeCalendarClient {
	return &fakeCalendarClient{events: map[string]RemoteEvent{}}
}

func (c *fakeCalendarClient) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getCalls + c.insertCalls + c.patchCalls + c.deleteCalls + c.listCalls
}

func (c *fakeCalendarClient) putEvent(event RemoteEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[event.ID] = event
}

func (c *fakeCalendarClient) GetEvent(ctx context.Context, userID, calendarID, eventID string) (RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.failAll != nil {
		return RemoteEvent{}, c.failAll
	}
	event, ok := c.events[eventID]
	if !ok {
		return RemoteEvent{}, newProviderError(404, "notFound", "event not found")
	}
	return event, nil
}

func (c *fakeCalendarClient) InsertEvent(ctx context.Context, userID, calendarID string, event RemoteEvent) (RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertCalls++
	if c.failAll != nil {
		return RemoteEvent{}, c.failAll
	}
	c.nextID++
	event.ID = fmt.Sprintf("evt-%d", c.nextID)
	c.events[event.ID] = event
	return event, nil
}

func (c *fakeCalendarClient) PatchEvent(ctx context.Context, userID, calendarID, eventID string, event RemoteEvent) (RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patchCalls++
	if c.failAll != nil {
		return RemoteEvent{}, c.failAll
	}
	if _, ok := c.events[eventID]; !ok {
		return RemoteEvent{}, newProviderError(404, "notFound", "event not found")
	}
	event.ID = eventID
	c.events[eventID] = event
	return event, nil
}

func (c *fakeCalendarClient) DeleteEvent(ctx context.Context, userID, calendarID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	if c.failAll != nil {
		return c.failAll
	}
	if _, ok := c.events[eventID]; !ok {
		return newProviderError(404, "notFound", "event not found")
	}
	delete(c.events, eventID)
	return nil
}

func (c *fakeCalendarClient) ListEvents(ctx context.Context, userID, calendarID string, from, to time.Time) ([]RemoteEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.failAll != nil {
		return nil, c.failAll
	}
	events := make([]RemoteEvent, 0, len(c.events))
	for _, event := range c.events {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (c *fakeCalendarClient) ListCalendars(ctx context.Context, userID string) ([]CalendarInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return nil, c.failAll
	}
	return []CalendarInfo{{ID: DefaultCalendarID, Summary: "Primary", Primary: true}}, nil
}

func (s *MemoryStore) taskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func connectUser(t interface{ Fatalf(string, ...any) }, store Store, userID, calendarID string) {
	cred := CalendarCredential{
		UserID:      userID,
		AccessToken: "access-" + userID,
		Expiry:      time.Now().Add(time.Hour),
		CalendarID:  calendarID,
	}
	if err := store.UpsertCredential(context.Background(), cred); err != nil {
		t.Fatalf("connect user %s: %v", userID, err)
	}
}
