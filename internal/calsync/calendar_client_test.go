package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func staticTokenProvider(token string) TokenProvider {
	return func(ctx context.Context, userID string) (string, error) {
		return token, nil
	}
}

func newTestHTTPClient(baseURL string) *HTTPCalendarClient {
	return NewHTTPCalendarClient(CalendarClientOptions{
		BaseURL:       baseURL,
		TokenProvider: staticTokenProvider("test-token"),
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestGetEventSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if r.URL.Path != "/calendars/primary/events/evt-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(RemoteEvent{ID: "evt-1", Summary: "Standup"})
	}))
	defer server.Close()

	event, err := newTestHTTPClient(server.URL).GetEvent(context.Background(), "u1", "", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID != "evt-1" || event.Summary != "Standup" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestGetEvent404IsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Not Found","errors":[{"reason":"notFound"}]}}`))
	}))
	defer server.Close()

	_, err := newTestHTTPClient(server.URL).GetEvent(context.Background(), "u1", "primary", "evt-x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.Code != "notFound" {
		t.Fatalf("expected provider error with reason, got %v", err)
	}
}

func TestInsertEvent401IsAuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}))
	defer server.Close()

	_, err := newTestHTTPClient(server.URL).InsertEvent(context.Background(), "u1", "primary", RemoteEvent{Summary: "X"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestDoJSONRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(RemoteEvent{ID: "evt-1"})
	}))
	defer server.Close()

	event, err := newTestHTTPClient(server.URL).GetEvent(context.Background(), "u1", "primary", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID != "evt-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDoJSONExhaustedRetriesIsTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestHTTPClient(server.URL).GetEvent(context.Background(), "u1", "primary", "evt-1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	// MaxRetries: 2 means one initial attempt plus two retries.
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDoJSONTokenProviderErrorShortCircuits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a token")
	}))
	defer server.Close()

	client := NewHTTPCalendarClient(CalendarClientOptions{
		BaseURL: server.URL,
		TokenProvider: func(ctx context.Context, userID string) (string, error) {
			return "", fmt.Errorf("no refresh token: %w", ErrAuthExpired)
		},
	})
	_, err := client.GetEvent(context.Background(), "u1", "primary", "evt-1")
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestListEventsFollowsPagination(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("timeMin") == "" || r.URL.Query().Get("timeMax") == "" {
			t.Errorf("expected time bounds, got %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items":[{"id":"evt-1"}],"nextPageToken":"page-2"}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"evt-2"}]}`)
	}))
	defer server.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := newTestHTTPClient(server.URL).ListEvents(context.Background(), "u1", "primary", from, from.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "evt-1" || events[1].ID != "evt-2" {
		t.Fatalf("unexpected events %+v", events)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 pages, got %d", got)
	}
}

func TestListCalendars(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/calendarList" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"items":[{"id":"primary","summary":"Personal","primary":true},{"id":"work","summary":"Work"}]}`)
	}))
	defer server.Close()

	calendars, err := newTestHTTPClient(server.URL).ListCalendars(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calendars) != 2 || !calendars[0].Primary {
		t.Fatalf("unexpected calendars %+v", calendars)
	}
}

func TestRetryDelayHonorsRetryAfterAndCap(t *testing.T) {
	client := NewHTTPCalendarClient(CalendarClientOptions{
		TokenProvider: staticTokenProvider("t"),
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
	})

	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After to win, got %v", got)
	}
	if got := client.retryDelay(1, "3600"); got != 2*time.Second {
		t.Fatalf("expected Retry-After capped at max delay, got %v", got)
	}
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %v", got)
	}
	if got := client.retryDelay(2, ""); got != 200*time.Millisecond {
		t.Fatalf("expected doubled delay, got %v", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected backoff capped at max delay, got %v", got)
	}
}

func TestClassifyStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   error
	}{
		{401, "", ErrAuthExpired},
		{404, "", ErrNotFound},
		{410, "", ErrNotFound},
		{429, "", ErrTransient},
		{500, "", ErrTransient},
		{503, "", ErrTransient},
		{408, "", ErrTransient},
		{400, "invalid_grant", ErrAuthExpired},
		{400, "", ErrValidation},
		{422, "", ErrValidation},
	}
	for _, tc := range cases {
		got := classifyStatus(tc.status, tc.code)
		if !errors.Is(got, tc.want) {
			t.Fatalf("status %d code %q: expected %v, got %v", tc.status, tc.code, tc.want, got)
		}
	}
}
