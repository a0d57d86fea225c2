package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenProvider returns a valid access token for the given user, refreshing
// it when necessary.
type TokenProvider func(ctx context.Context, userID string) (string, error)

// CalendarClient is the outbound boundary to the calendar provider. Every
// returned error is already classified into the taxonomy.
type CalendarClient interface {
	GetEvent(ctx context.Context, userID, calendarID, eventID string) (RemoteEvent, error)
	InsertEvent(ctx context.Context, userID, calendarID string, event RemoteEvent) (RemoteEvent, error)
	PatchEvent(ctx context.Context, userID, calendarID, eventID string, event RemoteEvent) (RemoteEvent, error)
	DeleteEvent(ctx context.Context, userID, calendarID, eventID string) error
	ListEvents(ctx context.Context, userID, calendarID string, from, to time.Time) ([]RemoteEvent, error)
	ListCalendars(ctx context.Context, userID string) ([]CalendarInfo, error)
}

type CalendarClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPCalendarClient talks to a Google-Calendar-shaped REST API with
// per-attempt token resolution and bounded retry on transient statuses.
type HTTPCalendarClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPCalendarClient(opts CalendarClientOptions) *HTTPCalendarClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/calendar/v3"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPCalendarClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPCalendarClient) GetEvent(ctx context.Context, userID, calendarID, eventID string) (RemoteEvent, error) {
	var out RemoteEvent
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(normalizeCalendarID(calendarID)), url.PathEscape(eventID))
	err := c.doJSON(ctx, http.MethodGet, path, userID, nil, &out)
	return out, err
}

func (c *HTTPCalendarClient) InsertEvent(ctx context.Context, userID, calendarID string, event RemoteEvent) (RemoteEvent, error) {
	var out RemoteEvent
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(normalizeCalendarID(calendarID)))
	err := c.doJSON(ctx, http.MethodPost, path, userID, event, &out)
	return out, err
}

func (c *HTTPCalendarClient) PatchEvent(ctx context.Context, userID, calendarID, eventID string, event RemoteEvent) (RemoteEvent, error) {
	var out RemoteEvent
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(normalizeCalendarID(calendarID)), url.PathEscape(eventID))
	err := c.doJSON(ctx, http.MethodPatch, path, userID, event, &out)
	return out, err
}

func (c *HTTPCalendarClient) DeleteEvent(ctx context.Context, userID, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(normalizeCalendarID(calendarID)), url.PathEscape(eventID))
	return c.doJSON(ctx, http.MethodDelete, path, userID, nil, nil)
}

func (c *HTTPCalendarClient) ListEvents(ctx context.Context, userID, calendarID string, from, to time.Time) ([]RemoteEvent, error) {
	events := make([]RemoteEvent, 0)
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("timeMin", from.UTC().Format(time.RFC3339))
		q.Set("timeMax", to.UTC().Format(time.RFC3339))
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page struct {
			Items         []RemoteEvent `json:"items"`
			NextPageToken string        `json:"nextPageToken"`
		}
		path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(normalizeCalendarID(calendarID)), q.Encode())
		if err := c.doJSON(ctx, http.MethodGet, path, userID, nil, &page); err != nil {
			return nil, err
		}
		events = append(events, page.Items...)
		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *HTTPCalendarClient) ListCalendars(ctx context.Context, userID string) ([]CalendarInfo, error) {
	var out struct {
		Items []CalendarInfo `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/users/me/calendarList", userID, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPCalendarClient) doJSON(ctx context.Context, method, requestPath, userID string, body, out any) error {
	if c == nil {
		return fmt.Errorf("calendar client is nil: %w", ErrInvalidInput)
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("token provider is required: %w", ErrInvalidInput)
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokenProvider(ctx, userID)
		if err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return classifyTransportError(waitErr)
				}
				continue
			}
			return classifyTransportError(err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return classifyTransportError(readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return classifyTransportError(waitErr)
			}
			continue
		}
		return providerErrorFromResponse(resp.StatusCode, respBody)
	}
}

func providerErrorFromResponse(status int, body []byte) error {
	code := ""
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		if len(parsed.Error.Errors) > 0 {
			code = parsed.Error.Errors[0].Reason
		} else if parsed.Error.Status != "" {
			code = parsed.Error.Status
		}
	}
	return newProviderError(status, code, message)
}

func (c *HTTPCalendarClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func normalizeCalendarID(calendarID string) string {
	calendarID = strings.TrimSpace(calendarID)
	if calendarID == "" {
		return DefaultCalendarID
	}
	return calendarID
}
