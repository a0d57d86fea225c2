package calsync

import "time"

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// DefaultCalendarID is the provider's sentinel for a user's primary calendar.
const DefaultCalendarID = "primary"

// Task is the local unit of work, optionally scheduled and optionally linked
// to a remote calendar event through ExternalEventID.
type Task struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	DueDate            string     `json:"dueDate,omitempty"`   // date-only, DateLayout
	StartTime          string     `json:"startTime,omitempty"` // time-of-day, TimeLayout
	EndTime            string     `json:"endTime,omitempty"`
	AllDay             bool       `json:"allDay"`
	Completed          bool       `json:"completed"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	Priority           int        `json:"priority,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	Position           int64      `json:"position"`
	ReminderAt         *time.Time `json:"reminderAt,omitempty"`
	ExternalEventID    string     `json:"externalEventId,omitempty"`
	SyncEnabled        bool       `json:"syncEnabled"`
	SyncedWithCalendar bool       `json:"syncedWithCalendar"`
	LastSyncedAt       *time.Time `json:"lastSyncedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Linked reports whether the task carries a remote correlation id.
func (t Task) Linked() bool {
	return t.ExternalEventID != ""
}

// CalendarCredential is one user's OAuth token pair plus the calendar the
// user chose as the sync target.
type CalendarCredential struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
	CalendarID   string    `json:"calendarId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EventDateTime carries either a date-only value or an RFC3339 timestamp,
// mirroring the provider's wire format.
type EventDateTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// IsDateOnly reports whether the value carries a date without a time of day.
func (dt EventDateTime) IsDateOnly() bool {
	return dt.Date != "" && dt.DateTime == ""
}

// RemoteEvent is the provider's representation of a scheduled item. It is
// never persisted locally.
type RemoteEvent struct {
	ID           string          `json:"id,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	Description  string          `json:"description,omitempty"`
	Status       string          `json:"status,omitempty"`
	Transparency string          `json:"transparency,omitempty"`
	Start        EventDateTime   `json:"start,omitempty"`
	End          EventDateTime   `json:"end,omitempty"`
	Reminders    *EventReminders `json:"reminders,omitempty"`
}

type EventReminders struct {
	UseDefault bool               `json:"useDefault"`
	Overrides  []ReminderOverride `json:"overrides,omitempty"`
}

type ReminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// CalendarInfo describes one calendar visible to a connected user.
type CalendarInfo struct {
	ID         string `json:"id"`
	Summary    string `json:"summary"`
	Primary    bool   `json:"primary,omitempty"`
	AccessRole string `json:"accessRole,omitempty"`
}

// TaskPatch is the narrow result of mapping a remote event back onto a task.
// Nil fields are omitted and never overwrite local values.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
	AllDay      *bool   `json:"allDay,omitempty"`
	StartTime   *string `json:"startTime,omitempty"`
	EndTime     *string `json:"endTime,omitempty"`
}

// Notification is the validated form of an inbound change notification.
// CalendarID and Action are best-effort hints; EventID is the only field the
// provider guarantees.
type Notification struct {
	EventID    string `json:"eventId"`
	CalendarID string `json:"calendarId,omitempty"`
	Action     string `json:"action,omitempty"`
}

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ReconcileOutcome is the terminal state of one notification.
type ReconcileOutcome string

const (
	OutcomeIgnored        ReconcileOutcome = "ignored"
	OutcomeDeleted        ReconcileOutcome = "deleted"
	OutcomeUpdated        ReconcileOutcome = "updated"
	OutcomeCreated        ReconcileOutcome = "created"
	OutcomeLinkedExisting ReconcileOutcome = "linked_existing"
)

type ReconcileResult struct {
	Outcome ReconcileOutcome `json:"action"`
	TaskID  string           `json:"taskId,omitempty"`
}

// ImportResult reports one bulk import run.
type ImportResult struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type BatchItemStatus string

const (
	BatchItemSynced  BatchItemStatus = "synced"
	BatchItemSkipped BatchItemStatus = "skipped"
	BatchItemFailed  BatchItemStatus = "failed"
)

type BatchItemResult struct {
	TaskID string          `json:"taskId"`
	Status BatchItemStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type BatchSyncResult struct {
	Items   []BatchItemResult `json:"items"`
	Synced  int               `json:"synced"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
}
