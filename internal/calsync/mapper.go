package calsync

import (
	"strings"
	"time"
)

const (
	eventStatusConfirmed = "confirmed"
	eventStatusCancelled = "cancelled"

	transparencyOpaque      = "opaque"
	transparencyTransparent = "transparent"

	defaultReminderMinutes = 30
	syntheticWindow        = time.Hour

	fallbackEventTitle = "Untitled Event"
)

// TaskToEvent converts a task to the provider's event shape. It is pure and
// total: malformed task data degrades to a best-effort event, never an error.
func TaskToEvent(task Task, loc *time.Location) RemoteEvent {
	if loc == nil {
		loc = time.Local
	}
	event := RemoteEvent{
		ID:           task.ExternalEventID,
		Summary:      task.Title,
		Description:  task.Description,
		Status:       eventStatusConfirmed,
		Transparency: transparencyOpaque,
	}

	dueDate, err := time.ParseInLocation(DateLayout, task.DueDate, loc)
	if err != nil {
		dueDate = time.Now().In(loc)
	}
	due := dueDate.Format(DateLayout)

	var eventStart time.Time
	switch {
	case task.AllDay:
		event.Start = EventDateTime{Date: due}
		event.End = EventDateTime{Date: due}
		eventStart = dueDate
	case task.StartTime != "":
		start := atTimeOfDay(dueDate, task.StartTime, loc)
		end := atTimeOfDay(dueDate, task.EndTime, loc)
		if task.EndTime == "" || !end.After(start) {
			end = start.Add(syntheticWindow)
		}
		event.Start = EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()}
		event.End = EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: loc.String()}
		eventStart = start
	default:
		// Due date without an explicit range: synthesize a 1-hour window.
		start := dueDate
		event.Start = EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()}
		event.End = EventDateTime{DateTime: start.Add(syntheticWindow).Format(time.RFC3339), TimeZone: loc.String()}
		eventStart = start
	}

	if task.ReminderAt != nil {
		minutes := int(eventStart.Sub(*task.ReminderAt).Minutes())
		if minutes <= 0 {
			minutes = defaultReminderMinutes
		}
		event.Reminders = &EventReminders{
			Overrides: []ReminderOverride{{Method: "popup", Minutes: minutes}},
		}
	}

	// Completed tasks stay on the calendar as cancelled, transparent events so
	// the correlation id survives.
	if task.Completed {
		event.Status = eventStatusCancelled
		event.Transparency = transparencyTransparent
	}
	return event
}

// EventToTaskPatch maps a remote event onto a task patch. Malformed or
// missing datetime values omit the affected fields rather than clearing
// previously valid local values.
func EventToTaskPatch(event RemoteEvent) TaskPatch {
	title := strings.TrimSpace(event.Summary)
	if title == "" {
		title = fallbackEventTitle
	}
	description := event.Description
	patch := TaskPatch{
		Title:       &title,
		Description: &description,
	}

	switch {
	case event.Start.IsDateOnly():
		if _, err := time.Parse(DateLayout, event.Start.Date); err == nil {
			due := event.Start.Date
			allDay := true
			empty := ""
			patch.DueDate = &due
			patch.AllDay = &allDay
			patch.StartTime = &empty
			patch.EndTime = &empty
		}
	case event.Start.DateTime != "":
		start, err := time.Parse(time.RFC3339, event.Start.DateTime)
		if err != nil {
			break
		}
		due := start.Format(DateLayout)
		allDay := false
		startTime := start.Format(TimeLayout)
		patch.DueDate = &due
		patch.AllDay = &allDay
		patch.StartTime = &startTime
		if end, endErr := time.Parse(time.RFC3339, event.End.DateTime); endErr == nil {
			endTime := end.Format(TimeLayout)
			patch.EndTime = &endTime
		}
	}
	return patch
}

// ApplyPatch copies the present patch fields onto the task and re-establishes
// the all-day invariant.
func ApplyPatch(task *Task, patch TaskPatch) {
	if task == nil {
		return
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.DueDate != nil {
		task.DueDate = *patch.DueDate
	}
	if patch.AllDay != nil {
		task.AllDay = *patch.AllDay
	}
	if patch.StartTime != nil {
		task.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		task.EndTime = *patch.EndTime
	}
	if task.AllDay {
		task.StartTime = ""
		task.EndTime = ""
	}
}

func atTimeOfDay(day time.Time, timeOfDay string, loc *time.Location) time.Time {
	parsed, err := time.Parse(TimeLayout, timeOfDay)
	if err != nil {
		return day
	}
	return time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
}
