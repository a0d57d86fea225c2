package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTasksTable       = "taskpilot_tasks"
	postgresCredentialsTable = "taskpilot_calendar_credentials"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists tasks and calendar credentials in Postgres. Schema
// bootstrap happens lazily on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					title TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					due_date TEXT NOT NULL DEFAULT '',
					start_time TEXT NOT NULL DEFAULT '',
					end_time TEXT NOT NULL DEFAULT '',
					all_day BOOLEAN NOT NULL DEFAULT FALSE,
					completed BOOLEAN NOT NULL DEFAULT FALSE,
					completed_at TIMESTAMPTZ,
					priority INTEGER NOT NULL DEFAULT 0,
					tags TEXT[] NOT NULL DEFAULT '{}',
					position BIGINT NOT NULL DEFAULT 0,
					reminder_at TIMESTAMPTZ,
					external_event_id TEXT NOT NULL DEFAULT '',
					sync_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					synced_with_calendar BOOLEAN NOT NULL DEFAULT FALSE,
					last_synced_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, id)
				)`, postgresTasksTable),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s_external_event_idx ON %s (external_event_id) WHERE external_event_id <> ''",
				postgresTasksTable, postgresTasksTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					user_id TEXT PRIMARY KEY,
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					expiry TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					scope TEXT NOT NULL DEFAULT '',
					calendar_id TEXT NOT NULL DEFAULT 'primary',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresCredentialsTable),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

const taskColumns = `id, user_id, title, description, due_date, start_time, end_time,
	all_day, completed, completed_at, priority, tags, position, reminder_at,
	external_event_id, sync_enabled, synced_with_calendar, last_synced_at,
	created_at, updated_at`

func (s *PostgresStore) scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var task Task
	var completedAt, reminderAt, lastSyncedAt sql.NullTime
	err := row.Scan(
		&task.ID, &task.UserID, &task.Title, &task.Description, &task.DueDate,
		&task.StartTime, &task.EndTime, &task.AllDay, &task.Completed, &completedAt,
		&task.Priority, pq.Array(&task.Tags), &task.Position, &reminderAt,
		&task.ExternalEventID, &task.SyncEnabled, &task.SyncedWithCalendar,
		&lastSyncedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if reminderAt.Valid {
		task.ReminderAt = &reminderAt.Time
	}
	if lastSyncedAt.Valid {
		task.LastSyncedAt = &lastSyncedAt.Time
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, userID, taskID string) (Task, error) {
	if err := s.ensureReady(); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 AND id = $2", taskColumns, postgresTasksTable)
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, userID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return task, nil
}

func (s *PostgresStore) UpsertTask(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.UserID) == "" {
		return fmt.Errorf("task id and user id are required: %w", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, title, description, due_date, start_time, end_time,
			all_day, completed, completed_at, priority, tags, position, reminder_at,
			external_event_id, sync_enabled, synced_with_calendar, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())
		ON CONFLICT (user_id, id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			due_date = EXCLUDED.due_date,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			all_day = EXCLUDED.all_day,
			completed = EXCLUDED.completed,
			completed_at = EXCLUDED.completed_at,
			priority = EXCLUDED.priority,
			tags = EXCLUDED.tags,
			position = EXCLUDED.position,
			reminder_at = EXCLUDED.reminder_at,
			external_event_id = EXCLUDED.external_event_id,
			sync_enabled = EXCLUDED.sync_enabled,
			synced_with_calendar = EXCLUDED.synced_with_calendar,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = NOW()`, postgresTasksTable)
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.UserID, task.Title, task.Description, task.DueDate,
		task.StartTime, task.EndTime, task.AllDay, task.Completed, task.CompletedAt,
		task.Priority, pq.Array(tags), task.Position, task.ReminderAt,
		task.ExternalEventID, task.SyncEnabled, task.SyncedWithCalendar, task.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *PostgresStore) FindByExternalEventID(ctx context.Context, userID, eventID string) (Task, error) {
	if eventID == "" {
		return Task{}, fmt.Errorf("event id is required: %w", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE user_id = $1 AND external_event_id = $2 ORDER BY position ASC LIMIT 1",
		taskColumns, postgresTasksTable)
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, userID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return task, nil
}

func (s *PostgresStore) FindTasksByExternalEventID(ctx context.Context, eventID string) ([]Task, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required: %w", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE external_event_id = $1 ORDER BY user_id ASC, id ASC",
		taskColumns, postgresTasksTable)
	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	defer rows.Close()
	tasks := make([]Task, 0, 1)
	for rows.Next() {
		task, scanErr := s.scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return tasks, nil
}

func (s *PostgresStore) FindUnlinkedMatch(ctx context.Context, userID, title, dueDate string) (Task, error) {
	if err := s.ensureReady(); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND external_event_id = '' AND title = $2 AND due_date = $3
		ORDER BY position ASC LIMIT 1`, taskColumns, postgresTasksTable)
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, userID, title, dueDate))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("no unlinked task %q on %s: %w", title, dueDate, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return task, nil
}

func (s *PostgresStore) ListDueInRange(ctx context.Context, userID, fromDate, toDate string) ([]Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND due_date <> '' AND due_date >= $2 AND due_date <= $3
		ORDER BY position ASC`, taskColumns, postgresTasksTable)
	rows, err := s.db.QueryContext(ctx, query, userID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	defer rows.Close()
	tasks := make([]Task, 0)
	for rows.Next() {
		task, scanErr := s.scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return tasks, nil
}

func (s *PostgresStore) NextPosition(ctx context.Context, userID string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COALESCE(MAX(position), 0) + 1 FROM %s WHERE user_id = $1", postgresTasksTable)
	var position int64
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&position); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return position, nil
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, cred CalendarCredential) error {
	if strings.TrimSpace(cred.UserID) == "" {
		return fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if cred.CalendarID == "" {
		cred.CalendarID = DefaultCalendarID
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	// An empty incoming refresh token keeps the stored one.
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, access_token, refresh_token, expiry, scope, calendar_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN %s.refresh_token ELSE EXCLUDED.refresh_token END,
			expiry = EXCLUDED.expiry,
			scope = EXCLUDED.scope,
			calendar_id = EXCLUDED.calendar_id,
			updated_at = NOW()`, postgresCredentialsTable, postgresCredentialsTable)
	_, err := s.db.ExecContext(ctx, query,
		cred.UserID, cred.AccessToken, cred.RefreshToken, cred.Expiry, cred.Scope, cred.CalendarID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, userID string) (CalendarCredential, error) {
	if err := s.ensureReady(); err != nil {
		return CalendarCredential{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"SELECT user_id, access_token, refresh_token, expiry, scope, calendar_id, updated_at FROM %s WHERE user_id = $1",
		postgresCredentialsTable)
	var cred CalendarCredential
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &cred.Expiry,
		&cred.Scope, &cred.CalendarID, &cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CalendarCredential{}, fmt.Errorf("credential for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return CalendarCredential{}, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return cred, nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, userID string) error {
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", postgresCredentialsTable)
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *PostgresStore) ListConnectedUserIDs(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT user_id FROM %s ORDER BY user_id ASC", postgresCredentialsTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var userID string
		if scanErr := rows.Scan(&userID); scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, scanErr)
		}
		ids = append(ids, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return ids, nil
}

func (s *PostgresStore) FindUserByCalendarID(ctx context.Context, calendarID string) (string, error) {
	if calendarID == "" {
		return "", fmt.Errorf("calendar id is required: %w", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT user_id FROM %s WHERE calendar_id = $1 ORDER BY user_id ASC LIMIT 2", postgresCredentialsTable)
	rows, err := s.db.QueryContext(ctx, query, calendarID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	defer rows.Close()
	ids := make([]string, 0, 2)
	for rows.Next() {
		var userID string
		if scanErr := rows.Scan(&userID); scanErr != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreFailure, scanErr)
		}
		ids = append(ids, userID)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("calendar %s matched %d users: %w", calendarID, len(ids), ErrNotFound)
	}
	return ids[0], nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
