package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `id, name, server_url, username, secret, bearer_token, local_only,
	sync_interval, enabled, created_at, updated_at`

// CreateAccount creates a new account.
func (q *Queries) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.SyncInterval <= 0 {
		account.SyncInterval = 300
	}
	account.CreatedAt = q.now()
	account.UpdatedAt = account.CreatedAt

	query := `INSERT INTO accounts (` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		account.ID, account.Name, account.ServerURL, account.Username, account.Secret,
		account.BearerToken, boolToInt(account.LocalOnly), account.SyncInterval,
		boolToInt(account.Enabled), toMillis(account.CreatedAt), toMillis(account.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID.
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns all accounts, optionally only enabled ones.
func (q *Queries) ListAccounts(ctx context.Context, enabledOnly bool) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// UpdateAccount updates an existing account.
func (q *Queries) UpdateAccount(ctx context.Context, account *Account) error {
	account.UpdatedAt = q.now()
	query := `UPDATE accounts SET name = ?, server_url = ?, username = ?, secret = ?, bearer_token = ?,
		local_only = ?, sync_interval = ?, enabled = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query,
		account.Name, account.ServerURL, account.Username, account.Secret, account.BearerToken,
		boolToInt(account.LocalOnly), account.SyncInterval, boolToInt(account.Enabled),
		toMillis(account.UpdatedAt), account.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return requireAffected(result)
}

// DeleteAccount deletes an account and, by cascade, its calendars.
func (q *Queries) DeleteAccount(ctx context.Context, id string) error {
	result, err := q.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return requireAffected(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var localOnly, enabled int
	var created, updated int64
	err := s.Scan(&a.ID, &a.Name, &a.ServerURL, &a.Username, &a.Secret, &a.BearerToken,
		&localOnly, &a.SyncInterval, &enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.LocalOnly = localOnly == 1
	a.Enabled = enabled == 1
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

const calendarColumns = `id, account_id, href, name, color, ctag, sync_token, read_only, local_only,
	needs_full_resync, last_sync_at, last_sync_status, last_sync_message, created_at, updated_at`

// CreateCalendar creates a calendar under an account.
func (q *Queries) CreateCalendar(ctx context.Context, cal *Calendar) error {
	cal.CreatedAt = q.now()
	cal.UpdatedAt = cal.CreatedAt
	query := `INSERT INTO calendars (account_id, href, name, color, ctag, sync_token, read_only, local_only,
		needs_full_resync, last_sync_status, last_sync_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.q.ExecContext(ctx, query,
		cal.AccountID, cal.Href, cal.Name, cal.Color, cal.CTag, cal.SyncToken,
		boolToInt(cal.ReadOnly), boolToInt(cal.LocalOnly), boolToInt(cal.NeedsFullResync),
		string(cal.LastSyncStatus), cal.LastSyncMessage, toMillis(cal.CreatedAt), toMillis(cal.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create calendar: %w", err)
	}
	cal.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read calendar id: %w", err)
	}
	return nil
}

// GetCalendar returns a calendar by ID.
func (q *Queries) GetCalendar(ctx context.Context, id int64) (*Calendar, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	cal, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar: %w", err)
	}
	return cal, nil
}

// GetCalendarByHref returns the calendar of an account mirroring href.
func (q *Queries) GetCalendarByHref(ctx context.Context, accountID, href string) (*Calendar, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? AND href = ?`, accountID, href)
	cal, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar by href: %w", err)
	}
	return cal, nil
}

// ListCalendars returns calendars of one account, or all when accountID is empty.
func (q *Queries) ListCalendars(ctx context.Context, accountID string) ([]*Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var cals []*Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		cals = append(cals, cal)
	}
	return cals, rows.Err()
}

// UpdateCalendarMeta updates the descriptive fields learned during discovery.
func (q *Queries) UpdateCalendarMeta(ctx context.Context, cal *Calendar) error {
	cal.UpdatedAt = q.now()
	result, err := q.q.ExecContext(ctx,
		`UPDATE calendars SET name = ?, color = ?, read_only = ?, updated_at = ? WHERE id = ?`,
		cal.Name, cal.Color, boolToInt(cal.ReadOnly), toMillis(cal.UpdatedAt), cal.ID)
	if err != nil {
		return fmt.Errorf("failed to update calendar: %w", err)
	}
	return requireAffected(result)
}

// UpdateCalendarSyncState stores the collection tag and sync token after a
// fully applied pull and clears the full-resync flag.
func (q *Queries) UpdateCalendarSyncState(ctx context.Context, id int64, ctag, syncToken string) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE calendars SET ctag = ?, sync_token = ?, needs_full_resync = 0, updated_at = ? WHERE id = ?`,
		ctag, syncToken, toMillis(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update calendar sync state: %w", err)
	}
	return requireAffected(result)
}

// MarkCalendarNeedsResync forces the next pull to ignore the collection tag.
func (q *Queries) MarkCalendarNeedsResync(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE calendars SET needs_full_resync = 1, updated_at = ? WHERE id = ?`, toMillis(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to flag calendar for resync: %w", err)
	}
	return nil
}

// UpdateCalendarSyncStatus records the outcome of the last sync cycle.
func (q *Queries) UpdateCalendarSyncStatus(ctx context.Context, id int64, status SyncLogStatus, message string) error {
	now := q.now()
	result, err := q.q.ExecContext(ctx,
		`UPDATE calendars SET last_sync_at = ?, last_sync_status = ?, last_sync_message = ?, updated_at = ? WHERE id = ?`,
		toMillis(now), string(status), message, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to update calendar sync status: %w", err)
	}
	return requireAffected(result)
}

// DeleteCalendar deletes a calendar and everything it contains.
func (q *Queries) DeleteCalendar(ctx context.Context, id int64) error {
	result, err := q.q.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete calendar: %w", err)
	}
	return requireAffected(result)
}

func scanCalendar(s scanner) (*Calendar, error) {
	c := &Calendar{}
	var readOnly, localOnly, resync int
	var lastSync sql.NullInt64
	var status string
	var created, updated int64
	err := s.Scan(&c.ID, &c.AccountID, &c.Href, &c.Name, &c.Color, &c.CTag, &c.SyncToken,
		&readOnly, &localOnly, &resync, &lastSync, &status, &c.LastSyncMessage, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.ReadOnly = readOnly == 1
	c.LocalOnly = localOnly == 1
	c.NeedsFullResync = resync == 1
	c.LastSyncAt = fromNullMillis(lastSync)
	c.LastSyncStatus = SyncLogStatus(status)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// CreateSyncLog creates a new sync log entry.
func (q *Queries) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	log.CreatedAt = q.now()
	query := `INSERT INTO sync_logs (calendar_id, status, message, details, added, updated, deleted,
		conflicts, pushed, failed, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.q.ExecContext(ctx, query,
		log.CalendarID, string(log.Status), log.Message, log.Details, log.Added, log.Updated,
		log.Deleted, log.Conflicts, log.Pushed, log.Failed, log.Duration.Milliseconds(),
		toMillis(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	log.ID, _ = result.LastInsertId()
	return nil
}

// GetSyncLogs returns the most recent sync logs for a calendar.
func (q *Queries) GetSyncLogs(ctx context.Context, calendarID int64, limit int) ([]*SyncLog, error) {
	query := `SELECT id, calendar_id, status, message, details, added, updated, deleted, conflicts,
		pushed, failed, duration_ms, created_at FROM sync_logs WHERE calendar_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := q.q.QueryContext(ctx, query, calendarID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		l := &SyncLog{}
		var status string
		var durationMs, created int64
		if err := rows.Scan(&l.ID, &l.CalendarID, &status, &l.Message, &l.Details, &l.Added,
			&l.Updated, &l.Deleted, &l.Conflicts, &l.Pushed, &l.Failed, &durationMs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.Status = SyncLogStatus(status)
		l.Duration = time.Duration(durationMs) * time.Millisecond
		l.CreatedAt = fromMillis(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CleanOldSyncLogs removes sync logs older than the specified time.
func (q *Queries) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx, `DELETE FROM sync_logs WHERE created_at < ?`, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}
	return result.RowsAffected()
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
