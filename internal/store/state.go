package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrCursorBehind is returned by SetCursor when the new cursor is older than
// the stored one.
var ErrCursorBehind = errors.New("store: cursor would move backwards")

// SessionState is the persisted record for one identity.
type SessionState struct {
	UserID      uuid.UUID
	Domain      string
	DeviceID    string // empty until the device is registered
	AccessToken string
	ExpiresIn   time.Duration
	Cookie      string
	Cursor      uuid.UUID // uuid.Nil means "from the beginning"
	Version     int64
	UpdatedAt   time.Time
}

type stateRow struct {
	UserID      string `db:"user_id"`
	Domain      string `db:"domain"`
	DeviceID    string `db:"device_id"`
	AccessToken []byte `db:"access_token"`
	ExpiresIn   int64  `db:"expires_in"`
	Cookie      []byte `db:"cookie"`
	Cursor      string `db:"cursor"`
	Version     int64  `db:"version"`
	UpdatedAt   int64  `db:"updated_at"`
}

// EnsureState creates the record for userID if it does not exist yet.
// An existing record keeps all its fields; only an empty domain is filled in.
func (s *Store) EnsureState(userID uuid.UUID, domain string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_state (user_id, domain, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET domain = excluded.domain
		WHERE session_state.domain = '' AND excluded.domain != ''`,
		userID.String(), domain, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: ensure state: %w", err)
	}
	return nil
}

// LoadState returns the record for userID, or nil, nil if none exists.
func (s *Store) LoadState(userID uuid.UUID) (*SessionState, error) {
	var row stateRow
	err := s.db.Get(&row, "SELECT * FROM session_state WHERE user_id = ?", userID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}

	st := &SessionState{
		UserID:    userID,
		Domain:    row.Domain,
		DeviceID:  row.DeviceID,
		ExpiresIn: time.Duration(row.ExpiresIn) * time.Second,
		Version:   row.Version,
		UpdatedAt: time.UnixMilli(row.UpdatedAt),
	}
	if st.AccessToken, err = s.decodeSecret("access_token", row.AccessToken); err != nil {
		return nil, err
	}
	if st.Cookie, err = s.decodeSecret("cookie", row.Cookie); err != nil {
		return nil, err
	}
	if row.Cursor != "" {
		if st.Cursor, err = uuid.Parse(row.Cursor); err != nil {
			return nil, fmt.Errorf("store: parse cursor %q: %w", row.Cursor, err)
		}
	}
	return st, nil
}

// SetDeviceID records the registered device id.
func (s *Store) SetDeviceID(userID uuid.UUID, deviceID string) error {
	return s.updateField(userID, "device_id", deviceID)
}

// SetCredential replaces the access token and its lifetime. The cookie is
// left untouched.
func (s *Store) SetCredential(userID uuid.UUID, token string, expiresIn time.Duration) error {
	enc, err := s.encodeSecret("access_token", token)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		"UPDATE session_state SET access_token = ?, expires_in = ?, version = version + 1, updated_at = ? WHERE user_id = ?",
		enc, int64(expiresIn/time.Second), time.Now().UnixMilli(), userID.String(),
	)
	return checkUpdated(res, err, "credential")
}

// SetCookie replaces the session cookie.
func (s *Store) SetCookie(userID uuid.UUID, cookie string) error {
	enc, err := s.encodeSecret("cookie", cookie)
	if err != nil {
		return err
	}
	return s.updateField(userID, "cookie", enc)
}

// SetCursor advances the event cursor. When both the stored and the new
// cursor are time-based (version 1) UUIDs, a cursor older than the stored one
// is rejected with ErrCursorBehind. Other UUID versions are opaque and are
// accepted as-is.
func (s *Store) SetCursor(userID uuid.UUID, cursor uuid.UUID) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.Get(&current, "SELECT cursor FROM session_state WHERE user_id = ?", userID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoState
	}
	if err != nil {
		return fmt.Errorf("store: read cursor: %w", err)
	}
	if current != "" {
		if prev, err := uuid.Parse(current); err == nil && cursorBefore(cursor, prev) {
			return fmt.Errorf("%w: %s < %s", ErrCursorBehind, cursor, prev)
		}
	}

	if _, err := tx.Exec(
		"UPDATE session_state SET cursor = ?, version = version + 1, updated_at = ? WHERE user_id = ?",
		cursor.String(), time.Now().UnixMilli(), userID.String(),
	); err != nil {
		return fmt.Errorf("store: update cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ClearCredential drops the access token and cookie, keeping device id and
// cursor so a later login resumes the same device and stream position.
func (s *Store) ClearCredential(userID uuid.UUID) error {
	res, err := s.db.Exec(
		"UPDATE session_state SET access_token = NULL, cookie = NULL, expires_in = 0, version = version + 1, updated_at = ? WHERE user_id = ?",
		time.Now().UnixMilli(), userID.String(),
	)
	return checkUpdated(res, err, "clear credential")
}

// updateField sets a single column. column is never caller-supplied.
func (s *Store) updateField(userID uuid.UUID, column string, value any) error {
	res, err := s.db.Exec(
		"UPDATE session_state SET "+column+" = ?, version = version + 1, updated_at = ? WHERE user_id = ?",
		value, time.Now().UnixMilli(), userID.String(),
	)
	return checkUpdated(res, err, column)
}

func checkUpdated(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("store: update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update %s: %w", what, err)
	}
	if n == 0 {
		return ErrNoState
	}
	return nil
}

func cursorBefore(next, prev uuid.UUID) bool {
	if next.Version() != 1 || prev.Version() != 1 {
		return false
	}
	return next.Time() < prev.Time()
}
