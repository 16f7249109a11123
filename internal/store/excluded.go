package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExcludedDevice is a recipient device that could not be given a session
// (no prekey available, or the crypto engine rejected it).
type ExcludedDevice struct {
	Domain     string
	UserID     string
	DeviceID   string
	Failures   int
	RetryAfter time.Time
}

type excludedRow struct {
	Domain     string `db:"domain"`
	UserID     string `db:"user_id"`
	DeviceID   string `db:"device_id"`
	Failures   int    `db:"failures"`
	RetryAfter int64  `db:"retry_after"`
}

func (r excludedRow) device() *ExcludedDevice {
	return &ExcludedDevice{
		Domain:     r.Domain,
		UserID:     r.UserID,
		DeviceID:   r.DeviceID,
		Failures:   r.Failures,
		RetryAfter: time.UnixMilli(r.RetryAfter),
	}
}

// GetExcludedDevice returns the exclusion record for a device, or nil if the
// device is not excluded.
func (s *Store) GetExcludedDevice(domain, userID, deviceID string) (*ExcludedDevice, error) {
	var row excludedRow
	err := s.db.Get(&row,
		"SELECT * FROM excluded_device WHERE domain = ? AND user_id = ? AND device_id = ?",
		domain, userID, deviceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get excluded device: %w", err)
	}
	return row.device(), nil
}

// ExcludedDevices returns every excluded device, ordered by domain, user and device.
func (s *Store) ExcludedDevices() ([]*ExcludedDevice, error) {
	var rows []excludedRow
	if err := s.db.Select(&rows, "SELECT * FROM excluded_device ORDER BY domain, user_id, device_id"); err != nil {
		return nil, fmt.Errorf("store: list excluded devices: %w", err)
	}
	devices := make([]*ExcludedDevice, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, r.device())
	}
	return devices, nil
}

// ExcludeDevice records one more failure for a device. retryAfter receives the
// updated failure count and returns when the device may be tried again.
func (s *Store) ExcludeDevice(domain, userID, deviceID string, retryAfter func(failures int) time.Time) (*ExcludedDevice, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var failures int
	err = tx.Get(&failures,
		"SELECT failures FROM excluded_device WHERE domain = ? AND user_id = ? AND device_id = ?",
		domain, userID, deviceID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: read failures: %w", err)
	}
	failures++
	until := retryAfter(failures)

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO excluded_device (domain, user_id, device_id, failures, retry_after) VALUES (?, ?, ?, ?, ?)",
		domain, userID, deviceID, failures, until.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("store: exclude device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &ExcludedDevice{Domain: domain, UserID: userID, DeviceID: deviceID, Failures: failures, RetryAfter: until}, nil
}

// ClearExcludedDevice removes a device from the exclusion list. Idempotent.
func (s *Store) ClearExcludedDevice(domain, userID, deviceID string) error {
	_, err := s.db.Exec(
		"DELETE FROM excluded_device WHERE domain = ? AND user_id = ? AND device_id = ?",
		domain, userID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: clear excluded device: %w", err)
	}
	return nil
}
