package wireservice

import (
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/store"
)

// Crypto is the per-device session engine. The engine owns all session
// state; this package only asks it to open, encrypt and decrypt.
type Crypto interface {
	OpenSession(device DeviceAddress, prekey Prekey) error
	Encrypt(device DeviceAddress, plaintext []byte) ([]byte, error)
	Decrypt(device DeviceAddress, ciphertext []byte) ([]byte, error)
}

// PrekeyGenerator creates prekeys for this device during registration and refill.
type PrekeyGenerator interface {
	NewPrekeys(start, count int) ([]Prekey, error)
	NewLastPrekey() (Prekey, error)
}

// StateStore is the session-record interface used by the credential manager
// and the event consumer. Every write touches one field.
type StateStore interface {
	LoadState(userID uuid.UUID) (*store.SessionState, error)
	SetDeviceID(userID uuid.UUID, deviceID string) error
	SetCredential(userID uuid.UUID, token string, expiresIn time.Duration) error
	SetCookie(userID uuid.UUID, cookie string) error
	SetCursor(userID uuid.UUID, cursor uuid.UUID) error
	ClearCredential(userID uuid.UUID) error
}

// ExclusionStore persists stale-device exclusions.
type ExclusionStore interface {
	GetExcludedDevice(domain, userID, deviceID string) (*store.ExcludedDevice, error)
	ExcludeDevice(domain, userID, deviceID string, retryAfter func(failures int) time.Time) (*store.ExcludedDevice, error)
	ClearExcludedDevice(domain, userID, deviceID string) error
}

// TokenSource yields the current access token. Read at call time so a
// renewal between calls is picked up.
type TokenSource func() (string, error)

// StoreTokens reads the access token from the persisted record.
func StoreTokens(st StateStore, userID uuid.UUID) TokenSource {
	return func() (string, error) {
		s, err := st.LoadState(userID)
		if err != nil {
			return "", err
		}
		if s == nil || s.AccessToken == "" {
			return "", &AuthError{Status: 401, Body: []byte("no access token stored")}
		}
		return s.AccessToken, nil
	}
}

var (
	_ StateStore     = (*store.Store)(nil)
	_ ExclusionStore = (*store.Store)(nil)
)
