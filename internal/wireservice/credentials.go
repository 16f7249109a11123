package wireservice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLabel       = "wbots"
	deviceClass        = "tablet"
	deviceType         = "permanent"
	registerPrekeys    = 100
	lastResortPrekeyID = 0xFFFF

	defaultMinRenewal = 10 * time.Second
)

// CredentialManager owns login, token renewal, cookie rotation and device
// registration for one identity.
type CredentialManager struct {
	svc   *Service
	store StateStore
	label string
	log   *zap.SugaredLogger

	// minInterval floors the renewal interval against a zero expires_in.
	minInterval time.Duration

	// onRenew, when set, observes every renewal attempt.
	onRenew func(c *Credential, err error)
}

// CredentialOption configures a CredentialManager.
type CredentialOption func(*CredentialManager)

// WithLabel sets the cookie and device label. Default "wbots".
func WithLabel(label string) CredentialOption {
	return func(m *CredentialManager) { m.label = label }
}

// WithRenewHook registers a function called after every renewal attempt.
func WithRenewHook(fn func(c *Credential, err error)) CredentialOption {
	return func(m *CredentialManager) { m.onRenew = fn }
}

// NewCredentialManager creates a CredentialManager.
func NewCredentialManager(svc *Service, st StateStore, log *zap.SugaredLogger, opts ...CredentialOption) *CredentialManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &CredentialManager{svc: svc, store: st, label: DefaultLabel, log: log, minInterval: defaultMinRenewal}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Login authenticates with email and password. 401 and 403 come back as
// *AuthError.
func (m *CredentialManager) Login(ctx context.Context, email, password string, persist bool) (*Credential, error) {
	c, err := m.svc.Login(ctx, email, password, m.label, persist)
	if err != nil {
		return nil, fmt.Errorf("wireservice: %w", err)
	}
	if c.Cookie == "" {
		m.log.Warnw("login response set no cookie", "user", c.User)
	}
	return c, nil
}

// Renew obtains a fresh access token. The returned credential carries the
// rotated cookie if the backend set one, or the cookie passed in otherwise;
// rotated reports which.
func (m *CredentialManager) Renew(ctx context.Context, cookie, token string) (c *Credential, rotated bool, err error) {
	if cookie == "" {
		return nil, false, fmt.Errorf("wireservice: renew: no cookie")
	}
	c, err = m.svc.Access(ctx, cookie, token)
	if err != nil {
		return nil, false, fmt.Errorf("wireservice: %w", err)
	}
	rotated = c.Cookie != "" && c.Cookie != cookie
	if c.Cookie == "" {
		c.Cookie = cookie
	}
	return c, rotated, nil
}

// Persist writes a credential to the store as two field updates. The cookie
// is only written when rotated.
func (m *CredentialManager) Persist(userID uuid.UUID, c *Credential, rotated bool) error {
	if err := m.store.SetCredential(userID, c.AccessToken, c.ExpiresIn); err != nil {
		return fmt.Errorf("wireservice: store credential: %w", err)
	}
	if rotated {
		if err := m.store.SetCookie(userID, c.Cookie); err != nil {
			return fmt.Errorf("wireservice: store cookie: %w", err)
		}
	}
	return nil
}

// RunRenewal renews the credential every time the current one expires,
// until stop is closed or ctx is done. A failed renewal is logged and
// retried after the same interval with the previous credential kept in
// place; it never ends the loop.
func (m *CredentialManager) RunRenewal(ctx context.Context, stop <-chan struct{}, userID uuid.UUID, initial *Credential) error {
	cur := *initial
	interval := max(cur.ExpiresIn, m.minInterval)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		c, rotated, err := m.Renew(ctx, cur.Cookie, cur.AccessToken)
		if err == nil {
			err = m.Persist(userID, c, rotated)
		}
		if m.onRenew != nil {
			m.onRenew(c, err)
		}
		if err != nil {
			m.log.Errorw("token renewal failed, keeping previous credential", "error", err, "retry_in", interval)
			timer.Reset(interval)
			continue
		}

		cur = *c
		interval = max(c.ExpiresIn, m.minInterval)
		m.log.Infow("token renewed", "expires_in", c.ExpiresIn, "cookie_rotated", rotated)
		timer.Reset(interval)
	}
}

// RegisterDevice registers this device unless a device id is already
// persisted, and returns the device id either way.
func (m *CredentialManager) RegisterDevice(ctx context.Context, userID uuid.UUID, token, password string, gen PrekeyGenerator) (string, error) {
	st, err := m.store.LoadState(userID)
	if err != nil {
		return "", fmt.Errorf("wireservice: register device: %w", err)
	}
	if st != nil && st.DeviceID != "" {
		return st.DeviceID, nil
	}
	if gen == nil {
		return "", errors.New("wireservice: register device: no prekey generator")
	}

	prekeys, err := gen.NewPrekeys(0, registerPrekeys)
	if err != nil {
		return "", fmt.Errorf("wireservice: generate prekeys: %w", err)
	}
	last, err := gen.NewLastPrekey()
	if err != nil {
		return "", fmt.Errorf("wireservice: generate last resort prekey: %w", err)
	}

	id, err := m.svc.RegisterClient(ctx, token, NewClient{
		LastKey:  last,
		Prekeys:  prekeys,
		Password: password,
		Class:    deviceClass,
		Type:     deviceType,
		Label:    m.label,
	})
	if err != nil {
		return "", fmt.Errorf("wireservice: %w", err)
	}
	if err := m.store.SetDeviceID(userID, id); err != nil {
		return "", fmt.Errorf("wireservice: store device id: %w", err)
	}
	m.log.Infow("device registered", "user", userID, "device", id)
	return id, nil
}

// Logout invalidates the cookie and clears the stored credential. It is
// best effort: failures are logged and returned but the local credential is
// cleared regardless.
func (m *CredentialManager) Logout(ctx context.Context, userID uuid.UUID, cookie, token string) error {
	err := m.svc.Logout(ctx, cookie, token)
	if err != nil {
		m.log.Warnw("logout failed", "error", err)
	}
	if cerr := m.store.ClearCredential(userID); cerr != nil {
		m.log.Warnw("clear credential failed", "error", cerr)
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("wireservice: logout: %w", err)
	}
	return nil
}

// RemoveCookies deletes every backend cookie carrying this manager's label.
func (m *CredentialManager) RemoveCookies(ctx context.Context, token, password string) error {
	if err := m.svc.RemoveCookies(ctx, token, password, m.label); err != nil {
		return fmt.Errorf("wireservice: %w", err)
	}
	return nil
}

// BackendConfiguration fetches the backend's domain and API versions.
func (m *CredentialManager) BackendConfiguration(ctx context.Context) (*BackendConfig, error) {
	cfg, err := m.svc.BackendConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("wireservice: %w", err)
	}
	return cfg, nil
}

// RefillPrekeys tops the device's prekeys back up to the registration batch
// size when fewer than min remain. It returns the number uploaded.
func (m *CredentialManager) RefillPrekeys(ctx context.Context, token, deviceID string, min int, gen PrekeyGenerator) (int, error) {
	ids, err := m.svc.RemainingPrekeys(ctx, token, deviceID)
	if err != nil {
		return 0, fmt.Errorf("wireservice: %w", err)
	}
	ids = slices.DeleteFunc(ids, func(id int) bool { return id == lastResortPrekeyID })
	if len(ids) >= min {
		return 0, nil
	}

	start := 0
	if len(ids) > 0 {
		start = slices.Max(ids) + 1
	}
	count := registerPrekeys - len(ids)
	if start+count >= lastResortPrekeyID {
		start = 0
	}
	prekeys, err := gen.NewPrekeys(start, count)
	if err != nil {
		return 0, fmt.Errorf("wireservice: generate prekeys: %w", err)
	}
	if err := m.svc.UploadPrekeys(ctx, token, deviceID, prekeys); err != nil {
		return 0, fmt.Errorf("wireservice: %w", err)
	}
	m.log.Infow("prekeys refilled", "device", deviceID, "remaining", len(ids), "uploaded", len(prekeys))
	return len(prekeys), nil
}
