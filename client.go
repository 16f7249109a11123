// Package wire is a session engine for the Wire messaging backend. A Client
// logs in, keeps its access token fresh, follows the notification stream and
// fans encrypted messages out to every device of a conversation.
package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/wire-go/internal/config"
	"github.com/gwillem/wire-go/internal/store"
	"github.com/gwillem/wire-go/internal/wireservice"
	"github.com/gwillem/wire-go/internal/wirews"
)

type (
	QualifiedID       = wireservice.QualifiedID
	DeviceAddress     = wireservice.DeviceAddress
	Prekey            = wireservice.Prekey
	Credential        = wireservice.Credential
	BackendConfig     = wireservice.BackendConfig
	SendResult        = wireservice.SendResult
	MissingSet        = wireservice.MissingSet
	State             = wireservice.State
	Crypto            = wireservice.Crypto
	PrekeyGenerator   = wireservice.PrekeyGenerator
	Handler           = wireservice.Handler
	HandlerFuncs      = wireservice.HandlerFuncs
	MembershipEvent   = wireservice.MembershipEvent
	ConnectionEvent   = wireservice.ConnectionEvent
	ConversationEvent = wireservice.ConversationEvent
	ExclusionMode     = wireservice.ExclusionMode
	AuthError         = wireservice.AuthError
	HTTPError         = wireservice.HTTPError
	MismatchError     = wireservice.MismatchError
	CryptoError       = wireservice.CryptoError
)

const (
	ExcludeWithBackoff = wireservice.ExcludeWithBackoff
	RetryAlways        = wireservice.RetryAlways
	ExcludeForever     = wireservice.ExcludeForever
)

const (
	StateInit         = wireservice.StateInit
	StateDrainBacklog = wireservice.StateDrainBacklog
	StateLive         = wireservice.StateLive
	StateReconnecting = wireservice.StateReconnecting
	StateStopped      = wireservice.StateStopped
)

var (
	// ErrNotStarted is returned by operations that need a logged in session.
	ErrNotStarted = errors.New("wire: client not logged in")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("wire: client stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("wire: client already started")
)

const (
	prekeyRefillThreshold = 20
	logoutTimeout         = 10 * time.Second
	userAgent             = "wire-go"
)

// Client is the main entry point. Create one with NewClient, then call
// Start (or Login for one-shot commands).
type Client struct {
	apiHost           string
	apiVersion        string
	wsHost            string
	tlsConfig         *tls.Config
	dbPath            string
	sealSecret        []byte
	crypto            Crypto
	prekeys           PrekeyGenerator
	handler           Handler
	logger            *zap.SugaredLogger
	label             string
	persist           bool
	heartbeat         time.Duration
	heartbeatFailures int
	pageSize          int
	reconnectDelay    time.Duration
	skipBacklog       bool
	catchUp           bool
	exclusion         ExclusionMode
	logoutOnStop      bool
	onState           func(State)

	service *wireservice.Service
	creds   *wireservice.CredentialManager

	mu       sync.Mutex
	store    *store.Store
	userID   uuid.UUID
	domain   string
	deviceID string
	cred     *Credential
	sender   *wireservice.Sender
	consumer *wireservice.Consumer
	group    *errgroup.Group
	starting bool

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithAPIHost overrides the REST API host, e.g. https://nginz-https.example.com.
func WithAPIHost(host string) Option {
	return func(c *Client) { c.apiHost = host }
}

// WithAPIVersion overrides the REST API version prefix (default v6).
func WithAPIVersion(v string) Option {
	return func(c *Client) { c.apiVersion = v }
}

// WithWSHost overrides the push channel host, e.g. wss://nginz-ssl.example.com.
func WithWSHost(host string) Option {
	return func(c *Client) { c.wsHost = host }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/wire-go/session.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithSealSecret encrypts the stored access token and cookie with a key
// derived from secret.
func WithSealSecret(secret []byte) Option {
	return func(c *Client) { c.sealSecret = secret }
}

// WithCrypto sets the session crypto engine. Required.
func WithCrypto(engine Crypto) Option {
	return func(c *Client) { c.crypto = engine }
}

// WithPrekeyGenerator sets the prekey source used for device registration
// and refill. If unset and the crypto engine implements PrekeyGenerator,
// the engine is used.
func WithPrekeyGenerator(gen PrekeyGenerator) Option {
	return func(c *Client) { c.prekeys = gen }
}

// WithHandler sets the application event handler.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithLabel sets the device and cookie label.
func WithLabel(label string) Option {
	return func(c *Client) { c.label = label }
}

// WithPersistentCookie asks the backend for a persistent cookie on login.
func WithPersistentCookie(persist bool) Option {
	return func(c *Client) { c.persist = persist }
}

// WithHeartbeat sets the ping interval and how many consecutive failed pings
// close the push channel.
func WithHeartbeat(interval time.Duration, failures int) Option {
	return func(c *Client) {
		c.heartbeat = interval
		c.heartbeatFailures = failures
	}
}

// WithPageSize sets the backlog page size.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithReconnectDelay sets the pause between push channel reconnects.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithSync controls whether the notification backlog is drained on start.
func WithSync(enabled bool) Option {
	return func(c *Client) { c.skipBacklog = !enabled }
}

// WithCatchUp drains missed notifications after every reconnect.
func WithCatchUp(catchUp bool) Option {
	return func(c *Client) { c.catchUp = catchUp }
}

// WithExclusionMode selects how devices without a usable prekey are treated.
func WithExclusionMode(m ExclusionMode) Option {
	return func(c *Client) { c.exclusion = m }
}

// WithLogoutOnStop logs out after the session stops.
func WithLogoutOnStop(logout bool) Option {
	return func(c *Client) { c.logoutOnStop = logout }
}

// WithStateCallback sets a function called on every consumer state change.
func WithStateCallback(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithConfig applies a loaded configuration file.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) {
		c.apiHost = cfg.APIHost
		c.apiVersion = cfg.APIVersion
		c.wsHost = cfg.WSHost
		c.dbPath = cfg.DB
		if cfg.SealSecret != "" {
			c.sealSecret = []byte(cfg.SealSecret)
		}
		c.skipBacklog = !cfg.Sync
		c.catchUp = cfg.CatchUp
		c.pageSize = cfg.PageSize
		c.heartbeat = cfg.Heartbeat
		c.heartbeatFailures = cfg.HeartbeatFailures
		c.reconnectDelay = cfg.ReconnectDelay
	}
}

// NewClient creates a new client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiHost:           config.DefaultAPIHost,
		apiVersion:        config.DefaultAPIVersion,
		wsHost:            config.DefaultWSHost,
		label:             wireservice.DefaultLabel,
		heartbeat:         config.DefaultHeartbeat,
		heartbeatFailures: config.DefaultHeartbeatFailures,
		pageSize:          config.DefaultPageSize,
		reconnectDelay:    config.DefaultReconnectDelay,
		stop:              make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	if c.prekeys == nil {
		if gen, ok := c.crypto.(PrekeyGenerator); ok {
			c.prekeys = gen
		}
	}
	c.service = wireservice.NewService(wireservice.ServiceConfig{
		APIHost:    c.apiHost,
		APIVersion: c.apiVersion,
		TLSConfig:  c.tlsConfig,
		Logger:     c.logger.With("source", "transport"),
	})
	return c
}

// BackendConfiguration returns the backend's domain and supported API
// versions. It needs no login.
func (c *Client) BackendConfiguration(ctx context.Context) (*BackendConfig, error) {
	return c.service.BackendConfiguration(ctx)
}

// Login authenticates, records the session and registers this device if
// no device id is stored yet. Start calls it; one-shot commands can call it
// directly.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if c.crypto == nil {
		return errors.New("wire: no crypto engine configured")
	}
	st, err := c.openStore()
	if err != nil {
		return err
	}
	creds := wireservice.NewCredentialManager(c.service, st, c.logger.With("source", "credentials"),
		wireservice.WithLabel(c.label))

	cred, err := creds.Login(ctx, email, password, c.persist)
	if err != nil {
		return fmt.Errorf("wire: login: %w", err)
	}
	backend, err := creds.BackendConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("wire: backend configuration: %w", err)
	}
	if err := st.EnsureState(cred.User, backend.Domain); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if err := creds.Persist(cred.User, cred, cred.Cookie != ""); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if cred.Cookie == "" {
		// Keep a cookie from an earlier session so renewal can still work.
		if prev, err := st.LoadState(cred.User); err == nil && prev != nil {
			cred.Cookie = prev.Cookie
		}
	}

	deviceID, err := creds.RegisterDevice(ctx, cred.User, cred.AccessToken, password, c.prekeys)
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if c.prekeys != nil {
		if _, err := creds.RefillPrekeys(ctx, cred.AccessToken, deviceID, prekeyRefillThreshold, c.prekeys); err != nil {
			c.logger.Warnw("prekey refill failed", "error", err)
		}
	}

	tokens := wireservice.StoreTokens(st, cred.User)
	policy := wireservice.NewExclusionPolicy(c.exclusion, st, c.logger.With("source", "exclusion"))
	resolver := wireservice.NewPrekeyResolver(c.service, tokens, c.crypto, policy, c.logger.With("source", "prekeys"))
	sender, err := wireservice.NewSender(c.service, tokens, c.crypto, resolver, deviceID, c.logger.With("source", "sender"))
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	c.userID = cred.User
	c.domain = backend.Domain
	c.deviceID = deviceID
	c.cred = cred
	c.sender = sender
	c.logger.Infow("session ready", "user", cred.User, "domain", backend.Domain, "device", deviceID)
	return nil
}

// Start logs in and runs the event consumer and token renewal in the
// background until Stop or ctx is done. Use Wait to block until they end.
func (c *Client) Start(ctx context.Context, email, password string) error {
	c.mu.Lock()
	switch {
	case c.stopped():
		c.mu.Unlock()
		return ErrStopped
	case c.starting || c.group != nil:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()

	err := c.Login(ctx, email, password)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if err != nil {
		return err
	}
	if c.stopped() {
		return ErrStopped
	}

	handler := c.handler
	if handler == nil {
		handler = HandlerFuncs{}
	}
	c.consumer = wireservice.NewConsumer(wireservice.ConsumerConfig{
		UserID:         c.userID,
		Store:          c.store,
		Service:        c.service,
		Crypto:         c.crypto,
		Handler:        handler,
		Dial:           c.dial,
		PageSize:       c.pageSize,
		ReconnectDelay: c.reconnectDelay,
		SkipBacklog:    c.skipBacklog,
		CatchUp:        c.catchUp,
		Logger:         c.logger.With("source", "consumer"),
		OnState:        c.onState,
	})

	g, gctx := errgroup.WithContext(ctx)
	consumer, creds, userID, cred := c.consumer, c.creds, c.userID, c.cred
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return creds.RunRenewal(gctx, c.stop, userID, cred)
	})
	c.group = g
	return nil
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// dial opens the push channel for the consumer.
func (c *Client) dial(ctx context.Context, clientID, token string) (wireservice.PushChannel, error) {
	pc, err := wirews.DialPush(ctx, wirews.AwaitURL(c.wsHost, clientID, token), c.tlsConfig,
		wirews.WithHeartbeatInterval(c.heartbeat),
		wirews.WithMaxHeartbeatFailures(c.heartbeatFailures),
		wirews.WithLogger(c.logger.With("source", "push")),
		wirews.WithHeaders(http.Header{"User-Agent": {userAgent}}),
	)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// Stop ends the session: the consumer stops reconnecting, the renewal timer
// stops and the push channel closes. Requests in flight complete. Safe to
// call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()
	if consumer != nil {
		consumer.Stop()
	}
}

// Wait blocks until the background work started by Start ends, then logs
// out if configured and closes the store.
func (c *Client) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()

	var err error
	if g != nil {
		err = g.Wait()
	}
	if c.logoutOnStop {
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if lerr := c.Logout(ctx); lerr != nil {
			c.logger.Warnw("logout on stop failed", "error", lerr)
		}
	}
	return errors.Join(err, c.Close())
}

// Logout invalidates the session cookie and clears the stored credential.
// The device id and cursor are kept.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	creds, st, userID := c.creds, c.store, c.userID
	c.mu.Unlock()
	if creds == nil {
		return ErrNotStarted
	}
	s, err := st.LoadState(userID)
	if err != nil {
		return fmt.Errorf("wire: logout: %w", err)
	}
	if s == nil {
		return ErrNotStarted
	}
	return creds.Logout(ctx, userID, s.Cookie, s.AccessToken)
}

// RemoveCookies deletes every backend cookie carrying this client's label,
// the current session's included, and clears the stored credential. Other
// sessions of the same bot are logged out with it.
func (c *Client) RemoveCookies(ctx context.Context, password string) error {
	c.mu.Lock()
	creds, st, userID := c.creds, c.store, c.userID
	c.mu.Unlock()
	if creds == nil {
		return ErrNotStarted
	}
	s, err := st.LoadState(userID)
	if err != nil {
		return fmt.Errorf("wire: remove cookies: %w", err)
	}
	if s == nil || s.AccessToken == "" {
		return ErrNotStarted
	}
	if err := creds.RemoveCookies(ctx, s.AccessToken, password); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	if err := st.ClearCredential(userID); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	return nil
}

// Close closes the store. Wait calls it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

// Send encrypts plaintext for devices and posts it once. With ignoreMissing
// the backend accepts the message even if devices are missing.
func (c *Client) Send(ctx context.Context, conv QualifiedID, plaintext []byte, devices []DeviceAddress, ignoreMissing bool) (*SendResult, error) {
	s, err := c.getSender()
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, conv, plaintext, devices, ignoreMissing)
}

// Deliver sends plaintext to devices and, if the backend reports missing
// devices, opens sessions for them and sends once more to just those users.
func (c *Client) Deliver(ctx context.Context, conv QualifiedID, plaintext []byte, devices []DeviceAddress) (*SendResult, error) {
	s, err := c.getSender()
	if err != nil {
		return nil, err
	}
	return s.Deliver(ctx, conv, plaintext, devices)
}

func (c *Client) getSender() (*wireservice.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender == nil {
		return nil, ErrNotStarted
	}
	return c.sender, nil
}

// openStore opens the database on first use.
func (c *Client) openStore() (*store.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}
	var opts []store.Option
	if len(c.sealSecret) > 0 {
		opts = append(opts, store.WithSealSecret(c.sealSecret))
	}
	st, err := store.Open(c.dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	c.store = st
	return st, nil
}

// UserID returns the logged in user id.
func (c *Client) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Domain returns the backend domain learned at login.
func (c *Client) Domain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domain
}

// DeviceID returns this device's id.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// State returns the event consumer's state, or StateInit before Start.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer == nil {
		return StateInit
	}
	return c.consumer.State()
}
