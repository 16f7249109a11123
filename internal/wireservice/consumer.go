package wireservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gwillem/wire-go/internal/store"
)

// State is a consumer lifecycle state.
type State int32

const (
	StateInit State = iota
	StateDrainBacklog
	StateLive
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDrainBacklog:
		return "DRAIN_BACKLOG"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultPageSize       = 100
	DefaultReconnectDelay = 5 * time.Second
)

// PushChannel is a live notification connection. Read returns the next
// notification frame; heartbeats are handled inside the channel.
type PushChannel interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a push channel for a device with the given access token.
type DialFunc func(ctx context.Context, clientID, token string) (PushChannel, error)

var errStopped = errors.New("consumer stopped")

// ConsumerConfig holds configuration for creating a Consumer.
type ConsumerConfig struct {
	UserID  uuid.UUID
	Store   StateStore
	Service *Service
	Crypto  Crypto
	Handler Handler
	Dial    DialFunc

	PageSize       int           // default 100
	ReconnectDelay time.Duration // default 5s
	// SkipBacklog goes straight to LIVE on start.
	SkipBacklog bool
	// CatchUp drains the backlog again after every reconnect.
	CatchUp bool

	Logger *zap.SugaredLogger
	// OnState, when set, is called on every state transition.
	OnState func(State)
}

// Consumer drains the notification backlog, then follows the push channel,
// reconnecting until Stop. The cursor is persisted after each notification
// is handled, so a restart replays at most the one in flight.
type Consumer struct {
	cfg    ConsumerConfig
	log    *zap.SugaredLogger
	tokens TokenSource
	disp   *dispatcher

	state atomic.Int32

	mu       sync.Mutex
	cursor   uuid.UUID
	deviceID string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Consumer{
		cfg:    cfg,
		log:    log,
		tokens: StoreTokens(cfg.Store, cfg.UserID),
		stop:   make(chan struct{}),
	}
	c.disp = &dispatcher{handler: cfg.Handler, crypto: cfg.Crypto, deviceID: c.device, log: log}
	return c
}

// State returns the current state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Cursor returns the id of the last handled notification.
func (c *Consumer) Cursor() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Consumer) device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.log.Debugw("consumer state", "state", s)
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// Stop ends the consumer: no further reconnects, and the push channel is
// closed. Requests already in flight complete. Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Consumer) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// sleep waits d, returning false if Stop or ctx ended the wait.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run executes the state machine until Stop or ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	c.setState(StateInit)
	st, err := c.cfg.Store.LoadState(c.cfg.UserID)
	if err != nil {
		return fmt.Errorf("wireservice: load state: %w", err)
	}
	if st == nil {
		return fmt.Errorf("wireservice: no session state for %s", c.cfg.UserID)
	}
	c.mu.Lock()
	c.cursor = st.Cursor
	c.deviceID = st.DeviceID
	c.mu.Unlock()

	if !c.cfg.SkipBacklog {
		if err := c.drain(ctx); err != nil {
			return c.exit(ctx, err)
		}
	}

	for {
		if c.stopped() || ctx.Err() != nil {
			return c.exit(ctx, errStopped)
		}
		c.setState(StateLive)
		err := c.live(ctx)
		if c.stopped() || ctx.Err() != nil {
			return c.exit(ctx, errStopped)
		}
		c.log.Warnw("push channel closed, reconnecting", "error", err, "delay", c.cfg.ReconnectDelay)

		c.setState(StateReconnecting)
		if !c.sleep(ctx, c.cfg.ReconnectDelay) {
			return c.exit(ctx, errStopped)
		}
		if c.cfg.CatchUp {
			if err := c.drain(ctx); err != nil {
				return c.exit(ctx, err)
			}
		}
	}
}

// exit maps a terminal error to Run's result: a requested stop is not an error.
func (c *Consumer) exit(ctx context.Context, err error) error {
	if errors.Is(err, errStopped) || c.stopped() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// drain pages through the backlog until a short page. Fetch errors are
// retried after the reconnect delay.
func (c *Consumer) drain(ctx context.Context) error {
	c.setState(StateDrainBacklog)
	for {
		if c.stopped() {
			return errStopped
		}
		page, err := c.fetchPage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warnw("notification fetch failed", "error", err, "retry_in", c.cfg.ReconnectDelay)
			if !c.sleep(ctx, c.cfg.ReconnectDelay) {
				return errStopped
			}
			continue
		}
		for i := range page.Notifications {
			if c.stopped() {
				return errStopped
			}
			if err := c.handle(ctx, &page.Notifications[i]); err != nil {
				return err
			}
		}
		if len(page.Notifications) < c.cfg.PageSize {
			c.log.Debugw("backlog drained", "cursor", c.Cursor(), "has_more", page.HasMore)
			return nil
		}
	}
}

func (c *Consumer) fetchPage(ctx context.Context) (*NotificationList, error) {
	token, err := c.tokens()
	if err != nil {
		return nil, err
	}
	return c.cfg.Service.Notifications(ctx, token, c.device(), c.Cursor(), c.cfg.PageSize)
}

// live dials the push channel and handles frames until it fails.
func (c *Consumer) live(ctx context.Context) error {
	token, err := c.tokens()
	if err != nil {
		return err
	}
	ch, err := c.cfg.Dial(ctx, c.device(), token)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.stop:
			ch.Close()
		case <-done:
		}
	}()
	defer ch.Close()

	for {
		data, err := ch.Read(ctx)
		if err != nil {
			return err
		}
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			c.log.Warnw("undecodable push frame", "error", err, "size", len(data))
			continue
		}
		if err := c.handle(ctx, &n); err != nil {
			return err
		}
	}
}

// handle dispatches one notification and then advances the cursor. If ctx
// ends during handling the cursor is left alone so the notification is
// replayed.
func (c *Consumer) handle(ctx context.Context, n *Notification) error {
	c.disp.dispatch(ctx, n)
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		return nil
	}

	err := c.cfg.Store.SetCursor(c.cfg.UserID, n.ID)
	switch {
	case errors.Is(err, store.ErrCursorBehind):
		c.log.Warnw("ignoring out of order notification cursor", "notification", n.ID)
		return nil
	case err != nil:
		// The event is handled; losing the cursor write only means a replay.
		c.log.Errorw("persist cursor failed", "notification", n.ID, "error", err)
	}
	c.mu.Lock()
	c.cursor = n.ID
	c.mu.Unlock()
	return nil
}
