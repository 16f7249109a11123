package wirews

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultMaxFailures       = 3
)

// PushConn wraps a Conn with a heartbeat goroutine. Unlike a reconnecting
// connection it stays dead once closed; the caller owns the reconnect policy.
type PushConn struct {
	conn   *Conn
	log    *zap.SugaredLogger
	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	heartbeatInterval time.Duration
	maxFailures       int
	pongCallback      func(rtt time.Duration)
	headers           http.Header

	mu     sync.Mutex
	pingAt time.Time
	pongAt time.Time
}

// errNoPong marks a heartbeat whose previous ping got no pong within one
// interval. A half-open connection still accepts writes, so the write
// result alone never fails.
var errNoPong = errors.New("wirews: no pong since last ping")

// Option configures a PushConn.
type Option func(*PushConn)

// WithHeartbeatInterval sets the interval between pings.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(pc *PushConn) { pc.heartbeatInterval = d }
}

// WithMaxHeartbeatFailures sets how many consecutive ping errors close the connection.
func WithMaxHeartbeatFailures(n int) Option {
	return func(pc *PushConn) { pc.maxFailures = n }
}

// WithPongCallback sets a function called for every pong with the round trip
// since the last ping.
func WithPongCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PushConn) { pc.pongCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PushConn) { pc.headers = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(pc *PushConn) { pc.log = l }
}

// DialPush dials the push channel and starts its heartbeat.
func DialPush(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PushConn, error) {
	pc := &PushConn{
		heartbeatInterval: defaultHeartbeatInterval,
		maxFailures:       defaultMaxFailures,
		log:               zap.NewNop().Sugar(),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(pc)
	}
	if pc.heartbeatInterval <= 0 {
		pc.heartbeatInterval = defaultHeartbeatInterval
	}
	if pc.maxFailures <= 0 {
		pc.maxFailures = defaultMaxFailures
	}

	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	hbCtx, cancel := context.WithCancel(context.Background())
	pc.cancel = cancel
	hb := &Heartbeat{
		Interval:    pc.heartbeatInterval,
		MaxFailures: pc.maxFailures,
		Ping:        pc.ping,
		OnFailure: func(n int, err error) {
			pc.log.Warnw("heartbeat failed", "consecutive", n, "error", err)
		},
		OnDead: func() {
			pc.log.Warnw("heartbeat dead, closing push channel", "failures", pc.maxFailures)
			pc.conn.CloseNow()
		},
	}
	go func() {
		defer close(pc.done)
		hb.Run(hbCtx)
	}()
	return pc, nil
}

func (pc *PushConn) ping(ctx context.Context) error {
	pc.mu.Lock()
	missed := !pc.pingAt.IsZero() && pc.pongAt.Before(pc.pingAt)
	pc.pingAt = time.Now()
	pc.mu.Unlock()
	if err := pc.conn.Ping(ctx); err != nil {
		return err
	}
	if missed {
		return errNoPong
	}
	return nil
}

// Read returns the next notification frame, consuming pongs.
func (pc *PushConn) Read(ctx context.Context) ([]byte, error) {
	for {
		data, isPong, err := pc.conn.ReadFrame(ctx)
		if err != nil {
			if pc.closed.Load() {
				return nil, fmt.Errorf("wirews: push channel closed")
			}
			return nil, err
		}
		if !isPong {
			return data, nil
		}
		pc.mu.Lock()
		sent := pc.pingAt
		pc.pongAt = time.Now()
		pc.mu.Unlock()
		if pc.pongCallback != nil && !sent.IsZero() {
			pc.pongCallback(time.Since(sent))
		}
	}
}

// Close stops the heartbeat and closes the connection. Idempotent.
func (pc *PushConn) Close() error {
	if pc.closed.Swap(true) {
		return nil
	}
	pc.cancel()
	<-pc.done
	return pc.conn.Close()
}
