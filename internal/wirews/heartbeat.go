package wirews

import (
	"context"
	"time"
)

// Heartbeat sends a ping on a fixed interval, independent of inbound
// traffic. After MaxFailures consecutive ping errors it calls OnDead once and
// returns; a successful ping resets the count.
type Heartbeat struct {
	Interval    time.Duration
	MaxFailures int
	Ping        func(ctx context.Context) error

	// OnFailure is called after every failed ping with the running count.
	OnFailure func(consecutive int, err error)
	OnDead    func()
}

// Run blocks until ctx is done or the heartbeat is declared dead. A
// non-positive Interval disables the heartbeat.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, h.Interval)
		err := h.Ping(pctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if h.OnFailure != nil {
			h.OnFailure(failures, err)
		}
		if h.MaxFailures > 0 && failures >= h.MaxFailures {
			if h.OnDead != nil {
				h.OnDead()
			}
			return
		}
	}
}
