package wireservice

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/wire-go/internal/store"
)

// ExclusionMode decides what happens to a device that could not be given a
// session (no prekey, or the engine rejected the prekey).
type ExclusionMode int

const (
	// ExcludeWithBackoff skips the device until an exponentially growing
	// delay has passed since its last failure.
	ExcludeWithBackoff ExclusionMode = iota
	// RetryAlways never excludes; every send tries the device again.
	RetryAlways
	// ExcludeForever skips the device until its exclusion is cleared.
	ExcludeForever
)

func (m ExclusionMode) String() string {
	switch m {
	case ExcludeWithBackoff:
		return "backoff"
	case RetryAlways:
		return "retry"
	case ExcludeForever:
		return "forever"
	}
	return "unknown"
}

const (
	defaultExclusionBase = time.Minute
	defaultExclusionMax  = 24 * time.Hour
)

// ExclusionPolicy tracks stale devices. It is safe for concurrent use.
type ExclusionPolicy struct {
	Mode      ExclusionMode
	BaseDelay time.Duration
	MaxDelay  time.Duration

	store ExclusionStore
	now   func() time.Time
	log   *zap.SugaredLogger
}

// NewExclusionPolicy creates a policy backed by st. A nil st keeps
// exclusions in memory only.
func NewExclusionPolicy(mode ExclusionMode, st ExclusionStore, log *zap.SugaredLogger) *ExclusionPolicy {
	if st == nil {
		st = newMemoryExclusions()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ExclusionPolicy{
		Mode:      mode,
		BaseDelay: defaultExclusionBase,
		MaxDelay:  defaultExclusionMax,
		store:     st,
		now:       time.Now,
		log:       log,
	}
}

// Excluded reports whether d must be left out of the next attempt.
func (p *ExclusionPolicy) Excluded(d DeviceAddress) bool {
	if p.Mode == RetryAlways {
		return false
	}
	rec, err := p.store.GetExcludedDevice(d.Domain, d.User.String(), d.Device)
	if err != nil {
		p.log.Warnw("read device exclusion", "device", d, "error", err)
		return false
	}
	return rec != nil && p.now().Before(rec.RetryAfter)
}

// Fail records a failed attempt to open a session with d.
func (p *ExclusionPolicy) Fail(d DeviceAddress, reason error) {
	if p.Mode == RetryAlways {
		p.log.Debugw("device unreachable", "device", d, "reason", reason)
		return
	}
	rec, err := p.store.ExcludeDevice(d.Domain, d.User.String(), d.Device, p.retryAfter)
	if err != nil {
		p.log.Warnw("record device exclusion", "device", d, "error", err)
		return
	}
	p.log.Infow("device excluded", "device", d, "failures", rec.Failures, "retry_after", rec.RetryAfter, "reason", reason)
}

// Clear lifts any exclusion of d.
func (p *ExclusionPolicy) Clear(d DeviceAddress) {
	if err := p.store.ClearExcludedDevice(d.Domain, d.User.String(), d.Device); err != nil {
		p.log.Warnw("clear device exclusion", "device", d, "error", err)
	}
}

func (p *ExclusionPolicy) retryAfter(failures int) time.Time {
	if p.Mode == ExcludeForever {
		return time.UnixMilli(math.MaxInt64)
	}
	delay := p.BaseDelay
	for i := 1; i < failures && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	return p.now().Add(min(delay, p.MaxDelay))
}

type exclusionKey struct{ domain, user, device string }

type memoryExclusions struct {
	mu   sync.Mutex
	recs map[exclusionKey]store.ExcludedDevice
}

func newMemoryExclusions() *memoryExclusions {
	return &memoryExclusions{recs: make(map[exclusionKey]store.ExcludedDevice)}
}

func (m *memoryExclusions) GetExcludedDevice(domain, userID, deviceID string) (*store.ExcludedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[exclusionKey{domain, userID, deviceID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memoryExclusions) ExcludeDevice(domain, userID, deviceID string, retryAfter func(int) time.Time) (*store.ExcludedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := exclusionKey{domain, userID, deviceID}
	rec := m.recs[k]
	rec.Domain, rec.UserID, rec.DeviceID = domain, userID, deviceID
	rec.Failures++
	rec.RetryAfter = retryAfter(rec.Failures)
	m.recs[k] = rec
	return &rec, nil
}

func (m *memoryExclusions) ClearExcludedDevice(domain, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, exclusionKey{domain, userID, deviceID})
	return nil
}
