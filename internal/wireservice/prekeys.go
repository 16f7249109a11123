package wireservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errNoPrekey = errors.New("no prekey available")

// PrekeyResolver fetches prekeys for devices without a session and opens
// sessions with them through the crypto engine.
type PrekeyResolver struct {
	svc    *Service
	tokens TokenSource
	crypto Crypto
	policy *ExclusionPolicy
	log    *zap.SugaredLogger
}

// NewPrekeyResolver creates a resolver. A nil policy uses the default
// in-memory backoff policy.
func NewPrekeyResolver(svc *Service, tokens TokenSource, crypto Crypto, policy *ExclusionPolicy, log *zap.SugaredLogger) *PrekeyResolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if policy == nil {
		policy = NewExclusionPolicy(ExcludeWithBackoff, nil, log)
	}
	return &PrekeyResolver{svc: svc, tokens: tokens, crypto: crypto, policy: policy, log: log}
}

// Resolve claims one prekey per missing device in a single bulk call.
// Devices the backend has no prekey for map to nil. Devices currently
// excluded by the policy are left out of the request and the result. An
// empty request issues no network call.
func (r *PrekeyResolver) Resolve(ctx context.Context, missing MissingSet) (map[DeviceAddress]*Prekey, error) {
	req := prekeyRequest{}
	var wanted []DeviceAddress
	for _, d := range missing.Devices() {
		if r.policy.Excluded(d) {
			r.log.Debugw("skipping excluded device", "device", d)
			continue
		}
		users, ok := req[d.Domain]
		if !ok {
			users = make(map[uuid.UUID][]string)
			req[d.Domain] = users
		}
		users[d.User] = append(users[d.User], d.Device)
		wanted = append(wanted, d)
	}

	out := make(map[DeviceAddress]*Prekey, len(wanted))
	if len(wanted) == 0 {
		return out, nil
	}

	token, err := r.tokens()
	if err != nil {
		return nil, fmt.Errorf("wireservice: resolve prekeys: %w", err)
	}
	resp, err := r.svc.ListPrekeys(ctx, token, req)
	if err != nil {
		return nil, fmt.Errorf("wireservice: %w", err)
	}
	for _, d := range wanted {
		out[d] = resp[d.Domain][d.User][d.Device]
	}
	return out, nil
}

// EstablishSessions opens a session for every present prekey and returns
// the devices that now have one. Absent prekeys and engine failures skip
// the device and are reported to the exclusion policy.
func (r *PrekeyResolver) EstablishSessions(resolved map[DeviceAddress]*Prekey) []DeviceAddress {
	var opened []DeviceAddress
	for d, pk := range resolved {
		if pk == nil {
			r.log.Infow("no prekey for device", "device", d)
			r.policy.Fail(d, errNoPrekey)
			continue
		}
		if err := r.crypto.OpenSession(d, *pk); err != nil {
			cerr := &CryptoError{Device: d, Op: "open_session", Err: err}
			r.log.Warnw("open session failed", "error", cerr)
			r.policy.Fail(d, cerr)
			continue
		}
		r.policy.Clear(d)
		opened = append(opened, d)
	}
	sortDevices(opened)
	return opened
}
