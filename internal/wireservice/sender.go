package wireservice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/gwillem/wire-go/internal/otr"
)

// SendResult is the outcome of one fanout request.
type SendResult struct {
	// Delivered is true when the backend accepted the message. With
	// ignoreMissing it can be true while Missing is non-empty.
	Delivered bool
	Missing   MissingSet
	// Skipped lists devices left out because they are excluded or the
	// engine could not encrypt for them.
	Skipped []DeviceAddress
}

// Sender fans one plaintext out to many devices. It holds no per-message
// state; session state lives in the crypto engine.
type Sender struct {
	svc      *Service
	tokens   TokenSource
	crypto   Crypto
	resolver *PrekeyResolver
	policy   *ExclusionPolicy
	senderID uint64
	log      *zap.SugaredLogger
}

// NewSender creates a sender for the local device deviceID (hex).
func NewSender(svc *Service, tokens TokenSource, crypto Crypto, resolver *PrekeyResolver, deviceID string, log *zap.SugaredLogger) (*Sender, error) {
	id, err := clientNumber(deviceID)
	if err != nil {
		return nil, fmt.Errorf("wireservice: sender: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sender{
		svc:      svc,
		tokens:   tokens,
		crypto:   crypto,
		resolver: resolver,
		policy:   resolver.policy,
		senderID: id,
		log:      log,
	}, nil
}

// Encrypt builds a fresh RecipientMap for devices. Excluded devices and
// devices the engine fails on are skipped and returned separately.
func (s *Sender) Encrypt(plaintext []byte, devices []DeviceAddress) (RecipientMap, []DeviceAddress) {
	rm := RecipientMap{}
	var skipped []DeviceAddress
	for _, d := range devices {
		if s.policy.Excluded(d) {
			skipped = append(skipped, d)
			continue
		}
		if !s.encryptInto(rm, d, plaintext) {
			skipped = append(skipped, d)
		}
	}
	return rm, skipped
}

func (s *Sender) encryptInto(rm RecipientMap, d DeviceAddress, plaintext []byte) bool {
	ct, err := s.crypto.Encrypt(d, plaintext)
	if err != nil {
		s.log.Warnw("skipping device", "error", &CryptoError{Device: d, Op: "encrypt", Err: err})
		return false
	}
	rm.Add(d, ct)
	return true
}

// Send encrypts plaintext for devices and posts it in one request.
//
// With ignoreMissing the backend delivers to the listed devices and any
// mismatch is informational. Without it a mismatch means nothing was
// delivered and Missing must be resolved before a retry. Other error
// statuses come back as *HTTPError or *AuthError.
func (s *Sender) Send(ctx context.Context, conv QualifiedID, plaintext []byte, devices []DeviceAddress, ignoreMissing bool) (*SendResult, error) {
	rm, skipped := s.Encrypt(plaintext, devices)
	strategy := otr.ReportAll
	if ignoreMissing {
		strategy = otr.IgnoreAll
	}
	res, err := s.post(ctx, conv, rm, strategy, nil, ignoreMissing)
	if res != nil {
		res.Skipped = skipped
	}
	return res, err
}

// SendTo posts an already encrypted RecipientMap with the mismatch check
// restricted to users. Devices of other users are not evaluated.
func (s *Sender) SendTo(ctx context.Context, conv QualifiedID, recipients RecipientMap, users []QualifiedID) (*SendResult, error) {
	return s.post(ctx, conv, recipients, otr.ReportOnly, users, false)
}

// Deliver sends plaintext to devices and resolves a mismatch once.
//
// Step one is a full send with report-all. If the backend reports missing
// devices, their prekeys are resolved, sessions opened and the new devices
// encrypted into the same RecipientMap. Step two is a single report-only
// send narrowed to the previously missing users, minus any user who still
// has a device without ciphertext. A mismatch in step two is returned as a
// *MismatchError; there is no further retry.
func (s *Sender) Deliver(ctx context.Context, conv QualifiedID, plaintext []byte, devices []DeviceAddress) (*SendResult, error) {
	rm, skipped := s.Encrypt(plaintext, devices)
	first, err := s.post(ctx, conv, rm, otr.ReportAll, nil, false)
	if err != nil {
		return nil, err
	}
	if first.Delivered {
		first.Skipped = skipped
		return first, nil
	}

	missing := first.Missing
	s.log.Infow("resolving missing devices", "conversation", conv, "missing", len(missing.Devices()))
	resolved, err := s.resolver.Resolve(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, d := range s.resolver.EstablishSessions(resolved) {
		if !s.encryptInto(rm, d, plaintext) {
			skipped = append(skipped, d)
		}
	}

	skipped = slices.DeleteFunc(skipped, func(d DeviceAddress) bool {
		_, ok := rm.Get(d)
		return ok
	})

	users := narrowUsers(missing, rm)
	second, err := s.SendTo(ctx, conv, rm, users)
	if err != nil {
		return nil, err
	}
	second.Skipped = skipped
	if !second.Delivered {
		return second, fmt.Errorf("wireservice: deliver: %w", &MismatchError{Missing: second.Missing})
	}
	if dropped := len(missing.Users()) - len(users); dropped > 0 {
		// Delivered, but not to every device of the dropped users.
		second.Missing = unreached(missing, rm)
	}
	return second, nil
}

// narrowUsers returns the users in missing whose every missing device now
// has ciphertext in rm. A user with a device still unreachable would make
// the report-only send fail again, so that user is left unchecked.
func narrowUsers(missing MissingSet, rm RecipientMap) []QualifiedID {
	var out []QualifiedID
	for _, u := range missing.Users() {
		complete := true
		for _, device := range missing[u.Domain][u.ID] {
			if _, ok := rm.Get(DeviceAddress{Domain: u.Domain, User: u.ID, Device: device}); !ok {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, u)
		}
	}
	return out
}

func unreached(missing MissingSet, rm RecipientMap) MissingSet {
	out := MissingSet{}
	for _, d := range missing.Devices() {
		if _, ok := rm.Get(d); !ok {
			out.Add(d)
		}
	}
	return out
}

func (s *Sender) post(ctx context.Context, conv QualifiedID, rm RecipientMap, strategy otr.Strategy, users []QualifiedID, ignoreMissing bool) (*SendResult, error) {
	msg, err := s.envelope(rm)
	if err != nil {
		return nil, err
	}
	msg.Strategy = strategy
	for _, u := range users {
		msg.StrategyUsers = append(msg.StrategyUsers, otr.QualifiedUserID{ID: u.ID.String(), Domain: u.Domain})
	}

	token, err := s.tokens()
	if err != nil {
		return nil, fmt.Errorf("wireservice: send: %w", err)
	}
	informational, err := s.svc.SendMessage(ctx, token, conv, msg, ignoreMissing)

	var mm *MismatchError
	switch {
	case errors.As(err, &mm):
		s.log.Debugw("client mismatch", "conversation", conv, "strategy", strategy, "missing", len(mm.Missing.Devices()))
		return &SendResult{Delivered: ignoreMissing, Missing: mm.Missing}, nil
	case err != nil:
		return nil, fmt.Errorf("wireservice: %w", err)
	}
	return &SendResult{Delivered: true, Missing: informational}, nil
}

// envelope converts rm into the protobuf message, sorted so the encoding is
// independent of map iteration order.
func (s *Sender) envelope(rm RecipientMap) (*otr.NewOtrMessage, error) {
	msg := &otr.NewOtrMessage{Sender: s.senderID, NativePush: true}
	for _, domain := range slices.Sorted(maps.Keys(rm)) {
		entry := otr.QualifiedUserEntry{Domain: domain}
		users := rm[domain]
		ids := slices.SortedFunc(maps.Keys(users), compareUUID)
		for _, u := range ids {
			ue := otr.UserEntry{User: u}
			for _, device := range slices.Sorted(maps.Keys(users[u])) {
				n, err := clientNumber(device)
				if err != nil {
					return nil, fmt.Errorf("wireservice: recipient %s: %w", u, err)
				}
				ue.Clients = append(ue.Clients, otr.ClientEntry{Client: n, Text: users[u][device]})
			}
			entry.Entries = append(entry.Entries, ue)
		}
		msg.Recipients = append(msg.Recipients, entry)
	}
	return msg, nil
}
