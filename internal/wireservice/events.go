package wireservice

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind is the closed set of event categories the consumer routes.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindMembership
	KindConnection
	KindConversation
)

func (k EventKind) String() string {
	switch k {
	case KindMembership:
		return "membership"
	case KindConnection:
		return "connection"
	case KindConversation:
		return "conversation"
	}
	return "unknown"
}

// Event type tags.
const (
	TypeTeamMemberJoin     = "team.member-join"
	TypeUserUpdate         = "user.update"
	TypeMemberJoin         = "conversation.member-join"
	TypeMemberLeave        = "conversation.member-leave"
	TypeUserConnection     = "user.connection"
	TypeOtrMessageAdd      = "conversation.otr-message-add"
	TypeConversationCreate = "conversation.create"
)

// Classify maps a payload type tag to its kind.
func Classify(typ string) EventKind {
	switch typ {
	case TypeTeamMemberJoin, TypeUserUpdate, TypeMemberJoin, TypeMemberLeave:
		return KindMembership
	case TypeUserConnection:
		return KindConnection
	case TypeOtrMessageAdd, TypeConversationCreate:
		return KindConversation
	}
	return KindUnknown
}

// MembershipEvent is a team, user or conversation membership change.
type MembershipEvent struct {
	Notification uuid.UUID
	Type         string
	Team         *uuid.UUID
	Conversation *QualifiedID
	Users        []QualifiedID // joined, left or updated users
	Payload      *Payload
}

// ConnectionEvent is a connection request or status change.
type ConnectionEvent struct {
	Notification uuid.UUID
	Conversation *QualifiedID
	From         uuid.UUID
	Status       string
	Payload      *Payload
}

// ConversationEvent is a conversation creation or an incoming message. For
// messages Plaintext holds the decrypted content.
type ConversationEvent struct {
	Notification uuid.UUID
	Type         string
	Conversation QualifiedID
	From         *QualifiedID
	SenderDevice string
	Plaintext    []byte
	Payload      *Payload
}

// Handler receives dispatched events. A returned error is logged; it does
// not stop the stream or hold back the cursor.
type Handler interface {
	OnMembership(ctx context.Context, ev *MembershipEvent) error
	OnConnection(ctx context.Context, ev *ConnectionEvent) error
	OnConversation(ctx context.Context, ev *ConversationEvent) error
}

// HandlerFuncs adapts plain functions to Handler. Nil fields ignore the event.
type HandlerFuncs struct {
	Membership   func(ctx context.Context, ev *MembershipEvent) error
	Connection   func(ctx context.Context, ev *ConnectionEvent) error
	Conversation func(ctx context.Context, ev *ConversationEvent) error
}

func (h HandlerFuncs) OnMembership(ctx context.Context, ev *MembershipEvent) error {
	if h.Membership == nil {
		return nil
	}
	return h.Membership(ctx, ev)
}

func (h HandlerFuncs) OnConnection(ctx context.Context, ev *ConnectionEvent) error {
	if h.Connection == nil {
		return nil
	}
	return h.Connection(ctx, ev)
}

func (h HandlerFuncs) OnConversation(ctx context.Context, ev *ConversationEvent) error {
	if h.Conversation == nil {
		return nil
	}
	return h.Conversation(ctx, ev)
}

// dispatcher routes the payloads of one notification.
type dispatcher struct {
	handler  Handler
	crypto   Crypto
	deviceID func() string
	log      *zap.SugaredLogger
}

// dispatch hands every payload of n to the handler. Per-payload failures
// are logged and skipped.
func (d *dispatcher) dispatch(ctx context.Context, n *Notification) {
	for i := range n.Payload {
		p := &n.Payload[i]
		if err := d.route(ctx, n.ID, p); err != nil {
			d.log.Errorw("event handling failed", "notification", n.ID, "type", p.Type, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *dispatcher) route(ctx context.Context, id uuid.UUID, p *Payload) error {
	switch Classify(p.Type) {
	case KindMembership:
		ev := &MembershipEvent{Notification: id, Type: p.Type, Team: p.Team, Conversation: p.Conversation, Payload: p}
		switch {
		case p.User != nil:
			ev.Users = []QualifiedID{{ID: p.User.ID}}
		case p.Data != nil && p.Data.User != nil:
			ev.Users = []QualifiedID{{ID: *p.Data.User}}
		case p.Data != nil:
			ev.Users = p.Data.QualifiedUserIDs
		}
		return d.handler.OnMembership(ctx, ev)

	case KindConnection:
		if p.Connection == nil {
			return fmt.Errorf("%s without connection", p.Type)
		}
		return d.handler.OnConnection(ctx, &ConnectionEvent{
			Notification: id,
			Conversation: p.Connection.Conversation,
			From:         p.Connection.From,
			Status:       p.Connection.Status,
			Payload:      p,
		})

	case KindConversation:
		if p.Conversation == nil {
			d.log.Warnw("conversation event without conversation", "notification", id, "type", p.Type)
			return nil
		}
		ev := &ConversationEvent{Notification: id, Type: p.Type, Conversation: *p.Conversation, From: p.From, Payload: p}
		if p.Type == TypeOtrMessageAdd {
			ok, err := d.decrypt(p, ev)
			if err != nil {
				d.log.Errorw("skipping undecryptable message", "notification", id, "error", err)
				return nil
			}
			if !ok {
				return nil
			}
		}
		return d.handler.OnConversation(ctx, ev)
	}

	d.log.Infow("unknown event type", "notification", id, "type", p.Type)
	return nil
}

// decrypt fills ev with the plaintext of an otr-message-add payload. It
// returns false for messages addressed to another device.
func (d *dispatcher) decrypt(p *Payload, ev *ConversationEvent) (bool, error) {
	if p.Data == nil || p.From == nil {
		return false, fmt.Errorf("message without data or sender")
	}
	if self := d.deviceID(); p.Data.Recipient != "" && self != "" && p.Data.Recipient != self {
		d.log.Debugw("message for another device", "recipient", p.Data.Recipient)
		return false, nil
	}
	ct, err := base64.StdEncoding.DecodeString(p.Data.Text)
	if err != nil {
		return false, fmt.Errorf("decode ciphertext: %w", err)
	}
	from := DeviceAddress{Domain: p.From.Domain, User: p.From.ID, Device: p.Data.Sender}
	pt, err := d.crypto.Decrypt(from, ct)
	if err != nil {
		return false, &CryptoError{Device: from, Op: "decrypt", Err: err}
	}
	ev.SenderDevice = p.Data.Sender
	ev.Plaintext = pt
	return true, nil
}
