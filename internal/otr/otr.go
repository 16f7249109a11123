// Package otr encodes the Proteus message envelope (QualifiedNewOtrMessage)
// posted to a conversation's messages endpoint.
//
// The messages are small and fixed, so they are written directly with
// protowire instead of generated code. Field numbers follow otr.proto:
//
//	message ClientId            { required uint64 client = 1; }
//	message UserId              { required bytes uuid = 1; }
//	message QualifiedUserId     { required string id = 1; required string domain = 2; }
//	message ClientEntry         { required ClientId client = 1; required bytes text = 2; }
//	message UserEntry           { required UserId user = 1; repeated ClientEntry clients = 2; }
//	message QualifiedUserEntry  { required string domain = 1; repeated UserEntry entries = 2; }
//	message QualifiedNewOtrMessage {
//	  required ClientId sender = 1;
//	  repeated QualifiedUserEntry recipients = 2;
//	  optional bool native_push = 3;
//	  optional bytes blob = 4;
//	  optional bool transient = 6;
//	  oneof client_mismatch_strategy {
//	    ReportAll report_all = 7; IgnoreAll ignore_all = 8;
//	    ReportOnly report_only = 9; IgnoreOnly ignore_only = 10;
//	  }
//	}
package otr

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Strategy selects how the backend reacts to recipients whose device list is stale.
type Strategy int

const (
	ReportAll  Strategy = iota // reject on any mismatch, report everything
	IgnoreAll                  // deliver to listed devices, never reject
	ReportOnly                 // reject only for the listed users
	IgnoreOnly                 // reject for everyone except the listed users
)

func (s Strategy) String() string {
	switch s {
	case ReportAll:
		return "report_all"
	case IgnoreAll:
		return "ignore_all"
	case ReportOnly:
		return "report_only"
	case IgnoreOnly:
		return "ignore_only"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (s Strategy) fieldNumber() protowire.Number {
	return protowire.Number(7 + int(s))
}

// QualifiedUserID is a user id scoped to its backend domain.
type QualifiedUserID struct {
	ID     string
	Domain string
}

// ClientEntry is the ciphertext for one device.
type ClientEntry struct {
	Client uint64
	Text   []byte
}

// UserEntry groups the ciphertexts for all devices of one user.
type UserEntry struct {
	User    [16]byte
	Clients []ClientEntry
}

// QualifiedUserEntry groups the users of one domain.
type QualifiedUserEntry struct {
	Domain  string
	Entries []UserEntry
}

// NewOtrMessage is the QualifiedNewOtrMessage body.
type NewOtrMessage struct {
	Sender     uint64
	Recipients []QualifiedUserEntry
	NativePush bool
	Blob       []byte
	Transient  bool

	Strategy      Strategy
	StrategyUsers []QualifiedUserID // only for ReportOnly / IgnoreOnly
}

// Marshal encodes the message in protobuf wire format.
func (m *NewOtrMessage) Marshal() []byte {
	var b []byte
	b = appendMessage(b, 1, appendClientID(nil, m.Sender))
	for _, r := range m.Recipients {
		b = appendMessage(b, 2, r.marshal())
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.NativePush))
	if len(m.Blob) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Blob)
	}
	if m.Transient {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}

	var strategy []byte
	if m.Strategy == ReportOnly || m.Strategy == IgnoreOnly {
		for _, u := range m.StrategyUsers {
			strategy = appendMessage(strategy, 1, u.marshal())
		}
	}
	b = appendMessage(b, m.Strategy.fieldNumber(), strategy)
	return b
}

func (e QualifiedUserEntry) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, e.Domain)
	for _, u := range e.Entries {
		b = appendMessage(b, 2, u.marshal())
	}
	return b
}

func (e UserEntry) marshal() []byte {
	var user []byte
	user = protowire.AppendTag(user, 1, protowire.BytesType)
	user = protowire.AppendBytes(user, e.User[:])

	b := appendMessage(nil, 1, user)
	for _, c := range e.Clients {
		var entry []byte
		entry = appendMessage(entry, 1, appendClientID(nil, c.Client))
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, c.Text)
		b = appendMessage(b, 2, entry)
	}
	return b
}

func (u QualifiedUserID) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, u.ID)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, u.Domain)
	return b
}

func appendClientID(b []byte, client uint64) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, client)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Unmarshal decodes a QualifiedNewOtrMessage. Unknown fields are skipped.
func Unmarshal(data []byte) (*NewOtrMessage, error) {
	m := &NewOtrMessage{NativePush: true}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			id, err := parseClientID(v)
			if err != nil {
				return err
			}
			m.Sender = id
		case num == 2 && typ == protowire.BytesType:
			e, err := parseQualifiedUserEntry(v)
			if err != nil {
				return err
			}
			m.Recipients = append(m.Recipients, e)
		case num == 3 && typ == protowire.VarintType:
			m.NativePush = protowire.DecodeBool(x)
		case num == 4 && typ == protowire.BytesType:
			m.Blob = append([]byte(nil), v...)
		case num == 6 && typ == protowire.VarintType:
			m.Transient = protowire.DecodeBool(x)
		case num >= 7 && num <= 10 && typ == protowire.BytesType:
			m.Strategy = Strategy(num - 7)
			m.StrategyUsers = nil
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != 1 || typ != protowire.BytesType {
					return nil
				}
				u, err := parseQualifiedUserID(v)
				if err != nil {
					return err
				}
				m.StrategyUsers = append(m.StrategyUsers, u)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func parseClientID(data []byte) (uint64, error) {
	var id uint64
	err := walk(data, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		if num == 1 && typ == protowire.VarintType {
			id = x
		}
		return nil
	})
	return id, err
}

func parseQualifiedUserEntry(data []byte) (QualifiedUserEntry, error) {
	var e QualifiedUserEntry
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			e.Domain = string(v)
		case num == 2 && typ == protowire.BytesType:
			u, err := parseUserEntry(v)
			if err != nil {
				return err
			}
			e.Entries = append(e.Entries, u)
		}
		return nil
	})
	return e, err
}

func parseUserEntry(data []byte) (UserEntry, error) {
	var e UserEntry
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num == 1 && typ == protowire.BytesType {
					if len(v) != len(e.User) {
						return fmt.Errorf("otr: user uuid has %d bytes", len(v))
					}
					copy(e.User[:], v)
				}
				return nil
			})
		case num == 2 && typ == protowire.BytesType:
			var c ClientEntry
			err := walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					id, err := parseClientID(v)
					if err != nil {
						return err
					}
					c.Client = id
				case num == 2 && typ == protowire.BytesType:
					c.Text = append([]byte(nil), v...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			e.Clients = append(e.Clients, c)
		}
		return nil
	})
	return e, err
}

func parseQualifiedUserID(data []byte) (QualifiedUserID, error) {
	var u QualifiedUserID
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			u.ID = string(v)
		case 2:
			u.Domain = string(v)
		}
		return nil
	})
	return u, err
}

// walk iterates the top-level fields of a message. For varint fields x holds
// the value; for length-delimited fields v holds the payload.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("otr: tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("otr: varint field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("otr: bytes field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("otr: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
