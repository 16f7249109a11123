package wireservice

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// QualifiedID is an id scoped to a federation domain.
type QualifiedID struct {
	ID     uuid.UUID `json:"id"`
	Domain string    `json:"domain"`
}

func (q QualifiedID) String() string { return q.ID.String() + "@" + q.Domain }

// DeviceAddress names one device of one user. Device is the backend's hex
// client id.
type DeviceAddress struct {
	Domain string
	User   uuid.UUID
	Device string
}

func (d DeviceAddress) String() string {
	return fmt.Sprintf("%s@%s/%s", d.User, d.Domain, d.Device)
}

// clientNumber parses the hex device id into the integer the message
// envelope carries.
func clientNumber(device string) (uint64, error) {
	n, err := strconv.ParseUint(device, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid client id %q: %w", device, err)
	}
	return n, nil
}

// Prekey is one-time key material for opening a session with a device.
type Prekey struct {
	ID  int    `json:"id"`
	Key string `json:"key"` // base64
}

// RecipientMap holds per-device ciphertext: domain -> user -> device.
type RecipientMap map[string]map[uuid.UUID]map[string][]byte

// Add stores the ciphertext for a device, replacing any earlier entry.
func (m RecipientMap) Add(d DeviceAddress, ciphertext []byte) {
	users, ok := m[d.Domain]
	if !ok {
		users = make(map[uuid.UUID]map[string][]byte)
		m[d.Domain] = users
	}
	devices, ok := users[d.User]
	if !ok {
		devices = make(map[string][]byte)
		users[d.User] = devices
	}
	devices[d.Device] = ciphertext
}

// Get returns the ciphertext for a device.
func (m RecipientMap) Get(d DeviceAddress) ([]byte, bool) {
	c, ok := m[d.Domain][d.User][d.Device]
	return c, ok
}

// Len is the number of devices.
func (m RecipientMap) Len() int {
	n := 0
	for _, users := range m {
		for _, devices := range users {
			n += len(devices)
		}
	}
	return n
}

// Devices lists every device, sorted by domain, user and device.
func (m RecipientMap) Devices() []DeviceAddress {
	var out []DeviceAddress
	for domain, users := range m {
		for user, devices := range users {
			for device := range devices {
				out = append(out, DeviceAddress{Domain: domain, User: user, Device: device})
			}
		}
	}
	sortDevices(out)
	return out
}

// MissingSet is the backend's per domain, per user list of devices lacking
// ciphertext. The JSON form is {"domain": {"user": ["client", ...]}}.
type MissingSet map[string]map[uuid.UUID][]string

// NewMissingSet groups devices by domain and user.
func NewMissingSet(devices []DeviceAddress) MissingSet {
	m := MissingSet{}
	for _, d := range devices {
		m.Add(d)
	}
	return m
}

// Add inserts one device; duplicates are ignored.
func (m MissingSet) Add(d DeviceAddress) {
	users, ok := m[d.Domain]
	if !ok {
		users = make(map[uuid.UUID][]string)
		m[d.Domain] = users
	}
	if !slices.Contains(users[d.User], d.Device) {
		users[d.User] = append(users[d.User], d.Device)
	}
}

// Empty reports whether no device is listed.
func (m MissingSet) Empty() bool {
	for _, users := range m {
		for _, devices := range users {
			if len(devices) > 0 {
				return false
			}
		}
	}
	return true
}

// Devices flattens the set, sorted.
func (m MissingSet) Devices() []DeviceAddress {
	var out []DeviceAddress
	for domain, users := range m {
		for user, devices := range users {
			for _, device := range devices {
				out = append(out, DeviceAddress{Domain: domain, User: user, Device: device})
			}
		}
	}
	sortDevices(out)
	return out
}

// Users lists the users with at least one device, sorted.
func (m MissingSet) Users() []QualifiedID {
	var out []QualifiedID
	for _, domain := range slices.Sorted(maps.Keys(m)) {
		users := m[domain]
		ids := slices.SortedFunc(maps.Keys(users), compareUUID)
		for _, u := range ids {
			if len(users[u]) > 0 {
				out = append(out, QualifiedID{ID: u, Domain: domain})
			}
		}
	}
	return out
}

func compareUUID(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) }

func sortDevices(ds []DeviceAddress) {
	slices.SortFunc(ds, func(a, b DeviceAddress) int {
		if c := cmp.Compare(a.Domain, b.Domain); c != 0 {
			return c
		}
		if c := compareUUID(a.User, b.User); c != 0 {
			return c
		}
		return cmp.Compare(a.Device, b.Device)
	})
}

// Access is the token response of /login and /access.
type Access struct {
	User        uuid.UUID `json:"user"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"` // seconds
	TokenType   string    `json:"token_type"`
}

// Credential is a live access token plus the cookie that renews it.
type Credential struct {
	User        uuid.UUID
	AccessToken string
	ExpiresIn   time.Duration
	TokenType   string
	Cookie      string // empty when the response set none
}

func (a *Access) credential(cookie string) *Credential {
	return &Credential{
		User:        a.User,
		AccessToken: a.AccessToken,
		ExpiresIn:   time.Duration(a.ExpiresIn) * time.Second,
		TokenType:   a.TokenType,
		Cookie:      cookie,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Label    string `json:"label"`
}

// NewClient is the device registration body.
type NewClient struct {
	LastKey  Prekey   `json:"lastkey"`
	Prekeys  []Prekey `json:"prekeys"`
	Password string   `json:"password,omitempty"`
	Class    string   `json:"class"`
	Type     string   `json:"type"`
	Label    string   `json:"label"`
}

type clientResponse struct {
	ID string `json:"id"`
}

type updateClientRequest struct {
	Prekeys []Prekey `json:"prekeys"`
}

type removeCookiesRequest struct {
	Password string   `json:"password"`
	Labels   []string `json:"labels"`
}

// BackendConfig is the /api-version response.
type BackendConfig struct {
	Domain      string `json:"domain"`
	Federation  bool   `json:"federation"`
	Supported   []int  `json:"supported"`
	Development []int  `json:"development"`
}

// NotificationList is one page of the notification stream.
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	HasMore       bool           `json:"has_more"`
}

// Notification is one stream entry. Its ID is the cursor position.
type Notification struct {
	ID      uuid.UUID `json:"id"`
	Payload []Payload `json:"payload"`
}

// Payload is a single event inside a notification.
type Payload struct {
	Type         string       `json:"type"`
	Conversation *QualifiedID `json:"qualified_conversation,omitempty"`
	From         *QualifiedID `json:"qualified_from,omitempty"`
	Time         string       `json:"time,omitempty"`
	Team         *uuid.UUID   `json:"team,omitempty"`
	Data         *PayloadData `json:"data,omitempty"`
	User         *PayloadUser `json:"user,omitempty"`
	Connection   *Connection  `json:"connection,omitempty"`

	// Raw is the payload as received, for handlers that need other fields.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw payload.
func (p *Payload) UnmarshalJSON(b []byte) error {
	type plain Payload
	if err := json.Unmarshal(b, (*plain)(p)); err != nil {
		return err
	}
	p.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// PayloadData is the union of the data fields the engine looks at.
type PayloadData struct {
	Sender           string        `json:"sender,omitempty"`
	Recipient        string        `json:"recipient,omitempty"`
	Text             string        `json:"text,omitempty"` // base64 ciphertext
	User             *uuid.UUID    `json:"user,omitempty"`
	QualifiedUserIDs []QualifiedID `json:"qualified_user_ids,omitempty"`
}

type PayloadUser struct {
	ID uuid.UUID `json:"id"`
}

type Connection struct {
	Conversation *QualifiedID `json:"qualified_conversation,omitempty"`
	From         uuid.UUID    `json:"from"`
	To           *QualifiedID `json:"qualified_to,omitempty"`
	Status       string       `json:"status"`
}

// prekeyRequest is the list-prekeys body: domain -> user -> clients.
type prekeyRequest map[string]map[uuid.UUID][]string

// prekeyResponse mirrors the request with a prekey or null per client.
type prekeyResponse map[string]map[uuid.UUID]map[string]*Prekey

// mismatchResponse is the 412 body.
type mismatchResponse struct {
	Missing   MissingSet `json:"missing"`
	Redundant MissingSet `json:"redundant"`
	Deleted   MissingSet `json:"deleted"`
}
