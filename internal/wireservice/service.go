package wireservice

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gwillem/wire-go/internal/otr"
)

// Service provides typed access to the backend REST API. It is stateless:
// callers pass the credentials each call needs.
type Service struct {
	transport *Transport
	log       *zap.SugaredLogger
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	APIHost    string // e.g. https://prod-nginz-https.wire.com
	APIVersion string // e.g. v6
	TLSConfig  *tls.Config
	Logger     *zap.SugaredLogger
}

// NewService creates a new backend API service.
func NewService(cfg ServiceConfig) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		transport: NewTransport(cfg.APIHost, cfg.APIVersion, cfg.TLSConfig, log),
		log:       log,
	}
}

// --- Auth API ---

// Login exchanges email and password for an access token and a zuid cookie.
func (s *Service) Login(ctx context.Context, email, password, label string, persist bool) (*Credential, error) {
	q := url.Values{"persist": {strconv.FormatBool(persist)}}
	resp, err := s.transport.PostJSON(ctx, "/login", q, loginRequest{Email: email, Password: password, Label: label}, Auth{})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	var access Access
	if err := decodeJSON(resp, &access); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return access.credential(resp.Cookie(CookieName)), nil
}

// Access renews the access token using the cookie. The previous token, if
// any, is sent along so the backend can tie the renewal to it. Cookie is
// empty in the result unless the backend rotated it.
func (s *Service) Access(ctx context.Context, cookie, token string) (*Credential, error) {
	resp, err := s.transport.PostJSON(ctx, "/access", nil, nil, Auth{Token: token, Cookie: cookie})
	if err != nil {
		return nil, fmt.Errorf("access: %w", err)
	}
	var access Access
	if err := decodeJSON(resp, &access); err != nil {
		return nil, fmt.Errorf("access: %w", err)
	}
	return access.credential(resp.Cookie(CookieName)), nil
}

// Logout invalidates the cookie.
func (s *Service) Logout(ctx context.Context, cookie, token string) error {
	resp, err := s.transport.PostJSON(ctx, "/access/logout", nil, nil, Auth{Token: token, Cookie: cookie})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if err := statusError(resp.Status, resp.Body); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// RemoveCookies deletes every cookie carrying one of labels.
func (s *Service) RemoveCookies(ctx context.Context, token, password string, labels ...string) error {
	resp, err := s.transport.PostJSON(ctx, "/cookies/remove", nil, removeCookiesRequest{Password: password, Labels: labels}, Auth{Token: token})
	if err != nil {
		return fmt.Errorf("remove cookies: %w", err)
	}
	if err := statusError(resp.Status, resp.Body); err != nil {
		return fmt.Errorf("remove cookies: %w", err)
	}
	return nil
}

// BackendConfiguration fetches the unversioned /api-version document.
func (s *Service) BackendConfiguration(ctx context.Context) (*BackendConfig, error) {
	resp, err := s.transport.GetUnversioned(ctx, "/api-version")
	if err != nil {
		return nil, fmt.Errorf("api version: %w", err)
	}
	var cfg BackendConfig
	if err := decodeJSON(resp, &cfg); err != nil {
		return nil, fmt.Errorf("api version: %w", err)
	}
	return &cfg, nil
}

// --- Clients API ---

// RegisterClient registers a new device and returns its id.
func (s *Service) RegisterClient(ctx context.Context, token string, c NewClient) (string, error) {
	resp, err := s.transport.PostJSON(ctx, "/clients", nil, c, Auth{Token: token})
	if err != nil {
		return "", fmt.Errorf("register client: %w", err)
	}
	var out clientResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", fmt.Errorf("register client: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("register client: response has no id")
	}
	return out.ID, nil
}

// RemainingPrekeys lists the prekey ids the backend still holds for a device.
func (s *Service) RemainingPrekeys(ctx context.Context, token, clientID string) ([]int, error) {
	resp, err := s.transport.Get(ctx, "/clients/"+url.PathEscape(clientID)+"/prekeys", nil, Auth{Token: token})
	if err != nil {
		return nil, fmt.Errorf("remaining prekeys: %w", err)
	}
	var ids []int
	if err := decodeJSON(resp, &ids); err != nil {
		return nil, fmt.Errorf("remaining prekeys: %w", err)
	}
	return ids, nil
}

// UploadPrekeys adds prekeys to a device.
func (s *Service) UploadPrekeys(ctx context.Context, token, clientID string, prekeys []Prekey) error {
	resp, err := s.transport.PutJSON(ctx, "/clients/"+url.PathEscape(clientID), updateClientRequest{Prekeys: prekeys}, Auth{Token: token})
	if err != nil {
		return fmt.Errorf("upload prekeys: %w", err)
	}
	if err := statusError(resp.Status, resp.Body); err != nil {
		return fmt.Errorf("upload prekeys: %w", err)
	}
	return nil
}

// ListPrekeys claims one prekey for every requested device. Devices the
// backend has no prekey for come back as nil.
func (s *Service) ListPrekeys(ctx context.Context, token string, req prekeyRequest) (prekeyResponse, error) {
	resp, err := s.transport.PostJSON(ctx, "/users/list-prekeys", nil, req, Auth{Token: token})
	if err != nil {
		return nil, fmt.Errorf("list prekeys: %w", err)
	}
	var out prekeyResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("list prekeys: %w", err)
	}
	return out, nil
}

// --- Notifications API ---

// Notifications fetches up to size notifications after since (uuid.Nil for
// the beginning). A 404 means the cursor is unknown or there is nothing to
// fetch and is returned as an empty page.
func (s *Service) Notifications(ctx context.Context, token, clientID string, since uuid.UUID, size int) (*NotificationList, error) {
	q := url.Values{"size": {strconv.Itoa(size)}}
	if clientID != "" {
		q.Set("client", clientID)
	}
	if since != uuid.Nil {
		q.Set("since", since.String())
	}
	resp, err := s.transport.Get(ctx, "/notifications", q, Auth{Token: token})
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	if resp.Status == http.StatusNotFound {
		return &NotificationList{}, nil
	}
	var out NotificationList
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	return &out, nil
}

// --- Messages API ---

// SendMessage posts an encrypted fanout. A 412 returns *MismatchError; the
// caller decides whether that means delivered. On success the returned set
// lists devices the backend reported missing but ignored.
func (s *Service) SendMessage(ctx context.Context, token string, conv QualifiedID, msg *otr.NewOtrMessage, ignoreMissing bool) (MissingSet, error) {
	path := fmt.Sprintf("/conversations/%s/%s/proteus/messages", url.PathEscape(conv.Domain), conv.ID)
	var q url.Values
	if ignoreMissing {
		q = url.Values{"ignore_missing": {"true"}}
	}
	resp, err := s.transport.PostProtobuf(ctx, path, q, msg.Marshal(), Auth{Token: token})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	var status mismatchResponse
	if resp.Status == http.StatusPreconditionFailed {
		if err := json.Unmarshal(resp.Body, &status); err != nil {
			return nil, fmt.Errorf("send message: decode mismatch: %w", err)
		}
		return nil, &MismatchError{Missing: status.Missing, Redundant: status.Redundant, Deleted: status.Deleted}
	}
	if err := statusError(resp.Status, resp.Body); err != nil {
		s.log.Errorw("send message failed", "conversation", conv, "status", resp.Status)
		return nil, fmt.Errorf("send message: %w", err)
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &status); err != nil {
			s.log.Debugw("unreadable send status", "conversation", conv, "error", err)
		}
	}
	return status.Missing, nil
}
