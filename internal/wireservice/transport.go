package wireservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// CookieName is the backend's session cookie.
const CookieName = "zuid"

// Auth carries the credentials attached to a request. Either field may be empty.
type Auth struct {
	Token  string // bearer access token
	Cookie string // zuid session cookie
}

// Response is a fully read HTTP response.
type Response struct {
	Status  int
	Body    []byte
	Header  http.Header
	Cookies []*http.Cookie
}

// Cookie returns the value of the named response cookie, or "".
func (r *Response) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Transport handles low-level HTTP communication with the backend.
// It manages rate limiting, auth headers, and request/response logging.
type Transport struct {
	host    string // scheme://host, for unversioned endpoints
	baseURL string // host plus version prefix
	client  *http.Client
	log     *zap.SugaredLogger
}

// NewTransport creates a transport. version is the path prefix such as "v6";
// empty means unversioned.
func NewTransport(host, version string, tlsConf *tls.Config, log *zap.SugaredLogger) *Transport {
	client := &http.Client{Timeout: 60 * time.Second}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	base := host
	if version != "" {
		base = host + "/" + version
	}
	return &Transport{host: host, baseURL: base, client: client, log: log}
}

// Do executes an HTTP request with automatic retry on 429 (Too Many Requests).
// It respects the Retry-After header, capping the wait at 10 minutes.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	const maxRetries = 3
	const maxWait = 10 * time.Minute

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
	}

	for attempt := range maxRetries + 1 {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.log.Debugw("http", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		wait := time.Duration(5<<attempt) * time.Second // 5s, 10s, 20s, 40s
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)

		if attempt == maxRetries {
			t.log.Warnw("rate limited, no retries left", "method", req.Method, "path", req.URL.Path)
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}, nil
		}

		t.log.Infow("rate limited, retrying",
			"method", req.Method, "path", req.URL.Path, "wait", wait, "attempt", attempt+1)

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("transport: retry loop exhausted")
}

// request describes one call. path is relative to the versioned base unless
// unversioned is set.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	auth        Auth
	unversioned bool
}

func (t *Transport) send(ctx context.Context, r request) (*Response, error) {
	base := t.baseURL
	if r.unversioned {
		base = t.host
	}
	u := base + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if r.auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.auth.Token)
	}
	if r.auth.Cookie != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: r.auth.Cookie})
	}

	resp, err := t.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	return &Response{
		Status:  resp.StatusCode,
		Body:    data,
		Header:  resp.Header,
		Cookies: resp.Cookies(),
	}, nil
}

// Get performs a GET request.
func (t *Transport) Get(ctx context.Context, path string, query url.Values, auth Auth) (*Response, error) {
	return t.send(ctx, request{method: http.MethodGet, path: path, query: query, auth: auth})
}

// GetUnversioned performs a GET against the host root, bypassing the version prefix.
func (t *Transport) GetUnversioned(ctx context.Context, path string) (*Response, error) {
	return t.send(ctx, request{method: http.MethodGet, path: path, unversioned: true})
}

// PostJSON performs a POST request with a JSON body. A nil body sends none.
func (t *Transport) PostJSON(ctx context.Context, path string, query url.Values, body any, auth Auth) (*Response, error) {
	return t.sendJSON(ctx, http.MethodPost, path, query, body, auth)
}

// PutJSON performs a PUT request with a JSON body.
func (t *Transport) PutJSON(ctx context.Context, path string, body any, auth Auth) (*Response, error) {
	return t.sendJSON(ctx, http.MethodPut, path, nil, body, auth)
}

// PostProtobuf performs a POST request with a protobuf body.
func (t *Transport) PostProtobuf(ctx context.Context, path string, query url.Values, body []byte, auth Auth) (*Response, error) {
	return t.send(ctx, request{
		method: http.MethodPost, path: path, query: query,
		body: body, contentType: "application/x-protobuf", auth: auth,
	})
}

func (t *Transport) sendJSON(ctx context.Context, method, path string, query url.Values, body any, auth Auth) (*Response, error) {
	r := request{method: method, path: path, query: query, auth: auth}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal request: %w", err)
		}
		r.body = data
		r.contentType = "application/json"
	}
	return t.send(ctx, r)
}

// decodeJSON unmarshals a response body into result, mapping error statuses
// to typed errors first.
func decodeJSON(resp *Response, result any) error {
	if err := statusError(resp.Status, resp.Body); err != nil {
		return err
	}
	if result != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return nil
}
