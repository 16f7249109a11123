// Package wirews implements the notification push channel: a WebSocket that
// carries notification frames and answers a binary "ping" with "pong".
package wirews

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

// readLimit bounds a single notification frame.
const readLimit = 4 << 20

// Conn is a single push-channel connection. It does not reconnect.
type Conn struct {
	ws *websocket.Conn
}

// AwaitURL builds the push endpoint URL for a device.
func AwaitURL(wsHost, clientID, accessToken string) string {
	q := url.Values{}
	q.Set("client", clientID)
	q.Set("access_token", accessToken)
	return wsHost + "/await?" + q.Encode()
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConf},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("wirews: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// ReadFrame returns the next frame payload. Heartbeat replies are reported
// with isPong set and must not be decoded as notifications.
func (c *Conn) ReadFrame(ctx context.Context) (data []byte, isPong bool, err error) {
	_, data, err = c.ws.Read(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("wirews: read: %w", err)
	}
	return data, bytes.Equal(data, pongFrame), nil
}

// Ping sends one heartbeat frame.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, pingFrame); err != nil {
		return fmt.Errorf("wirews: ping: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
