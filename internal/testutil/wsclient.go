// Package testutil provides helpers shared by integration tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/cory-johannsen/drawsync/internal/gateway"
)

// WSClient is a WebSocket test client speaking the drawing protocol.
type WSClient struct {
	conn *gws.Conn
	t    *testing.T
}

// NewWSClient dials url (ws://...) with the given request headers.
//
// Precondition: url must address a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := gws.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("connecting to %s: %v (status %d) [%s]", url, err, status, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes one protocol frame.
func (c *WSClient) Send(frameType string, data interface{}) {
	c.t.Helper()
	frame, err := gateway.Encode(frameType, 0, data)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", frameType, err)
	}
	c.SendRaw(frame)
}

// SendRaw writes a text frame as is.
func (c *WSClient) SendRaw(frame []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(gws.TextMessage, frame); err != nil {
		c.t.Fatalf("sending %s: %v", frame, err)
	}
}

// Read returns the next frame or fails the test after timeout.
func (c *WSClient) Read(timeout time.Duration) gateway.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	env, err := gateway.Decode(data)
	if err != nil {
		c.t.Fatalf("decoding %s: %v", data, err)
	}
	return env
}

// ReadUntil reads frames until one of frameType arrives, discarding the rest.
//
// Postcondition: Returns the matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(frameType string, timeout time.Duration) gateway.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %s", frameType)
		}
		env := c.Read(remaining)
		if env.Type == frameType {
			return env
		}
	}
}

// Decode unmarshals the data of env into v or fails the test.
func (c *WSClient) Decode(env gateway.Envelope, v interface{}) {
	c.t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.t.Fatalf("decoding %s data %s: %v", env.Type, env.Data, err)
	}
}

// Conn exposes the underlying connection for tests that need raw control frames.
func (c *WSClient) Conn() *gws.Conn {
	return c.conn
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "")
	_ = c.conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}
