package websocket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/drawsync/internal/config"
	"github.com/cory-johannsen/drawsync/internal/gateway"
)

// ErrRateLimited is returned by Recv when the peer exceeded its inbound rate limit.
// The connection has already been closed with a policy violation.
var ErrRateLimited = errors.New("inbound rate limit exceeded")

// Conn adapts a WebSocket connection to gateway.Stream.
// Recv must be called from one goroutine and Send from one other goroutine;
// Close may be called from anywhere.
type Conn struct {
	ws      *gws.Conn
	cfg     config.WebSocketConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps ws and starts its keepalive pings.
//
// Precondition: ws must be an open, freshly upgraded connection; cfg must be valid.
// Postcondition: Returns a Conn with read limit, read deadline and pong handler installed.
func NewConn(ws *gws.Conn, cfg config.WebSocketConfig, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if cfg.RateLimit.PerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}

	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if cfg.PingInterval > 0 {
		go c.keepalive()
	}
	return c
}

func (c *Conn) extendReadDeadline() {
	if c.cfg.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
}

// Recv returns the next inbound text frame. Binary frames are discarded.
//
// Postcondition: Returns an error wrapping gateway.ErrStreamClosed when the peer
// closed normally or Close was called, and ErrRateLimited (after closing the
// connection) when the peer sent faster than its rate limit allows.
func (c *Conn) Recv() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
				return nil, fmt.Errorf("%w: %v", gateway.ErrStreamClosed, err)
			}
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		if msgType != gws.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("message_type", msgType))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("inbound rate limit exceeded, closing connection",
				zap.Float64("per_second", c.cfg.RateLimit.PerSecond),
				zap.Int("burst", c.cfg.RateLimit.Burst),
			)
			_ = c.closeWith(gws.ClosePolicyViolation, "rate limit exceeded")
			return nil, ErrRateLimited
		}
		return data, nil
	}
}

// Send writes one text frame within the configured write timeout.
func (c *Conn) Send(frame []byte) error {
	if c.isClosed() {
		return gateway.ErrStreamClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(gws.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the underlying connection. Safe to call repeatedly.
func (c *Conn) Close() error {
	return c.closeWith(gws.CloseNormalClosure, "")
}

// closeWith closes the connection with code; only the first close sends a frame.
func (c *Conn) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := gws.FormatCloseMessage(code, reason)
		if werr := c.ws.WriteControl(gws.CloseMessage, msg, deadline); werr != nil && !errors.Is(werr, gws.ErrCloseSent) {
			c.logger.Debug("writing close frame", zap.Error(werr))
		}
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// keepalive pings the peer until the connection closes. WriteControl may run
// concurrently with Send.
func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if c.cfg.WriteTimeout <= 0 {
				deadline = time.Now().Add(c.cfg.PingInterval)
			}
			if err := c.ws.WriteControl(gws.PingMessage, nil, deadline); err != nil {
				if !c.isClosed() {
					c.logger.Debug("ping failed", zap.Error(err))
					_ = c.Close()
				}
				return
			}
		}
	}
}
