package outbound

import (
	"context"
	"encoding/base64"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/registry"
)

const (
	backoffInitial = time.Second
	backoffCap     = 60 * time.Second
	backoffJitter  = 0.2
	writeTimeout   = 15 * time.Second
	sendBuffer     = 32
	pendingCap     = 256
)

// Connection states surfaced in the status endpoint.
const (
	StateConnecting   = "Connecting"
	StateConnected    = "Connected"
	StateDisconnected = "Disconnected"
	StateFailed       = "Failed"
)

// Client maintains one long-lived connection to a configured OCPP
// service. On its forward leg the remote service is the CSMS: the
// client forwards charger events as OCPP calls and answers the remote's
// command calls by submitting them through the arbitration engine under
// its configured id.
type Client struct {
	service  config.Service
	codec    ocpp.Codec
	control  registry.ControlPlane
	registry *registry.Registry
	logger   *zap.Logger
	ids      ocpp.MessageIDs

	send chan []byte

	mu      sync.Mutex
	conn    *websocket.Conn
	state   string
	pending map[string]string
}

// NewClient builds a client for one ocpp_services entry.
func NewClient(service config.Service, control registry.ControlPlane, reg *registry.Registry, logger *zap.Logger) *Client {
	version := ocpp.V16
	if service.Version == string(ocpp.V201) {
		version = ocpp.V201
	}
	return &Client{
		service:  service,
		codec:    ocpp.NewCodec(version),
		control:  control,
		registry: reg,
		logger:   logger.With(zap.String("service_id", service.ID)),
		send:     make(chan []byte, sendBuffer),
		state:    StateDisconnected,
		pending:  make(map[string]string),
	}
}

func (c *Client) ID() string { return c.service.ID }

func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeliverEvent forwards a charger event to the remote service as an
// OCPP call; false reports a drop.
func (c *Client) DeliverEvent(_ string, ev ocpp.Event) bool {
	id := c.ids.Next()
	frame, ok, err := c.codec.EncodeEventCall(id, ev)
	if err != nil {
		c.logger.Warn("encode event call failed", zap.Error(err))
		return true
	}
	if !ok {
		return true
	}
	data, err := frame.MarshalJSON()
	if err != nil {
		return true
	}

	c.mu.Lock()
	if len(c.pending) < pendingCap {
		c.pending[id] = frame.Action
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
		return true
	default:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return false
	}
}

// DeliverControl has no wire shape on the OCPP leg; revocations are
// only logged for outbound services.
func (c *Client) DeliverControl(status, reason string) {
	c.logger.Info("control state changed",
		zap.String("status", status),
		zap.String("reason", reason))
}

// Close drops the active connection; the reconnect loop owns recovery.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run dials and serves the connection until ctx is cancelled,
// reconnecting with capped exponential backoff and jitter.
func (c *Client) Run(ctx context.Context) {
	delay := backoffInitial
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateFailed)
			c.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jittered(delay)):
			}
			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}
			continue
		}

		if c.serve(ctx, conn) {
			delay = backoffInitial
		} else {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jittered(delay)):
			}
			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}
		}
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{c.codec.Version().Subprotocol()},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	switch c.service.AuthType {
	case config.AuthBasic:
		credentials := base64.StdEncoding.EncodeToString([]byte(c.service.Username + ":" + c.service.Password))
		header.Set("Authorization", "Basic "+credentials)
	case config.AuthToken:
		header.Set("Authorization", "Bearer "+c.service.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.service.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, ocpp.NewError(ocpp.CodeHandshakeFailed, "dial %s: %v", c.service.URL, err)
	}
	return conn, nil
}

// serve pumps one connection; false means registration was rejected.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) bool {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.pending = make(map[string]string)
	c.mu.Unlock()

	if err := c.registry.Register(c); err != nil {
		c.logger.Error("registration rejected", zap.Error(err))
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return false
	}
	c.logger.Info("connected", zap.String("url", c.service.URL))

	serveCtx, cancel := context.WithCancel(ctx)
	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		c.writePump(serveCtx, conn)
	}()

	c.readPump(serveCtx, conn)

	cancel()
	_ = conn.Close()
	writers.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.registry.Unregister(c.service.ID)
	c.control.HandleDisconnect(c.service.ID)
	c.logger.Info("disconnected")
	return true
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := ocpp.ParseFrame(message)
		if err != nil {
			if frame == nil || frame.ID == "" {
				c.logger.Warn("unrecoverable frame from service", zap.Error(err))
				return
			}
			c.replyFrame(ocpp.NewCallError(frame.ID, ocpp.CodeInvalidFrame, err.Error()))
			continue
		}

		switch frame.Type {
		case ocpp.MessageTypeCall:
			c.handleRemoteCall(ctx, frame)
		case ocpp.MessageTypeCallResult:
			c.settlePending(frame.ID, "")
		case ocpp.MessageTypeCallError:
			c.settlePending(frame.ID, frame.ErrorCode)
		}
	}
}

// handleRemoteCall translates a command-class call from the remote CSMS
// into an internal command. The service requests control like any other
// backend before its command is forwarded.
func (c *Client) handleRemoteCall(ctx context.Context, frame *ocpp.Frame) {
	cmd, err := c.codec.DecodeCommandCall(frame.Action, frame.Payload)
	if err != nil {
		code := ocpp.CodeOf(err)
		if code == "" {
			code = ocpp.CodeNotImplemented
		}
		c.replyFrame(ocpp.NewCallError(frame.ID, code, err.Error()))
		return
	}

	// AlreadyHeld falls through: when this service is the holder the
	// re-request is rejected by design, and Submit still verifies
	// holder identity, so a lock held by anyone else fails there.
	if err := c.control.Request(ctx, c.service.ID); err != nil && ocpp.CodeOf(err) != ocpp.CodeAlreadyHeld {
		c.logger.Info("control denied for service command",
			zap.String("action", frame.Action),
			zap.String("code", string(ocpp.CodeOf(err))))
		c.replyStatus(frame.ID, "Rejected")
		return
	}

	if _, err := c.control.Submit(ctx, c.service.ID, cmd); err != nil {
		c.logger.Warn("service command failed",
			zap.String("action", frame.Action),
			zap.Error(err))
		c.replyStatus(frame.ID, "Rejected")
		return
	}
	c.replyStatus(frame.ID, "Accepted")
}

func (c *Client) replyStatus(id, status string) {
	frame, err := ocpp.NewCallResult(id, map[string]string{"status": status})
	if err != nil {
		return
	}
	c.replyFrame(frame)
}

func (c *Client) replyFrame(frame *ocpp.Frame) {
	data, err := frame.MarshalJSON()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("reply to service dropped, buffer full")
	}
}

func (c *Client) settlePending(id, errorCode string) {
	c.mu.Lock()
	action, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if errorCode != "" {
		c.logger.Warn("service rejected forwarded event",
			zap.String("action", action),
			zap.String("code", errorCode))
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func jittered(d time.Duration) time.Duration {
	spread := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	return time.Duration(float64(d) * spread)
}
