package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

const (
	sendBuffer   = 32
	writeTimeout = 15 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 256 * 1024
)

// ControlPlane is the arbitration engine seen from a backend connection.
type ControlPlane interface {
	Request(ctx context.Context, backendID string) error
	Release(backendID string) error
	Submit(ctx context.Context, backendID string, cmd ocpp.Command) (json.RawMessage, error)
	HandleDisconnect(backendID string)
}

// InboundBackend serves one remote client connected to /backend. Its
// read loop handles control-protocol requests sequentially, so a single
// backend's submissions apply in submission order.
type InboundBackend struct {
	id       string
	conn     *websocket.Conn
	control  ControlPlane
	registry *Registry
	logger   *zap.Logger

	send chan []byte
	done chan struct{}
}

// NewInboundBackend wraps an upgraded backend connection.
func NewInboundBackend(id string, conn *websocket.Conn, control ControlPlane, registry *Registry, logger *zap.Logger) *InboundBackend {
	return &InboundBackend{
		id:       id,
		conn:     conn,
		control:  control,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (b *InboundBackend) ID() string { return b.id }

func (b *InboundBackend) State() string { return "Connected" }

// DeliverEvent queues an event frame; false reports a drop.
func (b *InboundBackend) DeliverEvent(eventID string, ev ocpp.Event) bool {
	data, err := json.Marshal(NewEventFrame(eventID, ev))
	if err != nil {
		b.logger.Error("encode event frame failed", zap.Error(err))
		return true
	}
	return b.enqueue(data)
}

// DeliverControl queues a control status frame. Control frames matter
// more than telemetry, so a full buffer is drained of one event first.
func (b *InboundBackend) DeliverControl(status, reason string) {
	data, err := json.Marshal(ControlFrame{Type: "control", Status: status, Reason: reason})
	if err != nil {
		b.logger.Error("encode control frame failed", zap.Error(err))
		return
	}
	if b.enqueue(data) {
		return
	}
	select {
	case <-b.send:
	default:
	}
	b.enqueue(data)
}

// Close tears the connection down.
func (b *InboundBackend) Close() {
	_ = b.conn.Close()
}

// Run pumps the connection until it closes.
func (b *InboundBackend) Run(ctx context.Context) {
	go b.writePump(ctx)
	b.readPump(ctx)
}

func (b *InboundBackend) enqueue(data []byte) bool {
	select {
	case <-b.done:
		return true
	default:
	}
	select {
	case b.send <- data:
		return true
	default:
		return false
	}
}

func (b *InboundBackend) readPump(ctx context.Context) {
	defer b.cleanup()
	b.conn.SetReadLimit(readLimit)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := b.conn.ReadMessage()
		if err != nil {
			b.logger.Info("backend connection closed", zap.String("backend_id", b.id), zap.Error(err))
			return
		}

		var req ClientRequest
		if err := json.Unmarshal(message, &req); err != nil {
			b.replyError("", ocpp.CodeInvalidFrame, "request is not valid JSON")
			continue
		}
		b.handle(ctx, req)
	}
}

func (b *InboundBackend) handle(ctx context.Context, req ClientRequest) {
	switch req.Op {
	case OpSubscribe:
		b.registry.SetSubscribed(b.id, true)
		b.replyResult(req.RequestID, json.RawMessage(`{"subscribed":true}`))
	case OpUnsubscribe:
		b.registry.SetSubscribed(b.id, false)
		b.replyResult(req.RequestID, json.RawMessage(`{"subscribed":false}`))
	case OpRequestControl:
		if err := b.control.Request(ctx, b.id); err != nil {
			b.replyControl(ControlDenied, string(codeOf(err)), req.RequestID)
			return
		}
		b.replyControl(ControlGranted, "", req.RequestID)
	case OpReleaseControl:
		if err := b.control.Release(b.id); err != nil {
			b.replyError(req.RequestID, codeOf(err), err.Error())
			return
		}
		b.replyResult(req.RequestID, json.RawMessage(`{"released":true}`))
	case OpCommand:
		if req.Command == nil {
			b.replyError(req.RequestID, ocpp.CodeMalformedPayload, "command op without command object")
			return
		}
		result, err := b.control.Submit(ctx, b.id, *req.Command)
		if err != nil {
			b.replyError(req.RequestID, codeOf(err), err.Error())
			return
		}
		b.replyResult(req.RequestID, result)
	default:
		b.replyError(req.RequestID, ocpp.CodeNotImplemented, "unknown op "+req.Op)
	}
}

func (b *InboundBackend) replyControl(status, reason, requestID string) {
	b.reply(ControlFrame{Type: "control", Status: status, Reason: reason, RequestID: requestID})
}

func (b *InboundBackend) replyResult(requestID string, result json.RawMessage) {
	if result == nil {
		result = json.RawMessage(`null`)
	}
	b.reply(ResultFrame{Type: "result", RequestID: requestID, Result: result})
}

func (b *InboundBackend) replyError(requestID string, code ocpp.Code, message string) {
	b.reply(ErrorFrame{Type: "error", Code: string(code), Message: message, RequestID: requestID})
}

func (b *InboundBackend) reply(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("encode backend reply failed", zap.Error(err))
		return
	}
	// Replies share the send queue with broadcasts so each backend's
	// socket has a single writer.
	if !b.enqueue(data) {
		b.logger.Warn("backend reply dropped, buffer full", zap.String("backend_id", b.id))
	}
}

func (b *InboundBackend) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = b.conn.Close()
			return
		case <-b.done:
			return
		case msg := <-b.send:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := b.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = b.conn.Close()
				return
			}
		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = b.conn.Close()
				return
			}
		}
	}
}

func (b *InboundBackend) cleanup() {
	close(b.done)
	_ = b.conn.Close()
	b.registry.Unregister(b.id)
	b.control.HandleDisconnect(b.id)
}

func codeOf(err error) ocpp.Code {
	if code := ocpp.CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ocpp.CodeCallTimeout
	}
	return ocpp.Code("InternalError")
}
