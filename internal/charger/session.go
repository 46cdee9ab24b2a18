package charger

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

const (
	defaultCallTimeout = 30 * time.Second
	writeTimeout       = 15 * time.Second
	pingInterval       = 30 * time.Second
	readLimit          = 1024 * 1024
	sendBuffer         = 32
	eventBuffer        = 64
)

// ErrNoSession reports a call against a charger that is not connected.
var ErrNoSession = ocpp.NewError(ocpp.CodeChargerUnavailable, "charger is not connected")

// transaction ids assigned by the proxy survive a charger reconnect
var transactionSeq atomic.Int64

type callOutcome struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	done  chan callOutcome
	timer *time.Timer
}

// Snapshot is the observable state of the charger connection.
type Snapshot struct {
	Identity          string       `json:"identity"`
	Version           ocpp.Version `json:"version"`
	Status            ocpp.Status  `json:"status"`
	OpenTransactionID string       `json:"open_transaction_id,omitempty"`
	LastMeterWh       int64        `json:"last_meter_wh"`
	LastSeen          time.Time    `json:"last_seen"`
}

// Session owns the single live charger connection: it serializes all
// writes, answers charger calls through the codec, keeps the
// pending-call table for proxy-originated calls, and publishes
// normalized events in charger-observation order.
type Session struct {
	identity string
	codec    ocpp.Codec
	conn     *websocket.Conn
	logger   *zap.Logger
	ids      ocpp.MessageIDs

	send   chan []byte
	events chan ocpp.Event

	mu       sync.Mutex
	pending  map[string]*pendingCall
	status   ocpp.Status
	openTx   string
	meterWh  int64
	lastSeen time.Time
	closed   bool

	done chan struct{}
}

// NewSession wraps an upgraded charger connection.
func NewSession(identity string, version ocpp.Version, conn *websocket.Conn, logger *zap.Logger) *Session {
	return &Session{
		identity: identity,
		codec:    ocpp.NewCodec(version),
		conn:     conn,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		events:   make(chan ocpp.Event, eventBuffer),
		pending:  make(map[string]*pendingCall),
		status:   ocpp.StatusUnknown,
		lastSeen: time.Now().UTC(),
		done:     make(chan struct{}),
	}
}

// Version returns the negotiated protocol version.
func (s *Session) Version() ocpp.Version {
	return s.codec.Version()
}

// Events is the ordered stream of charger observations. The channel is
// closed after a final ChargerDisconnected event when the session ends.
func (s *Session) Events() <-chan ocpp.Event {
	return s.events
}

// Run pumps the connection until it closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	go s.writePump(ctx)
	s.readPump(ctx)
}

// Snapshot reports the current charger state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Identity:          s.identity,
		Version:           s.codec.Version(),
		Status:            s.status,
		OpenTransactionID: s.openTx,
		LastMeterWh:       s.meterWh,
		LastSeen:          s.lastSeen,
	}
}

// Call encodes a command, transmits it, and waits for the charger's
// answer. The outcome is the CallResult payload, or a coded error for a
// CallError, timeout, or connection loss.
func (s *Session) Call(ctx context.Context, cmd ocpp.Command) (json.RawMessage, error) {
	id := s.ids.Next()
	frame, err := s.codec.EncodeCommand(id, cmd)
	if err != nil {
		return nil, err
	}
	data, err := frame.MarshalJSON()
	if err != nil {
		return nil, err
	}

	call := &pendingCall{done: make(chan callOutcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	s.pending[id] = call
	call.timer = time.AfterFunc(defaultCallTimeout, func() {
		s.completeCall(id, callOutcome{err: ocpp.NewError(ocpp.CodeCallTimeout, "no answer for %s within %s", cmd.Type, defaultCallTimeout)})
	})
	s.mu.Unlock()

	if err := s.enqueue(data); err != nil {
		s.completeCall(id, callOutcome{err: err})
	}

	select {
	case outcome := <-call.done:
		return outcome.payload, outcome.err
	case <-ctx.Done():
		s.completeCall(id, callOutcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// Close tears the connection down.
func (s *Session) Close() {
	_ = s.conn.Close()
}

func (s *Session) enqueue(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNoSession
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrNoSession
	}
}

func (s *Session) readPump(ctx context.Context) {
	defer s.cleanup()
	s.conn.SetReadLimit(readLimit)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("charger connection closed", zap.String("identity", s.identity), zap.Error(err))
			return
		}
		s.touch()

		frame, err := ocpp.ParseFrame(message)
		if err != nil {
			if frame == nil || frame.ID == "" {
				s.logger.Warn("unrecoverable charger frame, closing", zap.Error(err))
				return
			}
			s.reply(ocpp.NewCallError(frame.ID, ocpp.CodeInvalidFrame, err.Error()))
			continue
		}

		switch frame.Type {
		case ocpp.MessageTypeCall:
			s.handleCall(frame)
		case ocpp.MessageTypeCallResult:
			s.completeCall(frame.ID, callOutcome{payload: frame.Payload})
		case ocpp.MessageTypeCallError:
			s.completeCall(frame.ID, callOutcome{err: &ocpp.Error{
				Code:        ocpp.Code(frame.ErrorCode),
				Description: frame.ErrorDescription,
			}})
		}
	}
}

func (s *Session) handleCall(frame *ocpp.Frame) {
	cc := ocpp.CallContext{
		Now:               time.Now().UTC(),
		TransactionOpen:   s.transactionOpen(),
		NextTransactionID: nextTransactionID,
	}
	outcome, err := s.codec.DecodeCall(frame.Action, frame.Payload, cc)
	if err != nil {
		code := ocpp.CodeOf(err)
		if code == "" {
			code = ocpp.CodeMalformedPayload
		}
		s.logger.Warn("charger call rejected",
			zap.String("action", frame.Action),
			zap.String("code", string(code)),
			zap.Error(err))
		s.reply(ocpp.NewCallError(frame.ID, code, err.Error()))
		return
	}

	result, err := ocpp.NewCallResult(frame.ID, outcome.Response)
	if err != nil {
		s.logger.Error("encode call result failed", zap.String("action", frame.Action), zap.Error(err))
		return
	}
	s.reply(result)

	if outcome.Event != nil {
		s.observe(*outcome.Event)
		s.events <- *outcome.Event
	}
}

func (s *Session) reply(frame *ocpp.Frame) {
	data, err := frame.MarshalJSON()
	if err != nil {
		s.logger.Error("encode frame failed", zap.Error(err))
		return
	}
	if err := s.enqueue(data); err != nil {
		s.logger.Warn("charger reply dropped", zap.Error(err))
	}
}

func (s *Session) observe(ev ocpp.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case ocpp.EventStatusChanged:
		s.status = ev.Status
	case ocpp.EventTransactionStarted:
		s.openTx = ev.TransactionID
		s.meterWh = ev.MeterWh
	case ocpp.EventMeterSample:
		if ev.MeterWh > 0 {
			s.meterWh = ev.MeterWh
		}
	case ocpp.EventTransactionEnded:
		s.openTx = ""
		s.meterWh = ev.MeterWh
	}
}

func (s *Session) transactionOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openTx != ""
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *Session) cleanup() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close()

	lost := ocpp.NewError(ocpp.CodeConnectionLost, "charger connection lost")
	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.done <- callOutcome{err: lost}
	}

	s.events <- ocpp.Event{Type: ocpp.EventChargerDisconnected, Timestamp: time.Now().UTC()}
	close(s.events)
}

func (s *Session) completeCall(id string, outcome callOutcome) {
	s.mu.Lock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.done <- outcome
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	return ocpp.CodeOf(err) == ocpp.CodeCallTimeout
}

func nextTransactionID() string {
	return strconv.FormatInt(transactionSeq.Add(1), 10)
}
