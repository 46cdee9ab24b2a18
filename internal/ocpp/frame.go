package ocpp

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// MessageType values as per the OCPP-J framing.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Frame is one OCPP-J wire message. The same shape is used by both
// protocol versions; only payload contents differ.
type Frame struct {
	Type             int
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseFrame decodes a raw WebSocket text frame into a Frame.
// Every failure is a CodeInvalidFrame error. When the message id could be
// recovered, the returned Frame is non-nil with ID set so callers can
// answer with a CallError; otherwise the Frame is nil.
func ParseFrame(data []byte) (*Frame, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		return nil, NewError(CodeInvalidFrame, "frame is not a JSON array")
	}
	if len(array) < 3 {
		return nil, NewError(CodeInvalidFrame, "frame has %d elements, expected at least 3", len(array))
	}

	var msgType int
	if err := json.Unmarshal(array[0], &msgType); err != nil {
		return nil, NewError(CodeInvalidFrame, "message type is not a number")
	}
	var id string
	if err := json.Unmarshal(array[1], &id); err != nil {
		return nil, NewError(CodeInvalidFrame, "message id is not a string")
	}

	frame := &Frame{Type: msgType, ID: id}
	switch msgType {
	case MessageTypeCall:
		if len(array) != 4 {
			return frame, NewError(CodeInvalidFrame, "call frame has %d elements, expected 4", len(array))
		}
		if err := json.Unmarshal(array[2], &frame.Action); err != nil {
			return frame, NewError(CodeInvalidFrame, "call action is not a string")
		}
		frame.Payload = array[3]
	case MessageTypeCallResult:
		frame.Payload = array[2]
	case MessageTypeCallError:
		if len(array) != 5 {
			return frame, NewError(CodeInvalidFrame, "call error frame has %d elements, expected 5", len(array))
		}
		if err := json.Unmarshal(array[2], &frame.ErrorCode); err != nil {
			return frame, NewError(CodeInvalidFrame, "error code is not a string")
		}
		if err := json.Unmarshal(array[3], &frame.ErrorDescription); err != nil {
			return frame, NewError(CodeInvalidFrame, "error description is not a string")
		}
		frame.ErrorDetails = array[4]
	default:
		return frame, NewError(CodeInvalidFrame, "unknown message type %d", msgType)
	}
	return frame, nil
}

// MarshalJSON renders the frame as the OCPP-J array shape.
func (f *Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case MessageTypeCall:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{f.Type, f.ID, f.Action, payload})
	case MessageTypeCallResult:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{f.Type, f.ID, payload})
	case MessageTypeCallError:
		details := f.ErrorDetails
		if details == nil {
			details = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{f.Type, f.ID, f.ErrorCode, f.ErrorDescription, details})
	}
	return nil, NewError(CodeInvalidFrame, "cannot marshal message type %d", f.Type)
}

// NewCall builds a Call frame with a marshaled payload.
func NewCall(id, action string, payload any) (*Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: MessageTypeCall, ID: id, Action: action, Payload: body}, nil
}

// NewCallResult builds a CallResult frame with a marshaled payload.
func NewCallResult(id string, payload any) (*Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: MessageTypeCallResult, ID: id, Payload: body}, nil
}

// NewCallError builds a CallError frame.
func NewCallError(id string, code Code, description string) *Frame {
	return &Frame{
		Type:             MessageTypeCallError,
		ID:               id,
		ErrorCode:        string(code),
		ErrorDescription: description,
	}
}

// MessageIDs hands out message ids unique within a connection lifetime:
// a monotonic counter rendered as a decimal string.
type MessageIDs struct {
	seq atomic.Int64
}

// Next returns the next message id.
func (m *MessageIDs) Next() string {
	return strconv.FormatInt(m.seq.Add(1), 10)
}
