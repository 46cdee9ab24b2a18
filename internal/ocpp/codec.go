package ocpp

import (
	"encoding/json"
	"time"
)

// Version tags one of the two supported wire dialects.
type Version string

const (
	V16  Version = "1.6"
	V201 Version = "2.0.1"
)

// Subprotocol returns the WebSocket subprotocol name for the version.
func (v Version) Subprotocol() string {
	if v == V201 {
		return "ocpp2.0.1"
	}
	return "ocpp1.6"
}

// CallContext carries the facts a codec needs to decode a charger call.
// The codec itself stays pure: no clock, no connection state.
type CallContext struct {
	Now             time.Time
	TransactionOpen bool
	// NextTransactionID assigns a proxy transaction id for dialects
	// where the CSMS names the transaction (1.6 StartTransaction).
	NextTransactionID func() string
}

// CallOutcome is the result of decoding one charger-originated call:
// the normalized event (nil for pure acknowledgements) and the payload
// to answer the charger with.
type CallOutcome struct {
	Event    *Event
	Response any
}

// Codec translates between one wire dialect and the internal
// event/command vocabulary.
type Codec interface {
	Version() Version
	// DecodeCall handles a Call received from the charger.
	DecodeCall(action string, payload json.RawMessage, cc CallContext) (CallOutcome, error)
	// EncodeCommand renders an internal command as a Call frame.
	EncodeCommand(id string, cmd Command) (*Frame, error)
	// DecodeCommandCall translates a command-class Call received on the
	// outbound leg (where the remote service plays CSMS) into an
	// internal command.
	DecodeCommandCall(action string, payload json.RawMessage) (Command, error)
	// EncodeEventCall renders an internal event as a Call frame for the
	// outbound leg. ok is false for events the dialect cannot carry.
	EncodeEventCall(id string, ev Event) (frame *Frame, ok bool, err error)
}

// NewCodec returns the codec for a negotiated version.
func NewCodec(v Version) Codec {
	if v == V201 {
		return &codecV201{}
	}
	return &codecV16{}
}

func decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if len(payload) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, NewError(CodeMalformedPayload, "%v", err)
	}
	return target, nil
}
