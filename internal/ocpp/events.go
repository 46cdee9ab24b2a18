package ocpp

import "time"

// EventType names one entry of the version-agnostic event vocabulary.
type EventType string

const (
	EventBootNotification    EventType = "boot"
	EventHeartbeat           EventType = "heartbeat"
	EventStatusChanged       EventType = "status"
	EventTransactionStarted  EventType = "transaction_started"
	EventMeterSample         EventType = "meter"
	EventTransactionEnded    EventType = "transaction_stopped"
	EventChargerDisconnected EventType = "charger_disconnected"
)

// Event is a normalized charger observation. It is broadcast to
// backends as the body of a {"type":"event"} frame.
type Event struct {
	Type          EventType `json:"event"`
	Timestamp     time.Time `json:"timestamp"`
	ConnectorID   int       `json:"connectorId,omitempty"`
	Status        Status    `json:"status,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	IDTag         string    `json:"idTag,omitempty"`
	MeterWh       int64     `json:"meterWh,omitempty"`
	Vendor        string    `json:"vendor,omitempty"`
	Model         string    `json:"model,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// CommandType names one entry of the version-agnostic command vocabulary.
type CommandType string

const (
	CommandRemoteStart        CommandType = "RemoteStart"
	CommandRemoteStop         CommandType = "RemoteStop"
	CommandReset              CommandType = "Reset"
	CommandChangeAvailability CommandType = "ChangeAvailability"
)

// Command is a normalized charger command as submitted by backends.
type Command struct {
	Type             CommandType `json:"type"`
	IDTag            string      `json:"idTag,omitempty"`
	ConnectorID      int         `json:"connectorId,omitempty"`
	TransactionID    string      `json:"transactionId,omitempty"`
	ResetType        string      `json:"resetType,omitempty"`
	AvailabilityType string      `json:"availabilityType,omitempty"`
}

// Validate rejects commands whose required fields are missing.
func (c Command) Validate() error {
	switch c.Type {
	case CommandRemoteStart:
		if c.IDTag == "" {
			return NewError(CodeMalformedPayload, "RemoteStart requires idTag")
		}
	case CommandRemoteStop:
		if c.TransactionID == "" {
			return NewError(CodeMalformedPayload, "RemoteStop requires transactionId")
		}
	case CommandReset:
		switch c.ResetType {
		case "", "Soft", "Hard":
		default:
			return NewError(CodeMalformedPayload, "unknown reset type %q", c.ResetType)
		}
	case CommandChangeAvailability:
		switch c.AvailabilityType {
		case "Operative", "Inoperative":
		default:
			return NewError(CodeMalformedPayload, "unknown availability type %q", c.AvailabilityType)
		}
	default:
		return NewError(CodeNotImplemented, "unknown command type %q", c.Type)
	}
	return nil
}
