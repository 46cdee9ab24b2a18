package ocpp

import (
	"encoding/json"
	"time"
)

// OCPP 2.0.1 action names that differ from 1.6.
const (
	actionTransactionEvent        = "TransactionEvent"
	actionRequestStartTransaction = "RequestStartTransaction"
	actionRequestStopTransaction  = "RequestStopTransaction"
)

type chargingStationV201 struct {
	Model      string `json:"model"`
	VendorName string `json:"vendorName"`
}

type bootNotificationReqV201 struct {
	ChargingStation chargingStationV201 `json:"chargingStation"`
	Reason          string              `json:"reason"`
}

type bootNotificationRespV201 struct {
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
	Status      string    `json:"status"`
}

type statusNotificationReqV201 struct {
	Timestamp       time.Time `json:"timestamp"`
	ConnectorStatus string    `json:"connectorStatus"`
	EvseID          int       `json:"evseId"`
	ConnectorID     int       `json:"connectorId"`
}

type sampledValueV201 struct {
	Value         float64 `json:"value"`
	Measurand     string  `json:"measurand,omitempty"`
	UnitOfMeasure *struct {
		Unit string `json:"unit,omitempty"`
	} `json:"unitOfMeasure,omitempty"`
}

type meterValueV201 struct {
	Timestamp    time.Time          `json:"timestamp"`
	SampledValue []sampledValueV201 `json:"sampledValue"`
}

type transactionInfoV201 struct {
	TransactionID string `json:"transactionId"`
	StoppedReason string `json:"stoppedReason,omitempty"`
}

type evseV201 struct {
	ID int `json:"id"`
}

type idTokenV201 struct {
	IDToken string `json:"idToken"`
	Type    string `json:"type,omitempty"`
}

type transactionEventReqV201 struct {
	EventType       string              `json:"eventType"`
	Timestamp       time.Time           `json:"timestamp"`
	TriggerReason   string              `json:"triggerReason"`
	SeqNo           int                 `json:"seqNo"`
	TransactionInfo transactionInfoV201 `json:"transactionInfo"`
	Evse            *evseV201           `json:"evse,omitempty"`
	IDToken         *idTokenV201        `json:"idToken,omitempty"`
	MeterValue      []meterValueV201    `json:"meterValue,omitempty"`
}

type idTokenInfoV201 struct {
	Status string `json:"status"`
}

type transactionEventRespV201 struct {
	IDTokenInfo *idTokenInfoV201 `json:"idTokenInfo,omitempty"`
}

type authorizeReqV201 struct {
	IDToken idTokenV201 `json:"idToken"`
}

type authorizeRespV201 struct {
	IDTokenInfo idTokenInfoV201 `json:"idTokenInfo"`
}

type requestStartTransactionV201 struct {
	EvseID        int         `json:"evseId,omitempty"`
	RemoteStartID int         `json:"remoteStartId"`
	IDToken       idTokenV201 `json:"idToken"`
}

type requestStopTransactionV201 struct {
	TransactionID string `json:"transactionId"`
}

type resetV201 struct {
	Type string `json:"type"`
}

type changeAvailabilityV201 struct {
	OperationalStatus string    `json:"operationalStatus"`
	Evse              *evseV201 `json:"evse,omitempty"`
}

type codecV201 struct{}

func (c *codecV201) Version() Version { return V201 }

func (c *codecV201) DecodeCall(action string, payload json.RawMessage, cc CallContext) (CallOutcome, error) {
	switch action {
	case actionBootNotification:
		req, err := decode[bootNotificationReqV201](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		return CallOutcome{
			Event: &Event{
				Type:      EventBootNotification,
				Timestamp: cc.Now,
				Vendor:    req.ChargingStation.VendorName,
				Model:     req.ChargingStation.Model,
				Reason:    req.Reason,
			},
			Response: bootNotificationRespV201{CurrentTime: cc.Now, Interval: bootHeartbeatInterval, Status: statusAccepted},
		}, nil

	case actionHeartbeat:
		return CallOutcome{
			Event:    &Event{Type: EventHeartbeat, Timestamp: cc.Now},
			Response: heartbeatResp{CurrentTime: cc.Now},
		}, nil

	case actionStatusNotification:
		req, err := decode[statusNotificationReqV201](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		ts := req.Timestamp
		if ts.IsZero() {
			ts = cc.Now
		}
		return CallOutcome{
			Event: &Event{
				Type:        EventStatusChanged,
				Timestamp:   ts,
				ConnectorID: req.ConnectorID,
				Status:      statusFromV201(req.ConnectorStatus, cc.TransactionOpen),
			},
			Response: struct{}{},
		}, nil

	case actionMeterValues:
		req, err := decode[struct {
			EvseID     int              `json:"evseId"`
			MeterValue []meterValueV201 `json:"meterValue"`
		}](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		ev := &Event{Type: EventMeterSample, Timestamp: cc.Now, ConnectorID: req.EvseID}
		if wh, ts, ok := latestEnergySampleV201(req.MeterValue); ok {
			ev.MeterWh = wh
			if !ts.IsZero() {
				ev.Timestamp = ts
			}
		}
		return CallOutcome{Event: ev, Response: struct{}{}}, nil

	case actionTransactionEvent:
		return c.decodeTransactionEvent(payload, cc)

	case actionAuthorize:
		if _, err := decode[authorizeReqV201](payload); err != nil {
			return CallOutcome{}, err
		}
		return CallOutcome{Response: authorizeRespV201{IDTokenInfo: idTokenInfoV201{Status: statusAccepted}}}, nil
	}
	return CallOutcome{}, NewError(CodeNotImplemented, "unsupported action %s", action)
}

func (c *codecV201) decodeTransactionEvent(payload json.RawMessage, cc CallContext) (CallOutcome, error) {
	req, err := decode[transactionEventReqV201](payload)
	if err != nil {
		return CallOutcome{}, err
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = cc.Now
	}
	connectorID := 1
	if req.Evse != nil {
		connectorID = req.Evse.ID
	}
	meterWh, sampleTs, hasMeter := latestEnergySampleV201(req.MeterValue)

	switch req.EventType {
	case "Started":
		ev := &Event{
			Type:          EventTransactionStarted,
			Timestamp:     ts,
			ConnectorID:   connectorID,
			TransactionID: req.TransactionInfo.TransactionID,
		}
		if req.IDToken != nil {
			ev.IDTag = req.IDToken.IDToken
		}
		if hasMeter {
			ev.MeterWh = meterWh
		}
		return CallOutcome{
			Event:    ev,
			Response: transactionEventRespV201{IDTokenInfo: &idTokenInfoV201{Status: statusAccepted}},
		}, nil

	case "Ended":
		ev := &Event{
			Type:          EventTransactionEnded,
			Timestamp:     ts,
			TransactionID: req.TransactionInfo.TransactionID,
			Reason:        req.TransactionInfo.StoppedReason,
		}
		if hasMeter {
			ev.MeterWh = meterWh
		}
		return CallOutcome{
			Event:    ev,
			Response: transactionEventRespV201{IDTokenInfo: &idTokenInfoV201{Status: statusAccepted}},
		}, nil
	}

	// Updated and other event types acknowledge and surface the meter
	// sample when one is attached.
	if hasMeter {
		if !sampleTs.IsZero() {
			ts = sampleTs
		}
		return CallOutcome{
			Event: &Event{
				Type:          EventMeterSample,
				Timestamp:     ts,
				ConnectorID:   connectorID,
				TransactionID: req.TransactionInfo.TransactionID,
				MeterWh:       meterWh,
			},
			Response: transactionEventRespV201{},
		}, nil
	}
	return CallOutcome{Response: transactionEventRespV201{}}, nil
}

func (c *codecV201) EncodeCommand(id string, cmd Command) (*Frame, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	switch cmd.Type {
	case CommandRemoteStart:
		req := requestStartTransactionV201{
			RemoteStartID: 1,
			IDToken:       idTokenV201{IDToken: cmd.IDTag, Type: "Central"},
		}
		if cmd.ConnectorID > 0 {
			req.EvseID = cmd.ConnectorID
		}
		return NewCall(id, actionRequestStartTransaction, req)
	case CommandRemoteStop:
		return NewCall(id, actionRequestStopTransaction, requestStopTransactionV201{TransactionID: cmd.TransactionID})
	case CommandReset:
		resetType := "OnIdle"
		if cmd.ResetType == "Hard" {
			resetType = "Immediate"
		}
		return NewCall(id, actionReset, resetV201{Type: resetType})
	case CommandChangeAvailability:
		req := changeAvailabilityV201{OperationalStatus: cmd.AvailabilityType}
		if cmd.ConnectorID > 0 {
			req.Evse = &evseV201{ID: cmd.ConnectorID}
		}
		return NewCall(id, actionChangeAvailability, req)
	}
	return nil, NewError(CodeNotImplemented, "unsupported command %s", cmd.Type)
}

func (c *codecV201) DecodeCommandCall(action string, payload json.RawMessage) (Command, error) {
	switch action {
	case actionRequestStartTransaction:
		req, err := decode[requestStartTransactionV201](payload)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CommandRemoteStart, IDTag: req.IDToken.IDToken, ConnectorID: req.EvseID}, nil
	case actionRequestStopTransaction:
		req, err := decode[requestStopTransactionV201](payload)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CommandRemoteStop, TransactionID: req.TransactionID}, nil
	case actionReset:
		req, err := decode[resetV201](payload)
		if err != nil {
			return Command{}, err
		}
		resetType := "Soft"
		if req.Type == "Immediate" {
			resetType = "Hard"
		}
		return Command{Type: CommandReset, ResetType: resetType}, nil
	case actionChangeAvailability:
		req, err := decode[changeAvailabilityV201](payload)
		if err != nil {
			return Command{}, err
		}
		cmd := Command{Type: CommandChangeAvailability, AvailabilityType: req.OperationalStatus}
		if req.Evse != nil {
			cmd.ConnectorID = req.Evse.ID
		}
		return cmd, nil
	}
	return Command{}, NewError(CodeNotImplemented, "unsupported action %s", action)
}

func (c *codecV201) EncodeEventCall(id string, ev Event) (*Frame, bool, error) {
	switch ev.Type {
	case EventBootNotification:
		frame, err := NewCall(id, actionBootNotification, bootNotificationReqV201{
			ChargingStation: chargingStationV201{Model: ev.Model, VendorName: ev.Vendor},
			Reason:          "PowerUp",
		})
		return frame, true, err
	case EventHeartbeat:
		frame, err := NewCall(id, actionHeartbeat, struct{}{})
		return frame, true, err
	case EventStatusChanged:
		frame, err := NewCall(id, actionStatusNotification, statusNotificationReqV201{
			Timestamp:       ev.Timestamp,
			ConnectorStatus: statusToV201(ev.Status),
			EvseID:          ev.ConnectorID,
			ConnectorID:     ev.ConnectorID,
		})
		return frame, true, err
	case EventTransactionStarted, EventMeterSample, EventTransactionEnded:
		frame, err := NewCall(id, actionTransactionEvent, c.transactionEventFor(ev))
		return frame, true, err
	}
	return nil, false, nil
}

func (c *codecV201) transactionEventFor(ev Event) transactionEventReqV201 {
	req := transactionEventReqV201{
		Timestamp:       ev.Timestamp,
		TransactionInfo: transactionInfoV201{TransactionID: ev.TransactionID},
		Evse:            &evseV201{ID: ev.ConnectorID},
		MeterValue: []meterValueV201{{
			Timestamp: ev.Timestamp,
			SampledValue: []sampledValueV201{{
				Value:     float64(ev.MeterWh),
				Measurand: "Energy.Active.Import.Register",
			}},
		}},
	}
	switch ev.Type {
	case EventTransactionStarted:
		req.EventType = "Started"
		req.TriggerReason = "RemoteStart"
		if ev.IDTag != "" {
			req.IDToken = &idTokenV201{IDToken: ev.IDTag}
		}
	case EventTransactionEnded:
		req.EventType = "Ended"
		req.TriggerReason = "StopAuthorized"
		req.TransactionInfo.StoppedReason = ev.Reason
	default:
		req.EventType = "Updated"
		req.TriggerReason = "MeterValuePeriodic"
	}
	return req
}

func statusToV201(s Status) string {
	switch s {
	case StatusAvailable, StatusReserved, StatusUnavailable, StatusFaulted:
		return string(s)
	case StatusPreparing, StatusCharging, StatusSuspendedEV, StatusSuspendedEVSE, StatusFinishing:
		return "Occupied"
	}
	return "Available"
}

func latestEnergySampleV201(values []meterValueV201) (int64, time.Time, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		for j := len(values[i].SampledValue) - 1; j >= 0; j-- {
			sample := values[i].SampledValue[j]
			if sample.Measurand != "" && sample.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			value := sample.Value
			if sample.UnitOfMeasure != nil && sample.UnitOfMeasure.Unit == "kWh" {
				value *= 1000
			}
			return int64(value), values[i].Timestamp, true
		}
	}
	return 0, time.Time{}, false
}
