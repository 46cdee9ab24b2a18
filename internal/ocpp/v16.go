package ocpp

import (
	"encoding/json"
	"strconv"
	"time"
)

// OCPP 1.6 action names.
const (
	actionBootNotification   = "BootNotification"
	actionHeartbeat          = "Heartbeat"
	actionStatusNotification = "StatusNotification"
	actionMeterValues        = "MeterValues"
	actionStartTransaction   = "StartTransaction"
	actionStopTransaction    = "StopTransaction"
	actionAuthorize          = "Authorize"
	actionDataTransfer       = "DataTransfer"

	actionRemoteStartTransaction = "RemoteStartTransaction"
	actionRemoteStopTransaction  = "RemoteStopTransaction"
	actionReset                  = "Reset"
	actionChangeAvailability     = "ChangeAvailability"
)

type bootNotificationReqV16 struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
}

type bootNotificationRespV16 struct {
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
	Status      string    `json:"status"`
}

type heartbeatResp struct {
	CurrentTime time.Time `json:"currentTime"`
}

type statusNotificationReqV16 struct {
	ConnectorID int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
}

type sampledValueV16 struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type meterValueV16 struct {
	Timestamp    time.Time         `json:"timestamp"`
	SampledValue []sampledValueV16 `json:"sampledValue"`
}

type meterValuesReqV16 struct {
	ConnectorID   int             `json:"connectorId"`
	TransactionID *int            `json:"transactionId,omitempty"`
	MeterValue    []meterValueV16 `json:"meterValue"`
}

type startTransactionReqV16 struct {
	ConnectorID int       `json:"connectorId"`
	IDTag       string    `json:"idTag"`
	MeterStart  int64     `json:"meterStart"`
	Timestamp   time.Time `json:"timestamp"`
}

type idTagInfoV16 struct {
	Status string `json:"status"`
}

type startTransactionRespV16 struct {
	TransactionID int          `json:"transactionId"`
	IDTagInfo     idTagInfoV16 `json:"idTagInfo"`
}

type stopTransactionReqV16 struct {
	TransactionID int       `json:"transactionId"`
	MeterStop     int64     `json:"meterStop"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason,omitempty"`
}

type stopTransactionRespV16 struct {
	IDTagInfo idTagInfoV16 `json:"idTagInfo"`
}

type authorizeReqV16 struct {
	IDTag string `json:"idTag"`
}

type authorizeRespV16 struct {
	IDTagInfo idTagInfoV16 `json:"idTagInfo"`
}

type dataTransferRespV16 struct {
	Status string `json:"status"`
}

type remoteStartTransactionV16 struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IDTag       string `json:"idTag"`
}

type remoteStopTransactionV16 struct {
	TransactionID int `json:"transactionId"`
}

type resetV16 struct {
	Type string `json:"type"`
}

type changeAvailabilityV16 struct {
	ConnectorID int    `json:"connectorId"`
	Type        string `json:"type"`
}

const statusAccepted = "Accepted"

// The proxy answers the charger as a permissive CSMS: every
// authorization request is accepted and boot is confirmed with a short
// heartbeat interval.
const bootHeartbeatInterval = 10

type codecV16 struct{}

func (c *codecV16) Version() Version { return V16 }

func (c *codecV16) DecodeCall(action string, payload json.RawMessage, cc CallContext) (CallOutcome, error) {
	switch action {
	case actionBootNotification:
		req, err := decode[bootNotificationReqV16](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		return CallOutcome{
			Event: &Event{
				Type:      EventBootNotification,
				Timestamp: cc.Now,
				Vendor:    req.ChargePointVendor,
				Model:     req.ChargePointModel,
			},
			Response: bootNotificationRespV16{CurrentTime: cc.Now, Interval: bootHeartbeatInterval, Status: statusAccepted},
		}, nil

	case actionHeartbeat:
		return CallOutcome{
			Event:    &Event{Type: EventHeartbeat, Timestamp: cc.Now},
			Response: heartbeatResp{CurrentTime: cc.Now},
		}, nil

	case actionStatusNotification:
		req, err := decode[statusNotificationReqV16](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		return CallOutcome{
			Event: &Event{
				Type:        EventStatusChanged,
				Timestamp:   cc.Now,
				ConnectorID: req.ConnectorID,
				Status:      statusFromV16(req.Status),
				ErrorCode:   req.ErrorCode,
			},
			Response: struct{}{},
		}, nil

	case actionMeterValues:
		req, err := decode[meterValuesReqV16](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		ev := &Event{Type: EventMeterSample, Timestamp: cc.Now, ConnectorID: req.ConnectorID}
		if req.TransactionID != nil {
			ev.TransactionID = strconv.Itoa(*req.TransactionID)
		}
		if wh, ts, ok := latestEnergySample(req.MeterValue); ok {
			ev.MeterWh = wh
			if !ts.IsZero() {
				ev.Timestamp = ts
			}
		}
		return CallOutcome{Event: ev, Response: struct{}{}}, nil

	case actionStartTransaction:
		req, err := decode[startTransactionReqV16](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		txID := cc.NextTransactionID()
		numeric, convErr := strconv.Atoi(txID)
		if convErr != nil {
			return CallOutcome{}, NewError(CodeMalformedPayload, "non-numeric transaction id %q", txID)
		}
		ts := req.Timestamp
		if ts.IsZero() {
			ts = cc.Now
		}
		return CallOutcome{
			Event: &Event{
				Type:          EventTransactionStarted,
				Timestamp:     ts,
				ConnectorID:   req.ConnectorID,
				IDTag:         req.IDTag,
				MeterWh:       req.MeterStart,
				TransactionID: txID,
			},
			Response: startTransactionRespV16{TransactionID: numeric, IDTagInfo: idTagInfoV16{Status: statusAccepted}},
		}, nil

	case actionStopTransaction:
		req, err := decode[stopTransactionReqV16](payload)
		if err != nil {
			return CallOutcome{}, err
		}
		ts := req.Timestamp
		if ts.IsZero() {
			ts = cc.Now
		}
		return CallOutcome{
			Event: &Event{
				Type:          EventTransactionEnded,
				Timestamp:     ts,
				TransactionID: strconv.Itoa(req.TransactionID),
				MeterWh:       req.MeterStop,
				Reason:        req.Reason,
			},
			Response: stopTransactionRespV16{IDTagInfo: idTagInfoV16{Status: statusAccepted}},
		}, nil

	case actionAuthorize:
		if _, err := decode[authorizeReqV16](payload); err != nil {
			return CallOutcome{}, err
		}
		return CallOutcome{Response: authorizeRespV16{IDTagInfo: idTagInfoV16{Status: statusAccepted}}}, nil

	case actionDataTransfer:
		return CallOutcome{Response: dataTransferRespV16{Status: statusAccepted}}, nil
	}
	return CallOutcome{}, NewError(CodeNotImplemented, "unsupported action %s", action)
}

func (c *codecV16) EncodeCommand(id string, cmd Command) (*Frame, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	switch cmd.Type {
	case CommandRemoteStart:
		req := remoteStartTransactionV16{IDTag: cmd.IDTag}
		if cmd.ConnectorID > 0 {
			connector := cmd.ConnectorID
			req.ConnectorID = &connector
		}
		return NewCall(id, actionRemoteStartTransaction, req)
	case CommandRemoteStop:
		numeric, err := strconv.Atoi(cmd.TransactionID)
		if err != nil {
			return nil, NewError(CodeMalformedPayload, "transaction id %q is not numeric", cmd.TransactionID)
		}
		return NewCall(id, actionRemoteStopTransaction, remoteStopTransactionV16{TransactionID: numeric})
	case CommandReset:
		resetType := cmd.ResetType
		if resetType == "" {
			resetType = "Soft"
		}
		return NewCall(id, actionReset, resetV16{Type: resetType})
	case CommandChangeAvailability:
		return NewCall(id, actionChangeAvailability, changeAvailabilityV16{ConnectorID: cmd.ConnectorID, Type: cmd.AvailabilityType})
	}
	return nil, NewError(CodeNotImplemented, "unsupported command %s", cmd.Type)
}

func (c *codecV16) DecodeCommandCall(action string, payload json.RawMessage) (Command, error) {
	switch action {
	case actionRemoteStartTransaction:
		req, err := decode[remoteStartTransactionV16](payload)
		if err != nil {
			return Command{}, err
		}
		cmd := Command{Type: CommandRemoteStart, IDTag: req.IDTag}
		if req.ConnectorID != nil {
			cmd.ConnectorID = *req.ConnectorID
		}
		return cmd, nil
	case actionRemoteStopTransaction:
		req, err := decode[remoteStopTransactionV16](payload)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CommandRemoteStop, TransactionID: strconv.Itoa(req.TransactionID)}, nil
	case actionReset:
		req, err := decode[resetV16](payload)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CommandReset, ResetType: req.Type}, nil
	case actionChangeAvailability:
		req, err := decode[changeAvailabilityV16](payload)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CommandChangeAvailability, ConnectorID: req.ConnectorID, AvailabilityType: req.Type}, nil
	}
	return Command{}, NewError(CodeNotImplemented, "unsupported action %s", action)
}

func (c *codecV16) EncodeEventCall(id string, ev Event) (*Frame, bool, error) {
	switch ev.Type {
	case EventBootNotification:
		frame, err := NewCall(id, actionBootNotification, bootNotificationReqV16{
			ChargePointVendor: ev.Vendor,
			ChargePointModel:  ev.Model,
		})
		return frame, true, err
	case EventHeartbeat:
		frame, err := NewCall(id, actionHeartbeat, struct{}{})
		return frame, true, err
	case EventStatusChanged:
		errorCode := ev.ErrorCode
		if errorCode == "" {
			errorCode = "NoError"
		}
		frame, err := NewCall(id, actionStatusNotification, statusNotificationReqV16{
			ConnectorID: ev.ConnectorID,
			ErrorCode:   errorCode,
			Status:      string(ev.Status),
		})
		return frame, true, err
	case EventMeterSample:
		req := meterValuesReqV16{
			ConnectorID: ev.ConnectorID,
			MeterValue: []meterValueV16{{
				Timestamp: ev.Timestamp,
				SampledValue: []sampledValueV16{{
					Value:     strconv.FormatInt(ev.MeterWh, 10),
					Measurand: "Energy.Active.Import.Register",
					Unit:      "Wh",
				}},
			}},
		}
		if ev.TransactionID != "" {
			if numeric, err := strconv.Atoi(ev.TransactionID); err == nil {
				req.TransactionID = &numeric
			}
		}
		frame, err := NewCall(id, actionMeterValues, req)
		return frame, true, err
	case EventTransactionStarted:
		frame, err := NewCall(id, actionStartTransaction, startTransactionReqV16{
			ConnectorID: ev.ConnectorID,
			IDTag:       ev.IDTag,
			MeterStart:  ev.MeterWh,
			Timestamp:   ev.Timestamp,
		})
		return frame, true, err
	case EventTransactionEnded:
		numeric, convErr := strconv.Atoi(ev.TransactionID)
		if convErr != nil {
			return nil, false, nil
		}
		frame, err := NewCall(id, actionStopTransaction, stopTransactionReqV16{
			TransactionID: numeric,
			MeterStop:     ev.MeterWh,
			Timestamp:     ev.Timestamp,
			Reason:        ev.Reason,
		})
		return frame, true, err
	}
	return nil, false, nil
}

// latestEnergySample picks the most recent energy reading from a 1.6
// meterValue list, normalized to watt-hours.
func latestEnergySample(values []meterValueV16) (int64, time.Time, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		for j := len(values[i].SampledValue) - 1; j >= 0; j-- {
			sample := values[i].SampledValue[j]
			if sample.Measurand != "" && sample.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			raw, err := strconv.ParseFloat(sample.Value, 64)
			if err != nil {
				continue
			}
			if sample.Unit == "kWh" {
				raw *= 1000
			}
			return int64(raw), values[i].Timestamp, true
		}
	}
	return 0, time.Time{}, false
}
