package sessionlog

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
)

// csvHeader is the stable export column order; it is part of the public
// contract.
var csvHeader = []string{
	"session_id",
	"backend_id",
	"start_ts",
	"stop_ts",
	"start_meter_wh",
	"stop_meter_wh",
	"energy_wh",
	"reason",
}

// ExportCSV streams sessions matching the filter as CSV.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	sessions, err := s.ListSessions(ctx, f)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, session := range sessions {
		stopTS, stopMeter, energy := "", "", ""
		if session.StopTS != nil {
			stopTS = formatTS(*session.StopTS)
		}
		if session.StopMeterWh != nil {
			stopMeter = strconv.FormatInt(*session.StopMeterWh, 10)
			energy = strconv.FormatInt(session.EnergyWh(), 10)
		}
		record := []string{
			strconv.FormatInt(session.ID, 10),
			session.BackendID,
			formatTS(session.StartTS),
			stopTS,
			strconv.FormatInt(session.StartMeterWh, 10),
			stopMeter,
			energy,
			session.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
