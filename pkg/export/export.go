package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/serverqueue/core/audit"
)

// WriteJSON writes the audit records to w as a JSON array.
func WriteJSON(w io.Writer, records []audit.Record) error {
	if records == nil {
		records = []audit.Record{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(records)
}

var csvHeader = []string{"timestamp", "event", "client", "destination", "attempt", "final", "reason", "error", "already_left"}

// WriteCSV writes the audit records to w with a header row.
func WriteCSV(w io.Writer, records []audit.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		rec := []string{
			r.Timestamp.Format(time.RFC3339Nano),
			r.Event,
			r.Client,
			r.Destination,
			strconv.Itoa(r.Attempt),
			strconv.FormatBool(r.Final),
			r.Reason,
			r.Error,
			strconv.FormatBool(r.AlreadyLeft),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
