package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// wireRecord is the JSON shape published on the stream. Field names are part of
// the contract with consumers and must not change.
type wireRecord struct {
	SourceID        string `json:"source_id"`
	NodeID          string `json:"node_id"`
	Value           string `json:"value"`
	DeviceTimestamp int64  `json:"device_timestamp"`
	IngestTimestamp int64  `json:"ingest_timestamp"`
	Quality         int    `json:"quality"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// inboundRecord is decoded leniently: only the identity fields are required,
// everything else falls back to its zero value when missing or mistyped.
type inboundRecord struct {
	SourceID        *string         `json:"source_id"`
	NodeID          *string         `json:"node_id"`
	Value           json.RawMessage `json:"value"`
	DeviceTimestamp json.RawMessage `json:"device_timestamp"`
	IngestTimestamp json.RawMessage `json:"ingest_timestamp"`
	Quality         json.RawMessage `json:"quality"`
	ErrorMessage    json.RawMessage `json:"error_message"`
}

// UnspecifiedError stands in for an error_message key that carries no text.
const UnspecifiedError = "Unspecified error"

func EncodeRecord(r Record) ([]byte, error) {
	return json.Marshal(wireRecord{
		SourceID:        r.SourceID,
		NodeID:          r.PointID,
		Value:           r.Value,
		DeviceTimestamp: toMillis(r.DeviceTime),
		IngestTimestamp: toMillis(r.IngestTime),
		Quality:         int(r.Quality),
		ErrorMessage:    r.ErrorMessage,
	})
}

// DecodeRecord parses a stream payload. Unknown keys are ignored. A non-string
// value keeps its JSON text so numeric producers remain readable. Any
// error_message key, even empty, marks the record as an error.
func DecodeRecord(payload []byte) (Record, error) {
	var in inboundRecord
	if err := json.Unmarshal(payload, &in); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if in.SourceID == nil {
		return Record{}, fmt.Errorf("%w: missing or invalid 'source_id'", ErrMalformedPayload)
	}
	if in.NodeID == nil {
		return Record{}, fmt.Errorf("%w: missing or invalid 'node_id'", ErrMalformedPayload)
	}

	rec := Record{
		SourceID:   *in.SourceID,
		PointID:    *in.NodeID,
		Value:      rawValueText(in.Value),
		DeviceTime: fromMillis(rawInt(in.DeviceTimestamp)),
		IngestTime: fromMillis(rawInt(in.IngestTimestamp)),
		Quality:    Quality(rawInt(in.Quality)),
	}
	if present(in.ErrorMessage) {
		rec.ErrorMessage = UnspecifiedError
		var msg string
		if err := json.Unmarshal(in.ErrorMessage, &msg); err == nil && msg != "" {
			rec.ErrorMessage = msg
		}
	}
	return rec, nil
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// rawInt reads an integer, truncating JSON floats. Anything else is zero.
func rawInt(raw json.RawMessage) int64 {
	if !present(raw) {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) &&
		f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return 0
}

func rawValueText(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
