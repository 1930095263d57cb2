package extract

import (
	"encoding/json"
	"fmt"
	"time"
)

// Layouts accepted for record timestamps, tried in order. Layouts without a
// zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// ParseTimestamp parses an ISO 8601 date-time as models tend to write it.
// The result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not an ISO 8601 date-time", s)
}

// utcTime decodes a JSON string with ParseTimestamp.
type utcTime time.Time

func (t *utcTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	p, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = utcTime(p)
	return nil
}

// UnmarshalJSON accepts earliest_evidence_utc with or without a zone.
func (n *NetworkIndicator) UnmarshalJSON(b []byte) error {
	type plain NetworkIndicator
	aux := struct {
		*plain
		EarliestEvidenceUTC *utcTime `json:"earliest_evidence_utc"`
	}{plain: (*plain)(n)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	n.EarliestEvidenceUTC = nil
	if aux.EarliestEvidenceUTC != nil {
		t := time.Time(*aux.EarliestEvidenceUTC)
		n.EarliestEvidenceUTC = &t
	}
	return nil
}

// UnmarshalJSON accepts timestamp_utc with or without a zone.
func (e *TimelineEvent) UnmarshalJSON(b []byte) error {
	type plain TimelineEvent
	aux := struct {
		*plain
		TimestampUTC *utcTime `json:"timestamp_utc"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.TimestampUTC = time.Time{}
	if aux.TimestampUTC != nil {
		e.TimestampUTC = time.Time(*aux.TimestampUTC)
	}
	return nil
}
