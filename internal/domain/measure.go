package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MeasureState says what a device actually reported for a numeric field.
type MeasureState uint8

const (
	MeasureMissing MeasureState = iota
	MeasureOK
	MeasureAwaitingFix
	MeasureMalformed
)

// Sentinels sent by devices for location and speed before the GPS has a fix.
var awaitingFixSentinels = map[string]bool{
	"waiting-gps":  true,
	"awaiting-fix": true,
	"no-fix":       true,
}

// Measure is a numeric sensor value. Devices send plain numbers, numeric
// strings, or a no-fix sentinel; decoding never fails so that one bad field
// cannot reject the whole reading.
type Measure struct {
	Value float64
	Raw   string
	State MeasureState
}

func Num(v float64) Measure {
	return Measure{Value: v, State: MeasureOK}
}

func AwaitingFix() Measure {
	return Measure{Raw: "awaiting-fix", State: MeasureAwaitingFix}
}

// ParseMeasure classifies a textual device value.
func ParseMeasure(s string) Measure {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Measure{}
	}
	if awaitingFixSentinels[strings.ToLower(raw)] {
		return Measure{Raw: raw, State: MeasureAwaitingFix}
	}
	return parseNumber(raw)
}

// parseNumber rejects NaN and the infinities, which ParseFloat accepts but no
// sensor can report.
func parseNumber(raw string) Measure {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Measure{Raw: raw, State: MeasureMalformed}
	}
	return Measure{Value: v, Raw: raw, State: MeasureOK}
}

func (m Measure) OK() bool { return m.State == MeasureOK }

func (m *Measure) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*m = Measure{}
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*m = Measure{Raw: string(b), State: MeasureMalformed}
			return nil
		}
		*m = ParseMeasure(s)
	default:
		*m = parseNumber(string(b))
	}
	return nil
}

func (m Measure) MarshalJSON() ([]byte, error) {
	switch m.State {
	case MeasureOK:
		return json.Marshal(m.Value)
	case MeasureMissing:
		return []byte("null"), nil
	default:
		return json.Marshal(m.Raw)
	}
}

// Flag is a boolean reported as "1"/"0", true/false or a number.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		*f = false
		return nil
	}
	switch t := v.(type) {
	case bool:
		*f = Flag(t)
	case float64:
		*f = t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on", "fire":
			*f = true
		default:
			*f = false
		}
	default:
		*f = false
	}
	return nil
}

// Contacts accepts either a JSON array of addresses or an object whose values
// are addresses (the shape the mobile app writes).
type Contacts []string

func (c *Contacts) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*c = list
		return nil
	}
	var byKey map[string]string
	if err := json.Unmarshal(b, &byKey); err != nil {
		*c = nil
		return nil
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	*c = out
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

// Timestamp is the device clock. Accepts RFC3339, a few common layouts, and
// unix seconds or milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case float64:
		t.Time = fromUnix(x)
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = fromUnix(n)
		}
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func fromUnix(n float64) time.Time {
	// Anything past year 33658 in seconds is really milliseconds.
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
