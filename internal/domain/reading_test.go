package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReading_DecodeDevicePayload(t *testing.T) {
	payload := `{
		"deviceId": "ESP12E_001",
		"timestamp": "2025-03-01 10:15:30",
		"gforces": {"X": "3.2", "Y": 0.5, "Z": "1.0"},
		"gyro": {"X": "75", "Y": "10", "Z": "0"},
		"location": {"lat": "6.9271", "lng": "79.8612"},
		"fireStatus": "0",
		"speed": "80",
		"emergencyContacts": {"b": "b@x.com", "a": "a@x.com"}
	}`

	var r Reading
	require.NoError(t, json.Unmarshal([]byte(payload), &r))

	assert.Equal(t, "ESP12E_001", r.DeviceID)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 15, 30, 0, time.UTC), r.Timestamp.Time)
	assert.InDelta(t, 3.2, r.GForce.X.Value, 1e-9)
	assert.InDelta(t, 0.5, r.GForce.Y.Value, 1e-9)
	assert.False(t, bool(r.FireStatus))
	assert.Equal(t, Contacts{"a@x.com", "b@x.com"}, r.EmergencyContacts)

	p, ok := r.Fix()
	require.True(t, ok)
	assert.InDelta(t, 6.9271, p.Lat, 1e-9)

	speed, ok := r.SpeedKmh()
	require.True(t, ok)
	assert.Equal(t, 80.0, speed)
	assert.NoError(t, r.Validate())
}

func TestReading_AwaitingFixIsNotMalformed(t *testing.T) {
	payload := `{"deviceId":"d1","gforces":{"x":0,"y":0,"z":1},"gyro":{"x":0,"y":0},
		"location":{"lat":"waiting-gps","lng":"waiting-gps"},"speed":"waiting-gps","fireStatus":"1"}`

	var r Reading
	require.NoError(t, json.Unmarshal([]byte(payload), &r))

	_, ok := r.Fix()
	assert.False(t, ok)
	_, ok = r.SpeedKmh()
	assert.False(t, ok)
	assert.Equal(t, MeasureAwaitingFix, r.Speed.State)
	assert.True(t, bool(r.FireStatus))
	assert.NoError(t, r.Validate())
}

func TestReading_ValidateReportsBadFields(t *testing.T) {
	payload := `{"deviceId":"d1","gforces":{"x":"abc","y":0,"z":1},"gyro":{"x":0},"speed":"fast"}`

	var r Reading
	require.NoError(t, json.Unmarshal([]byte(payload), &r))

	err := r.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
	assert.Contains(t, err.Error(), "gforces.x")
	assert.Contains(t, err.Error(), "gyro.y")
	assert.Contains(t, err.Error(), "speed")
}

func TestMeasure_RoundTripKeepsSentinel(t *testing.T) {
	out, err := json.Marshal(Location{Lat: AwaitingFix(), Lng: Num(79.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":"awaiting-fix","lng":79.5}`, string(out))
}

func TestTimestamp_UnixMillis(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`1740824130000`), &ts))
	assert.Equal(t, int64(1740824130), ts.Unix())
}

func TestStatus_IsAlert(t *testing.T) {
	assert.True(t, StatusAccident.IsAlert())
	assert.True(t, StatusFire.IsAlert())
	assert.False(t, StatusBump.IsAlert())
	assert.False(t, StatusError.IsAlert())
}

func TestReading_NonFiniteNumbersAreMalformed(t *testing.T) {
	payload := `{
		"deviceId": "BB-001",
		"gforces": {"x": "NaN", "y": "Infinity", "z": "-Inf"},
		"gyro": {"x": "Inf", "y": "nan", "z": "0"},
		"location": {"lat": "6.9", "lng": "79.8"},
		"speed": "NaN"
	}`

	var r Reading
	require.NoError(t, json.Unmarshal([]byte(payload), &r))

	for _, m := range []Measure{r.GForce.X, r.GForce.Y, r.GForce.Z, r.Gyro.X, r.Gyro.Y, r.Speed} {
		assert.Equal(t, MeasureMalformed, m.State, "raw %q", m.Raw)
	}
	assert.Equal(t, MeasureMalformed, ParseMeasure("+Inf").State)
	assert.ErrorIs(t, r.Validate(), ErrParse)

	// the raw text survives so the reading can still be stored
	b, err := json.Marshal(r.GForce)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"NaN","y":"Infinity","z":"-Inf"}`, string(b))
}
