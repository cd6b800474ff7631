package domain

import "fmt"

type Status string

const (
	StatusUnclassified Status = "UNCLASSIFIED"
	StatusNormal       Status = "NORMAL"
	StatusBump         Status = "BUMP"
	StatusFire         Status = "FIRE"
	StatusAccident     Status = "ACCIDENT"
	StatusError        Status = "ERROR"
)

// IsAlert reports whether readings with this status notify emergency contacts.
func (s Status) IsAlert() bool {
	return s == StatusAccident || s == StatusFire
}

const (
	SubtypeRollover         = "ROLLOVER"
	SubtypeSideImpact       = "SIDE_IMPACT"
	SubtypeHeadOnCollision  = "HEAD_ON_COLLISION"
	SubtypeGeneralAccident  = "GENERAL_ACCIDENT"
	SubtypeRoadIrregularity = "ROAD_IRREGULARITY"
	SubtypeNoEvent          = "NO_EVENT"
	SubtypeFireDetected     = "FIRE_DETECTED"
	SubtypeMalformedReading = "MALFORMED_READING"
)

// Columns written back by the pipeline. Sensor columns are never updated.
const (
	FieldStatus          = "status"
	FieldAccidentType    = "accidentType"
	FieldConfidence      = "confidence"
	FieldAddress         = "address"
	FieldSpeedTrajectory = "speedTrajectory"
	FieldLastAnalyzed    = "lastAnalyzed"
)

type Vector3 struct {
	X Measure `json:"x"`
	Y Measure `json:"y"`
	Z Measure `json:"z"`
}

type Location struct {
	Lat Measure `json:"lat"`
	Lng Measure `json:"lng"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Reading is one telemetry record from a device. Sensor fields are immutable
// after ingest; Status and the fields below it are written by the pipeline.
type Reading struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"deviceId"`
	Timestamp         Timestamp `json:"timestamp"`
	GForce            Vector3   `json:"gforces"`
	Gyro              Vector3   `json:"gyro"`
	Location          Location  `json:"location"`
	FireStatus        Flag      `json:"fireStatus"`
	Speed             Measure   `json:"speed"`
	OwnerEmail        string    `json:"ownerEmail,omitempty"`
	EmergencyContacts Contacts  `json:"emergencyContacts,omitempty"`

	Status          Status             `json:"status,omitempty"`
	AccidentType    string             `json:"accidentType,omitempty"`
	Confidence      float64            `json:"confidence,omitempty"`
	Address         string             `json:"address,omitempty"`
	SpeedTrajectory *TrajectorySegment `json:"speedTrajectory,omitempty"`
}

// Fix returns the GPS position when both coordinates are valid numbers.
func (r *Reading) Fix() (Point, bool) {
	if !r.Location.Lat.OK() || !r.Location.Lng.OK() {
		return Point{}, false
	}
	return Point{Lat: r.Location.Lat.Value, Lng: r.Location.Lng.Value}, true
}

// SpeedKmh returns the reported speed when it is a valid number.
func (r *Reading) SpeedKmh() (float64, bool) {
	if !r.Speed.OK() {
		return 0, false
	}
	return r.Speed.Value, true
}

// Validate returns an error wrapping ErrParse naming every sensor field that
// is missing or unparseable. Location and speed may be absent or awaiting a
// fix, but not garbage.
func (r *Reading) Validate() error {
	var bad []string
	required := []struct {
		name string
		m    Measure
	}{
		{"gforces.x", r.GForce.X},
		{"gforces.y", r.GForce.Y},
		{"gforces.z", r.GForce.Z},
		{"gyro.x", r.Gyro.X},
		{"gyro.y", r.Gyro.Y},
	}
	for _, f := range required {
		if !f.m.OK() {
			bad = append(bad, f.name)
		}
	}
	optional := []struct {
		name string
		m    Measure
	}{
		{"location.lat", r.Location.Lat},
		{"location.lng", r.Location.Lng},
		{"speed", r.Speed},
	}
	for _, f := range optional {
		if f.m.State == MeasureMalformed {
			bad = append(bad, f.name)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: fields %v", ErrParse, bad)
	}
	return nil
}

// ClassificationResult is merged into the reading; it is never stored alone.
type ClassificationResult struct {
	Status     Status  `json:"status"`
	Subtype    string  `json:"subtype"`
	Confidence float64 `json:"confidence"`
}

// TrajectorySegment describes recent movement of a device above the speed
// threshold. Path is a copy, oldest point first.
type TrajectorySegment struct {
	Start Point   `json:"start"`
	End   Point   `json:"end"`
	Path  []Point `json:"path"`
}

// AlertEvent is built once per high-severity reading and consumed once by the
// alert dispatcher.
type AlertEvent struct {
	Reading    Reading
	AlertType  Status
	Subtype    string
	Confidence float64
	Address    string
	Recipients []string
}

// Delivery is the outcome of sending one alert to one recipient.
type Delivery struct {
	Recipient string
	Err       error
}

func (d Delivery) OK() bool { return d.Err == nil }
