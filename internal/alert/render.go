package alert

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"vehicle-blackbox/internal/domain"
)

var bodyTemplate = template.Must(template.New("alert").Parse(`EMERGENCY ALERT: {{.Type}}
Type:        {{.Subtype}}
Confidence:  {{.Confidence}}
Device:      {{.DeviceID}}
Time:        {{.Time}}
Location:    {{.Coordinates}}
Map:         {{.MapLink}}
Address:     {{.Address}}

G-force (g):     x={{.GX}} y={{.GY}} z={{.GZ}}
Gyro (deg/s):    x={{.RX}} y={{.RY}} z={{.RZ}}
Speed:           {{.Speed}}
`))

type bodyData struct {
	Type, Subtype, Confidence string
	DeviceID, Time            string
	Coordinates, MapLink      string
	Address                   string
	GX, GY, GZ                string
	RX, RY, RZ                string
	Speed                     string
}

// Subject is the email subject for an alert.
func Subject(ev domain.AlertEvent) string {
	return fmt.Sprintf("EMERGENCY: %s detected on device %s", ev.AlertType, ev.Reading.DeviceID)
}

// Body renders the plain-text alert.
func Body(ev domain.AlertEvent) string {
	r := ev.Reading
	data := bodyData{
		Type:        string(ev.AlertType),
		Subtype:     orDash(ev.Subtype),
		Confidence:  fmt.Sprintf("%.0f%%", ev.Confidence*100),
		DeviceID:    r.DeviceID,
		Time:        "unknown",
		Coordinates: "no GPS fix",
		MapLink:     "unavailable",
		Address:     "unavailable",
		GX:          measure(r.GForce.X),
		GY:          measure(r.GForce.Y),
		GZ:          measure(r.GForce.Z),
		RX:          measure(r.Gyro.X),
		RY:          measure(r.Gyro.Y),
		RZ:          measure(r.Gyro.Z),
		Speed:       "no GPS fix",
	}
	if !r.Timestamp.IsZero() {
		data.Time = r.Timestamp.UTC().Format(time.RFC1123)
	}
	if p, ok := r.Fix(); ok {
		data.Coordinates = fmt.Sprintf("%.6f, %.6f", p.Lat, p.Lng)
		data.MapLink = MapLink(p)
	}
	if ev.Address != "" {
		data.Address = ev.Address
	}
	if speed, ok := r.SpeedKmh(); ok {
		data.Speed = fmt.Sprintf("%.1f km/h", speed)
	}

	var b strings.Builder
	if err := bodyTemplate.Execute(&b, data); err != nil {
		// the template is static; only a writer error could land here
		return fmt.Sprintf("EMERGENCY ALERT: %s on device %s", ev.AlertType, r.DeviceID)
	}
	return b.String()
}

func MapLink(p domain.Point) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f", p.Lat, p.Lng)
}

func measure(m domain.Measure) string {
	if m.OK() {
		return fmt.Sprintf("%.2f", m.Value)
	}
	return "n/a"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
