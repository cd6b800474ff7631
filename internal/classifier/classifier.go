// Package classifier turns one sensor reading into NORMAL, BUMP, FIRE,
// ACCIDENT or ERROR. It does no I/O and never mutates the reading.
package classifier

import (
	"fmt"
	"math"
	"strings"

	"vehicle-blackbox/internal/domain"
)

// Thresholds are in g for g-force and degrees per second for gyro.
type Thresholds struct {
	GForceX    float64
	GForceY    float64
	GForceZMin float64
	GForceZMax float64
	Gyro       float64
}

var DefaultThresholds = Thresholds{
	GForceX:    2.5,
	GForceY:    3.0,
	GForceZMin: 0.3,
	GForceZMax: 2.0,
	Gyro:       60.0,
}

const (
	rolloverMaxGZ    = 0.5
	rolloverMinGyroX = 70.0
	sideImpactMinGX  = 3.0
	headOnMinGY      = 4.0
	baseConfidence   = 0.70
	bumpConfidence   = 0.65
	normalConfidence = 0.99
	fireConfidence   = 0.99
	maxConfidence    = 0.99
	gForceBoostCap   = 0.20
	gForceBoostScale = 10.0
	gyroBoostCap     = 0.10
	gyroBoostScale   = 100.0
)

// Policy decides which status wins when a reading is both on fire and an
// accident.
type Policy int

const (
	FireFirst Policy = iota
	AccidentFirst
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fire-first":
		return FireFirst, nil
	case "accident-first":
		return AccidentFirst, nil
	default:
		return FireFirst, fmt.Errorf("unknown fire priority %q", s)
	}
}

func (p Policy) String() string {
	if p == AccidentFirst {
		return "accident-first"
	}
	return "fire-first"
}

type Classifier struct {
	t      Thresholds
	policy Policy
}

func New(t Thresholds, policy Policy) *Classifier {
	return &Classifier{t: t, policy: policy}
}

func Default() *Classifier {
	return New(DefaultThresholds, FireFirst)
}

func (c *Classifier) Policy() Policy { return c.policy }

// Classify never fails: a malformed reading yields StatusError. Under
// FireFirst the fire flag wins even when the motion fields are unusable.
func (c *Classifier) Classify(r *domain.Reading) domain.ClassificationResult {
	fire := bool(r.FireStatus)
	if fire && c.policy == FireFirst {
		return fireResult()
	}

	if err := r.Validate(); err != nil {
		if fire {
			return fireResult()
		}
		return domain.ClassificationResult{
			Status:  domain.StatusError,
			Subtype: domain.SubtypeMalformedReading,
		}
	}

	gx := math.Abs(r.GForce.X.Value)
	gy := math.Abs(r.GForce.Y.Value)
	gz := r.GForce.Z.Value
	rx := math.Abs(r.Gyro.X.Value)
	ry := math.Abs(r.Gyro.Y.Value)

	gForceAlert := gx > c.t.GForceX || gy > c.t.GForceY || gz < c.t.GForceZMin || gz > c.t.GForceZMax
	gyroAlert := rx > c.t.Gyro || ry > c.t.Gyro

	switch {
	case gForceAlert && gyroAlert:
		return domain.ClassificationResult{
			Status:     domain.StatusAccident,
			Subtype:    accidentSubtype(gx, gy, gz, rx),
			Confidence: c.confidence(gx, gy, rx, ry),
		}
	case fire:
		return fireResult()
	case gForceAlert || gyroAlert:
		return domain.ClassificationResult{
			Status:     domain.StatusBump,
			Subtype:    domain.SubtypeRoadIrregularity,
			Confidence: bumpConfidence,
		}
	default:
		return domain.ClassificationResult{
			Status:     domain.StatusNormal,
			Subtype:    domain.SubtypeNoEvent,
			Confidence: normalConfidence,
		}
	}
}

func fireResult() domain.ClassificationResult {
	return domain.ClassificationResult{
		Status:     domain.StatusFire,
		Subtype:    domain.SubtypeFireDetected,
		Confidence: fireConfidence,
	}
}

func accidentSubtype(gx, gy, gz, rx float64) string {
	switch {
	case gz < rolloverMaxGZ && rx > rolloverMinGyroX:
		return domain.SubtypeRollover
	case gx >= sideImpactMinGX:
		return domain.SubtypeSideImpact
	case gy >= headOnMinGY:
		return domain.SubtypeHeadOnCollision
	default:
		return domain.SubtypeGeneralAccident
	}
}

func (c *Classifier) confidence(gx, gy, rx, ry float64) float64 {
	conf := baseConfidence
	conf += boost(gx-c.t.GForceX, gForceBoostScale, gForceBoostCap)
	conf += boost(gy-c.t.GForceY, gForceBoostScale, gForceBoostCap)
	conf += boost(rx-c.t.Gyro, gyroBoostScale, gyroBoostCap)
	conf += boost(ry-c.t.Gyro, gyroBoostScale, gyroBoostCap)
	return math.Min(maxConfidence, conf)
}

// boost is zero for values under threshold.
func boost(excess, scale, limit float64) float64 {
	if excess <= 0 {
		return 0
	}
	return math.Min(limit, excess/scale)
}
