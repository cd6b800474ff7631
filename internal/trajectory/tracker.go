// Package trajectory keeps a short in-memory path per device while it moves
// above the speed threshold.
package trajectory

import (
	"sync"

	"vehicle-blackbox/internal/domain"
)

const (
	DefaultMinSpeedKmh = 60.0
	DefaultCapacity    = 10
)

type history struct {
	mu     sync.Mutex
	points []domain.Point
	ids    []string // reading id per point, parallel to points
}

// Tracker owns the per-device histories. Each device has its own lock so
// unrelated devices never wait on each other; the history lives as long as
// the process.
type Tracker struct {
	minSpeed float64
	capacity int
	devices  sync.Map // deviceID -> *history
}

func New(minSpeedKmh float64, capacity int) *Tracker {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	return &Tracker{minSpeed: minSpeedKmh, capacity: capacity}
}

func NewDefault() *Tracker {
	return New(DefaultMinSpeedKmh, DefaultCapacity)
}

// Observe records the reading's fix when the device is moving faster than
// the threshold and returns a segment once two or more points are held.
func (t *Tracker) Observe(deviceID string, r *domain.Reading) (*domain.TrajectorySegment, bool) {
	speed, ok := r.SpeedKmh()
	if !ok || speed <= t.minSpeed {
		return nil, false
	}
	p, ok := r.Fix()
	if !ok {
		return nil, false
	}

	v, _ := t.devices.LoadOrStore(deviceID, &history{})
	h := v.(*history)

	h.mu.Lock()
	defer h.mu.Unlock()

	// a reprocessed reading gets its original segment back instead of
	// appending its fix a second time
	if r.ID != "" {
		for i, id := range h.ids {
			if id == r.ID {
				return segment(h.points[:i+1])
			}
		}
	}

	h.points = append(h.points, p)
	h.ids = append(h.ids, r.ID)
	if len(h.points) > t.capacity {
		// FIFO: drop the oldest
		drop := len(h.points) - t.capacity
		h.points = append(h.points[:0], h.points[drop:]...)
		h.ids = append(h.ids[:0], h.ids[drop:]...)
	}
	return segment(h.points)
}

func segment(points []domain.Point) (*domain.TrajectorySegment, bool) {
	if len(points) < 2 {
		return nil, false
	}
	path := make([]domain.Point, len(points))
	copy(path, points)
	return &domain.TrajectorySegment{
		Start: path[0],
		End:   path[len(path)-1],
		Path:  path,
	}, true
}

// History returns a copy of the device's retained points, oldest first.
func (t *Tracker) History(deviceID string) []domain.Point {
	v, ok := t.devices.Load(deviceID)
	if !ok {
		return nil
	}
	h := v.(*history)
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Point, len(h.points))
	copy(out, h.points)
	return out
}
