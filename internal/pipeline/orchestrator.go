// Package pipeline drives each reading through classify, trajectory,
// geocode, alert and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/classifier"
	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/metrics"
	"vehicle-blackbox/internal/trajectory"
)

// ErrNotClassified is returned by GetClassified for readings still waiting
// for the pipeline.
var ErrNotClassified = errors.New("reading not classified yet")

type ReadingStore interface {
	Insert(ctx context.Context, r *domain.Reading) error
	Get(ctx context.Context, id string) (*domain.Reading, error)
	Unprocessed(ctx context.Context) ([]*domain.Reading, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Reading, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Reading, error)
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
}

type AddressResolver interface {
	Resolve(ctx context.Context, lat, lng float64, maxAttempts int) string
}

type RecipientResolver interface {
	Resolve(ctx context.Context, r *domain.Reading) []string
}

type AlertSender interface {
	Dispatch(ctx context.Context, ev domain.AlertEvent) []domain.Delivery
	Redeliver(ctx context.Context, ev domain.AlertEvent) []domain.Delivery
}

// StateSink receives every processed reading. Publish must not block.
type StateSink interface {
	Publish(r *domain.Reading)
}

type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageClassified        Stage = "CLASSIFIED"
	StageTrajectoryChecked Stage = "TRAJECTORY_CHECKED"
	StageGeocoded          Stage = "GEOCODED"
	StageAlerted           Stage = "ALERTED"
	StagePersisted         Stage = "PERSISTED"
)

// Outcome summarises one pass of a reading through the pipeline.
type Outcome struct {
	ReadingID  string
	Stages     []Stage
	Result     domain.ClassificationResult
	Segment    *domain.TrajectorySegment
	Address    string
	Deliveries []domain.Delivery
	Err        error
}

func (o *Outcome) reach(s Stage) { o.Stages = append(o.Stages, s) }

// Reached reports whether the reading passed through s.
func (o *Outcome) Reached(s Stage) bool {
	for _, st := range o.Stages {
		if st == s {
			return true
		}
	}
	return false
}

type Options struct {
	Workers         int
	QueueSize       int
	GeocodeAttempts int
	// GeocodeFire also resolves addresses for FIRE readings; by default only
	// ACCIDENT readings are geocoded.
	GeocodeFire bool
}

type Deps struct {
	Store      ReadingStore
	Classifier *classifier.Classifier
	Tracker    *trajectory.Tracker
	Geocoder   AddressResolver
	Recipients RecipientResolver
	Alerts     AlertSender
	State      StateSink
}

type Orchestrator struct {
	store      ReadingStore
	classifier *classifier.Classifier
	tracker    *trajectory.Tracker
	geocoder   AddressResolver
	recipients RecipientResolver
	alerts     AlertSender
	state      StateSink
	opts       Options
	logger     *zap.Logger

	queue     chan *domain.Reading
	inflight  sync.Map // reading id -> struct{}
	replaying atomic.Bool
	now       func() time.Time
}

func New(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1000
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = trajectory.NewDefault()
	}
	return &Orchestrator{
		store:      deps.Store,
		classifier: deps.Classifier,
		tracker:    deps.Tracker,
		geocoder:   deps.Geocoder,
		recipients: deps.Recipients,
		alerts:     deps.Alerts,
		state:      deps.State,
		opts:       opts,
		logger:     logger,
		queue:      make(chan *domain.Reading, opts.QueueSize),
		now:        time.Now,
	}
}

// Run starts the worker pool and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case r := <-o.queue:
			o.safeProcess(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) safeProcess(ctx context.Context, r *domain.Reading) {
	defer o.inflight.Delete(r.ID)
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("pipeline panic, reading skipped",
				zap.String("reading_id", r.ID),
				zap.Any("panic", p),
			)
		}
	}()
	o.Process(ctx, r)
}

// Submit blocks until the reading is queued or ctx is done.
func (o *Orchestrator) Submit(ctx context.Context, r *domain.Reading) error {
	o.inflight.Store(r.ID, struct{}{})
	select {
	case o.queue <- r:
		return nil
	case <-ctx.Done():
		o.inflight.Delete(r.ID)
		return ctx.Err()
	}
}

// TrySubmit queues the reading unless it is already queued or the queue is
// full. Dropped readings stay UNCLASSIFIED and are retried by the next
// classification pass.
func (o *Orchestrator) TrySubmit(r *domain.Reading) bool {
	if _, busy := o.inflight.LoadOrStore(r.ID, struct{}{}); busy {
		return false
	}
	select {
	case o.queue <- r:
		return true
	default:
		o.inflight.Delete(r.ID)
		metrics.QueueDrops.Inc()
		return false
	}
}

// Consume feeds created/updated readings from the store subscription into
// the worker pool until the feed closes or ctx is done.
func (o *Orchestrator) Consume(ctx context.Context, feed <-chan *domain.Reading) {
	for {
		select {
		case r, ok := <-feed:
			if !ok {
				return
			}
			if err := o.Submit(ctx, r); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Ingest validates the envelope, assigns a fresh id and persists the reading as
// UNCLASSIFIED. Processing is driven by the store feed and the periodic
// classification pass.
func (o *Orchestrator) Ingest(ctx context.Context, r *domain.Reading) (*domain.Reading, error) {
	if r.DeviceID == "" {
		return nil, fmt.Errorf("%w: deviceId is required", domain.ErrParse)
	}
	// ids are always ours; a client-supplied id is ignored
	r.ID = uuid.NewString()
	if r.Timestamp.IsZero() {
		r.Timestamp = domain.Timestamp{Time: o.now().UTC()}
	}
	r.Status = domain.StatusUnclassified
	r.AccidentType = ""
	r.Confidence = 0
	r.Address = ""
	r.SpeedTrajectory = nil

	if err := o.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	metrics.ReadingsReceived.Inc()
	o.logger.Debug("reading ingested",
		zap.String("reading_id", r.ID),
		zap.String("device_id", r.DeviceID),
	)
	return r, nil
}

// TriggerClassificationPass queues every UNCLASSIFIED reading and returns
// how many were queued.
func (o *Orchestrator) TriggerClassificationPass(ctx context.Context) (int, error) {
	pending, err := o.store.Unprocessed(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unprocessed readings: %w", err)
	}
	queued := 0
	for _, r := range pending {
		if o.TrySubmit(r) {
			queued++
		}
	}
	if len(pending) > 0 {
		o.logger.Info("classification pass",
			zap.Int("pending", len(pending)),
			zap.Int("queued", queued),
		)
	}
	return queued, nil
}

// RunClassificationPasses triggers a pass every interval until ctx is done.
func (o *Orchestrator) RunClassificationPasses(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := o.TriggerClassificationPass(ctx); err != nil {
				o.logger.Warn("classification pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// GetClassified returns the stored reading once the pipeline has written a
// status for it.
func (o *Orchestrator) GetClassified(ctx context.Context, id string) (*domain.Reading, error) {
	r, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == "" || r.Status == domain.StatusUnclassified {
		return nil, ErrNotClassified
	}
	return r, nil
}

// ListAlerts returns every reading classified ACCIDENT or FIRE.
func (o *Orchestrator) ListAlerts(ctx context.Context) ([]*domain.Reading, error) {
	return o.store.ListByStatus(ctx, domain.StatusAccident, domain.StatusFire)
}

// ListReadings pages through stored readings, newest first.
func (o *Orchestrator) ListReadings(ctx context.Context, limit, offset int) ([]*domain.Reading, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrParse)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrParse)
	}
	return o.store.List(ctx, limit, offset)
}
