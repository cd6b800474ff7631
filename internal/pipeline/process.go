package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/metrics"
)

// Process runs one reading through the pipeline and writes the results back
// in a single partial update. Re-processing an already classified reading
// recomputes its result; the status is never written back to UNCLASSIFIED.
func (o *Orchestrator) Process(ctx context.Context, r *domain.Reading) Outcome {
	start := o.now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	log := o.logger.With(zap.String("reading_id", r.ID), zap.String("device_id", r.DeviceID))
	out := Outcome{ReadingID: r.ID}
	out.reach(StageReceived)

	res := o.classifier.Classify(r)
	out.Result = res
	out.reach(StageClassified)
	metrics.ReadingsClassified.WithLabelValues(string(res.Status)).Inc()

	fields := map[string]any{
		domain.FieldStatus:       res.Status,
		domain.FieldAccidentType: res.Subtype,
		domain.FieldConfidence:   res.Confidence,
		domain.FieldLastAnalyzed: start.UTC(),
	}

	snapshot := *r
	snapshot.Status = res.Status
	snapshot.AccidentType = res.Subtype
	snapshot.Confidence = res.Confidence

	if res.Status == domain.StatusError {
		log.Warn("malformed reading marked ERROR", zap.Error(r.Validate()))
	} else if seg, ok := o.tracker.Observe(r.DeviceID, r); ok {
		out.Segment = seg
		snapshot.SpeedTrajectory = seg
		fields[domain.FieldSpeedTrajectory] = seg
		out.reach(StageTrajectoryChecked)
	}

	if res.Status.IsAlert() {
		if addr, ok := o.geocode(ctx, r, res.Status); ok {
			out.reach(StageGeocoded)
			out.Address = addr
			if addr != "" {
				snapshot.Address = addr
				fields[domain.FieldAddress] = addr
			}
		}
		out.Deliveries = o.alert(ctx, &snapshot, res)
		out.reach(StageAlerted)
	}

	if err := o.store.UpdateFields(ctx, r.ID, fields); err != nil {
		metrics.StoreWriteFailures.Inc()
		log.Error("result write-back failed, reading left for reprocessing",
			zap.String("status", string(res.Status)),
			zap.Error(err),
		)
		out.Err = err
		return out
	}
	out.reach(StagePersisted)

	if o.state != nil {
		o.state.Publish(&snapshot)
	}

	log.Info("reading processed",
		zap.String("status", string(res.Status)),
		zap.String("subtype", res.Subtype),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("trajectory", out.Segment != nil),
		zap.Int("recipients", len(out.Deliveries)),
	)
	return out
}

// geocode reports ok=false when no lookup was attempted.
func (o *Orchestrator) geocode(ctx context.Context, r *domain.Reading, status domain.Status) (string, bool) {
	if o.geocoder == nil {
		return "", false
	}
	if status != domain.StatusAccident && !(status == domain.StatusFire && o.opts.GeocodeFire) {
		return "", false
	}
	p, ok := r.Fix()
	if !ok {
		return "", false
	}
	return o.geocoder.Resolve(ctx, p.Lat, p.Lng, o.opts.GeocodeAttempts), true
}

func (o *Orchestrator) alert(ctx context.Context, snapshot *domain.Reading, res domain.ClassificationResult) []domain.Delivery {
	if o.alerts == nil {
		return nil
	}
	var recipients []string
	if o.recipients != nil {
		recipients = o.recipients.Resolve(ctx, snapshot)
	}
	return o.alerts.Dispatch(ctx, domain.AlertEvent{
		Reading:    *snapshot,
		AlertType:  res.Status,
		Subtype:    res.Subtype,
		Confidence: res.Confidence,
		Address:    snapshot.Address,
		Recipients: recipients,
	})
}
