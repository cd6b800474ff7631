package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
)

type ReplaySummary struct {
	Events     int  `json:"events"`
	Skipped    int  `json:"skipped"`
	Delivered  int  `json:"delivered"`
	Failed     int  `json:"failed"`
	Incomplete bool `json:"incomplete"`
}

// ReplayAlerts re-sends alerts for every stored ACCIDENT or FIRE reading
// using the persisted classification. Classification is not re-run.
func (o *Orchestrator) ReplayAlerts(ctx context.Context) (ReplaySummary, error) {
	var sum ReplaySummary
	if o.alerts == nil {
		return sum, fmt.Errorf("replay needs an alert sender")
	}

	readings, err := o.store.ListByStatus(ctx, domain.StatusAccident, domain.StatusFire)
	if err != nil {
		return sum, fmt.Errorf("load past alerts: %w", err)
	}
	o.logger.Info("replaying past alerts", zap.Int("readings", len(readings)))

	for _, r := range readings {
		if ctx.Err() != nil {
			sum.Incomplete = true
			break
		}
		var recipients []string
		if o.recipients != nil {
			recipients = o.recipients.Resolve(ctx, r)
		}
		if len(recipients) == 0 {
			sum.Skipped++
		}

		deliveries := o.alerts.Redeliver(ctx, domain.AlertEvent{
			Reading:    *r,
			AlertType:  r.Status,
			Subtype:    r.AccidentType,
			Confidence: r.Confidence,
			Address:    r.Address,
			Recipients: recipients,
		})
		sum.Events++
		for _, d := range deliveries {
			if d.OK() {
				sum.Delivered++
			} else {
				sum.Failed++
			}
		}
	}

	o.logger.Info("alert replay finished",
		zap.Int("events", sum.Events),
		zap.Int("delivered", sum.Delivered),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Bool("incomplete", sum.Incomplete),
	)
	return sum, nil
}

// StartReplay runs ReplayAlerts on its own goroutine so live alerts keep
// flowing. Only one replay runs at a time; false means one is in progress.
// done, if non-nil, receives the summary.
func (o *Orchestrator) StartReplay(ctx context.Context, done func(ReplaySummary, error)) bool {
	if !o.replaying.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer o.replaying.Store(false)
		sum, err := o.ReplayAlerts(ctx)
		if err != nil {
			o.logger.Error("alert replay failed", zap.Error(err))
		}
		if done != nil {
			done(sum, err)
		}
	}()
	return true
}
