// Package alert sends emergency notifications for ACCIDENT and FIRE readings.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/metrics"
)

// ledgerTimeout bounds claim bookkeeping that runs after the caller's ctx
// may already be cancelled.
const ledgerTimeout = 2 * time.Second

// DefaultSendPause keeps us under the mail provider's per-second limit.
const DefaultSendPause = 200 * time.Millisecond

// Notifier delivers one message to one address.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Ledger records which readings have been alerted and fans alerts out to
// live subscribers.
type Ledger interface {
	ClaimAlert(ctx context.Context, readingID string) (bool, error)
	ReleaseAlert(ctx context.Context, readingID string) error
	RefreshAlert(ctx context.Context, readingID string) error
	PublishAlert(ctx context.Context, deviceID string, payload []byte) error
}

type Dispatcher struct {
	notifier Notifier
	ledger   Ledger
	pause    time.Duration
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher. ledger may be nil, which disables
// de-duplication and the live fan-out.
func NewDispatcher(n Notifier, ledger Ledger, pause time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		ledger:   ledger,
		pause:    pause,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Dispatch sends a live alert at most once per reading.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.AlertEvent) []domain.Delivery {
	log := d.eventLogger(ev)
	if len(ev.Recipients) == 0 {
		metrics.AlertsDropped.WithLabelValues("no_recipients").Inc()
		log.Warn("alert dropped, no recipients resolved")
		return nil
	}

	if d.ledger != nil {
		claimed, err := d.ledger.ClaimAlert(ctx, ev.Reading.ID)
		switch {
		case err != nil:
			// a duplicate email beats a missed one
			log.Warn("alert claim unavailable, sending anyway", zap.Error(err))
		case !claimed:
			metrics.AlertsDropped.WithLabelValues("duplicate").Inc()
			log.Info("alert already sent for reading")
			return nil
		}
	}

	deliveries := d.send(ctx, ev, log)

	if d.ledger != nil && !anyDelivered(deliveries) {
		// must land even when ctx was cancelled mid-send, or the claim
		// would suppress this alert after restart
		lctx, cancel := ledgerContext(ctx)
		err := d.ledger.ReleaseAlert(lctx, ev.Reading.ID)
		cancel()
		if err != nil {
			log.Warn("alert claim release failed", zap.Error(err))
		}
	}
	d.publish(ctx, ev, log)
	return deliveries
}

// Redeliver sends regardless of earlier deliveries. Used by replay.
func (d *Dispatcher) Redeliver(ctx context.Context, ev domain.AlertEvent) []domain.Delivery {
	log := d.eventLogger(ev).With(zap.Bool("replay", true))
	if len(ev.Recipients) == 0 {
		metrics.AlertsDropped.WithLabelValues("no_recipients").Inc()
		log.Warn("alert dropped, no recipients resolved")
		return nil
	}

	deliveries := d.send(ctx, ev, log)

	if d.ledger != nil && anyDelivered(deliveries) {
		lctx, cancel := ledgerContext(ctx)
		err := d.ledger.RefreshAlert(lctx, ev.Reading.ID)
		cancel()
		if err != nil {
			log.Warn("alert claim refresh failed", zap.Error(err))
		}
	}
	d.publish(ctx, ev, log)
	return deliveries
}

// send goes through recipients one at a time with a fixed pause between
// sends. A failed recipient does not stop the rest.
func (d *Dispatcher) send(ctx context.Context, ev domain.AlertEvent, log *zap.Logger) []domain.Delivery {
	subject := Subject(ev)
	body := Body(ev)

	deliveries := make([]domain.Delivery, 0, len(ev.Recipients))
	for i, to := range ev.Recipients {
		if i > 0 {
			if err := d.sleep(ctx, d.pause); err != nil {
				for _, rest := range ev.Recipients[i:] {
					deliveries = append(deliveries, domain.Delivery{Recipient: rest, Err: err})
				}
				log.Warn("alert dispatch interrupted", zap.Int("unsent", len(ev.Recipients)-i), zap.Error(err))
				return deliveries
			}
		}

		err := d.notifier.Send(ctx, to, subject, body)
		deliveries = append(deliveries, domain.Delivery{Recipient: to, Err: err})
		if err != nil {
			metrics.AlertsFailed.Inc()
			log.Error("alert delivery failed", zap.String("recipient", to), zap.Error(err))
			continue
		}
		metrics.AlertsSent.Inc()
		log.Info("alert delivered", zap.String("recipient", to))
	}
	return deliveries
}

func (d *Dispatcher) publish(ctx context.Context, ev domain.AlertEvent, log *zap.Logger) {
	if d.ledger == nil {
		return
	}
	payload, err := json.Marshal(liveAlert{
		ReadingID:  ev.Reading.ID,
		DeviceID:   ev.Reading.DeviceID,
		AlertType:  string(ev.AlertType),
		Subtype:    ev.Subtype,
		Confidence: ev.Confidence,
		Address:    ev.Address,
		Location:   ev.Reading.Location,
		Timestamp:  ev.Reading.Timestamp,
		SentAt:     time.Now().Unix(),
	})
	if err != nil {
		log.Warn("alert payload encode failed", zap.Error(err))
		return
	}
	if err := d.ledger.PublishAlert(ctx, ev.Reading.DeviceID, payload); err != nil {
		log.Warn("alert publish failed", zap.Error(err))
	}
}

type liveAlert struct {
	ReadingID  string           `json:"reading_id"`
	DeviceID   string           `json:"device_id"`
	AlertType  string           `json:"alert_type"`
	Subtype    string           `json:"subtype"`
	Confidence float64          `json:"confidence"`
	Address    string           `json:"address,omitempty"`
	Location   domain.Location  `json:"location"`
	Timestamp  domain.Timestamp `json:"timestamp"`
	SentAt     int64            `json:"sent_at"`
}

func (d *Dispatcher) eventLogger(ev domain.AlertEvent) *zap.Logger {
	return d.logger.With(
		zap.String("reading_id", ev.Reading.ID),
		zap.String("device_id", ev.Reading.DeviceID),
		zap.String("alert_type", string(ev.AlertType)),
	)
}

func ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
}

func anyDelivered(ds []domain.Delivery) bool {
	for _, d := range ds {
		if d.OK() {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
