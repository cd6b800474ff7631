package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/store"
)

type sentMail struct {
	to, subject, body string
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sentMail
	failTo map[string]bool
}

func (f *fakeNotifier) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to] {
		return errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type fakeLedger struct {
	mu        sync.Mutex
	claimed   map[string]bool
	published [][]byte
	claimErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claimed: map[string]bool{}}
}

func (l *fakeLedger) ClaimAlert(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return false, l.claimErr
	}
	if l.claimed[id] {
		return false, nil
	}
	l.claimed[id] = true
	return true, nil
}

func (l *fakeLedger) ReleaseAlert(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, id)
	return nil
}

func (l *fakeLedger) RefreshAlert(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimed[id] = true
	return nil
}

func (l *fakeLedger) PublishAlert(ctx context.Context, deviceID string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, payload)
	return nil
}

func testEvent(recipients ...string) domain.AlertEvent {
	return domain.AlertEvent{
		Reading: domain.Reading{
			ID:        "r1",
			DeviceID:  "ESP12E_001",
			Timestamp: domain.Timestamp{Time: time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)},
			GForce:    domain.Vector3{X: domain.Num(3.2), Y: domain.Num(0.5), Z: domain.Num(1)},
			Gyro:      domain.Vector3{X: domain.Num(75), Y: domain.Num(10), Z: domain.Num(0)},
			Location:  domain.Location{Lat: domain.Num(6.9271), Lng: domain.Num(79.8612)},
			Speed:     domain.Num(80),
		},
		AlertType:  domain.StatusAccident,
		Subtype:    domain.SubtypeSideImpact,
		Confidence: 0.87,
		Address:    "Galle Road, Colombo",
		Recipients: recipients,
	}
}

func newTestDispatcher(n Notifier, l Ledger, pauses *[]time.Duration) *Dispatcher {
	d := NewDispatcher(n, l, DefaultSendPause, zap.NewNop())
	d.sleep = func(ctx context.Context, p time.Duration) error {
		*pauses = append(*pauses, p)
		return nil
	}
	return d
}

func TestDispatch_SendsSequentiallyWithPause(t *testing.T) {
	n := &fakeNotifier{}
	l := newFakeLedger()
	var pauses []time.Duration

	out := newTestDispatcher(n, l, &pauses).Dispatch(context.Background(), testEvent("a@x.com", "b@x.com", "c@x.com"))

	require.Len(t, out, 3)
	for _, d := range out {
		assert.True(t, d.OK())
	}
	require.Len(t, n.sent, 3)
	assert.Equal(t, "a@x.com", n.sent[0].to)
	assert.Equal(t, "c@x.com", n.sent[2].to)
	assert.Equal(t, "EMERGENCY: ACCIDENT detected on device ESP12E_001", n.sent[0].subject)
	assert.Equal(t, []time.Duration{DefaultSendPause, DefaultSendPause}, pauses)
	assert.Len(t, l.published, 1)
}

func TestDispatch_PartialFailureContinues(t *testing.T) {
	n := &fakeNotifier{failTo: map[string]bool{"a@x.com": true}}
	var pauses []time.Duration

	out := newTestDispatcher(n, newFakeLedger(), &pauses).Dispatch(context.Background(), testEvent("a@x.com", "b@x.com"))

	require.Len(t, out, 2)
	assert.Error(t, out[0].Err)
	assert.NoError(t, out[1].Err)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "b@x.com", n.sent[0].to)
}

func TestDispatch_NoRecipientsDropped(t *testing.T) {
	n := &fakeNotifier{}
	l := newFakeLedger()
	var pauses []time.Duration

	out := newTestDispatcher(n, l, &pauses).Dispatch(context.Background(), testEvent())

	assert.Empty(t, out)
	assert.Empty(t, n.sent)
	assert.Empty(t, l.claimed)
}

func TestDispatch_AtMostOncePerReading(t *testing.T) {
	n := &fakeNotifier{}
	var pauses []time.Duration
	d := newTestDispatcher(n, newFakeLedger(), &pauses)

	d.Dispatch(context.Background(), testEvent("a@x.com"))
	out := d.Dispatch(context.Background(), testEvent("a@x.com"))

	assert.Empty(t, out)
	assert.Len(t, n.sent, 1)
}

func TestDispatch_TotalFailureReleasesClaim(t *testing.T) {
	n := &fakeNotifier{failTo: map[string]bool{"a@x.com": true}}
	l := newFakeLedger()
	var pauses []time.Duration
	d := newTestDispatcher(n, l, &pauses)

	d.Dispatch(context.Background(), testEvent("a@x.com"))
	assert.False(t, l.claimed["r1"])

	n.failTo = nil
	out := d.Dispatch(context.Background(), testEvent("a@x.com"))
	require.Len(t, out, 1)
	assert.True(t, out[0].OK())
}

func TestDispatch_LedgerDownStillSends(t *testing.T) {
	n := &fakeNotifier{}
	l := newFakeLedger()
	l.claimErr = errors.New("redis down")
	var pauses []time.Duration

	out := newTestDispatcher(n, l, &pauses).Dispatch(context.Background(), testEvent("a@x.com"))

	require.Len(t, out, 1)
	assert.Len(t, n.sent, 1)
}

func TestRedeliver_IgnoresEarlierClaim(t *testing.T) {
	n := &fakeNotifier{}
	l := newFakeLedger()
	l.claimed["r1"] = true
	var pauses []time.Duration

	out := newTestDispatcher(n, l, &pauses).Redeliver(context.Background(), testEvent("a@x.com", "b@x.com"))

	assert.Len(t, out, 2)
	assert.Len(t, n.sent, 2)
	assert.True(t, l.claimed["r1"])
}

func TestDispatch_CancelledMarksRemainingUnsent(t *testing.T) {
	n := &fakeNotifier{}
	d := NewDispatcher(n, nil, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := d.Dispatch(ctx, testEvent("a@x.com", "b@x.com", "c@x.com"))

	require.Len(t, out, 3)
	assert.NoError(t, out[0].Err)
	assert.ErrorIs(t, out[1].Err, context.Canceled)
	assert.ErrorIs(t, out[2].Err, context.Canceled)
	assert.Len(t, n.sent, 1)
}

func TestBody_ContainsReadouts(t *testing.T) {
	body := Body(testEvent("a@x.com"))

	assert.Contains(t, body, "EMERGENCY ALERT: ACCIDENT")
	assert.Contains(t, body, "SIDE_IMPACT")
	assert.Contains(t, body, "87%")
	assert.Contains(t, body, "ESP12E_001")
	assert.Contains(t, body, "6.927100, 79.861200")
	assert.Contains(t, body, "https://www.google.com/maps?q=6.927100,79.861200")
	assert.Contains(t, body, "Galle Road, Colombo")
	assert.Contains(t, body, "x=3.20 y=0.50 z=1.00")
	assert.Contains(t, body, "x=75.00 y=10.00 z=0.00")
	assert.Contains(t, body, "80.0 km/h")
}

func TestBody_NoFix(t *testing.T) {
	ev := testEvent("a@x.com")
	ev.Reading.Location = domain.Location{Lat: domain.AwaitingFix(), Lng: domain.AwaitingFix()}
	ev.Reading.Speed = domain.AwaitingFix()
	ev.Address = ""

	body := Body(ev)

	assert.Contains(t, body, "Location:    no GPS fix")
	assert.Contains(t, body, "Address:     unavailable")
	assert.Contains(t, body, "Speed:           no GPS fix")
}

// cancellingNotifier simulates a shutdown signal arriving during the send.
type cancellingNotifier struct {
	cancel context.CancelFunc
}

func (c *cancellingNotifier) Send(ctx context.Context, to, subject, body string) error {
	c.cancel()
	return errors.New("shutdown mid-send")
}

func TestDispatch_CancelledSendReleasesClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ledger := store.NewRedisStoreWithClient(client, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var pauses []time.Duration
	out := newTestDispatcher(&cancellingNotifier{cancel: cancel}, ledger, &pauses).
		Dispatch(ctx, testEvent("a@x.com"))

	require.Len(t, out, 1)
	assert.False(t, out[0].OK())
	assert.False(t, mr.Exists("alert:reading:r1"), "claim must not outlive a failed dispatch")

	claimed, err := ledger.ClaimAlert(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, claimed, "the reprocessed reading can alert again")
}

func TestRedeliver_CancelledAfterSendStillRefreshesClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ledger := store.NewRedisStoreWithClient(client, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	n := &notifierThen{next: &fakeNotifier{}, after: cancel}
	var pauses []time.Duration
	out := newTestDispatcher(n, ledger, &pauses).Redeliver(ctx, testEvent("a@x.com"))

	require.Len(t, out, 1)
	assert.True(t, out[0].OK())
	assert.True(t, mr.Exists("alert:reading:r1"))
}

// notifierThen delivers through next and then runs after.
type notifierThen struct {
	next  Notifier
	after func()
}

func (n *notifierThen) Send(ctx context.Context, to, subject, body string) error {
	err := n.next.Send(ctx, to, subject, body)
	n.after()
	return err
}
