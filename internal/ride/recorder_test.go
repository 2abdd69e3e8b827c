package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surface.report/internal/geo"
	"github.com/banshee-data/surface.report/internal/sensor"
	"github.com/banshee-data/surface.report/internal/surface"
	"github.com/banshee-data/surface.report/internal/surfacemap"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

type fakeLocation struct {
	mu           sync.Mutex
	onFix        func(sensor.Fix)
	onError      func(error)
	subscribeErr error
	unsubscribed int
}

func (f *fakeLocation) SubscribeLocation(onFix func(sensor.Fix), onError func(error)) (sensor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.onFix, f.onError = onFix, onError
	return sensor.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.onFix, f.onError = nil, nil
		f.unsubscribed++
	}), nil
}

func (f *fakeLocation) deliver(lat, lon float64, ms int64) {
	f.mu.Lock()
	cb := f.onFix
	f.mu.Unlock()
	if cb != nil {
		cb(sensor.Fix{Latitude: lat, Longitude: lon, Accuracy: 4, Timestamp: time.UnixMilli(ms)})
	}
}

func (f *fakeLocation) fail(err error) {
	f.mu.Lock()
	cb := f.onError
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

type fakeMotion struct {
	mu           sync.Mutex
	onSample     func(sensor.MotionSample)
	subscribeErr error
	unsubscribed int
}

func (f *fakeMotion) SubscribeMotion(onSample func(sensor.MotionSample)) (sensor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.onSample = onSample
	return sensor.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.onSample = nil
		f.unsubscribed++
	}), nil
}

func (f *fakeMotion) deliver(values ...float64) {
	f.mu.Lock()
	cb := f.onSample
	f.mu.Unlock()
	for _, v := range values {
		v := v
		if cb != nil {
			cb(sensor.MotionSample{Vertical: &v})
		}
	}
}

// gatedMotion requires a permission grant before streaming.
type gatedMotion struct {
	fakeMotion
	granted bool
}

func (g *gatedMotion) RequestPermission(context.Context) (bool, error) {
	return g.granted, nil
}

type memStore struct {
	mu          sync.Mutex
	created     []surface.Ride
	finalized   []surface.Ride
	points      map[int64][]surface.RidePoint
	createErr   error
	finalizeErr error
}

func newMemStore() *memStore {
	return &memStore{points: make(map[int64][]surface.RidePoint)}
}

func (m *memStore) CreateRide(ctx context.Context, ride surface.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, ride)
	return nil
}

func (m *memStore) FinalizeRide(ctx context.Context, ride surface.Ride, points []surface.RidePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	m.finalized = append(m.finalized, ride)
	m.points[ride.ID] = append([]surface.RidePoint(nil), points...)
	return nil
}

func (m *memStore) finalizedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finalized)
}

type recordingSink struct {
	mu       sync.Mutex
	points   []surface.RidePoint
	entries  []surface.RoughnessMapEntry
	statuses []Status
	changed  int
	pointCh  chan surface.RidePoint
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pointCh: make(chan surface.RidePoint, 16)}
}

func (s *recordingSink) PointAdded(p surface.RidePoint) {
	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
	s.pointCh <- p
}

func (s *recordingSink) MapEntryUpserted(e surface.RoughnessMapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) RidesChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed++
}

func (s *recordingSink) StatusChanged(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) kinds() []StatusKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StatusKind
	for _, st := range s.statuses {
		out = append(out, st.Kind)
	}
	return out
}

type harness struct {
	clock    *timeutil.MockClock
	location *fakeLocation
	motion   *fakeMotion
	store    *memStore
	index    *surfacemap.Index
	sink     *recordingSink
	rec      *Recorder
}

func newHarness(t *testing.T, motion sensor.MotionSource) *harness {
	t.Helper()
	h := &harness{
		clock:    timeutil.NewMockClock(time.UnixMilli(1_700_000_000_000)),
		location: &fakeLocation{},
		store:    newMemStore(),
		index:    surfacemap.NewIndex(nil, surfacemap.DefaultRadius, surfacemap.DefaultPrecision),
		sink:     newRecordingSink(),
	}
	if fm, ok := motion.(*fakeMotion); ok {
		h.motion = fm
	}
	h.rec = NewRecorder(Config{
		Location: h.location,
		Motion:   motion,
		Index:    h.index,
		Store:    h.store,
		Sink:     h.sink,
		Clock:    h.clock,
	})
	return h
}

// tick runs one fusion step on the calling goroutine. The mock clock is never
// advanced in these tests, so the loop goroutine stays idle.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.rec.mu.Lock()
	s := h.rec.session
	h.rec.mu.Unlock()
	require.NotNil(t, s, "no active ride")
	h.rec.tick(context.Background(), s)
}

func metersNorth(m float64) float64 {
	return m / (geo.EarthRadiusMeters * 3.141592653589793 / 180)
}

func TestRecorder_SingleTickEndToEnd(t *testing.T) {
	motion := &fakeMotion{}
	h := newHarness(t, motion)
	ctx := context.Background()

	require.NoError(t, h.rec.Start(ctx))
	assert.Equal(t, StateRecording, h.rec.State())

	h.location.deliver(51.0, -114.0, 1000)
	motion.deliver(1, 2, 3, 2, 1)
	h.tick(t)

	require.Len(t, h.sink.points, 1)
	p := h.sink.points[0]
	assert.InDelta(t, 0.5206615, p.RoughnessValue, 1e-6)
	assert.Equal(t, 51.0, p.Latitude)
	assert.Equal(t, -114.0, p.Longitude)
	assert.Equal(t, int64(1000), p.Timestamp.UnixMilli())
	assert.NotEmpty(t, p.ID)

	h.clock.Advance(1500 * time.Millisecond)
	ride, err := h.rec.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, surface.RideCompleted, ride.Status)
	assert.Equal(t, 1, ride.TotalPoints)
	assert.Equal(t, int64(1), ride.DurationSeconds)
	assert.Equal(t, StateIdle, h.rec.State())

	require.Len(t, h.store.created, 1)
	assert.Equal(t, surface.RideActive, h.store.created[0].Status)
	require.Len(t, h.store.finalized, 1)
	assert.Equal(t, []surface.RidePoint{p}, h.store.points[ride.ID])
	assert.Equal(t, 1, h.location.unsubscribed)
	assert.Equal(t, 1, motion.unsubscribed)
	assert.Equal(t, 1, h.sink.changed)
	assert.Contains(t, h.sink.kinds(), StatusStopped)
}

func TestRecorder_TwoNearbyTicksShareOneEntry(t *testing.T) {
	motion := &fakeMotion{}
	h := newHarness(t, motion)
	require.NoError(t, h.rec.Start(context.Background()))

	h.location.deliver(51.0, -114.0, 1000)
	motion.deliver(0, 4, -4, 4)
	h.tick(t)

	h.location.deliver(51.0+metersNorth(3), -114.0, 4000)
	motion.deliver(10, -10, 10, -10)
	h.tick(t)

	require.Len(t, h.sink.points, 2)
	second := h.sink.points[1]
	assert.NotEqual(t, h.sink.points[0].RoughnessValue, second.RoughnessValue)

	entries := h.index.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, second.RoughnessValue, entries[0].RoughnessValue)
	assert.Equal(t, second.Latitude, entries[0].Latitude)
}

func TestRecorder_LatestFixWins(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	require.NoError(t, h.rec.Start(context.Background()))

	h.location.deliver(51.0, -114.0, 1000)
	h.location.deliver(52.0, -113.0, 2000)
	h.tick(t)

	require.Len(t, h.sink.points, 1)
	assert.Equal(t, 52.0, h.sink.points[0].Latitude)
	assert.Equal(t, int64(2000), h.sink.points[0].Timestamp.UnixMilli())

	// The slot is not consumed; the next tick reuses the same fix.
	h.tick(t)
	require.Len(t, h.sink.points, 2)
	assert.Equal(t, 52.0, h.sink.points[1].Latitude)
	assert.Equal(t, 0.0, h.sink.points[1].RoughnessValue)
}

func TestRecorder_WaitsForFirstFix(t *testing.T) {
	motion := &fakeMotion{}
	h := newHarness(t, motion)
	require.NoError(t, h.rec.Start(context.Background()))

	motion.deliver(1, 2, 3)
	h.tick(t)
	h.tick(t)

	assert.Empty(t, h.sink.points)
	waiting := 0
	for _, k := range h.sink.kinds() {
		if k == StatusWaiting {
			waiting++
		}
	}
	assert.Equal(t, 1, waiting, "waiting is reported once per stretch")
	assert.Equal(t, 3, h.rec.session.filter.Pending(), "samples are kept while waiting")

	ride, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, ride.TotalPoints)
}

func TestRecorder_StartStopNoOps(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	ctx := context.Background()

	_, err := h.rec.Stop(ctx)
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.Empty(t, h.store.finalized)

	require.NoError(t, h.rec.Start(ctx))
	first, _ := h.rec.ActiveRide()
	assert.ErrorIs(t, h.rec.Start(ctx), ErrAlreadyRecording)
	again, _ := h.rec.ActiveRide()
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, h.store.created, 1)

	_, err = h.rec.Stop(ctx)
	require.NoError(t, err)
	_, ok := h.rec.ActiveRide()
	assert.False(t, ok)
}

func TestRecorder_RideIDsAreMonotonic(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	ctx := context.Background()

	require.NoError(t, h.rec.Start(ctx))
	a, _ := h.rec.Stop(ctx)
	require.NoError(t, h.rec.Start(ctx))
	b, _ := h.rec.Stop(ctx)

	assert.Equal(t, h.clock.Now().UnixMilli(), a.ID)
	assert.Equal(t, a.ID+1, b.ID)
}

func TestRecorder_MotionPermissionDenied(t *testing.T) {
	motion := &gatedMotion{granted: false}
	h := newHarness(t, motion)

	require.NoError(t, h.rec.Start(context.Background()))
	assert.Equal(t, StateRecording, h.rec.State())
	assert.Contains(t, h.sink.kinds(), StatusPermissionDenied)
	assert.Nil(t, motion.onSample, "motion is not subscribed without permission")

	h.location.deliver(51.0, -114.0, 1000)
	h.tick(t)
	require.Len(t, h.sink.points, 1)
	assert.Equal(t, 0.0, h.sink.points[0].RoughnessValue)
}

func TestRecorder_MotionGranted(t *testing.T) {
	motion := &gatedMotion{granted: true}
	h := newHarness(t, motion)

	require.NoError(t, h.rec.Start(context.Background()))
	assert.NotContains(t, h.sink.kinds(), StatusPermissionDenied)
	motion.deliver(1, 5)
	h.location.deliver(51.0, -114.0, 1000)
	h.tick(t)
	require.Len(t, h.sink.points, 1)
	assert.Greater(t, h.sink.points[0].RoughnessValue, 0.0)
}

func TestRecorder_MissingMotionSource(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.rec.Start(context.Background()))
	assert.Equal(t, []StatusKind{StatusSensorUnavailable, StatusRecording}, h.sink.kinds())

	h.location.deliver(51.0, -114.0, 1000)
	h.tick(t)
	require.Len(t, h.sink.points, 1)
	assert.Equal(t, 0.0, h.sink.points[0].RoughnessValue)
}

func TestRecorder_MotionSubscribeFailure(t *testing.T) {
	motion := &fakeMotion{subscribeErr: sensor.NewError(sensor.CodeUnavailable, nil)}
	h := newHarness(t, motion)

	require.NoError(t, h.rec.Start(context.Background()))
	assert.Contains(t, h.sink.kinds(), StatusSensorUnavailable)
	assert.Equal(t, StateRecording, h.rec.State())
}

func TestRecorder_LocationSubscribeFailure(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	h.location.subscribeErr = sensor.NewError(sensor.CodeUnavailable, errors.New("no gps"))

	err := h.rec.Start(context.Background())
	assert.ErrorIs(t, err, sensor.ErrSensorUnavailable)
	assert.Equal(t, StateIdle, h.rec.State())
	assert.Empty(t, h.store.created)
	assert.Equal(t, 0, h.clock.ActiveTickers())
}

func TestRecorder_FatalLocationErrorAutoStops(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	require.NoError(t, h.rec.Start(context.Background()))
	h.location.deliver(51.0, -114.0, 1000)
	h.tick(t)

	h.location.fail(sensor.NewError(sensor.CodePermissionDenied, errors.New("revoked")))

	require.Eventually(t, func() bool { return h.rec.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.store.finalizedCount())
	assert.Equal(t, 1, h.store.finalized[0].TotalPoints)
	assert.Contains(t, h.sink.kinds(), StatusPermissionDenied)
}

func TestRecorder_TransientLocationErrors(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	require.NoError(t, h.rec.Start(context.Background()))

	h.location.fail(sensor.NewError(sensor.CodeTimeout, nil))
	h.location.fail(sensor.NewError(sensor.CodeUnavailable, nil))

	assert.Equal(t, StateRecording, h.rec.State())
	kinds := h.sink.kinds()
	assert.Contains(t, kinds, StatusSensorTimeout)
	assert.Contains(t, kinds, StatusSensorUnavailable)
}

func TestRecorder_AutoStopIgnoresStaleRide(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	ctx := context.Background()
	require.NoError(t, h.rec.Start(ctx))
	old, _ := h.rec.ActiveRide()
	_, err := h.rec.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, h.rec.Start(ctx))

	h.rec.autoStop(old.ID)
	assert.Equal(t, StateRecording, h.rec.State())
}

func TestRecorder_StorageFailureStillClearsState(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	h.store.createErr = errors.New("locked")
	h.store.finalizeErr = errors.New("disk full")
	ctx := context.Background()

	require.NoError(t, h.rec.Start(ctx))
	assert.Contains(t, h.sink.kinds(), StatusStorageFailure)
	h.location.deliver(51.0, -114.0, 1000)
	h.tick(t)

	ride, err := h.rec.Stop(ctx)
	assert.ErrorIs(t, err, h.store.finalizeErr)
	assert.Equal(t, surface.RideCompleted, ride.Status)
	assert.Equal(t, 1, ride.TotalPoints)
	assert.Equal(t, StateIdle, h.rec.State())
	require.NoError(t, h.rec.Start(ctx), "recorder is usable after a failed flush")
}

func TestRecorder_TickerDrivesLoop(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	ctx := context.Background()
	require.NoError(t, h.rec.Start(ctx))
	require.Equal(t, 1, h.clock.ActiveTickers())

	h.location.deliver(51.0, -114.0, 1000)
	h.clock.Advance(DefaultInterval)
	select {
	case p := <-h.sink.pointCh:
		assert.Equal(t, 51.0, p.Latitude)
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not produce a point")
	}

	ride, err := h.rec.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ride.TotalPoints)
	assert.Equal(t, 0, h.clock.ActiveTickers())

	h.clock.Advance(DefaultInterval)
	select {
	case <-h.sink.pointCh:
		t.Fatal("tick ran after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "recording", StateRecording.String())
	assert.Equal(t, "State(7)", State(7).String())
}
