// Package ride runs the recording state machine: it subscribes to the
// location and motion sensors, pairs the latest fix with the vibration
// window on a fixed tick, and flushes finished rides to storage.
package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/surface.report/internal/monitoring"
	"github.com/banshee-data/surface.report/internal/roughness"
	"github.com/banshee-data/surface.report/internal/sensor"
	"github.com/banshee-data/surface.report/internal/surface"
	"github.com/banshee-data/surface.report/internal/surfacemap"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

// DefaultInterval is the fusion tick period.
const DefaultInterval = 3 * time.Second

var (
	ErrAlreadyRecording = errors.New("ride already recording")
	ErrNotRecording     = errors.New("no ride recording")
)

var recorderLogf = monitoring.Component("recorder")

// Store persists ride records. Points are written only by FinalizeRide.
type Store interface {
	CreateRide(ctx context.Context, ride surface.Ride) error
	FinalizeRide(ctx context.Context, ride surface.Ride, points []surface.RidePoint) error
}

// State is the recorder lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config wires a Recorder to its collaborators. Location, Index and Store
// are required; a nil Motion source records zero roughness.
type Config struct {
	Location sensor.LocationSource
	Motion   sensor.MotionSource
	Index    *surfacemap.Index
	Store    Store
	Sink     Sink
	Clock    timeutil.Clock

	// Interval defaults to DefaultInterval.
	Interval time.Duration
	// FilterAlpha defaults to roughness.DefaultAlpha when zero; config
	// rejects an explicit zero, so the two never collide.
	FilterAlpha float64
}

// Recorder owns at most one active ride at a time.
type Recorder struct {
	location sensor.LocationSource
	motion   sensor.MotionSource
	index    *surfacemap.Index
	store    Store
	sink     Sink
	clock    timeutil.Clock
	interval time.Duration
	alpha    float64

	// mu serialises Start, Stop and auto-stop.
	mu      sync.Mutex
	session *session
	lastID  int64
}

func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{
		location: cfg.Location,
		motion:   cfg.Motion,
		index:    cfg.Index,
		store:    cfg.Store,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		alpha:    cfg.FilterAlpha,
	}
	if r.sink == nil {
		r.sink = NopSink{}
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.alpha == 0 {
		r.alpha = roughness.DefaultAlpha
	}
	return r
}

// session is the state of one active ride. points and waiting are owned by
// the loop goroutine until done is closed.
type session struct {
	ride   surface.Ride
	filter *roughness.Filter

	fixMu sync.Mutex
	fix   *sensor.Fix

	points  []surface.RidePoint
	waiting bool

	locSub sensor.Subscription
	motSub sensor.Subscription
	ticker timeutil.Ticker
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) setFix(f sensor.Fix) {
	s.fixMu.Lock()
	s.fix = &f
	s.fixMu.Unlock()
}

func (s *session) latestFix() (sensor.Fix, bool) {
	s.fixMu.Lock()
	defer s.fixMu.Unlock()
	if s.fix == nil {
		return sensor.Fix{}, false
	}
	return *s.fix, true
}

func (s *session) onSample(m sensor.MotionSample) {
	if m.Vertical != nil {
		s.filter.Ingest(*m.Vertical)
	}
}

// State reports whether a ride is recording.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return StateIdle
	}
	return StateRecording
}

// ActiveRide returns the ride being recorded.
func (r *Recorder) ActiveRide() (surface.Ride, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return surface.Ride{}, false
	}
	return r.session.ride, true
}

// Start begins a new ride. It returns ErrAlreadyRecording without side
// effects if one is active. Only a location subscription failure aborts the
// start; motion and storage problems are reported and recording proceeds.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return ErrAlreadyRecording
	}

	now := r.clock.Now()
	id := now.UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	s := &session{
		ride:   surface.NewRide(id, now),
		filter: roughness.NewFilter(r.alpha),
		done:   make(chan struct{}),
	}

	if r.location == nil {
		err := sensor.NewError(sensor.CodeUnavailable, errors.New("no location source"))
		r.status(StatusSensorUnavailable, id, err)
		return err
	}
	locSub, err := r.location.SubscribeLocation(s.setFix, func(err error) {
		r.locationError(s.ride.ID, err)
	})
	if err != nil {
		kind := StatusSensorUnavailable
		if errors.Is(err, sensor.ErrPermissionDenied) {
			kind = StatusPermissionDenied
		}
		r.status(kind, id, err)
		return fmt.Errorf("subscribe location: %w", err)
	}
	s.locSub = locSub
	s.motSub = r.subscribeMotion(ctx, s)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = r.clock.NewTicker(r.interval)
	go r.run(loopCtx, s)

	r.session = s
	r.lastID = id

	if err := r.store.CreateRide(ctx, s.ride); err != nil {
		r.status(StatusStorageFailure, id, fmt.Errorf("create ride: %w", err))
	}
	r.status(StatusRecording, id, nil)
	return nil
}

// subscribeMotion asks for permission if the source needs it. Every failure
// degrades to recording without motion.
func (r *Recorder) subscribeMotion(ctx context.Context, s *session) sensor.Subscription {
	id := s.ride.ID
	if r.motion == nil {
		r.status(StatusSensorUnavailable, id, errors.New("no motion source, roughness will be zero"))
		return nil
	}
	if pr, ok := r.motion.(sensor.PermissionRequester); ok {
		granted, err := pr.RequestPermission(ctx)
		if err != nil || !granted {
			if err == nil {
				err = sensor.NewError(sensor.CodePermissionDenied, nil)
			}
			r.status(StatusPermissionDenied, id, fmt.Errorf("motion: %w, roughness will be zero", err))
			return nil
		}
	}
	sub, err := r.motion.SubscribeMotion(s.onSample)
	if err != nil {
		r.status(StatusSensorUnavailable, id, fmt.Errorf("motion: %w, roughness will be zero", err))
		return nil
	}
	return sub
}

// locationError runs on the location source's goroutine. A fatal error
// stops the ride asynchronously since Stop waits for that goroutine.
func (r *Recorder) locationError(rideID int64, err error) {
	switch {
	case sensor.IsFatal(err):
		r.status(StatusPermissionDenied, rideID, err)
		go r.autoStop(rideID)
	case errors.Is(err, sensor.ErrTimeout):
		r.status(StatusSensorTimeout, rideID, err)
	default:
		r.status(StatusSensorUnavailable, rideID, err)
	}
}

func (r *Recorder) autoStop(rideID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil || r.session.ride.ID != rideID {
		return
	}
	if _, err := r.stopLocked(context.Background()); err != nil {
		recorderLogf("auto-stop of ride %d: %v", rideID, err)
	}
}

// Stop ends the active ride and flushes it. It returns ErrNotRecording if
// idle. The recorder is Idle afterwards even when the flush fails; the
// returned ride carries the final aggregates either way.
func (r *Recorder) Stop(ctx context.Context) (surface.Ride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return surface.Ride{}, ErrNotRecording
	}
	return r.stopLocked(ctx)
}

func (r *Recorder) stopLocked(ctx context.Context) (surface.Ride, error) {
	s := r.session
	defer func() { r.session = nil }()

	s.cancel()
	<-s.done
	if s.locSub != nil {
		s.locSub.Unsubscribe()
	}
	if s.motSub != nil {
		s.motSub.Unsubscribe()
	}

	ride := s.ride
	ride.Complete(r.clock.Now(), len(s.points))

	// The flush runs to completion even if the caller's context ends.
	var flushErr error
	if err := r.store.FinalizeRide(context.WithoutCancel(ctx), ride, s.points); err != nil {
		flushErr = fmt.Errorf("finalize ride %d: %w", ride.ID, err)
		r.status(StatusStorageFailure, ride.ID, flushErr)
	}
	r.sink.RidesChanged()
	r.status(StatusStopped, ride.ID, nil)
	return ride, flushErr
}

func (r *Recorder) run(ctx context.Context, s *session) {
	defer close(s.done)
	defer s.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ticker.C():
			if ctx.Err() != nil {
				return
			}
			r.tick(ctx, s)
		}
	}
}

// tick pairs the latest fix with the roughness of the samples gathered
// since the previous tick. Until the first fix arrives nothing is consumed
// and the tick is skipped. StatusWaiting is sent on the first skipped tick
// of a waiting stretch only, not on every one; Broadcaster.LastStatus keeps
// it visible for the rest of the stretch.
func (r *Recorder) tick(ctx context.Context, s *session) {
	fix, ok := s.latestFix()
	if !ok {
		if !s.waiting {
			s.waiting = true
			r.status(StatusWaiting, s.ride.ID, errors.New("waiting for first gps fix"))
		}
		return
	}
	s.waiting = false

	point := newPoint(s.ride.ID, fix, s.filter.Estimate())
	s.points = append(s.points, point)
	r.sink.PointAdded(point)

	// A merge that has started completes even if Stop cancels the loop.
	entry, _, err := r.index.Merge(context.WithoutCancel(ctx), point)
	if err != nil {
		r.status(StatusStorageFailure, s.ride.ID, err)
	}
	r.sink.MapEntryUpserted(entry)
}

func (r *Recorder) status(kind StatusKind, rideID int64, err error) {
	st := Status{Kind: kind, RideID: rideID}
	if err != nil {
		st.Message = err.Error()
	}
	r.sink.StatusChanged(st)
}
