package sensor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/banshee-data/surface.report/internal/monitoring"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

// DefaultUERE converts HDOP to a horizontal accuracy estimate in meters.
const DefaultUERE = 5.0

// DefaultFixTimeout is how long the GPS may stay silent before a timeout is
// reported.
const DefaultFixTimeout = 10 * time.Second

// LineSubscriber is the subscription half of a serial line multiplexer.
type LineSubscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

var gpsLogf = monitoring.Component("gps")

// NMEALocation turns GGA sentences from a GPS receiver into fixes.
type NMEALocation struct {
	lines LineSubscriber
	clock timeutil.Clock

	// FixTimeout reports CodeTimeout after this long without a usable fix.
	// Zero disables the check.
	FixTimeout time.Duration
	// UERE scales HDOP into meters.
	UERE float64
}

// NewNMEALocation reads NMEA sentences from lines.
func NewNMEALocation(lines LineSubscriber, clock timeutil.Clock) *NMEALocation {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &NMEALocation{
		lines:      lines,
		clock:      clock,
		FixTimeout: DefaultFixTimeout,
		UERE:       DefaultUERE,
	}
}

// SubscribeLocation starts delivering fixes. Callbacks run on a single
// goroutine owned by the subscription.
func (n *NMEALocation) SubscribeLocation(onFix func(Fix), onError func(error)) (Subscription, error) {
	if n.lines == nil {
		return nil, NewError(CodeUnavailable, errors.New("no gps line source"))
	}
	id, ch := n.lines.Subscribe()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.run(ch, stop, onFix, onError)
	}()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			close(stop)
			n.lines.Unsubscribe(id)
			<-done
		})
	}), nil
}

func (n *NMEALocation) run(ch <-chan string, stop <-chan struct{}, onFix func(Fix), onError func(error)) {
	var timeout <-chan time.Time
	var timer timeutil.Timer
	if n.FixTimeout > 0 {
		timer = n.clock.NewTimer(n.FixTimeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	for {
		select {
		case <-stop:
			return

		case line, ok := <-ch:
			if !ok {
				select {
				case <-stop:
				default:
					onError(NewError(CodeUnavailable, errors.New("gps line stream closed")))
				}
				return
			}
			fix, ok, err := n.ParseLine(line)
			if err != nil {
				gpsLogf("discarding sentence %q: %v", line, err)
				continue
			}
			if !ok {
				continue
			}
			if timer != nil {
				timer.Reset(n.FixTimeout)
			}
			onFix(fix)

		case <-timeout:
			onError(NewError(CodeTimeout, fmt.Errorf("no gps fix for %s", n.FixTimeout)))
			timer.Reset(n.FixTimeout)
		}
	}
}

// ParseLine converts one sentence into a fix. ok is false for sentences that
// carry no position (other sentence types, or GGA without a fix).
func (n *NMEALocation) ParseLine(line string) (fix Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false, nil
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, false, err
	}
	if s.DataType() != nmea.TypeGGA {
		return Fix{}, false, nil
	}
	gga, isGGA := s.(nmea.GGA)
	if !isGGA || gga.FixQuality == nmea.Invalid {
		return Fix{}, false, nil
	}

	alt := gga.Altitude
	return Fix{
		Latitude:  gga.Latitude,
		Longitude: gga.Longitude,
		Altitude:  &alt,
		Accuracy:  gga.HDOP * n.UERE,
		Timestamp: n.fixTime(gga.Time),
	}, true, nil
}

// fixTime places a GGA time of day on the clock's current UTC date. A time
// more than twelve hours ahead belongs to the previous day (the sentence
// was emitted just before midnight).
func (n *NMEALocation) fixTime(t nmea.Time) time.Time {
	now := n.clock.Now().UTC()
	if !t.Valid {
		return now
	}
	ts := time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
	if ts.Sub(now) > 12*time.Hour {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts
}
