// Package sensor defines the push-based location and motion streams the
// recorder consumes, and adapters that produce them from serial devices.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Fix is one location reading.
type Fix struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	// Accuracy is the estimated horizontal error in meters.
	Accuracy  float64
	Timestamp time.Time
}

// MotionSample is one accelerometer reading. Vertical is nil when the device
// did not report a vertical axis for this sample.
type MotionSample struct {
	Vertical *float64
}

// Subscription detaches a callback from its stream. Once Unsubscribe
// returns, the callback is not invoked again.
type Subscription interface {
	Unsubscribe()
}

// LocationSource delivers fixes at a device-determined cadence. onError
// receives *Error values.
type LocationSource interface {
	SubscribeLocation(onFix func(Fix), onError func(error)) (Subscription, error)
}

// MotionSource delivers raw acceleration samples.
type MotionSource interface {
	SubscribeMotion(onSample func(MotionSample)) (Subscription, error)
}

// PermissionRequester is implemented by motion sources that must ask before
// streaming. Sources without it are treated as already granted.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// Code classifies sensor failures.
type Code string

const (
	CodePermissionDenied Code = "permission-denied"
	CodeUnavailable      Code = "unavailable"
	CodeTimeout          Code = "timeout"
)

var (
	ErrPermissionDenied  = errors.New("sensor permission denied")
	ErrSensorUnavailable = errors.New("sensor unavailable")
	ErrTimeout           = errors.New("sensor timeout")
)

// Error is a coded sensor failure. errors.Is matches it against the
// sentinel for its code.
type Error struct {
	Code Code
	Err  error
}

// NewError wraps err (which may be nil) with code.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Code == CodePermissionDenied
	case ErrSensorUnavailable:
		return e.Code == CodeUnavailable
	case ErrTimeout:
		return e.Code == CodeTimeout
	}
	return false
}

// IsFatal reports whether a location error must end the active ride. Only a
// revoked or refused permission qualifies; timeouts and outages are waited out.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }
