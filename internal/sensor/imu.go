package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/surface.report/internal/monitoring"
)

var imuLogf = monitoring.Component("imu")

// IMUMotion reads accelerometer lines from an IMU. Two line shapes are
// accepted: "x,y,z" in m/s² and {"x":…,"y":…,"z":…}. The z axis is vertical.
type IMUMotion struct {
	lines LineSubscriber
}

// NewIMUMotion reads accelerometer lines from lines.
func NewIMUMotion(lines LineSubscriber) *IMUMotion {
	return &IMUMotion{lines: lines}
}

// SubscribeMotion starts delivering samples on a goroutine owned by the
// subscription. Malformed lines are logged and skipped.
func (m *IMUMotion) SubscribeMotion(onSample func(MotionSample)) (Subscription, error) {
	if m.lines == nil {
		return nil, NewError(CodeUnavailable, errors.New("no imu line source"))
	}
	id, ch := m.lines.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range ch {
			sample, err := ParseIMULine(line)
			if err != nil {
				imuLogf("discarding line %q: %v", line, err)
				continue
			}
			onSample(sample)
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			m.lines.Unsubscribe(id)
			<-done
		})
	}), nil
}

type imuJSON struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// ParseIMULine parses one accelerometer line. A line without a z value
// yields a sample with no vertical component rather than an error.
func ParseIMULine(line string) (MotionSample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return MotionSample{}, errors.New("empty line")
	}

	if strings.HasPrefix(line, "{") {
		var v imuJSON
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return MotionSample{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		return MotionSample{Vertical: v.Z}, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) < 2 || len(fields) > 3 {
		return MotionSample{}, fmt.Errorf("expected 3 comma separated values, got %d", len(fields))
	}
	for i, f := range fields[:2] {
		if _, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
			return MotionSample{}, fmt.Errorf("failed to parse axis %d: %w", i, err)
		}
	}
	if len(fields) == 2 || strings.TrimSpace(fields[2]) == "" {
		return MotionSample{}, nil
	}
	z, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return MotionSample{}, fmt.Errorf("failed to parse z: %w", err)
	}
	return MotionSample{Vertical: &z}, nil
}
