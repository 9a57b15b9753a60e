package util

import "time"

// Timer is a lightweight helper to measure elapsed durations.
type Timer struct {
	start time.Time
	laps  []Lap
	last  time.Time
}

// Lap is a named segment of a timed operation.
type Lap struct {
	Name     string
	Duration time.Duration
}

// StartTimer creates a new timer starting at current time.
func StartTimer() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Lap records the time since the previous lap under name.
func (t *Timer) Lap(name string) time.Duration {
	if t == nil || t.start.IsZero() {
		return 0
	}
	now := time.Now()
	d := now.Sub(t.last)
	t.last = now
	t.laps = append(t.laps, Lap{Name: name, Duration: d})
	return d
}

// Laps returns the recorded laps in order.
func (t *Timer) Laps() []Lap {
	if t == nil {
		return nil
	}
	out := make([]Lap, len(t.laps))
	copy(out, t.laps)
	return out
}

// Elapsed returns the duration since start.
func (t *Timer) Elapsed() time.Duration {
	if t == nil || t.start.IsZero() {
		return 0
	}
	return time.Since(t.start)
}

// ElapsedMs returns the elapsed milliseconds since start.
func (t *Timer) ElapsedMs() int64 {
	return t.Elapsed().Milliseconds()
}

// LapFields flattens laps into millisecond values keyed by "<name>_ms".
func (t *Timer) LapFields() map[string]any {
	fields := make(map[string]any, len(t.laps))
	for _, lap := range t.Laps() {
		fields[lap.Name+"_ms"] = float64(lap.Duration.Microseconds()) / 1000
	}
	return fields
}
