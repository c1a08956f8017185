package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultCountdownInterval paces the remaining-time log of a bounded run.
const DefaultCountdownInterval = time.Minute

// RunTimer bounds a simulation run. When the deadline passes (or Stop is
// called) the expiry callback fires exactly once; Extend pushes the
// deadline out by adding to the time remaining. While the run is live a
// countdown log reports the remaining time at a fixed interval.
type RunTimer struct {
	logger   logr.Logger
	onExpire func()

	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	fired    bool

	countdownEvery time.Duration
	countdownStop  chan struct{}
}

// RunTimerOption tweaks timer construction.
type RunTimerOption func(*RunTimer)

// WithCountdownInterval overrides how often the countdown log is emitted.
func WithCountdownInterval(d time.Duration) RunTimerOption {
	return func(t *RunTimer) {
		if d > 0 {
			t.countdownEvery = d
		}
	}
}

// NewRunTimer arms a timer for d. onExpire runs on the timer goroutine.
func NewRunTimer(d time.Duration, onExpire func(), logger logr.Logger, opts ...RunTimerOption) (*RunTimer, error) {
	if d <= 0 {
		return nil, fmt.Errorf("run duration must be positive (got %s)", d)
	}
	t := &RunTimer{
		logger:         logger.WithName("runtimer"),
		onExpire:       onExpire,
		deadline:       time.Now().Add(d),
		countdownEvery: DefaultCountdownInterval,
		countdownStop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.timer = time.AfterFunc(d, t.fire)
	go t.countdown()
	t.logger.Info("run timer armed", "duration", d.String())
	return t, nil
}

func (t *RunTimer) countdown() {
	ticker := time.NewTicker(t.countdownEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.countdownStop:
			return
		case <-ticker.C:
			if r := t.Remaining(); r > 0 {
				t.logger.Info("run time remaining", "remaining", r.Round(time.Second).String())
			}
		}
	}
}

func (t *RunTimer) fire() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	// Extend may have moved the deadline after this timer was scheduled.
	if remaining := time.Until(t.deadline); remaining > 0 {
		t.timer = time.AfterFunc(remaining, t.fire)
		t.mu.Unlock()
		return
	}
	t.fired = true
	close(t.countdownStop)
	t.mu.Unlock()

	t.logger.Info("run timer expired")
	t.onExpire()
}

// Extend adds d to the time remaining. Returns the new remaining
// duration, or an error once the timer has fired.
func (t *RunTimer) Extend(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("extension must be positive (got %s)", d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return 0, fmt.Errorf("run already ended")
	}

	t.deadline = t.deadline.Add(d)
	remaining := time.Until(t.deadline)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(remaining, t.fire)

	t.logger.Info("run extended", "by", d.String(), "remaining", remaining.Round(time.Second).String())
	return remaining, nil
}

// Stop ends the run now: the expiry callback fires immediately unless the
// timer already went off.
func (t *RunTimer) Stop() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.countdownStop)
	t.mu.Unlock()

	t.logger.Info("run stopped by operator")
	t.onExpire()
}

// Remaining reports time left in the run; zero once ended.
func (t *RunTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return 0
	}
	if r := time.Until(t.deadline); r > 0 {
		return r
	}
	return 0
}
