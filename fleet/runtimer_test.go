package fleet

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

func TestRunTimerFires(t *testing.T) {
	fired := make(chan struct{})
	timer, err := NewRunTimer(30*time.Millisecond, func() { close(fired) }, logr.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
	if r := timer.Remaining(); r != 0 {
		t.Fatalf("remaining after expiry %s, want 0", r)
	}
}

func TestRunTimerExtendAddsToRemaining(t *testing.T) {
	fired := make(chan struct{})
	timer, err := NewRunTimer(50*time.Millisecond, func() { close(fired) }, logr.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	remaining, err := timer.Extend(time.Hour)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if remaining <= time.Hour-time.Second {
		t.Fatalf("extension must add to the remaining time, got %s", remaining)
	}

	// Well past the original deadline: the run must still be live.
	select {
	case <-fired:
		t.Fatalf("timer fired despite extension")
	case <-time.After(150 * time.Millisecond):
	}
	if timer.Remaining() == 0 {
		t.Fatalf("extended run reports no time remaining")
	}
}

func TestRunTimerStopFiresImmediately(t *testing.T) {
	var fires atomic.Int64
	timer, err := NewRunTimer(time.Hour, func() { fires.Add(1) }, logr.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	timer.Stop()
	if got := fires.Load(); got != 1 {
		t.Fatalf("stop must fire the callback synchronously, got %d fires", got)
	}

	// Stop and Extend after the run ended are inert.
	timer.Stop()
	if got := fires.Load(); got != 1 {
		t.Fatalf("second stop fired again: %d", got)
	}
	if _, err := timer.Extend(time.Minute); err == nil {
		t.Fatalf("extend after stop must fail")
	}
	if r := timer.Remaining(); r != 0 {
		t.Fatalf("remaining after stop %s, want 0", r)
	}
}

func TestRunTimerEmitsCountdown(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	logger := funcr.New(func(_, args string) {
		mu.Lock()
		lines = append(lines, args)
		mu.Unlock()
	}, funcr.Options{})

	timer, err := NewRunTimer(time.Hour, func() {}, logger, WithCountdownInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	countdownLines := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, l := range lines {
			if strings.Contains(l, "run time remaining") {
				n++
			}
		}
		return n
	}

	deadline := time.Now().Add(2 * time.Second)
	for countdownLines() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if countdownLines() == 0 {
		t.Fatalf("no countdown was logged while the run was live")
	}

	timer.Stop()
	time.Sleep(30 * time.Millisecond) // let any in-flight tick drain
	after := countdownLines()
	time.Sleep(60 * time.Millisecond)
	if got := countdownLines(); got != after {
		t.Fatalf("countdown kept logging after stop: %d -> %d", after, got)
	}
}

func TestRunTimerRejectsBadInput(t *testing.T) {
	if _, err := NewRunTimer(0, func() {}, logr.Discard()); err == nil {
		t.Fatalf("zero duration must be rejected")
	}
	timer, err := NewRunTimer(time.Hour, func() {}, logr.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer timer.Stop()
	if _, err := timer.Extend(-time.Minute); err == nil {
		t.Fatalf("negative extension must be rejected")
	}
}
