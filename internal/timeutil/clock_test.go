package timeutil

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRealClock_Timer(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	timer := c.NewTimer(5 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	if c.Since(start) < 5*time.Millisecond {
		t.Errorf("timer fired early")
	}
}

func TestMockClock_AdvanceFiresTimer(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(100 * time.Millisecond)

	if c.ActiveTimers() != 1 {
		t.Fatalf("active timers = %d, want 1", c.ActiveTimers())
	}

	c.Advance(99 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case got := <-timer.C():
		if !got.Equal(epoch.Add(100 * time.Millisecond)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
	if c.ActiveTimers() != 0 {
		t.Errorf("fired timer still active")
	}
}

func TestMockClock_StoppedTimerNeverFires(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop on active timer should report true")
	}
	c.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
}

func TestMockClock_ZeroDurationFiresImmediately(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	c := NewMockClock(epoch)
	c.Sleep(3 * time.Second)
	c.Sleep(2 * time.Second)

	if got := c.Since(epoch); got != 5*time.Second {
		t.Errorf("Since = %v, want 5s", got)
	}
	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 3*time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("Sleeps = %v", sleeps)
	}
	if got := c.Until(epoch.Add(6 * time.Second)); got != time.Second {
		t.Errorf("Until = %v, want 1s", got)
	}
}
