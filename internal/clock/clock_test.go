package clock

import (
	"testing"
	"time"
)

func TestFakeAfterAdvancesAndRecords(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	fired := <-f.After(3 * time.Second)
	if !fired.Equal(start.Add(3 * time.Second)) {
		t.Fatalf("After fired at %v, want start+3s", fired)
	}
	<-f.After(0)
	f.Advance(time.Minute)

	if got, want := f.Now(), start.Add(63*time.Second); !got.Equal(want) {
		t.Fatalf("Now = %v, want %v", got, want)
	}
	waits := f.Waits()
	if len(waits) != 1 || waits[0] != 3*time.Second {
		t.Fatalf("Waits = %v, want [3s]", waits)
	}
}

func TestFakeTimerRecordsStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(20 * time.Second)
	<-timer.C()
	timer.Stop()
	timer.Stop()

	if n := f.Stopped(); n != 1 {
		t.Fatalf("Stopped = %d, want 1", n)
	}
	if waits := f.Waits(); len(waits) != 1 || waits[0] != 20*time.Second {
		t.Fatalf("Waits = %v, want [20s]", waits)
	}
}

func TestRealTimerStops(t *testing.T) {
	timer := Real().NewTimer(time.Hour)
	if !timer.Stop() {
		t.Fatal("Stop on a pending timer should report true")
	}
}
