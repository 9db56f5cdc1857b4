package hlc

import (
	"testing"
	"time"
)

type fakePhysical struct{ ms uint64 }

func (f *fakePhysical) NowMS() uint64 { return f.ms }

func TestClockMonotonicNow(t *testing.T) {
	phys := &fakePhysical{ms: 100}
	c := New("n", Timestamp{}, WithPhysicalClock(phys))

	var prev Timestamp
	for i := 0; i < 50; i++ {
		got := c.Now()
		if i > 0 && !Before(prev, got) {
			t.Fatalf("Now() not strictly increasing: prev=%v got=%v", prev, got)
		}
		prev = got
	}
}

func TestObserveMergeScenario(t *testing.T) {
	// Scenario 1 from the spec: node n at {100,0}, physical 100, receive
	// (150,5,"m"); expect {150,6}. Next Now() with physical=120 -> (150,7,"n").
	phys := &fakePhysical{ms: 100}
	c := New("n", Timestamp{WallMS: 100, Counter: 0, NodeID: "n"}, WithPhysicalClock(phys))

	c.Observe(Timestamp{WallMS: 150, Counter: 5, NodeID: "m"})
	snap := c.Snapshot()
	if snap.WallMS != 150 || snap.Counter != 6 {
		t.Fatalf("after observe = %+v, want wall_ms=150 counter=6", snap)
	}

	phys.ms = 120
	next := c.Now()
	want := Timestamp{WallMS: 150, Counter: 7, NodeID: "n"}
	if next != want {
		t.Fatalf("Now() after observe = %+v, want %+v", next, want)
	}
}

func TestCompareTotalOrder(t *testing.T) {
	cases := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"wall differs", Timestamp{WallMS: 1}, Timestamp{WallMS: 2}, -1},
		{"counter differs", Timestamp{WallMS: 5, Counter: 1}, Timestamp{WallMS: 5, Counter: 2}, -1},
		{"node differs", Timestamp{WallMS: 5, Counter: 1, NodeID: "a"}, Timestamp{WallMS: 5, Counter: 1, NodeID: "b"}, -1},
		{"equal", Timestamp{WallMS: 5, Counter: 1, NodeID: "a"}, Timestamp{WallMS: 5, Counter: 1, NodeID: "a"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compare(tc.a, tc.b)
			if (got < 0) != (tc.want < 0) || (got > 0) != (tc.want > 0) || (got == 0) != (tc.want == 0) {
				t.Fatalf("Compare(%+v, %+v) sign = %d, want sign of %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestObserveSkewWarning(t *testing.T) {
	phys := &fakePhysical{ms: 1000}
	warnings := make(chan error, 1)
	c := New("n", Timestamp{}, WithPhysicalClock(phys), WithSkewThreshold(60*time.Second), WithWarningChannel(warnings))

	// Remote wall is far beyond local physical + threshold.
	c.Observe(Timestamp{WallMS: 1000 + uint64((2*time.Minute)/time.Millisecond), Counter: 0, NodeID: "m"})

	select {
	case err := <-warnings:
		var sw SkewWarning
		if !asSkewWarning(err, &sw) {
			t.Fatalf("expected SkewWarning, got %T: %v", err, err)
		}
	default:
		t.Fatal("expected a skew warning to be emitted")
	}
}

func asSkewWarning(err error, out *SkewWarning) bool {
	sw, ok := err.(SkewWarning)
	if ok {
		*out = sw
	}
	return ok
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hlc.json"

	want := Timestamp{WallMS: 42, Counter: 7, NodeID: "n"}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadMissingFileIsZeroValue(t *testing.T) {
	got, err := Load("/nonexistent/path/hlc.json")
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if got != (Timestamp{}) {
		t.Fatalf("Load() on missing file = %+v, want zero value", got)
	}
}
