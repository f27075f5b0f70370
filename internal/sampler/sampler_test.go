package sampler

import "testing"

func TestIntervalValidation(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected error for interval 0")
	}
	if _, err := New(1); err != nil {
		t.Fatalf("interval 1: %v", err)
	}
}

func TestEveryThirtiethFrame(t *testing.T) {
	s, err := New(30)
	if err != nil {
		t.Fatal(err)
	}
	var kept []uint64
	for seq := uint64(1); seq <= 90; seq++ {
		if s.ShouldSample(0) {
			kept = append(kept, seq)
		}
	}
	want := []uint64{30, 60, 90}
	if len(kept) != len(want) {
		t.Fatalf("kept %v, want %v", kept, want)
	}
	for i := range want {
		if kept[i] != want[i] {
			t.Fatalf("kept %v, want %v", kept, want)
		}
	}
}

func TestIntervalOneKeepsEverything(t *testing.T) {
	s, _ := New(1)
	for i := 0; i < 10; i++ {
		if !s.ShouldSample(3) {
			t.Fatalf("interval 1 must keep every event")
		}
	}
}

func TestSourcesCountIndependently(t *testing.T) {
	s, _ := New(2)
	if s.ShouldSample(1) {
		t.Fatalf("source 1 first event kept")
	}
	// Source 2 starts from its own counter, unaffected by source 1.
	if s.ShouldSample(2) {
		t.Fatalf("source 2 first event kept")
	}
	if !s.ShouldSample(1) {
		t.Fatalf("source 1 second event dropped")
	}
	if !s.ShouldSample(2) {
		t.Fatalf("source 2 second event dropped")
	}
	if s.Seen(1) != 2 || s.Seen(2) != 2 {
		t.Fatalf("unexpected counters: %d %d", s.Seen(1), s.Seen(2))
	}
}
