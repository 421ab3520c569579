package retry

import (
	"testing"
	"time"
)

// within reports whether d lies inside base ±20% (with a hair of float
// slack).
func within(d, base time.Duration) bool {
	lo := time.Duration(float64(base) * 0.79)
	hi := time.Duration(float64(base) * 1.21)
	return d >= lo && d <= hi
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	base := time.Second
	cap := 300 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			got := Backoff(tc.attempt, base, cap)
			if !within(got, tc.want) {
				t.Fatalf("Backoff(%d) = %v, want %v ±20%%", tc.attempt, got, tc.want)
			}
		}
	}
}

func TestBackoff_CapClamp(t *testing.T) {
	base := time.Second
	cap := 300 * time.Second

	// 2^(12-1) seconds is far past the cap.
	for i := 0; i < 50; i++ {
		got := Backoff(12, base, cap)
		if !within(got, cap) {
			t.Fatalf("Backoff(12) = %v, want %v ±20%%", got, cap)
		}
	}
}

func TestBackoff_LargeAttemptDoesNotOverflow(t *testing.T) {
	got := Backoff(1000, time.Second, 300*time.Second)
	if got <= 0 || got > 400*time.Second {
		t.Fatalf("Backoff(1000) = %v", got)
	}
}

func TestBackoff_AttemptFloor(t *testing.T) {
	for _, attempt := range []int{0, -5} {
		got := Backoff(attempt, time.Second, 300*time.Second)
		if !within(got, time.Second) {
			t.Fatalf("Backoff(%d) = %v, want base ±20%%", attempt, got)
		}
	}
}

func TestBackoff_JitterVaries(t *testing.T) {
	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		seen[Backoff(3, time.Second, 300*time.Second)] = true
	}
	if len(seen) < 2 {
		t.Fatal("jitter produced identical delays 100 times in a row")
	}
}
