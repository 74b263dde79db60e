package sample

import "testing"

func TestMatchesFlagZeroMask(t *testing.T) {
	s := Sample{ID: 1, Time: 10, Flag: 0x3}
	if !s.MatchesFlag(0) {
		t.Fatal("zero mask must match everything")
	}
}

func TestMatchesFlagRequiresAllBits(t *testing.T) {
	s := Sample{ID: 1, Time: 10, Flag: 0x1}
	if s.MatchesFlag(0x3) {
		t.Fatal("expected no match: mask requires bits not present")
	}
	if !s.MatchesFlag(0x1) {
		t.Fatal("expected match: flag carries the masked bit")
	}
}

func TestIntervalValidate(t *testing.T) {
	if err := (Interval{From: 10, To: 10}).Validate(); err != ErrWrongInterval {
		t.Fatalf("expected ErrWrongInterval for from==to, got %v", err)
	}
	if err := (Interval{From: 10, To: 11}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIntervalMatchesHalfOpen(t *testing.T) {
	q := Interval{IDs: map[uint64]struct{}{7: {}}, From: 100, To: 200}
	cases := []struct {
		s    Sample
		want bool
	}{
		{Sample{ID: 7, Time: 100}, true},
		{Sample{ID: 7, Time: 199}, true},
		{Sample{ID: 7, Time: 200}, false}, // half-open: To excluded
		{Sample{ID: 7, Time: 99}, false},
		{Sample{ID: 8, Time: 150}, false}, // id not requested
	}
	for _, c := range cases {
		if got := q.Matches(c.s); got != c.want {
			t.Errorf("Matches(%+v) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestSyntheticSample(t *testing.T) {
	s := Synthetic(42, 500)
	if s.Flag != NoData {
		t.Fatalf("expected NoData flag, got %d", s.Flag)
	}
	if s.ID != 42 || s.Time != 500 || s.Value != 0 {
		t.Fatalf("unexpected synthetic sample: %+v", s)
	}
}
