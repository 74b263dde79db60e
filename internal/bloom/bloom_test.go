package bloom

import "testing"

func TestAddContains(t *testing.T) {
	f := New()
	ids := []uint64{1, 2, 3, 17, 1000, 0xDEADBEEF}
	for _, id := range ids {
		f = f.Add(id)
	}
	for _, id := range ids {
		if !f.Contains(id) {
			t.Fatalf("expected Contains(%d) to be true after Add", id)
		}
	}
}

func TestContainsNeverFalseNegative(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 64; i++ {
		f = f.Add(i * 97)
	}
	for i := uint64(0); i < 64; i++ {
		if !f.Contains(i * 97) {
			t.Fatalf("false negative for key %d", i*97)
		}
	}
}

func TestFalsePositiveRateUnder25Percent(t *testing.T) {
	var f Filter
	const n = 64
	for i := uint64(0); i < n; i++ {
		f = f.Add(i)
	}
	falsePositives := 0
	trials := 0
	for i := uint64(n); i < n+1000; i++ {
		trials++
		if f.Contains(i) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.25 {
		t.Fatalf("false positive rate %.3f exceeds 25%% ceiling", rate)
	}
}

func TestUnion(t *testing.T) {
	a := New().Add(1).Add(2)
	b := New().Add(3).Add(4)
	u := Union(a, b)
	for _, id := range []uint64{1, 2, 3, 4} {
		if !u.Contains(id) {
			t.Fatalf("union missing key %d", id)
		}
	}
}

func TestEmptyFilterContainsNothingReliably(t *testing.T) {
	f := New()
	// Not a hard guarantee (bloom filters can false-positive even on an
	// all-zero word only if m were 0), but on a freshly zeroed 64-bit word
	// with no bits set, no key can pass all k checks.
	if f.Contains(123) {
		t.Fatal("empty filter should not contain arbitrary keys")
	}
}
