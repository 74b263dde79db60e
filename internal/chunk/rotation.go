package chunk

import (
	"time"

	"tsdbcore/internal/sample"
)

// ActiveChunkState is an immutable snapshot of an open chunk's state at
// append time, sufficient to decide whether to rotate without touching
// the chunk itself.
type ActiveChunkState struct {
	ID        ID
	SeriesID  uint64
	CreatedAt time.Time
	MinTime   uint64
	MaxTime   uint64
	Count     uint32
	Bytes     uint32
}

// RotationPolicy decides whether an open chunk should be sealed before
// accepting the next sample. Policies are pure functions: no IO, no
// locks, no mutation.
type RotationPolicy interface {
	ShouldRotate(state ActiveChunkState, next sample.Sample) bool
}

// RotationPolicyFunc adapts an ordinary function to RotationPolicy.
type RotationPolicyFunc func(state ActiveChunkState, next sample.Sample) bool

func (f RotationPolicyFunc) ShouldRotate(state ActiveChunkState, next sample.Sample) bool {
	return f(state, next)
}

// CompositePolicy rotates if any sub-policy would rotate.
type CompositePolicy struct {
	policies []RotationPolicy
}

func NewCompositePolicy(policies ...RotationPolicy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldRotate(state ActiveChunkState, next sample.Sample) bool {
	for _, p := range c.policies {
		if p.ShouldRotate(state, next) {
			return true
		}
	}
	return false
}

// SizePolicy rotates once the chunk's compressed byte usage has
// reached maxBytes. This mirrors chunk_size from the on-disk settings.
type SizePolicy struct {
	maxBytes uint32
}

func NewSizePolicy(maxBytes uint32) *SizePolicy {
	return &SizePolicy{maxBytes: maxBytes}
}

func (p *SizePolicy) ShouldRotate(state ActiveChunkState, _ sample.Sample) bool {
	if p.maxBytes == 0 {
		return false
	}
	return state.Bytes >= p.maxBytes
}

// AgePolicy rotates a chunk once it has been open longer than maxAge,
// measured from CreatedAt.
type AgePolicy struct {
	maxAge time.Duration
	now    func() time.Time
}

func NewAgePolicy(maxAge time.Duration, now func() time.Time) *AgePolicy {
	if now == nil {
		now = time.Now
	}
	return &AgePolicy{maxAge: maxAge, now: now}
}

func (p *AgePolicy) ShouldRotate(state ActiveChunkState, _ sample.Sample) bool {
	if p.maxAge <= 0 || state.CreatedAt.IsZero() {
		return false
	}
	return p.now().Sub(state.CreatedAt) > p.maxAge
}

// NeverRotatePolicy never triggers rotation.
type NeverRotatePolicy struct{}

func (NeverRotatePolicy) ShouldRotate(ActiveChunkState, sample.Sample) bool { return false }

// AlwaysRotatePolicy always triggers rotation; useful in tests.
type AlwaysRotatePolicy struct{}

func (AlwaysRotatePolicy) ShouldRotate(ActiveChunkState, sample.Sample) bool { return true }
