package chunk

import "time"

// TierState is an immutable snapshot of a tier's sealed chunks,
// sorted oldest-first by MaxTime, used to decide what to drop.
type TierState struct {
	Chunks []Header
	Now    time.Time
}

// RetentionPolicy decides which sealed chunks to drop. Policies are
// pure functions: no IO, no locks, no mutation.
type RetentionPolicy interface {
	Apply(state TierState) []ID
}

// RetentionPolicyFunc adapts an ordinary function to RetentionPolicy.
type RetentionPolicyFunc func(state TierState) []ID

func (f RetentionPolicyFunc) Apply(state TierState) []ID { return f(state) }

// CompositeRetentionPolicy unions the drop sets of its sub-policies.
type CompositeRetentionPolicy struct {
	policies []RetentionPolicy
}

func NewCompositeRetentionPolicy(policies ...RetentionPolicy) *CompositeRetentionPolicy {
	return &CompositeRetentionPolicy{policies: policies}
}

func (c *CompositeRetentionPolicy) Apply(state TierState) []ID {
	seen := make(map[ID]struct{})
	var result []ID
	for _, p := range c.policies {
		for _, id := range p.Apply(state) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				result = append(result, id)
			}
		}
	}
	return result
}

// AgeRetentionPolicy drops sealed chunks whose MaxTime is older than
// maxAge relative to Now. This backs the old_chunk_age setting that
// governs memory-tier -> page-tier migration eligibility.
type AgeRetentionPolicy struct {
	maxAge time.Duration
}

func NewAgeRetentionPolicy(maxAge time.Duration) *AgeRetentionPolicy {
	return &AgeRetentionPolicy{maxAge: maxAge}
}

func (p *AgeRetentionPolicy) Apply(state TierState) []ID {
	if p.maxAge <= 0 {
		return nil
	}
	cutoff := state.Now.Add(-p.maxAge)
	var result []ID
	for _, h := range state.Chunks {
		if time.UnixMilli(int64(h.MaxTime)).Before(cutoff) {
			result = append(result, h.ID)
		}
	}
	return result
}

// CountRetentionPolicy keeps at most maxChunks newest sealed chunks.
type CountRetentionPolicy struct {
	maxChunks int
}

func NewCountRetentionPolicy(maxChunks int) *CountRetentionPolicy {
	return &CountRetentionPolicy{maxChunks: maxChunks}
}

func (p *CountRetentionPolicy) Apply(state TierState) []ID {
	if p.maxChunks <= 0 || len(state.Chunks) <= p.maxChunks {
		return nil
	}
	excess := len(state.Chunks) - p.maxChunks
	result := make([]ID, excess)
	for i := range excess {
		result[i] = state.Chunks[i].ID
	}
	return result
}

// NeverRetainPolicy never drops anything.
type NeverRetainPolicy struct{}

func (NeverRetainPolicy) Apply(TierState) []ID { return nil }
