package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Loop profiling decides when a loop is hot enough to offer to the
// optimizing tier. Counts are kept per loop across all frames; a loop that
// has been hot once (or was seeded from a stored profile) is offered again
// on the first back edge of later frames.

// DefaultHotThreshold is the back-edge count at which a loop becomes hot.
const DefaultHotThreshold = 500

// LoopKey identifies a loop: the code unit fingerprint, the loop head and
// the offset of the backward jump closing it.
type LoopKey struct {
	Unit uint64
	Head int
	Edge int
}

func (k LoopKey) String() string {
	return fmt.Sprintf("%016x:%04X-%04X", k.Unit, k.Head, k.Edge)
}

// HotEdgePolicy is polled on every taken backward jump. count is the
// frame's loop counter after the increment.
type HotEdgePolicy interface {
	OnBackEdge(key LoopKey, count int) bool
}

// LoopProfile holds the counters of one loop.
type LoopProfile struct {
	BackEdges atomic.Int64
	hot       atomic.Bool
}

// IsHot reports whether the loop crossed the threshold or was seeded.
func (p *LoopProfile) IsHot() bool { return p.hot.Load() }

// ThresholdPolicy marks a loop hot once its back edges reach Threshold.
type ThresholdPolicy struct {
	profiles sync.Map // LoopKey -> *LoopProfile

	Threshold int

	// OnHot is called once when a loop first becomes hot.
	OnHot func(key LoopKey, profile *LoopProfile)

	hotLoops atomic.Int64
}

// NewThresholdPolicy creates a policy; a threshold below 1 means 1.
func NewThresholdPolicy(threshold int) *ThresholdPolicy {
	return &ThresholdPolicy{Threshold: max(threshold, 1)}
}

func (p *ThresholdPolicy) profile(key LoopKey) *LoopProfile {
	if v, ok := p.profiles.Load(key); ok {
		return v.(*LoopProfile)
	}
	v, _ := p.profiles.LoadOrStore(key, &LoopProfile{})
	return v.(*LoopProfile)
}

// OnBackEdge records one back edge.
func (p *ThresholdPolicy) OnBackEdge(key LoopKey, count int) bool {
	profile := p.profile(key)
	total := profile.BackEdges.Add(1)
	threshold := max(p.Threshold, 1)

	if profile.hot.Load() {
		return count == 1 || count%threshold == 0
	}
	if total < int64(threshold) {
		return false
	}
	if profile.hot.CompareAndSwap(false, true) {
		p.hotLoops.Add(1)
		if p.OnHot != nil {
			p.OnHot(key, profile)
		}
	}
	return true
}

// Seed marks loops hot before they run, typically from a stored profile.
func (p *ThresholdPolicy) Seed(keys ...LoopKey) {
	for _, key := range keys {
		if p.profile(key).hot.CompareAndSwap(false, true) {
			p.hotLoops.Add(1)
		}
	}
}

// Profile returns the counters of a loop, or nil if it never ran.
func (p *ThresholdPolicy) Profile(key LoopKey) *LoopProfile {
	if v, ok := p.profiles.Load(key); ok {
		return v.(*LoopProfile)
	}
	return nil
}

// IsHot reports whether a loop is hot.
func (p *ThresholdPolicy) IsHot(key LoopKey) bool {
	profile := p.Profile(key)
	return profile != nil && profile.IsHot()
}

// Snapshot returns the back-edge count of every profiled loop.
func (p *ThresholdPolicy) Snapshot() map[LoopKey]int64 {
	out := make(map[LoopKey]int64)
	p.profiles.Range(func(k, v any) bool {
		out[k.(LoopKey)] = v.(*LoopProfile).BackEdges.Load()
		return true
	})
	return out
}

// PolicyStats holds aggregate profiling statistics.
type PolicyStats struct {
	Loops     int   // Loops profiled
	HotLoops  int   // Loops that are hot
	BackEdges int64 // Back edges over all loops
}

// Stats returns aggregate profiling statistics.
func (p *ThresholdPolicy) Stats() PolicyStats {
	var stats PolicyStats
	p.profiles.Range(func(_, v any) bool {
		profile := v.(*LoopProfile)
		stats.Loops++
		stats.BackEdges += profile.BackEdges.Load()
		if profile.IsHot() {
			stats.HotLoops++
		}
		return true
	})
	return stats
}

// Top returns the n loops with the most back edges, hottest first.
func (p *ThresholdPolicy) Top(n int) []LoopKey {
	snap := p.Snapshot()
	keys := make([]LoopKey, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if snap[keys[i]] != snap[keys[j]] {
			return snap[keys[i]] > snap[keys[j]]
		}
		return keys[i].String() < keys[j].String()
	})
	if n < len(keys) {
		keys = keys[:n]
	}
	return keys
}

// Reset clears all profiling data.
func (p *ThresholdPolicy) Reset() {
	p.profiles.Clear()
	p.hotLoops.Store(0)
}
