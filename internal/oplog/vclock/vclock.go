// Package vclock implements the vector clocks used to order operations
// causally across clients.
//
// A Clock maps a client id to a monotonically increasing counter. A client
// only ever increments its own entry; everything else arrives by merging.
// All functions are pure: they never mutate their arguments.
package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Clock maps client id -> counter. A missing key is equivalent to 0.
type Clock map[string]int64

// Ordering is the causal relationship of one clock to another.
type Ordering int

const (
	// Equal means both clocks have identical counters on every key.
	Equal Ordering = iota
	// LessThan means a happened before b.
	LessThan
	// GreaterThan means a happened after b.
	GreaterThan
	// Concurrent means neither clock dominates the other.
	Concurrent
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case LessThan:
		return "LESS_THAN"
	case GreaterThan:
		return "GREATER_THAN"
	case Concurrent:
		return "CONCURRENT"
	default:
		return "UNKNOWN"
	}
}

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Compare reports how a relates to b.
func Compare(a, b Clock) Ordering {
	hasLess := false
	hasGreater := false

	check := func(x, y int64) {
		if x < y {
			hasLess = true
		} else if x > y {
			hasGreater = true
		}
	}

	for k, av := range a {
		check(av, b[k])
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			check(0, bv)
		}
	}

	switch {
	case hasLess && hasGreater:
		return Concurrent
	case hasLess:
		return LessThan
	case hasGreater:
		return GreaterThan
	default:
		return Equal
	}
}

// Merge returns the per-key maximum of a and b.
func Merge(a, b Clock) Clock {
	merged := make(Clock, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		if v > merged[k] {
			merged[k] = v
		}
	}
	return merged
}

// MergeAll folds Merge over every clock.
func MergeAll(clocks ...Clock) Clock {
	merged := New()
	for _, c := range clocks {
		merged = Merge(merged, c)
	}
	return merged
}

// Increment returns a copy of c with clientID advanced by one.
func Increment(c Clock, clientID string) Clock {
	next := c.Clone()
	next[clientID]++
	return next
}

// Clone returns a copy of c. A nil clock clones to an empty one.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// IsEmpty reports whether c carries no positive counter.
func (c Clock) IsEmpty() bool {
	for _, v := range c {
		if v > 0 {
			return false
		}
	}
	return true
}

// Get returns the counter for clientID (0 if absent).
func (c Clock) Get(clientID string) int64 {
	return c[clientID]
}

// String renders the clock with sorted keys, e.g. {A:1, B:3}.
func (c Clock) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, c[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Parse decodes a JSON clock. Empty input yields an empty clock.
func Parse(data []byte) (Clock, error) {
	if len(data) == 0 {
		return New(), nil
	}
	c := New()
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse vector clock: %w", err)
	}
	return c, nil
}
