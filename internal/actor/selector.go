package actor

import (
	"fmt"
	"math"
)

// Priority is a scheduling class. Each class owns a share of worker time.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityRegular
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityRegular:
		return "regular"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a config string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "regular", "":
		return PriorityRegular, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) valid() bool {
	return p >= 0 && p < numPriorities
}

const quotaTolerance = 1e-6

// ValidateQuotas checks that every class has a non-negative quota and that
// the quotas sum to 1.
func ValidateQuotas(quotas map[Priority]float64) error {
	sum := 0.0
	for p := Priority(0); p < numPriorities; p++ {
		q, ok := quotas[p]
		if !ok {
			return fmt.Errorf("missing quota for priority %s", p)
		}
		if q < 0 {
			return fmt.Errorf("negative quota %.3f for priority %s", q, p)
		}
		sum += q
	}
	if math.Abs(sum-1.0) > quotaTolerance {
		return fmt.Errorf("quotas sum to %.6f, want 1.0", sum)
	}
	return nil
}

// selector apportions worker time between priority classes.
//
// It accumulates the runtime of each class since a reference instant and
// always prefers the class that is furthest below its quota. When the
// preferred class has nothing runnable the next-largest deficit is tried,
// so a starved-but-idle class never blocks the others. The reference
// instant moves forward once window nanoseconds have been accounted.
// Not safe for concurrent use; the scheduler guards it.
type selector struct {
	quotas  [numPriorities]float64
	runtime [numPriorities]int64
	total   int64
	window  int64
}

func newSelector(quotas map[Priority]float64, window int64) *selector {
	s := &selector{window: window}
	for p, q := range quotas {
		if p.valid() {
			s.quotas[p] = q
		}
	}
	return s
}

func (s *selector) share(p Priority) float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.runtime[p]) / float64(s.total)
}

func (s *selector) deficit(p Priority) float64 {
	return s.quotas[p] - s.share(p)
}

// pick returns the runnable class with the largest deficit. Ties go to the
// more important class.
func (s *selector) pick(runnable func(Priority) bool) (Priority, bool) {
	best := Priority(-1)
	bestDeficit := math.Inf(-1)
	for p := Priority(0); p < numPriorities; p++ {
		if !runnable(p) {
			continue
		}
		if d := s.deficit(p); d > bestDeficit {
			best, bestDeficit = p, d
		}
	}
	return best, best >= 0
}

// record accounts elapsed nanoseconds to class p.
func (s *selector) record(p Priority, elapsed int64) {
	if elapsed <= 0 {
		elapsed = 1
	}
	if s.window > 0 && s.total+elapsed > s.window {
		s.runtime = [numPriorities]int64{}
		s.total = 0
	}
	s.runtime[p] += elapsed
	s.total += elapsed
}
