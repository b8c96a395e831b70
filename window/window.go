// Package window generates the ordered candidate timestamps tried during a
// clock-skew search.
package window

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"projectinfo-sync/pkg/projectinfo"
)

// Direction names how the offsets around the base time are laid out.
type Direction string

const (
	// PastOnly tries 0, -1, -2, ... -span.
	PastOnly Direction = "past-only"
	// PastAndFuture tries 0, -1, +1, -2, +2, ... ±span.
	PastAndFuture Direction = "past-and-future"
	// Custom uses an explicit offset list.
	Custom Direction = "custom"
)

// maxOffsets bounds a window so a misconfiguration can't turn into polling.
const maxOffsets = 1000

// ParseDirection maps a configuration string to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case PastOnly, PastAndFuture:
		return d, nil
	default:
		return "", fmt.Errorf("unknown window direction %q (want %q or %q)", s, PastOnly, PastAndFuture)
	}
}

// Window is a bounded, ordered set of offsets around a base time.
type Window struct {
	Base      time.Time
	Offsets   []int
	Unit      time.Duration
	Direction Direction
}

// Candidate is one timestamp to sign and probe.
type Candidate struct {
	Index     int
	Offset    int
	Timestamp string
}

// New builds a window from a direction and span.
func New(base time.Time, dir Direction, span int, unit time.Duration) (Window, error) {
	if span < 0 {
		return Window{}, fmt.Errorf("window span must not be negative, got %d", span)
	}
	var offsets []int
	switch dir {
	case PastOnly:
		offsets = PastOnlyOffsets(span)
	case PastAndFuture:
		offsets = PastAndFutureOffsets(span)
	default:
		return Window{}, fmt.Errorf("unknown window direction %q", dir)
	}
	return validate(Window{Base: base, Offsets: offsets, Unit: unit, Direction: dir})
}

// NewCustom builds a window from an explicit offset list, tried in the given order.
func NewCustom(base time.Time, offsets []int, unit time.Duration) (Window, error) {
	return validate(Window{Base: base, Offsets: append([]int(nil), offsets...), Unit: unit, Direction: Custom})
}

func validate(w Window) (Window, error) {
	if len(w.Offsets) == 0 {
		return Window{}, errors.New("window has no offsets")
	}
	if len(w.Offsets) > maxOffsets {
		return Window{}, fmt.Errorf("window has %d offsets, limit is %d", len(w.Offsets), maxOffsets)
	}
	if w.Unit <= 0 {
		return Window{}, fmt.Errorf("window unit must be positive, got %s", w.Unit)
	}
	return w, nil
}

// PastOnlyOffsets returns 0, -1, ... -span.
func PastOnlyOffsets(span int) []int {
	offsets := make([]int, 0, span+1)
	for i := 0; i <= span; i++ {
		offsets = append(offsets, -i)
	}
	return offsets
}

// PastAndFutureOffsets returns 0, -1, +1, -2, +2, ... -span, +span.
func PastAndFutureOffsets(span int) []int {
	offsets := make([]int, 0, 2*span+1)
	offsets = append(offsets, 0)
	for i := 1; i <= span; i++ {
		offsets = append(offsets, -i, i)
	}
	return offsets
}

// ParseOffsets parses a comma-separated offset list such as "0,-1,+1".
func ParseOffsets(s string) ([]int, error) {
	var offsets []int
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse offset %q: %w", part, err)
		}
		offsets = append(offsets, n)
	}
	if len(offsets) == 0 {
		return nil, errors.New("no offsets given")
	}
	return offsets, nil
}

// Len returns the number of candidates in the window.
func (w Window) Len() int {
	return len(w.Offsets)
}

// At returns the i-th candidate.
func (w Window) At(i int) Candidate {
	off := w.Offsets[i]
	return Candidate{
		Index:     i,
		Offset:    off,
		Timestamp: w.Base.Add(time.Duration(off) * w.Unit).Format(projectinfo.TimestampLayout),
	}
}

// All yields candidates lazily in window order.
func (w Window) All() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for i := range w.Offsets {
			if !yield(w.At(i)) {
				return
			}
		}
	}
}

// Timestamps returns every candidate timestamp in order.
func (w Window) Timestamps() []string {
	out := make([]string, 0, len(w.Offsets))
	for c := range w.All() {
		out = append(out, c.Timestamp)
	}
	return out
}
