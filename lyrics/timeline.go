// Package lyrics implements the timed-lyrics engine: a per-song timeline of
// (offset, line) pairs, active-line lookup driven by playback time, and a
// provider client that fetches lyrics from external mirrors.
package lyrics

import (
	"errors"
	"sort"
)

// ErrUnavailable is the soft failure for a song with no usable lyrics.
// Displays fall back to an "lyrics unavailable" state; it never interrupts
// playback synchronization.
var ErrUnavailable = errors.New("lyrics: unavailable")

// Line is one timed lyrics line.
type Line struct {
	StartMs int64  `json:"startMs"`
	Text    string `json:"text"`
}

// Timeline is an immutable ordered sequence of timed lines belonging to the
// song that is now playing. Offsets are strictly increasing.
type Timeline struct {
	lines []Line
}

// NewTimeline builds a timeline from timed lines. Offsets must be strictly
// increasing; a timeline with no lines is ErrUnavailable.
func NewTimeline(lines []Line) (*Timeline, error) {
	if len(lines) == 0 {
		return nil, ErrUnavailable
	}
	for i := 1; i < len(lines); i++ {
		if lines[i].StartMs <= lines[i-1].StartMs {
			return nil, errors.New("lyrics: offsets not strictly increasing")
		}
	}
	t := &Timeline{lines: make([]Line, len(lines))}
	copy(t.lines, lines)
	return t, nil
}

// Lines returns a copy of the timeline's lines.
func (t *Timeline) Lines() []Line {
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}

// Len returns the number of lines.
func (t *Timeline) Len() int { return len(t.lines) }

// ActiveLine returns the index of the last line whose offset is <= elapsedMs,
// or -1 before the first line. For a fixed timeline it is monotonic
// non-decreasing in elapsedMs.
func (t *Timeline) ActiveLine(elapsedMs int64) int {
	return sort.Search(len(t.lines), func(i int) bool {
		return t.lines[i].StartMs > elapsedMs
	}) - 1
}

// Cursor tracks the active line for one playback of a timeline. Display
// consumers animate forward only, so Advance never regresses even if the
// reported elapsed time jitters backwards.
type Cursor struct {
	timeline *Timeline
	idx      int
}

// NewCursor creates a cursor positioned before the first line.
func NewCursor(t *Timeline) *Cursor {
	return &Cursor{timeline: t, idx: -1}
}

// Advance moves the cursor to the line active at elapsedMs and returns its
// index. The result never decreases across calls.
func (c *Cursor) Advance(elapsedMs int64) int {
	if i := c.timeline.ActiveLine(elapsedMs); i > c.idx {
		c.idx = i
	}
	return c.idx
}

// Current returns the index the cursor last advanced to, -1 initially.
func (c *Cursor) Current() int { return c.idx }
