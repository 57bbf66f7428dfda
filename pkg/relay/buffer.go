package relay

import (
	"time"
	"unicode/utf8"
)

const (
	DefaultFlushThreshold = 20
	DefaultFlushInterval  = 50 * time.Millisecond
	DefaultSmoothingPause = 10 * time.Millisecond
)

// TextBuffer coalesces assistant text fragments. It is a value: every
// operation returns the updated buffer, which keeps the flush decision
// testable without goroutines or clocks.
type TextBuffer struct {
	threshold int
	interval  time.Duration

	pending   string
	runes     int
	hasText   bool
	lastFlush time.Time
}

// NewTextBuffer starts an empty buffer whose interval clock starts at start.
func NewTextBuffer(threshold int, interval time.Duration, start time.Time) TextBuffer {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return TextBuffer{threshold: threshold, interval: interval, lastFlush: start}
}

// Append adds a fragment. It flushes when the buffered rune count reaches the
// threshold or the interval has elapsed since the last flush; only such
// flushes advance the interval clock.
func (b TextBuffer) Append(text string, now time.Time) (TextBuffer, string, bool) {
	b.pending += text
	b.runes += utf8.RuneCountInString(text)
	b.hasText = true
	if b.runes < b.threshold && now.Sub(b.lastFlush) < b.interval {
		return b, "", false
	}
	out := b.pending
	b.pending, b.runes, b.hasText = "", 0, false
	b.lastFlush = now
	return b, out, true
}

// Drain empties the buffer without touching the interval clock.
func (b TextBuffer) Drain() (TextBuffer, string, bool) {
	if !b.hasText {
		return b, "", false
	}
	out := b.pending
	b.pending, b.runes, b.hasText = "", 0, false
	return b, out, true
}

func (b TextBuffer) Pending() string { return b.pending }

func (b TextBuffer) Len() int { return b.runes }
