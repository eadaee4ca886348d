// Package timing attributes sync wall time to its phases, so a slow
// push can be blamed on diffing or on the medium.
package timing

import (
	"fmt"
	"io"
	"time"
)

// Phase names marked by the sync commands.
const (
	PhaseDiff     = "diff"
	PhaseTransfer = "transfer"
)

// Span is one timed phase.
type Span struct {
	Name     string
	Duration time.Duration
}

// Timer splits elapsed time into named spans. Each Mark closes the
// span that started at the previous Mark (or at creation).
type Timer struct {
	start time.Time
	last  time.Time
	spans []Span
}

// New creates a Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark closes the current span under name.
func (t *Timer) Mark(name string) {
	now := time.Now()
	t.spans = append(t.spans, Span{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Spans returns all closed spans.
func (t *Timer) Spans() []Span {
	return t.spans
}

// Report writes the per-phase breakdown with each phase's share of the
// total.
func (t *Timer) Report(w io.Writer) {
	total := t.Total()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Sync Timing ===")
	for _, s := range t.spans {
		var share float64
		if total > 0 {
			share = float64(s.Duration) / float64(total) * 100
		}
		fmt.Fprintf(w, "  %-12s %9s  %5.1f%%\n", s.Name+":", formatDuration(s.Duration), share)
	}
	fmt.Fprintf(w, "  %-12s %9s\n", "total:", formatDuration(total))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
