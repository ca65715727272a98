package promptcache

import (
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// OffPeak flags non-urgent calls made outside the [Start, End) hour window.
// It never blocks a call.
type OffPeak struct {
	enabled bool
	start   int
	end     int
}

// NewOffPeak reads the scheduling section.
func NewOffPeak(cfg config.SchedulingConfig) *OffPeak {
	return &OffPeak{
		enabled: cfg.OffPeak,
		start:   ((cfg.OffPeakStartHour % 24) + 24) % 24,
		end:     ((cfg.OffPeakEndHour % 24) + 24) % 24,
	}
}

// InWindow reports whether hour falls in [start, end), wrapping across
// midnight when start > end. start == end means the whole day.
func (o *OffPeak) InWindow(hour int) bool {
	if o.start == o.end {
		return true
	}
	if o.start < o.end {
		return hour >= o.start && hour < o.end
	}
	return hour >= o.start || hour < o.end
}

// NextWindowStart returns the next time at or after now when the window
// opens.
func (o *OffPeak) NextWindowStart(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), o.start, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Check returns the OffPeakScheduledV1 event to emit when now is outside
// the window.
func (o *OffPeak) Check(now time.Time) (journal.Kind, bool) {
	if !o.enabled || o.InWindow(now.Hour()) {
		return nil, false
	}
	resume := o.NextWindowStart(now)
	logging.LogEvent(logging.EventOffPeakDefer, logging.F("resume_after", resume.Format(time.RFC3339)))
	return journal.OffPeakScheduled{
		Reason:      "outside off-peak window",
		ResumeAfter: resume.Format(time.RFC3339),
	}, true
}
