package arcx

import (
	"time"

	"golang.org/x/time/rate"
)

// ProgressFunc receives progress reports from a running operation. The percentage is in the 0 to 100 range and
// never decreases within one operation; the message names the unit of work that just completed. Callers must
// not assume every percentage value is reported, only that a successful operation ends with a 100 report.
//
// The callback runs on the operation's goroutine so it should return quickly.
type ProgressFunc func(percentage int, message string)

// tracker throttles and sanitises progress reports on behalf of one operation. The zero tracker as well as a
// nil tracker drop all reports, so engines can report unconditionally.
type tracker struct {
	fn   ProgressFunc
	some rate.Sometimes
	last int
}

func newTracker(fn ProgressFunc) *tracker {
	return &tracker{
		fn: fn,
		// First guarantees at least one report for operations that finish within the interval.
		some: rate.Sometimes{First: 1, Interval: 200 * time.Millisecond},
	}
}

// report forwards a progress value to the callback. Values are clamped to 0..100 and never regress below an
// already-reported value. Intermediate reports are rate-limited; a 100 report is always delivered.
func (t *tracker) report(percentage int, message string) {
	if t == nil || t.fn == nil {
		return
	}

	if percentage > 100 {
		percentage = 100
	}
	if percentage < t.last {
		// last starts at 0 so this also catches negative values.
		percentage = t.last
	}

	if percentage == 100 {
		t.last = 100
		t.fn(100, message)
		return
	}

	t.some.Do(func() {
		t.last = percentage
		t.fn(percentage, message)
	})
}

// percentOf converts done out of total work units to a percentage, saturating at 100. An unknown or zero total
// reports 100 so that degenerate operations still terminate the progress scale.
func percentOf(done, total int64) int {
	if total <= 0 || done >= total {
		return 100
	}
	if done < 0 {
		return 0
	}
	return int(done * 100 / total)
}

// progressWriter reports flowing bytes against an operation-wide total, giving large files progress between
// per-entry reports. Reports through it stay below 100: only an operation's terminal report says 100, so a
// caller seeing 100 knows the operation committed.
type progressWriter struct {
	tracker *tracker
	base    int64
	n       int64
	total   int64
	message string
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.n += int64(len(b))
	p.tracker.report(min(percentOf(p.base+p.n, p.total), 99), p.message)
	return len(b), nil
}
