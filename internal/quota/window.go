// Package quota enforces per-provider call quotas over fixed minute, hour and
// day windows.
package quota

import (
	"time"

	"github.com/sells-group/agency-core/internal/model"
)

// Window is one of the three quota window lengths.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Windows lists all windows, shortest first.
var Windows = []Window{WindowMinute, WindowHour, WindowDay}

// Bucket is one fixed window instance for a provider: the counter that
// reservations made between Start and End increment.
type Bucket struct {
	Window Window
	Start  time.Time
	End    time.Time
	Limit  int64 // 0 = unlimited
}

// Length is the bucket's span.
func (b Bucket) Length() time.Duration { return b.End.Sub(b.Start) }

// bucketFor returns the bucket of window w containing t. Buckets align to
// wall-clock boundaries in loc, so a day bucket runs midnight to midnight
// local time.
func bucketFor(w Window, t time.Time, loc *time.Location, limit int64) Bucket {
	lt := t.In(loc)
	y, mo, d := lt.Date()
	var start, end time.Time
	switch w {
	case WindowMinute:
		start = time.Date(y, mo, d, lt.Hour(), lt.Minute(), 0, 0, loc)
		end = start.Add(time.Minute)
	case WindowHour:
		start = time.Date(y, mo, d, lt.Hour(), 0, 0, 0, loc)
		end = start.Add(time.Hour)
	default:
		start = time.Date(y, mo, d, 0, 0, 0, 0, loc)
		end = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
	}
	return Bucket{Window: w, Start: start, End: end, Limit: limit}
}

func limitFor(w Window, l model.QuotaLimits) int64 {
	switch w {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// bucketsAt returns the current minute, hour and day buckets in that order.
func bucketsAt(t time.Time, loc *time.Location, l model.QuotaLimits) []Bucket {
	out := make([]Bucket, 0, len(Windows))
	for _, w := range Windows {
		out = append(out, bucketFor(w, t, loc, limitFor(w, l)))
	}
	return out
}
