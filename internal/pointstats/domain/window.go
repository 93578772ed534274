package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// hourlyThreshold is the span below which buckets are hourly.
	hourlyThreshold = 48 * time.Hour
	// MaxExplicitSpan bounds explicit from/to windows, measured after
	// bucket alignment.
	MaxExplicitSpan = 366 * 24 * time.Hour
)

var namedDays = map[string]int{
	"7d":  7,
	"14d": 14,
	"30d": 30,
}

// Window is a UTC-aligned, end-exclusive time span.
type Window struct {
	From        time.Time
	To          time.Time
	Granularity Granularity
}

// ResolveWindow turns a named range or explicit bounds into a window
// aligned to its bucket size.
func ResolveWindow(rangeName string, from, to *time.Time, now time.Time) (Window, error) {
	now = now.UTC()
	if from != nil || to != nil {
		if from == nil || to == nil || !from.Before(*to) {
			return Window{}, ErrInvalidRange
		}
		start, end := from.UTC(), to.UTC()
		g := GranularityDay
		if end.Sub(start) < hourlyThreshold {
			g = GranularityHour
		}
		w := Window{From: floor(start, g), To: ceil(end, g), Granularity: g}
		if w.To.Sub(w.From) > MaxExplicitSpan {
			return Window{}, ErrInvalidRange
		}
		return w, nil
	}

	switch name := strings.ToLower(strings.TrimSpace(rangeName)); name {
	case "1d", "24h":
		end := floor(now, GranularityHour).Add(time.Hour)
		return Window{From: end.Add(-24 * time.Hour), To: end, Granularity: GranularityHour}, nil
	default:
		days, ok := namedDays[name]
		if !ok {
			return Window{}, ErrInvalidRange
		}
		end := floor(now, GranularityDay).AddDate(0, 0, 1)
		return Window{From: end.AddDate(0, 0, -days), To: end, Granularity: GranularityDay}, nil
	}
}

// Previous is the window of equal length immediately before w.
func (w Window) Previous() Window {
	span := w.To.Sub(w.From)
	return Window{From: w.From.Add(-span), To: w.From, Granularity: w.Granularity}
}

// Starts lists every bucket start in the window.
func (w Window) Starts() []time.Time {
	var starts []time.Time
	for t := w.From; t.Before(w.To); t = w.step(t) {
		starts = append(starts, t)
	}
	return starts
}

// BucketOf returns the start of the bucket containing t.
func (w Window) BucketOf(t time.Time) time.Time {
	return floor(t.UTC(), w.Granularity)
}

func (w Window) Label(t time.Time) string {
	if w.Granularity == GranularityHour {
		return t.Format("15:04")
	}
	return t.Format("Jan 2")
}

func (w Window) step(t time.Time) time.Time {
	if w.Granularity == GranularityHour {
		return t.Add(time.Hour)
	}
	return t.AddDate(0, 0, 1)
}

func floor(t time.Time, g Granularity) time.Time {
	if g == GranularityHour {
		return t.Truncate(time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func ceil(t time.Time, g Granularity) time.Time {
	f := floor(t, g)
	if f.Equal(t) {
		return f
	}
	if g == GranularityHour {
		return f.Add(time.Hour)
	}
	return f.AddDate(0, 0, 1)
}

// PercentageChange formats the change of current against previous with one
// decimal. A zero previous total yields +100% for growth and 0% otherwise.
func PercentageChange(current, previous int64) string {
	if previous == 0 {
		if current > 0 {
			return "+100%"
		}
		return "0%"
	}
	change := decimal.NewFromInt(current - previous).
		Div(decimal.NewFromInt(previous)).
		Mul(decimal.NewFromInt(100))
	sign := ""
	if !change.IsNegative() {
		sign = "+"
	}
	return sign + change.StringFixed(1) + "%"
}
