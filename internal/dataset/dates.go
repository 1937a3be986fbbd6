package dataset

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var fallbackLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", "2006/01/02", "01/02/2006", "1/2/2006", "01/02/2006 15:04", "1/2/2006 15:04"}

// ParseDate accepts the date spellings lab exports use and truncates to the day.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := cast.StringToDate(s); err == nil {
		return NormalizeDate(t), nil
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NormalizeDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// NormalizeDate drops the time of day and location.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
