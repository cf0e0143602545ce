package booking

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"salesops/internal/storage"
)

// hoursCheck is the outcome of a business-hours validation.
type hoursCheck struct {
	OK         bool
	Start, End int
	Saturday   bool
	WorkingDay bool
}

// ValidRange renders the allowed hours, e.g. "09:00–18:00".
func (h hoursCheck) ValidRange() string {
	return fmt.Sprintf("%02d:00–%02d:00", h.Start, h.End)
}

// parseSlot turns a date and HH:MM into an instant in loc.
func parseSlot(s Slot, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s.Date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", s.Date, err)
	}
	h, m, err := parseHHMM(s.Time)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q: bad minute", s)
	}
	return h, m, nil
}

// checkHours validates at against the vendor's working hours. The hour must
// fall in [start, end). Saturdays close at cfg.SaturdayClose whatever the
// vendor's end hour is. A nil vendor uses the defaults.
func checkHours(vendor *storage.Recipient, at time.Time, cfg Config) hoursCheck {
	start, end, days := cfg.DefaultStart, cfg.DefaultEnd, cfg.DefaultDays
	if vendor != nil {
		if vendor.WorkStart > 0 {
			start = vendor.WorkStart
		}
		if vendor.WorkEnd > 0 {
			end = vendor.WorkEnd
		}
		if len(vendor.WorkingDays) > 0 {
			days = vendor.WorkingDays
		}
	}
	wd := at.Weekday()
	res := hoursCheck{Start: start, End: end, Saturday: wd == time.Saturday}
	if res.Saturday {
		res.End = cfg.SaturdayClose
	}
	for _, d := range days {
		if d == int(wd) {
			res.WorkingDay = true
			break
		}
	}
	h := at.Hour()
	res.OK = res.WorkingDay && h >= res.Start && h < res.End
	return res
}
