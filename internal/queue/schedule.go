package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CloudflareHackers/QDM/internal/model"
)

// ScheduleAdmits reports whether a queue's weekly window allows admission
// at the given local time. A nil schedule always admits. The current weekday
// must be in Days. When the window wraps past midnight (end < start), it
// admits from start to midnight and from midnight to end on that same day:
// a Friday-only 22:00–02:00 window admits Friday 00:00–02:00 and
// 22:00–23:59, but not Saturday 01:30.
func ScheduleAdmits(s *model.Schedule, now time.Time) bool {
	if s == nil {
		return true
	}
	start, err := parseHHMM(s.StartHHMM)
	if err != nil {
		return true
	}
	end, err := parseHHMM(s.EndHHMM)
	if err != nil {
		return true
	}

	cur := now.Hour()*60 + now.Minute()
	day := int(now.Weekday())

	if !containsDay(s.Days, day) {
		return false
	}
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseHHMM(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("queue: bad HH:MM %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("queue: bad hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("queue: bad minute in %q", v)
	}
	return h*60 + m, nil
}

func containsDay(days []int, day int) bool {
	if len(days) == 0 {
		return false
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
