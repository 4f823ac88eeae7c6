package intent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Spoken date/time parsing for the phrases the transcript adapter passes
// through verbatim. The adapter already normalizes number words ("two thirty"
// becomes "2:30"), so this only handles relative days, weekday names, month
// names, and clock fragments.

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// ParseSpokenDate resolves a spoken date phrase to a calendar day (midnight in
// now's location). Supported forms: "today", "tomorrow", weekday names with an
// optional "next" prefix, "january 5", "1/5", and "2026-01-05". Weekdays
// resolve to the next occurrence strictly after today; "next <weekday>" skips
// one more week when the weekday is within the coming seven days.
func ParseSpokenDate(s string, now time.Time) (time.Time, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "on ")
	midnight := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())
	}

	switch norm {
	case "today", "tonight":
		return midnight(now), nil
	case "tomorrow":
		return midnight(now.AddDate(0, 0, 1)), nil
	case "day after tomorrow":
		return midnight(now.AddDate(0, 0, 2)), nil
	}

	if d, err := time.ParseInLocation("2006-01-02", norm, now.Location()); err == nil {
		return d, nil
	}

	next := strings.HasPrefix(norm, "next ")
	norm = strings.TrimPrefix(norm, "next ")

	if wd, ok := weekdays[norm]; ok {
		days := int(wd-now.Weekday()+7) % 7
		if days == 0 {
			days = 7
		}
		if next && days < 7 {
			days += 7
		}
		return midnight(now.AddDate(0, 0, days)), nil
	}

	// "january 5" / "january 5th"
	parts := strings.Fields(norm)
	if len(parts) == 2 {
		if m, ok := months[parts[0]]; ok {
			dayStr := strings.TrimRight(parts[1], "stndrh") // 1st, 2nd, 3rd, 4th
			if day, err := strconv.Atoi(dayStr); err == nil && day >= 1 && day <= 31 {
				candidate := time.Date(now.Year(), m, day, 0, 0, 0, 0, now.Location())
				if candidate.Before(midnight(now)) {
					candidate = candidate.AddDate(1, 0, 0)
				}
				return candidate, nil
			}
		}
	}

	// numeric month/day
	if mm, dd, ok := strings.Cut(norm, "/"); ok {
		m, err1 := strconv.Atoi(mm)
		day, err2 := strconv.Atoi(dd)
		if err1 == nil && err2 == nil && m >= 1 && m <= 12 && day >= 1 && day <= 31 {
			candidate := time.Date(now.Year(), time.Month(m), day, 0, 0, 0, 0, now.Location())
			if candidate.Before(midnight(now)) {
				candidate = candidate.AddDate(1, 0, 0)
			}
			return candidate, nil
		}
	}

	return time.Time{}, fmt.Errorf("intent: unrecognized date %q", s)
}

// ParseSpokenTime resolves a spoken clock phrase to hour and minute.
// Supported forms: "2:30 pm", "2 pm", "14:00", "noon", "midday", and daypart
// words which map to the start of the practice's usual blocks ("morning" 9:00,
// "afternoon" 14:00, "evening" 17:00).
func ParseSpokenTime(s string) (hour, minute int, err error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "at ")

	switch norm {
	case "noon", "midday":
		return 12, 0, nil
	case "morning":
		return 9, 0, nil
	case "afternoon":
		return 14, 0, nil
	case "evening":
		return 17, 0, nil
	}

	meridiem := ""
	for _, suffix := range []string{"am", "a.m.", "pm", "p.m."} {
		if strings.HasSuffix(norm, suffix) {
			meridiem = string(suffix[0])
			norm = strings.TrimSpace(strings.TrimSuffix(norm, suffix))
			break
		}
	}

	hh, mm, hasMinutes := strings.Cut(norm, ":")
	hour, err = strconv.Atoi(strings.TrimSpace(hh))
	if err != nil {
		return 0, 0, fmt.Errorf("intent: unrecognized time %q", s)
	}
	if hasMinutes {
		minute, err = strconv.Atoi(strings.TrimSpace(mm))
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, fmt.Errorf("intent: unrecognized time %q", s)
		}
	}

	switch meridiem {
	case "p":
		if hour < 12 {
			hour += 12
		}
	case "a":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("intent: unrecognized time %q", s)
	}
	return hour, minute, nil
}
