package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/textnorm"
)

// Weekdays in the order schedules are searched.
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Plausible class start times, in minutes after midnight. Opening hours outside this
// window are usually venue hours rather than a session time.
const (
	earliestStart = 8 * 60
	latestStart   = 19 * 60
)

var (
	clockRe   = regexp.MustCompile(`\b(\d{1,2})(?:([:.])(\d{2}))?\s*(a\.m\.|p\.m\.|am\b|pm\b)?`)
	meridRe   = regexp.MustCompile(`\b(a\.m\.|p\.m\.|am\b|pm\b)`)
	dayPrefix = regexp.MustCompile(`^(monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b`)
	dayTimeRe = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b([^,;|]{0,40}?\b\d{1,2}(?:[:.]\d{2})?\s*(?:am|pm)\b)`)
)

// ClockTime is a time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// Minutes returns minutes after midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// String renders "9:30 AM".
func (c ClockTime) String() string {
	h := c.Hour % 12
	if h == 0 {
		h = 12
	}
	suffix := "AM"
	if c.Hour >= 12 {
		suffix = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", h, c.Minute, suffix)
}

// Plausible reports whether c falls inside the class-time window.
func (c ClockTime) Plausible() bool {
	m := c.Minutes()
	return m >= earliestStart && m <= latestStart
}

// parseTimes returns every clock time in a normalized line. A bare hour needs a
// meridiem, either its own or the next one in the line ("9:30 - 11 am"), or explicit
// minutes to be read as 24-hour time. Amounts after a currency sign are prices, and a
// dotted "h.mm" counts only with its own meridiem.
func parseTimes(line string) []ClockTime {
	var out []ClockTime
	for _, m := range clockRe.FindAllStringSubmatchIndex(line, -1) {
		if afterCurrency(line[:m[0]]) {
			continue
		}
		hour, _ := strconv.Atoi(line[m[2]:m[3]])
		minute := 0
		hasMinutes := m[6] >= 0
		if hasMinutes {
			minute, _ = strconv.Atoi(line[m[6]:m[7]])
		}
		if hasMinutes && line[m[4]:m[5]] == "." && m[8] < 0 {
			continue
		}
		merid := ""
		if m[8] >= 0 {
			merid = line[m[8]:m[9]]
		} else if next := meridRe.FindString(line[m[1]:]); next != "" {
			merid = next
		}
		if merid == "" && !hasMinutes {
			continue
		}
		if minute > 59 || hour > 23 {
			continue
		}
		switch strings.ReplaceAll(merid, ".", "") {
		case "am":
			if hour > 12 {
				continue
			}
			if hour == 12 {
				hour = 0
			}
		case "pm":
			if hour > 12 {
				continue
			}
			if hour < 12 {
				hour += 12
			}
		}
		out = append(out, ClockTime{Hour: hour, Minute: minute})
	}
	return out
}

func afterCurrency(prefix string) bool {
	prefix = strings.TrimRight(prefix, " ")
	for _, sym := range []string{"£", "$", "€"} {
		if strings.HasSuffix(prefix, sym) {
			return true
		}
	}
	return false
}

func titleDay(d string) string {
	d = strings.TrimSuffix(strings.ToLower(d), "s")
	for _, w := range Weekdays {
		if strings.ToLower(w) == d {
			return w
		}
	}
	return ""
}

// weeklyHoursSchedule reads structured per-weekday lines ("Wednesday: 9:30 AM – 11:00 AM").
type weeklyHoursSchedule struct{}

func (weeklyHoursSchedule) Name() string { return "schedule.weekly_hours" }

func (s weeklyHoursSchedule) Extract(in Input) (*model.ExtractionResult, bool) {
	if in.Candidate == nil || len(in.Candidate.WeeklyHours) == 0 {
		return nil, false
	}
	byDay := make(map[string]string, len(in.Candidate.WeeklyHours))
	for _, raw := range in.Candidate.WeeklyHours {
		line := textnorm.Text(raw)
		m := dayPrefix.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		day := titleDay(m[1])
		if _, dup := byDay[day]; !dup {
			byDay[day] = line[len(m[0]):]
		}
	}
	for _, day := range Weekdays {
		rest, ok := byDay[day]
		if !ok {
			continue
		}
		for _, t := range parseTimes(rest) {
			if t.Plausible() {
				sched := model.Schedule{Day: day, Time: t.String()}
				return result(model.FieldSchedule, sched, s.Name(), 0.8, true, day+rest, in.Now), true
			}
		}
	}
	return nil, false
}

// freeTextSchedule finds "<weekday> ... <time>" mentions in provider and website text.
type freeTextSchedule struct{}

func (freeTextSchedule) Name() string { return "schedule.free_text" }

func (s freeTextSchedule) Extract(in Input) (*model.ExtractionResult, bool) {
	docs := in.ProviderText()
	if in.PageText != "" {
		docs = append(docs, in.PageText)
	}
	type hit struct {
		day     string
		t       ClockTime
		excerpt string
	}
	var hits []hit
	for _, raw := range docs {
		text := textnorm.Text(raw)
		for _, m := range dayTimeRe.FindAllStringSubmatch(text, -1) {
			for _, t := range parseTimes(m[2]) {
				if t.Plausible() {
					hits = append(hits, hit{day: titleDay(m[1]), t: t, excerpt: m[0]})
				}
			}
		}
	}
	// Earliest weekday wins, then earliest time, so the answer does not depend on
	// document order.
	for _, day := range Weekdays {
		var best *hit
		for i := range hits {
			h := &hits[i]
			if h.day == day && (best == nil || h.t.Minutes() < best.t.Minutes()) {
				best = h
			}
		}
		if best != nil {
			sched := model.Schedule{Day: best.day, Time: best.t.String()}
			return result(model.FieldSchedule, sched, s.Name(), 0.6, true, best.excerpt, in.Now), true
		}
	}
	return nil, false
}

// FallbackSource supplies the canonical schedule for a category.
type FallbackSource interface {
	FallbackSchedule(category string) model.Schedule
}

// categoryFallbackSchedule assigns the category's canonical cadence. Unverified, so a
// later observed schedule always replaces it.
type categoryFallbackSchedule struct{ src FallbackSource }

func (categoryFallbackSchedule) Name() string { return "schedule.category_fallback" }

func (s categoryFallbackSchedule) Extract(in Input) (*model.ExtractionResult, bool) {
	if s.src == nil {
		return nil, false
	}
	sched := s.src.FallbackSchedule(in.Entity.Category)
	if sched.Day == "" || sched.Time == "" {
		return nil, false
	}
	return result(model.FieldSchedule, sched, s.Name(), 0.3, false, "category "+in.Entity.Category, in.Now), true
}

// ScheduleChain returns the schedule strategies in fallback order.
func ScheduleChain(fallback FallbackSource) Chain {
	return Chain{weeklyHoursSchedule{}, freeTextSchedule{}, categoryFallbackSchedule{fallback}}
}

// NewScheduleExtractor returns the schedule group extractor.
func NewScheduleExtractor(fallback FallbackSource) *ChainExtractor {
	return NewChainExtractor("schedule", model.GroupSchedule, ScheduleChain(fallback))
}
