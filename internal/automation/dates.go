package automation

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/now"
	"github.com/spf13/cast"
)

// Clock is the engine's view of "now". Every day boundary is computed in its
// location.
type Clock struct {
	now func() time.Time
	loc *time.Location
}

// NewClock returns a clock in loc. A nil fn uses time.Now.
func NewClock(loc *time.Location, fn func() time.Time) *Clock {
	if loc == nil {
		loc = time.Local
	}
	if fn == nil {
		fn = time.Now
	}
	return &Clock{now: fn, loc: loc}
}

func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Today is local midnight of the current day.
func (c *Clock) Today() time.Time { return now.With(c.Now()).BeginningOfDay() }

// Day truncates t to local midnight of its calendar day.
func (c *Clock) Day(t time.Time) time.Time { return now.With(t.In(c.loc)).BeginningOfDay() }

// daysBetween counts calendar days from a to b, ignoring DST shifts.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"January 2, 2006",
	"January 2, 2006 3:04 pm",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2 2006",
	"Monday, January 2, 2006",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

var relativeDate = regexp.MustCompile(`(?i)^([+-]?\d+)\s*(day|week|month|year)s?(\s+ago)?$`)

// ParseDate turns a stored value into a time in the clock's location.
func (c *Clock) ParseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.In(c.loc), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return c.ParseDate(*t)
	case string:
		return c.parseDateString(t)
	case bool:
		return time.Time{}, false
	}
	if f, ok := toFloat(v); ok {
		return c.parseDateString(strconv.FormatInt(int64(f), 10))
	}
	return c.parseDateString(stringify(normalize(v)))
}

func (c *Clock) parseDateString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	switch strings.ToLower(s) {
	case "now":
		return c.Now(), true
	case "today":
		return c.Today(), true
	case "tomorrow":
		return c.Today().AddDate(0, 0, 1), true
	case "yesterday":
		return c.Today().AddDate(0, 0, -1), true
	}
	if m := relativeDate.FindStringSubmatch(s); m != nil {
		n := cast.ToInt(strings.TrimPrefix(m[1], "+"))
		if m[3] != "" {
			n = -n
		}
		return addUnit(c.Now(), n, m[2]), true
	}
	if isDigits(s) {
		if len(s) == 8 {
			t, err := time.ParseInLocation("20060102", s, c.loc)
			return t, err == nil
		}
		if len(s) >= 9 {
			sec, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.Unix(sec, 0).In(c.loc), true
		}
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, c.loc); err == nil {
			return t.In(c.loc), true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// addUnit shifts t by n units; unit may be singular or plural.
func addUnit(t time.Time, n int, unit string) time.Time {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "day":
		return t.AddDate(0, 0, n)
	case "week":
		return t.AddDate(0, 0, 7*n)
	case "month":
		return t.AddDate(0, n, 0)
	case "year":
		return t.AddDate(n, 0, 0)
	}
	return t
}

var ordinalSuffix = map[int]string{1: "st", 2: "nd", 3: "rd", 21: "st", 22: "nd", 23: "rd", 31: "st"}

// formatDatePattern renders t using PHP date() characters (Y-m-d, F j, Y, H:i).
func formatDatePattern(t time.Time, pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			i++
			b.WriteRune(runes[i])
			continue
		}
		switch r {
		case 'd':
			b.WriteString(t.Format("02"))
		case 'D':
			b.WriteString(t.Format("Mon"))
		case 'j':
			b.WriteString(strconv.Itoa(t.Day()))
		case 'l':
			b.WriteString(t.Format("Monday"))
		case 'N':
			wd := int(t.Weekday())
			if wd == 0 {
				wd = 7
			}
			b.WriteString(strconv.Itoa(wd))
		case 'S':
			if s, ok := ordinalSuffix[t.Day()]; ok {
				b.WriteString(s)
			} else {
				b.WriteString("th")
			}
		case 'w':
			b.WriteString(strconv.Itoa(int(t.Weekday())))
		case 'z':
			b.WriteString(strconv.Itoa(t.YearDay() - 1))
		case 'W':
			_, w := t.ISOWeek()
			b.WriteString(strconv.Itoa(w))
		case 'F':
			b.WriteString(t.Format("January"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'M':
			b.WriteString(t.Format("Jan"))
		case 'n':
			b.WriteString(strconv.Itoa(int(t.Month())))
		case 't':
			b.WriteString(strconv.Itoa(now.With(t).EndOfMonth().Day()))
		case 'L':
			y := t.Year()
			if y%4 == 0 && (y%100 != 0 || y%400 == 0) {
				b.WriteString("1")
			} else {
				b.WriteString("0")
			}
		case 'o':
			y, _ := t.ISOWeek()
			b.WriteString(strconv.Itoa(y))
		case 'Y':
			b.WriteString(t.Format("2006"))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'a':
			b.WriteString(t.Format("pm"))
		case 'A':
			b.WriteString(t.Format("PM"))
		case 'g':
			b.WriteString(t.Format("3"))
		case 'G':
			b.WriteString(strconv.Itoa(t.Hour()))
		case 'h':
			b.WriteString(t.Format("03"))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'i':
			b.WriteString(t.Format("04"))
		case 's':
			b.WriteString(t.Format("05"))
		case 'u':
			b.WriteString(t.Format("000000"))
		case 'v':
			b.WriteString(t.Format("000"))
		case 'e':
			b.WriteString(t.Location().String())
		case 'O':
			b.WriteString(t.Format("-0700"))
		case 'P':
			b.WriteString(t.Format("-07:00"))
		case 'T':
			b.WriteString(t.Format("MST"))
		case 'Z':
			_, off := t.Zone()
			b.WriteString(strconv.Itoa(off))
		case 'c':
			b.WriteString(t.Format(time.RFC3339))
		case 'r':
			b.WriteString(t.Format(time.RFC1123Z))
		case 'U':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var datePatternRe = regexp.MustCompile(`^[dDjlNSwzWFmMntLoYyaAgGhHisuveOPTZcrU\\\s\-/.,:]+$`)

// looksLikeDatePattern reports whether a modifier is a PHP date() pattern.
func looksLikeDatePattern(s string) bool {
	return datePatternRe.MatchString(s) && strings.ContainsAny(s, "dDjlNFmMnYyaAgGhHisUc")
}
