package pac

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

var months = map[string]time.Month{
	"JAN": time.January,
	"FEB": time.February,
	"MAR": time.March,
	"APR": time.April,
	"MAY": time.May,
	"JUN": time.June,
	"JUL": time.July,
	"AUG": time.August,
	"SEP": time.September,
	"OCT": time.October,
	"NOV": time.November,
	"DEC": time.December,
}

// splitGMT strips a trailing "GMT" argument and converts now accordingly.
func splitGMT(now time.Time, args []string) (time.Time, []string) {
	if n := len(args); n > 0 && strings.EqualFold(strings.TrimSpace(args[n-1]), "GMT") {
		return now.UTC(), args[:n-1]
	}
	return now, args
}

// inRange is an inclusive range check that wraps when end precedes start.
func inRange(v, start, end int) bool {
	if start <= end {
		return v >= start && v <= end
	}
	return v >= start || v <= end
}

// WeekdayRange implements weekdayRange(wd1[, wd2][, "GMT"]).
func WeekdayRange(now time.Time, args []string) bool {
	now, args = splitGMT(now, args)
	if len(args) < 1 || len(args) > 2 {
		slog.Warn("PAC weekdayRange: incorrect number of arguments", "args", args)
		return false
	}
	wd1, ok1 := weekdays[strings.ToUpper(strings.TrimSpace(args[0]))]
	wd2, ok2 := wd1, ok1
	if len(args) == 2 {
		wd2, ok2 = weekdays[strings.ToUpper(strings.TrimSpace(args[1]))]
	}
	if !ok1 || !ok2 {
		slog.Warn("PAC weekdayRange: invalid weekday string", "args", args)
		return false
	}
	return inRange(int(now.Weekday()), int(wd1), int(wd2))
}

type dateKind int

const (
	kindDay dateKind = iota
	kindMonth
	kindYear
)

type dateField struct {
	kind  dateKind
	value int
}

func parseDateField(arg string) (dateField, bool) {
	arg = strings.TrimSpace(arg)
	if m, ok := months[strings.ToUpper(arg)]; ok {
		return dateField{kind: kindMonth, value: int(m)}, true
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return dateField{}, false
	}
	if n <= 31 {
		return dateField{kind: kindDay, value: n}, true
	}
	return dateField{kind: kindYear, value: n}, true
}

// validSpec reports whether fields are in strictly decreasing granularity:
// day, then month, then year, each at most once.
func validSpec(fields []dateField) bool {
	for i := 1; i < len(fields); i++ {
		if fields[i].kind <= fields[i-1].kind {
			return false
		}
	}
	return len(fields) > 0
}

func sameKinds(a, b []dateField) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].kind != b[i].kind {
			return false
		}
	}
	return true
}

func specKey(fields []dateField) int {
	key := 0
	for _, f := range fields {
		key += fieldWeight(f.kind) * f.value
	}
	return key
}

func nowKey(now time.Time, fields []dateField) int {
	key := 0
	for _, f := range fields {
		switch f.kind {
		case kindDay:
			key += now.Day()
		case kindMonth:
			key += fieldWeight(kindMonth) * int(now.Month())
		case kindYear:
			key += fieldWeight(kindYear) * now.Year()
		}
	}
	return key
}

func fieldWeight(k dateKind) int {
	switch k {
	case kindMonth:
		return 100
	case kindYear:
		return 10000
	default:
		return 1
	}
}

// DateRange implements dateRange with one point or a start and end spec,
// each made of day, month and year fields of decreasing granularity.
// Ranges without a year wrap over the year boundary.
func DateRange(now time.Time, args []string) bool {
	now, args = splitGMT(now, args)
	if len(args) == 0 || len(args) > 6 {
		slog.Warn("PAC dateRange: incorrect number of arguments", "args", args)
		return false
	}
	fields := make([]dateField, len(args))
	for i, a := range args {
		f, ok := parseDateField(a)
		if !ok {
			slog.Warn("PAC dateRange: invalid argument", "arg", a)
			return false
		}
		fields[i] = f
	}

	if len(fields) == 1 || (len(fields) <= 3 && validSpec(fields) && !(len(fields) == 2 && fields[0].kind == fields[1].kind)) {
		return nowKey(now, fields) == specKey(fields)
	}

	if len(fields)%2 != 0 {
		slog.Warn("PAC dateRange: unsupported argument combination", "args", args)
		return false
	}
	start, end := fields[:len(fields)/2], fields[len(fields)/2:]
	if !validSpec(start) || !sameKinds(start, end) {
		slog.Warn("PAC dateRange: mismatched range bounds", "args", args)
		return false
	}
	v, s, e := nowKey(now, start), specKey(start), specKey(end)
	if start[len(start)-1].kind == kindYear {
		return v >= s && v <= e
	}
	return inRange(v, s, e)
}

// TimeRange implements timeRange(hour), timeRange(h1, h2),
// timeRange(h1, m1, h2, m2) and timeRange(h1, m1, s1, h2, m2, s2).
// Bounds are inclusive at the granularity given and wrap over midnight.
func TimeRange(now time.Time, args []string) bool {
	now, args = splitGMT(now, args)
	values := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil || n < 0 {
			slog.Warn("PAC timeRange: invalid argument", "arg", a)
			return false
		}
		values[i] = n
	}

	switch len(values) {
	case 1:
		return now.Hour() == values[0]
	case 2:
		return inRange(now.Hour(), values[0], values[1])
	case 4:
		v := now.Hour()*60 + now.Minute()
		return inRange(v, values[0]*60+values[1], values[2]*60+values[3])
	case 6:
		v := now.Hour()*3600 + now.Minute()*60 + now.Second()
		return inRange(v, values[0]*3600+values[1]*60+values[2], values[3]*3600+values[4]*60+values[5])
	default:
		slog.Warn("PAC timeRange: incorrect number of arguments", "args", args)
		return false
	}
}
