package lgrdisk

/*
period.go

Maps wall-clock instants to period labels and back. Every file the engine
creates is named after a period, so the same helpers are used by the writer
(naming), the archiver (grouping) and the retention sweeper (age checks).

All calculations are done in the location of the provided time value; callers
convert with t.In(loc) first.
*/

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Layouts of period labels and overflow timestamps.
	_LAYOUT_HOUR     = "2006-01-02~15"
	_LAYOUT_DAY      = "2006-01-02"
	_LAYOUT_MONTH    = "2006-01"
	_LAYOUT_OVERFLOW = "2006-01-02~15-04-05"

	// Overflow collision counters are zero-padded so names of one
	// millisecond keep sorting in creation order.
	_OVERFLOW_COUNTER_WIDTH = 3
)

var granularityNames = [_PERIOD_MAX_for_checks_only]string{
	"unknown", //PERIOD_UNKNOWN
	"hourly",  //PERIOD_HOUR
	"daily",   //PERIOD_DAY
	"weekly",  //PERIOD_WEEK
	"monthly", //PERIOD_MONTH
}

// String returns the configuration name of the granularity ("daily" etc).
func (g Granularity) String() string {
	return granularityNames[normGranularity(g)]
}

// ParseGranularity accepts the names produced by String (case-insensitive)
// plus the short forms "hour", "day", "week" and "month".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hourly", "hour", "h":
		return PERIOD_HOUR, nil
	case "daily", "day", "d":
		return PERIOD_DAY, nil
	case "weekly", "week", "w":
		return PERIOD_WEEK, nil
	case "monthly", "month":
		return PERIOD_MONTH, nil
	}
	return PERIOD_UNKNOWN, &ParseError{Kind: "granularity", Value: s, Err: ErrBadGranularity}
}

// MarshalText lets granularities appear as plain strings in config files.
func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (g *Granularity) UnmarshalText(b []byte) error {
	v, err := ParseGranularity(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// PeriodStart returns the first instant of the period containing t.
// Weeks start on Monday.
func PeriodStart(t time.Time, g Granularity) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch normGranularity(g) {
	case PERIOD_HOUR:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case PERIOD_WEEK:
		back := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-back, 0, 0, 0, 0, loc)
	case PERIOD_MONTH:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NextPeriodStart returns the first instant of the period following the one
// containing t.
func NextPeriodStart(t time.Time, g Granularity) time.Time {
	start := PeriodStart(t, g)
	y, m, d := start.Date()
	loc := start.Location()
	switch normGranularity(g) {
	case PERIOD_HOUR:
		return time.Date(y, m, d, start.Hour()+1, 0, 0, 0, loc)
	case PERIOD_WEEK:
		return time.Date(y, m, d+7, 0, 0, 0, 0, loc)
	case PERIOD_MONTH:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// PeriodLabel returns the label used in file names for the period containing t:
// YYYY-MM-DD~HH (hourly), YYYY-MM-DD (daily, weekly uses the Monday), YYYY-MM
// (monthly).
func PeriodLabel(t time.Time, g Granularity) string {
	start := PeriodStart(t, g)
	switch normGranularity(g) {
	case PERIOD_HOUR:
		return start.Format(_LAYOUT_HOUR)
	case PERIOD_MONTH:
		return start.Format(_LAYOUT_MONTH)
	}
	return start.Format(_LAYOUT_DAY)
}

// PrimaryName is the canonical rotation file name of the period containing t.
func PrimaryName(t time.Time, g Granularity) string {
	return PeriodLabel(t, g) + LOG_EXT
}

// OverflowName builds an overflow file name from the creation time t. The
// collision variants are selected by withMillis (appends ~mmm) and counter
// (appends ~NNN when > 0, only together with withMillis).
func OverflowName(t time.Time, withMillis bool, counter int) string {
	var sb strings.Builder
	sb.WriteString(t.Format(_LAYOUT_OVERFLOW))
	if withMillis {
		sb.WriteByte('~')
		sb.WriteString(t.Format(".000")[1:])
		if counter > 0 {
			sb.WriteByte('~')
			n := strconv.Itoa(counter)
			for i := len(n); i < _OVERFLOW_COUNTER_WIDTH; i++ {
				sb.WriteByte('0')
			}
			sb.WriteString(n)
		}
	}
	sb.WriteString(LOG_EXT)
	return sb.String()
}

// ArchiveName builds the artifact name of an archive period label. counter > 0
// resolves collisions; ext is the codec extension without the leading dot.
func ArchiveName(label string, counter int, ext string) string {
	name := label + ARCHIVE_SUFFIX
	if counter > 0 {
		name += "-" + strconv.Itoa(counter)
	}
	return name + "." + ext
}

var (
	rotationNameRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(?:~(\d{2})(?:-(\d{2})-(\d{2})(?:~(\d{3})(?:~(\d+))?)?)?)?\.log$`)
	archiveNameRe  = regexp.MustCompile(`^(\d{4}-\d{2}(?:-\d{2}(?:~\d{2})?)?)` + ARCHIVE_SUFFIX + `(?:-(\d+))?\.([A-Za-z0-9]+(?:\.[A-Za-z0-9]+)*)$`)
)

// RotationName is the decoded form of a rotation file name.
type RotationName struct {
	Stamp    time.Time // period start for primaries, creation time for overflows
	Overflow bool
	Hourly   bool // primary file of an hourly period
	Counter  int  // collision counter of an overflow, 0 when absent
}

// ParseRotationName decodes a primary or overflow file name in location loc.
// Names that do not follow the rotation scheme report ok=false.
func ParseRotationName(name string, loc *time.Location) (rn RotationName, ok bool) {
	m := rotationNameRe.FindStringSubmatch(name)
	if m == nil {
		return rn, false
	}
	day, err := time.ParseInLocation(_LAYOUT_DAY, m[1], loc)
	if err != nil {
		return rn, false
	}
	if m[2] == "" {
		rn.Stamp = day
		return rn, true
	}
	hour, _ := strconv.Atoi(m[2])
	if hour > 23 {
		return rn, false
	}
	if m[3] == "" {
		rn.Hourly = true
		rn.Stamp = time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, loc)
		return rn, true
	}
	mnt, _ := strconv.Atoi(m[3])
	sec, _ := strconv.Atoi(m[4])
	if mnt > 59 || sec > 59 {
		return rn, false
	}
	ms := 0
	if m[5] != "" {
		ms, _ = strconv.Atoi(m[5])
	}
	if m[6] != "" {
		rn.Counter, _ = strconv.Atoi(m[6])
	}
	rn.Overflow = true
	rn.Stamp = time.Date(day.Year(), day.Month(), day.Day(), hour, mnt, sec, ms*int(time.Millisecond), loc)
	return rn, true
}

// ArchiveLabel is the decoded form of an archive artifact name.
type ArchiveLabel struct {
	Label   string
	Start   time.Time
	Counter int
	Ext     string
}

// ParseArchiveName decodes an archive artifact name in location loc.
func ParseArchiveName(name string, loc *time.Location) (al ArchiveLabel, ok bool) {
	m := archiveNameRe.FindStringSubmatch(name)
	if m == nil {
		return al, false
	}
	layout := _LAYOUT_DAY
	switch len(m[1]) {
	case len(_LAYOUT_MONTH):
		layout = _LAYOUT_MONTH
	case len(_LAYOUT_HOUR):
		layout = _LAYOUT_HOUR
	}
	start, err := time.ParseInLocation(layout, m[1], loc)
	if err != nil {
		return al, false
	}
	if m[2] != "" {
		al.Counter, _ = strconv.Atoi(m[2])
	}
	al.Label, al.Start, al.Ext = m[1], start, m[3]
	return al, true
}
