package lgrdisk

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Granularity(t *testing.T) {
	t.Run("only_valid_from_255", func(t *testing.T) {
		for i := range 255 {
			g := Granularity(i)
			if g >= _PERIOD_MAX_for_checks_only {
				assert.Equal(t, "unknown", g.String())
			} else {
				assert.Equal(t, granularityNames[g], g.String())
			}
		}
	})
	for _, s := range []string{"hourly", "Hour", "h", "daily", "DAY", "weekly", "w", "monthly", " month "} {
		g, err := ParseGranularity(s)
		assert.NoError(t, err, s)
		assert.NotEqual(t, PERIOD_UNKNOWN, g, s)
	}
	_, err := ParseGranularity("fortnightly")
	assert.ErrorIs(t, err, ErrBadGranularity)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)

	var g Granularity
	require.NoError(t, g.UnmarshalText([]byte("weekly")))
	assert.Equal(t, PERIOD_WEEK, g)
	b, _ := g.MarshalText()
	assert.Equal(t, "weekly", string(b))
}

func Test_PeriodStart(t *testing.T) {
	at := time.Date(2025, 1, 1, 13, 45, 12, 999, time.UTC) // Wednesday
	tests := []struct {
		g     Granularity
		start time.Time
		next  time.Time
		label string
	}{
		{PERIOD_HOUR, time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC), "2025-01-01~13"},
		{PERIOD_DAY, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "2025-01-01"},
		{PERIOD_WEEK, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), "2024-12-30"},
		{PERIOD_MONTH, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), "2025-01"},
	}
	for _, tt := range tests {
		t.Run(tt.g.String(), func(t *testing.T) {
			assert.Equal(t, tt.start, PeriodStart(at, tt.g))
			assert.Equal(t, tt.next, NextPeriodStart(at, tt.g))
			assert.Equal(t, tt.label, PeriodLabel(at, tt.g))
			assert.Equal(t, tt.start, PeriodStart(tt.start, tt.g), "start is a fixed point")
		})
	}
	t.Run("sunday_belongs_to_previous_monday", func(t *testing.T) {
		sunday := time.Date(2025, 1, 5, 23, 0, 0, 0, time.UTC)
		assert.Equal(t, "2024-12-30", PeriodLabel(sunday, PERIOD_WEEK))
	})
	t.Run("december_rolls_over", func(t *testing.T) {
		dec := time.Date(2024, 12, 31, 23, 30, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), NextPeriodStart(dec, PERIOD_MONTH))
		assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), NextPeriodStart(dec, PERIOD_HOUR))
	})
}

func Test_RotationNames(t *testing.T) {
	loc := time.FixedZone("test", -5*60*60)
	at := time.Date(2025, 3, 9, 7, 8, 9, 456*int(time.Millisecond), loc)

	t.Run("primary_round_trip", func(t *testing.T) {
		for _, g := range []Granularity{PERIOD_HOUR, PERIOD_DAY} {
			name := PrimaryName(at, g)
			rn, ok := ParseRotationName(name, loc)
			require.True(t, ok, name)
			assert.False(t, rn.Overflow)
			assert.Equal(t, g == PERIOD_HOUR, rn.Hourly)
			assert.True(t, PeriodStart(at, g).Equal(rn.Stamp), name)
		}
		assert.Equal(t, "2025-03-09.log", PrimaryName(at, PERIOD_DAY))
		assert.Equal(t, "2025-03-09~07.log", PrimaryName(at, PERIOD_HOUR))
	})
	t.Run("overflow_variants", func(t *testing.T) {
		tests := []struct {
			millis  bool
			counter int
			name    string
			stamp   time.Time
		}{
			{false, 0, "2025-03-09~07-08-09.log", at.Truncate(time.Second)},
			{true, 0, "2025-03-09~07-08-09~456.log", at},
			{true, 3, "2025-03-09~07-08-09~456~003.log", at},
			{true, 12, "2025-03-09~07-08-09~456~012.log", at},
			{false, 3, "2025-03-09~07-08-09.log", at.Truncate(time.Second)},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.name, OverflowName(at, tt.millis, tt.counter))
			rn, ok := ParseRotationName(tt.name, loc)
			require.True(t, ok, tt.name)
			assert.True(t, rn.Overflow)
			assert.True(t, tt.stamp.Equal(rn.Stamp), tt.name)
			if tt.millis {
				assert.Equal(t, tt.counter, rn.Counter, tt.name)
			}
		}
	})
	t.Run("collisions_sort_in_creation_order", func(t *testing.T) {
		names := []string{OverflowName(at, false, 0), OverflowName(at, true, 0)}
		for n := 1; n <= 12; n++ {
			names = append(names, OverflowName(at, true, n))
		}
		assert.True(t, sort.StringsAreSorted(names), "%v", names)
	})
	t.Run("malformed_skipped", func(t *testing.T) {
		for _, name := range []string{
			"2025-03-09.txt", "2025-13-09.log", "2025-03-09~24.log", "2025-03-09~07-60-00.log",
			"2025-03-09~07.log.gz", "app.log", ".rotation.lock", "2025-03-09-archive.tar.zst", "2025-03-09~7.log",
		} {
			_, ok := ParseRotationName(name, loc)
			assert.False(t, ok, name)
		}
	})
}

func Test_ArchiveNames(t *testing.T) {
	at := time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)
	tests := []struct {
		g    Granularity
		n    int
		ext  string
		name string
	}{
		{PERIOD_MONTH, 0, "tar.zst", "2025-01-archive.tar.zst"},
		{PERIOD_DAY, 0, "tar.gz", "2025-01-01-archive.tar.gz"},
		{PERIOD_WEEK, 2, "tar.zst", "2024-12-30-archive-2.tar.zst"},
		{PERIOD_HOUR, 1, "zip", "2025-01-01~13-archive-1.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := ArchiveName(PeriodLabel(at, tt.g), tt.n, tt.ext)
			assert.Equal(t, tt.name, name)
			al, ok := ParseArchiveName(name, time.UTC)
			require.True(t, ok)
			assert.True(t, PeriodStart(at, tt.g).Equal(al.Start))
			assert.Equal(t, tt.n, al.Counter)
			assert.Equal(t, tt.ext, al.Ext)
		})
	}
	for _, name := range []string{"2025-01-archive", "2025-01-01.log", "2025-1-archive.tar.zst", "x-archive.tar.zst"} {
		_, ok := ParseArchiveName(name, time.UTC)
		assert.False(t, ok, name)
	}
}
