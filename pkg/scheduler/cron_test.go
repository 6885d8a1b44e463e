package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekro-agent/relay/pkg/calendar"
)

// fakeOracle mimics the holiday table: listed dates are holidays (1) or
// make-up workdays (0); unlisted dates follow plain weekday rules.
type fakeOracle struct {
	days map[string]bool // date → is_holiday
}

func (f fakeOracle) IsWorkday(_ context.Context, d time.Time) calendar.Answer {
	if isHoliday, ok := f.days[d.Format("2006-01-02")]; ok {
		if isHoliday {
			return calendar.No
		}
		return calendar.Yes
	}
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return calendar.No
	}
	return calendar.Yes
}

func (f fakeOracle) IsRestday(ctx context.Context, d time.Time) calendar.Answer {
	switch f.IsWorkday(ctx, d) {
	case calendar.Yes:
		return calendar.No
	case calendar.No:
		return calendar.Yes
	}
	return calendar.Unknown
}

// unknownOracle simulates an unavailable holiday data source.
type unknownOracle struct{}

func (unknownOracle) IsWorkday(context.Context, time.Time) calendar.Answer { return calendar.Unknown }
func (unknownOracle) IsRestday(context.Context, time.Time) calendar.Answer { return calendar.Unknown }

func nationalDayOracle() fakeOracle {
	days := map[string]bool{}
	for d := 1; d <= 7; d++ {
		days[time.Date(2024, 10, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02")] = true
	}
	days["2024-10-12"] = false // make-up Saturday
	return fakeOracle{days: days}
}

func cst(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func TestNextRunPlain(t *testing.T) {
	job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "*/5 * * * *", Timezone: "UTC"}
	require.NoError(t, job.Validate())

	now := time.Date(2024, 5, 1, 10, 2, 30, 0, time.UTC)
	next, err := NextRun(context.Background(), job, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC), next.UTC())
}

func TestNextRunRespectsLastRunFloor(t *testing.T) {
	last := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "*/5 * * * *", Timezone: "UTC", LastRunAt: &last}
	require.NoError(t, job.Validate())

	// Clock lagging behind last_run_at must not produce a rerun of the
	// same occurrence: base is last_run_at + 1s.
	now := time.Date(2024, 5, 1, 10, 4, 0, 0, time.UTC)
	next, err := NextRun(context.Background(), job, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC), next.UTC())
	assert.True(t, next.After(last))
}

func TestNextRunWorkdayModes(t *testing.T) {
	loc := cst(t)
	// 2024-10-04 is a Friday.
	friday := time.Date(2024, 10, 4, 12, 0, 0, 0, loc)

	tests := []struct {
		name string
		mode WorkdayMode
		want time.Time
	}{
		{"none fires next day", WorkdayNone, time.Date(2024, 10, 5, 9, 0, 0, 0, loc)},
		{"mon_fri skips weekend", WorkdayMonFri, time.Date(2024, 10, 7, 9, 0, 0, 0, loc)},
		{"weekend waits for saturday", WorkdayWeekend, time.Date(2024, 10, 5, 9, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *",
				Timezone: "Asia/Shanghai", WorkdayMode: tt.mode}
			require.NoError(t, job.Validate())
			next, err := NextRun(context.Background(), job, friday, nil)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(next), "want %s got %s", tt.want, next)
		})
	}
}

// Mirrors the National Day week: holidays 10-01..10-07, make-up workday
// 10-12, so a cn_workday daily job skips the whole holiday, fires on the
// make-up Saturday, and skips the plain Sunday.
func TestNextRunCNWorkdayAcrossHolidayWeek(t *testing.T) {
	loc := cst(t)
	oracle := nationalDayOracle()
	ctx := context.Background()

	job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *",
		Timezone: "Asia/Shanghai", WorkdayMode: WorkdayCNWorkday}
	require.NoError(t, job.Validate())

	base := time.Date(2024, 9, 30, 18, 0, 0, 0, loc)
	next, err := NextRun(ctx, job, base, oracle)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 10, 8, 9, 0, 0, 0, loc).Equal(next))

	// After firing on Friday 10-11, the make-up Saturday is accepted.
	fired := time.Date(2024, 10, 11, 9, 0, 0, 0, loc)
	job.LastRunAt = &fired
	next, err = NextRun(ctx, job, fired, oracle)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 10, 12, 9, 0, 0, 0, loc).Equal(next))

	// After the make-up Saturday, the plain Sunday is skipped.
	fired = time.Date(2024, 10, 12, 9, 0, 0, 0, loc)
	job.LastRunAt = &fired
	next, err = NextRun(ctx, job, fired, oracle)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 10, 14, 9, 0, 0, 0, loc).Equal(next))
}

func TestNextRunCNRestdayPrefersHolidays(t *testing.T) {
	loc := cst(t)
	oracle := nationalDayOracle()

	job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *",
		Timezone: "Asia/Shanghai", WorkdayMode: WorkdayCNRestday}
	require.NoError(t, job.Validate())

	// Monday 9-30 evening: the next rest day is the 10-01 holiday itself.
	base := time.Date(2024, 9, 30, 18, 0, 0, 0, loc)
	next, err := NextRun(context.Background(), job, base, oracle)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 10, 1, 9, 0, 0, 0, loc).Equal(next))
}

func TestNextRunOracleUnavailableFallsBack(t *testing.T) {
	loc := cst(t)
	friday := time.Date(2024, 10, 4, 12, 0, 0, 0, loc)

	// cn_workday degrades to mon_fri.
	job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *",
		Timezone: "Asia/Shanghai", WorkdayMode: WorkdayCNWorkday}
	require.NoError(t, job.Validate())
	next, err := NextRun(context.Background(), job, friday, unknownOracle{})
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 10, 7, 9, 0, 0, 0, loc).Equal(next))

	// cn_restday degrades to weekend.
	job.WorkdayMode = WorkdayCNRestday
	next, err = NextRun(context.Background(), job, friday, unknownOracle{})
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 10, 5, 9, 0, 0, 0, loc).Equal(next))
}

func TestNextRunBoundsFilterIteration(t *testing.T) {
	// A filter that never accepts must fail deterministically, not loop.
	job := &Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * 1",
		Timezone: "UTC", WorkdayMode: WorkdayWeekend}
	require.NoError(t, job.Validate())

	_, err := NextRun(context.Background(), job, time.Now(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workday_mode=weekend")
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name   string
		job    Job
		errTxt string
	}{
		{"good", Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *"}, ""},
		{"id too short", Job{ID: "abc", ChatKey: "c", CronExpr: "0 9 * * *"}, "job_id"},
		{"id uppercase", Job{ID: "ABCD", ChatKey: "c", CronExpr: "0 9 * * *"}, "job_id"},
		{"missing chat key", Job{ID: "abcd", CronExpr: "0 9 * * *"}, "chat_key"},
		{"bad cron", Job{ID: "abcd", ChatKey: "c", CronExpr: "not a cron"}, "cron_expr"},
		{"bad timezone", Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *", Timezone: "Mars/Olympus"}, "timezone"},
		{"bad workday mode", Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *", WorkdayMode: "tuesdays"}, "workday_mode"},
		{"bad misfire policy", Job{ID: "abcd", ChatKey: "c", CronExpr: "0 9 * * *", MisfirePolicy: "retry"}, "misfire_policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.errTxt == "" {
				require.NoError(t, err)
				// Defaults are filled in.
				assert.Equal(t, "Asia/Shanghai", tt.job.Timezone)
				assert.Equal(t, WorkdayNone, tt.job.WorkdayMode)
				assert.Equal(t, MisfireFireOnce, tt.job.MisfirePolicy)
				assert.Equal(t, 300, tt.job.MisfireGraceSeconds)
				assert.Equal(t, StatusActive, tt.job.Status)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errTxt)
			}
		})
	}
}
