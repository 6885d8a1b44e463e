package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nekro-agent/relay/pkg/calendar"
)

// maxCronSteps bounds the day-filter iteration. A cron expression whose
// occurrences never land on an accepted day within this many steps (a year of
// daily occurrences, with margin) is a configuration error.
const maxCronSteps = 370

// minRunGap is the minimum spacing between consecutive runs of one job.
const minRunGap = time.Second

// cronParser accepts the standard 5-field expression (minute through
// day-of-week), optional descriptors like @daily included.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("malformed cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// WorkdayOracle answers whether a date is a Chinese working/rest day.
// Implemented by calendar.Oracle.
type WorkdayOracle interface {
	IsWorkday(ctx context.Context, date time.Time) calendar.Answer
	IsRestday(ctx context.Context, date time.Time) calendar.Answer
}

// NextRun computes the next occurrence of the job strictly after
// max(now, last_run_at + 1s), advancing past days rejected by the job's
// workday mode. The result is in the job's timezone.
func NextRun(ctx context.Context, job *Job, now time.Time, oracle WorkdayOracle) (time.Time, error) {
	sched, err := parseCron(job.CronExpr)
	if err != nil {
		return time.Time{}, err
	}

	loc := job.Location()
	base := now.In(loc)
	if job.LastRunAt != nil {
		if floor := job.LastRunAt.Add(minRunGap); floor.After(base) {
			base = floor.In(loc)
		}
	}

	candidate := base
	for step := 0; step < maxCronSteps; step++ {
		candidate = sched.Next(candidate)
		if candidate.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q yields no future occurrence", job.CronExpr)
		}
		if dayAccepted(ctx, job.WorkdayMode, candidate, oracle) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf(
		"no day matching workday_mode=%s within %d occurrences of %q",
		job.WorkdayMode, maxCronSteps, job.CronExpr)
}

// dayAccepted applies the workday filter to a candidate occurrence. When the
// holiday oracle cannot answer, cn_workday degrades to mon_fri and
// cn_restday to weekend.
func dayAccepted(ctx context.Context, mode WorkdayMode, t time.Time, oracle WorkdayOracle) bool {
	switch mode {
	case WorkdayNone, "":
		return true
	case WorkdayMonFri:
		return isMonFri(t)
	case WorkdayWeekend:
		return !isMonFri(t)
	case WorkdayCNWorkday:
		if oracle != nil {
			switch oracle.IsWorkday(ctx, t) {
			case calendar.Yes:
				return true
			case calendar.No:
				return false
			}
		}
		return isMonFri(t)
	case WorkdayCNRestday:
		if oracle != nil {
			switch oracle.IsRestday(ctx, t) {
			case calendar.Yes:
				return true
			case calendar.No:
				return false
			}
		}
		return !isMonFri(t)
	default:
		return true
	}
}

func isMonFri(t time.Time) bool {
	wd := t.Weekday()
	return wd >= time.Monday && wd <= time.Friday
}
