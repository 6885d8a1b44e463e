// Package scheduler implements the persistent recurring timer engine:
// cron-driven jobs with timezone-aware evaluation, workday filtering, misfire
// handling after restart, and auto-pause on consecutive failures.
package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// JobStatus is the lifecycle state of a recurring job.
type JobStatus string

const (
	StatusActive JobStatus = "active"
	StatusPaused JobStatus = "paused"
)

// WorkdayMode filters which days a cron occurrence may land on.
type WorkdayMode string

const (
	WorkdayNone      WorkdayMode = "none"
	WorkdayMonFri    WorkdayMode = "mon_fri"
	WorkdayWeekend   WorkdayMode = "weekend"
	WorkdayCNWorkday WorkdayMode = "cn_workday"
	WorkdayCNRestday WorkdayMode = "cn_restday"
)

// MisfirePolicy decides what happens to an occurrence that fires late.
//
// fire_once: a missed occurrence still fires, as long as the delay is within
// the job's grace window. skip: missed occurrences never fire; the job simply
// reschedules. Delays within 1s are not misfires and always fire.
type MisfirePolicy string

const (
	MisfireFireOnce MisfirePolicy = "fire_once"
	MisfireSkip     MisfirePolicy = "skip"
)

// jobIDPattern constrains job identifiers to short lowercase alphanumerics.
var jobIDPattern = regexp.MustCompile(`^[a-z0-9]{4,12}$`)

// ErrJobNotFound is returned when a job id is unknown to the store.
var ErrJobNotFound = errors.New("recurring job not found")

// ValidationError reports a rejected job field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Job is one persistent recurring job.
type Job struct {
	ID                  string        `json:"job_id"`
	ChatKey             string        `json:"chat_key"`
	CronExpr            string        `json:"cron_expr"`
	Timezone            string        `json:"timezone"`
	WorkdayMode         WorkdayMode   `json:"workday_mode"`
	Status              JobStatus     `json:"status"`
	NextRunAt           *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty"`
	MisfirePolicy       MisfirePolicy `json:"misfire_policy"`
	MisfireGraceSeconds int           `json:"misfire_grace_seconds"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	PausedNoticeSentAt  *time.Time    `json:"paused_notice_sent_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Validate checks the user-settable fields and fills defaults for the
// optional ones.
func (j *Job) Validate() error {
	if !jobIDPattern.MatchString(j.ID) {
		return NewValidationError("job_id", "must match ^[a-z0-9]{4,12}$")
	}
	if j.ChatKey == "" {
		return NewValidationError("chat_key", "required")
	}
	if j.Timezone == "" {
		j.Timezone = "Asia/Shanghai"
	}
	if _, err := time.LoadLocation(j.Timezone); err != nil {
		return NewValidationError("timezone", "unknown IANA zone: "+j.Timezone)
	}
	switch j.WorkdayMode {
	case "":
		j.WorkdayMode = WorkdayNone
	case WorkdayNone, WorkdayMonFri, WorkdayWeekend, WorkdayCNWorkday, WorkdayCNRestday:
	default:
		return NewValidationError("workday_mode", "unknown mode: "+string(j.WorkdayMode))
	}
	switch j.MisfirePolicy {
	case "":
		j.MisfirePolicy = MisfireFireOnce
	case MisfireFireOnce, MisfireSkip:
	default:
		return NewValidationError("misfire_policy", "unknown policy: "+string(j.MisfirePolicy))
	}
	if j.MisfireGraceSeconds < 0 {
		return NewValidationError("misfire_grace_seconds", "must not be negative")
	}
	if j.MisfireGraceSeconds == 0 {
		j.MisfireGraceSeconds = 300
	}
	if j.Status == "" {
		j.Status = StatusActive
	}
	if _, err := parseCron(j.CronExpr); err != nil {
		return NewValidationError("cron_expr", err.Error())
	}
	return nil
}

// Location resolves the job timezone. Validate guarantees it loads.
func (j *Job) Location() *time.Location {
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// grace returns the misfire grace window as a duration.
func (j *Job) grace() time.Duration {
	return time.Duration(j.MisfireGraceSeconds) * time.Second
}

// Summary aggregates engine state for the admin surface.
type Summary struct {
	ActiveJobs int        `json:"active_jobs"`
	PausedJobs int        `json:"paused_jobs"`
	Upcoming   []*Job     `json:"upcoming"`
	Recent     []*Job     `json:"recent"`
	NextWakeup *time.Time `json:"next_wakeup,omitempty"`
}
