package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/nekro-agent/relay/pkg/scheduler"
	"github.com/nekro-agent/relay/pkg/timer"
)

// UpsertJobRequest is the body of POST /api/v1/jobs.
type UpsertJobRequest struct {
	JobID               string `json:"job_id"`
	ChatKey             string `json:"chat_key"`
	CronExpr            string `json:"cron_expr"`
	Timezone            string `json:"timezone"`
	WorkdayMode         string `json:"workday_mode"`
	MisfirePolicy       string `json:"misfire_policy"`
	MisfireGraceSeconds int    `json:"misfire_grace_seconds"`
}

func (s *Server) upsertJobHandler(c *echo.Context) error {
	var req UpsertJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	job, err := s.engine.Upsert(c.Request().Context(), &scheduler.Job{
		ID:                  req.JobID,
		ChatKey:             req.ChatKey,
		CronExpr:            req.CronExpr,
		Timezone:            req.Timezone,
		WorkdayMode:         scheduler.WorkdayMode(req.WorkdayMode),
		MisfirePolicy:       scheduler.MisfirePolicy(req.MisfirePolicy),
		MisfireGraceSeconds: req.MisfireGraceSeconds,
	})
	if err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) listJobsHandler(c *echo.Context) error {
	jobs, err := s.engine.List(c.Request().Context())
	if err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

func (s *Server) jobSummaryHandler(c *echo.Context) error {
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}
	summary, err := s.engine.Summarize(c.Request().Context(), limit)
	if err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) getJobHandler(c *echo.Context) error {
	job, err := s.engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJobHandler(c *echo.Context) error {
	if err := s.engine.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "deleted"})
}

func (s *Server) pauseJobHandler(c *echo.Context) error {
	job, err := s.engine.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) resumeJobHandler(c *echo.Context) error {
	job, err := s.engine.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) runJobHandler(c *echo.Context) error {
	if err := s.engine.RunNow(c.Request().Context(), c.Param("id")); err != nil {
		return mapSchedulerError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "fired"})
}

// SetTimerRequest is the body of POST /api/v1/timers. Temporary is a
// pointer so a negative trigger_time can distinguish "clear all" (field
// absent) from clearing only the temporary or only the persistent timers.
type SetTimerRequest struct {
	ChatKey     string `json:"chat_key"`
	TriggerTime int64  `json:"trigger_time"`
	EventDesc   string `json:"event_desc"`
	Override    bool   `json:"override"`
	Temporary   *bool  `json:"temporary"`
}

func (s *Server) setTimerHandler(c *echo.Context) error {
	var req SetTimerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChatKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_key is required")
	}

	err := s.timers.SetTimer(c.Request().Context(), req.ChatKey, req.TriggerTime, req.EventDesc,
		timer.SetOptions{Override: req.Override, Temporary: req.Temporary})
	if err != nil {
		return mapTimerError(err)
	}
	if req.TriggerTime < 0 {
		return c.JSON(http.StatusOK, map[string]string{"message": "timers cleared"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "timer set"})
}
