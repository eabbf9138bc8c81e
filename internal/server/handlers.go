package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/pianoreel/internal/api"
	"github.com/mantonx/pianoreel/internal/database"
	"github.com/mantonx/pianoreel/internal/events"
)

func (s *Server) health(c *gin.Context) {
	status := gin.H{
		"status":  "ok",
		"history": s.deps.Store != nil,
	}

	if s.deps.Events != nil {
		if err := s.deps.Events.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"events": err.Error(),
			})
			return
		}
		status["events"] = s.deps.Events.Stats()
	}
	status["progress_clients"] = s.hub.Clients()

	c.JSON(http.StatusOK, status)
}

func (s *Server) listRuns(c *gin.Context) {
	if s.deps.Store == nil {
		api.RespondUnavailable(c, "render history")
		return
	}

	filter := database.RunFilter{
		BatchID: c.Query("batch_id"),
		JobID:   c.Query("job_id"),
		Status:  c.Query("status"),
	}

	var ok bool
	if filter.Limit, ok = queryInt(c, "limit", 50); !ok {
		return
	}
	if filter.Offset, ok = queryInt(c, "offset", 0); !ok {
		return
	}

	runs, total, err := s.deps.Store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		api.RespondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":   runs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) getRun(c *gin.Context) {
	if s.deps.Store == nil {
		api.RespondUnavailable(c, "render history")
		return
	}

	run, err := s.deps.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) currentBatch(c *gin.Context) {
	if s.deps.Batches == nil {
		api.RespondUnavailable(c, "batch scheduler")
		return
	}

	report := s.deps.Batches.Current()
	if report == nil {
		api.RespondWithNotFound(c, "batch", "current")
		return
	}
	c.JSON(http.StatusOK, report.Snapshot())
}

func (s *Server) recentEvents(c *gin.Context) {
	if s.deps.Events == nil {
		api.RespondUnavailable(c, "event bus")
		return
	}

	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}

	filter := events.EventFilter{}
	if jobID := c.Query("job_id"); jobID != "" {
		filter.JobIDs = []string{jobID}
	}
	if eventType := c.Query("type"); eventType != "" {
		filter.Types = []events.EventType{events.EventType(eventType)}
	}

	c.JSON(http.StatusOK, gin.H{"events": s.deps.Events.Recent(filter, limit)})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		api.RespondWithValidationError(c, "invalid "+key+": "+raw)
		return 0, false
	}
	return v, true
}
