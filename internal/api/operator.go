package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.Engine.Positions()})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": s.Engine.Snapshot()})
}

func (s *Server) getExecutions(c *gin.Context) {
	rows, err := s.DB.ListExecutions(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows})
}

func (s *Server) getOrders(c *gin.Context) {
	rows, err := s.DB.ListOrders(c.Request.Context(), c.Query("instrument"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

func (s *Server) getDrift(c *gin.Context) {
	rows, err := s.DB.ListDriftEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"drift_events": rows})
}

func (s *Server) reconcile(c *gin.Context) {
	instrument := c.Param("instrument")
	pos, err := s.Engine.Reconcile(c.Request.Context(), instrument)
	if err != nil {
		s.log.Warn().Err(err).Str("instrument", instrument).Str("operator", CurrentOperator(c)).Msg("manual reconcile failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("instrument", instrument).Str("operator", CurrentOperator(c)).Msg("manual reconcile")
	c.JSON(http.StatusOK, gin.H{"position": pos})
}
