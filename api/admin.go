package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/cqrs/dlq"
	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/projections"
	"example.com/backstage/cqrs/saga"
)

func (s *Server) getAggregate(c *gin.Context) {
	agg, err := s.engine.Repository().Load(c.Request.Context(), c.Param("id"), c.Param("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !agg.Exists() {
		c.JSON(http.StatusNotFound, gin.H{"error": "aggregate not found"})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) getAggregateEvents(c *gin.Context) {
	events, err := s.engine.Store().EventsForAggregate(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	filtered := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if ev.AggregateType == c.Param("type") {
			filtered = append(filtered, ev)
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": filtered})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	var entries []dlq.Entry
	if c.Query("unresolved") == "true" {
		entries = s.engine.DeadLetters().Unresolved()
	} else {
		entries = s.engine.DeadLetters().Entries()
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"unresolved": s.engine.DeadLetters().Size(),
	})
}

func (s *Server) resolveDeadLetter(c *gin.Context) {
	if err := s.engine.DeadLetters().Resolve(c.Param("id")); err != nil {
		if errors.Is(err, dlq.ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryDeadLetters(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	c.JSON(http.StatusOK, s.engine.RetryDeadLetters(ctx))
}

func (s *Server) listSagas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.engine.Sagas().Instances()})
}

func (s *Server) listActiveSagas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": s.engine.Sagas().ActiveInstances()})
}

func (s *Server) getSagaInstance(c *gin.Context) {
	sc, ok := s.engine.Sagas().Instance(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga instance not found"})
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) startSaga(c *gin.Context) {
	var data domain.Payload
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	sc, err := s.engine.StartSaga(ctx, c.Param("sagaId"), data)
	if err != nil {
		if errors.Is(err, saga.ErrUnknownSaga) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if sc.Status == saga.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, sc)
}

func (s *Server) listProjections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projections": s.engine.Projections().Names()})
}

func (s *Server) getProjection(c *gin.Context) {
	name := c.Param("name")
	state, ok := s.engine.Projections().State(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "projection not found"})
		return
	}
	position, _ := s.engine.Projections().Position(name)
	c.JSON(http.StatusOK, gin.H{
		"name":     name,
		"position": position,
		"state":    state,
	})
}

func (s *Server) rebuildProjection(c *gin.Context) {
	name := c.Param("name")
	if err := s.engine.RebuildProjection(c.Request.Context(), name); err != nil {
		if errors.Is(err, projections.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	position, _ := s.engine.Projections().Position(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "position": position})
}
