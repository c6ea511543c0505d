package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// CommandRequest is the body of POST /api/v1/commands
type CommandRequest struct {
	CommandType string                 `json:"commandType" binding:"required"`
	AggregateID string                 `json:"aggregateId"`
	Payload     domain.Payload         `json:"payload"`
	Metadata    domain.CommandMetadata `json:"metadata"`
}

// CommandResponse reports a dispatch outcome
type CommandResponse struct {
	CommandID   string         `json:"commandId"`
	AggregateID string         `json:"aggregateId"`
	Success     bool           `json:"success"`
	Version     int            `json:"version"`
	Events      []domain.Event `json:"events,omitempty"`
	Retriable   bool           `json:"retriable,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// QueryRequest is the body of POST /api/v1/queries
type QueryRequest struct {
	QueryType string               `json:"queryType" binding:"required"`
	Params    domain.Payload       `json:"params"`
	Metadata  domain.QueryMetadata `json:"metadata"`
}

func (s *Server) dispatchCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// If AggregateID is not provided, generate a new one
	if req.AggregateID == "" {
		req.AggregateID = uuid.New().String()
	}

	cmd := domain.NewCommand(req.CommandType, req.AggregateID, req.Payload)
	cmd.Metadata = req.Metadata
	// Correlate with the HTTP request unless the caller supplied an id
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = c.GetString(requestIDKey)
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result := s.engine.Dispatch(ctx, cmd)
	resp := CommandResponse{
		CommandID:   cmd.ID,
		AggregateID: cmd.AggregateID,
		Success:     result.Success,
		Version:     result.Version,
		Events:      result.Events,
		Retriable:   result.Retriable,
		Error:       result.Error(),
	}

	if !result.Success {
		log.Warn().Err(result.Err).Str("commandType", cmd.Type).Msg("Command failed")
	}
	c.JSON(commandStatus(result), resp)
}

func commandStatus(result domain.CommandResult) int {
	switch {
	case result.Success:
		return http.StatusOK
	case errors.Is(result.Err, domain.ErrHandlerNotFound):
		return http.StatusNotFound
	case errors.Is(result.Err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case result.Retriable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) runQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q := domain.NewQuery(req.QueryType, req.Params)
	q.Metadata = req.Metadata
	if q.Metadata.Consistency == "" {
		q.Metadata.Consistency = domain.ConsistencyEventual
	}
	if q.Metadata.CorrelationID == "" {
		q.Metadata.CorrelationID = c.GetString(requestIDKey)
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.engine.Query(ctx, q)
	if err != nil {
		c.JSON(queryStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrHandlerNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAborted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
