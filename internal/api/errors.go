package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/middleware"
)

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RequestID     string `json:"request_id"`
	ProcedureCode string `json:"procedure_code,omitempty"`
	CriterionID   string `json:"criterion_id,omitempty"`
}

var errTooLarge = errors.New("request body too large")

func invalidInput(message string) error {
	return domain.NewPipelineError(domain.KindInvalidInput, message, nil)
}

func requestID(c *gin.Context) string {
	return middleware.GetRequestID(c)
}

// writeError maps an error to a status code and the shared error body.
// Internal errors are logged with their cause and reported generically.
func (s *Server) writeError(c *gin.Context, err error) {
	status, body := classify(err)
	body.RequestID = requestID(c)

	entry := s.logger.WithError(err).WithField("request_id", body.RequestID).WithField("code", body.Code)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, errorResponse) {
	var ve *domain.ValidationError

	switch {
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{Code: "PAYLOAD_TOO_LARGE", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Code: "TIMEOUT", Message: "request timed out"}
	}

	if pe, ok := domain.AsPipelineError(err); ok {
		return pe.Kind.HTTPStatus(), errorResponse{
			Code:          string(pe.Kind),
			Message:       pe.Message,
			ProcedureCode: pe.ProcedureCode,
			CriterionID:   pe.CriterionID,
		}
	}

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorResponse{Code: string(domain.KindInvalidInput), Message: ve.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, errorResponse{Code: "ALREADY_EXISTS", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal server error"}
	}
}
