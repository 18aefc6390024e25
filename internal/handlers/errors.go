package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ekyc/internal/logging"
)

type errorMapping struct {
	status int
	kind   string
}

var errorKinds = map[error]errorMapping{
	logging.ErrValidation:           {http.StatusBadRequest, "validation"},
	logging.ErrNotFound:             {http.StatusNotFound, "not_found"},
	logging.ErrInFlight:             {http.StatusConflict, "in_flight"},
	logging.ErrExtractionIncomplete: {http.StatusUnprocessableEntity, "extraction_incomplete"},
	logging.ErrService:              {http.StatusBadGateway, "service_unavailable"},
	logging.ErrPersistence:          {http.StatusInternalServerError, "persistence"},
}

// writeError maps an error kind to its status and logs server-side failures.
func writeError(c *gin.Context, err error) {
	mapping, ok := errorKinds[logging.Kind(err)]
	if !ok {
		mapping = errorMapping{http.StatusInternalServerError, "internal"}
	}

	if mapping.status >= http.StatusInternalServerError {
		logger := requestLogger(c)
		var opErr *logging.OperationError
		if errors.As(err, &opErr) {
			logger = logging.WithOperation(logger, opErr.Operation, opErr.RequestID)
		}
		logger.Error("request failed", zap.Error(err))
	}

	c.JSON(mapping.status, gin.H{"error": err.Error(), "kind": mapping.kind})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "kind": "validation"})
}
