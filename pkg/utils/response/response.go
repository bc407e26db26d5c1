package response

import (
	"net/http"

	"invoker/pkg/errors"
	"invoker/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrorIDHeader carries the correlation id of a failed request.
const ErrorIDHeader = "Error-UUID"

// Success sends data as a JSON body with status 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Error logs err under a fresh error id and answers with status, the
// Error-UUID header and an empty body. Error details never reach the caller.
func Error(c *gin.Context, status int, err error) uuid.UUID {
	errorID := uuid.New()
	fields := []zap.Field{
		zap.String("error_id", errorID.String()),
		zap.Int("status", status),
		zap.Int("code", int(errors.GetCode(err))),
		zap.Error(err),
	}
	if e := errors.GetError(err); e != nil && e.Stack != "" {
		fields = append(fields, zap.String("stack", e.Stack))
	}
	logger.Error(c.Request.Context(), "request failed", fields...)

	c.Header(ErrorIDHeader, errorID.String())
	c.AbortWithStatus(status)
	return errorID
}

// InternalError is Error with status 500.
func InternalError(c *gin.Context, err error) uuid.UUID {
	return Error(c, http.StatusInternalServerError, err)
}
