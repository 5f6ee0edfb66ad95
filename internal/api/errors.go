package api

import (
	"errors"
	"fmt"
	"net/http"

	"flagsync/internal/service"
	"flagsync/internal/traitvalue"
	"flagsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	msgPersistenceDisabled = "Organisation is not authorised to store traits."
	msgClientWriteDenied   = "Setting traits not allowed with client key."
)

// statusOf maps a service error onto an HTTP status and response body.
func statusOf(err error) (int, any) {
	var fe *service.FieldError
	switch {
	case errors.Is(err, service.ErrPersistenceDisabled):
		return http.StatusForbidden, gin.H{"detail": msgPersistenceDisabled}
	case errors.Is(err, service.ErrWriteNotPermitted):
		return http.StatusBadRequest, gin.H{"detail": msgClientWriteDenied}
	case errors.As(err, &fe):
		return http.StatusBadRequest, gin.H{fe.Field: []string{fieldMessage(fe.Err)}}
	case errors.Is(err, service.ErrTypeMismatch):
		return http.StatusBadRequest, gin.H{"detail": "Trait value is not an integer."}
	case errors.Is(err, service.ErrTraitNotFound),
		errors.Is(err, service.ErrIdentityNotFound),
		errors.Is(err, service.ErrFeatureNotFound),
		errors.Is(err, service.ErrVersionNotFound),
		errors.Is(err, service.ErrNoLiveVersion):
		return http.StatusNotFound, gin.H{"detail": err.Error()}
	case errors.Is(err, service.ErrVersionAlreadyPublished):
		return http.StatusConflict, gin.H{"detail": err.Error()}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal server error"}
}

func fieldMessage(err error) string {
	var le *traitvalue.LengthError
	switch {
	case errors.As(err, &le):
		return fmt.Sprintf("Value string is too long. Must be less than %d character", le.Limit)
	case errors.Is(err, service.ErrRequired):
		return "This field is required."
	}
	return err.Error()
}

func writeError(c *gin.Context, err error) {
	code, body := statusOf(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", service.TraceID(c.Request.Context())),
			zap.Error(err),
		)
	}
	c.JSON(code, body)
}
