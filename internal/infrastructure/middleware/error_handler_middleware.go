package middleware

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/pkg/errors"
)

// ErrorHandlerMiddleware renders the last error attached to the context as
// a JSON error body. Domain sentinels map to their HTTP status; anything
// else is an internal error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := toAppError(err)

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		body := gin.H{
			"error": appErr.Message,
			"code":  string(appErr.Code),
		}
		if len(appErr.Context) > 0 {
			body["context"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrInvalidPairingKey), stderrors.Is(err, domain.ErrUnknownProvider):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrRelayUnavailable):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "relay store unavailable", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
					"code":  string(errors.ErrCodeInternal),
				})
			}
		}()

		c.Next()
	}
}
