package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kiosklink/internal/core/domain"
	"kiosklink/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with a request id and the
// pairing key it addresses, then logs it once the handler returns.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		ctx := logger.WithRequestID(c.Request.Context(), id)
		key := c.Query("pairId")
		if key == "" {
			key = c.Param("pairId")
		}
		if key != "" {
			ctx = logger.WithPairingKey(ctx, domain.PairingKey(key))
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
