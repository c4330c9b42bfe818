package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/pkg/errors"
)

func errorRouter(err error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(RecoveryMiddleware(logger), TracingMiddleware(), ErrorHandlerMiddleware(logger))
	router.GET("/fail", func(c *gin.Context) {
		_ = c.Error(err)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return router
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandlerMiddleware_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   errors.ErrorCode
	}{
		{"app error", errors.NewInvalidInputError("pairId required"), http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"invalid key", fmt.Errorf("%w: too long", domain.ErrInvalidPairingKey), http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"not found", domain.ErrNotFound, http.StatusNotFound, errors.ErrCodeNotFound},
		{"store down", fmt.Errorf("set offer: %w", domain.ErrRelayUnavailable), http.StatusServiceUnavailable, errors.ErrCodeServiceUnavailable},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError, errors.ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/fail?pairId=lane-1", nil)
			errorRouter(tc.err).ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, string(tc.code), decode(t, w)["code"])
		})
	}
}

func TestErrorHandlerMiddleware_IncludesContext(t *testing.T) {
	err := errors.NewInvalidInputError("bad role").WithContext("role", "manager")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fail", nil)
	errorRouter(err).ServeHTTP(w, req)

	body := decode(t, w)
	assert.Equal(t, "bad role", body["error"])
	assert.Equal(t, map[string]interface{}{"role": "manager"}, body["context"])
}

func TestRecoveryMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/panic", nil)
	errorRouter(nil).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(errors.ErrCodeInternal), decode(t, w)["code"])
}
