package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"instrument-service/internal/config"
	"instrument-service/internal/middleware"
	"instrument-service/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	var fromContext interface{}
	router.GET("/", func(c *gin.Context) {
		fromContext = c.Request.Context().Value(utils.RequestIDKey)
		c.Status(http.StatusNoContent)
	})

	t.Run("keeps client uuid", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(middleware.RequestIDHeader, id)

		rec := serve(router, req)
		assert.Equal(t, id, rec.Header().Get(middleware.RequestIDHeader))
		assert.Equal(t, id, fromContext)
	})

	t.Run("replaces anything else", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(middleware.RequestIDHeader, "not-a-uuid")

		rec := serve(router, req)
		got := rec.Header().Get(middleware.RequestIDHeader)
		assert.NotEqual(t, "not-a-uuid", got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
		assert.Equal(t, got, fromContext)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(zap.New(core)))
	router.Use(middleware.RequestIDMiddleware())
	router.GET("/panic", func(c *gin.Context) {
		panic("lamp exploded")
	})

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", resp.Error.Code)
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), resp.RequestID)

	entries := logs.FilterMessage("Panic recovered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, resp.RequestID, entries[0].ContextMap()["request_id"])
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(utils.NewServiceLogger(zap.New(core), "http-server")))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(router, httptest.NewRequest(http.MethodGet, "/ok", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.FilterMessage("API request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
	assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.EqualValues(t, http.StatusNotFound, entries[1].ContextMap()["status_code"])
}

func TestCORSMiddleware(t *testing.T) {
	newRouter := func(origins []string) *gin.Engine {
		router := gin.New()
		router.Use(middleware.CORSMiddleware(&config.ServerConfig{AllowedOrigins: origins}))
		router.GET("/models", func(c *gin.Context) { c.Status(http.StatusOK) })
		return router
	}
	request := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/models", nil)
		req.Header.Set("Origin", origin)
		return req
	}

	rec := serve(newRouter([]string{"*"}), request("http://lab.local"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	restricted := newRouter([]string{"http://lab.local"})
	rec = serve(restricted, request("http://lab.local"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://lab.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(restricted, request("http://elsewhere.local"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
