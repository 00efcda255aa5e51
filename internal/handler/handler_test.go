package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	instdriver "instrument-service/internal/driver"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/handler"
	"instrument-service/internal/middleware"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/protocol/protocoltest"
	"instrument-service/internal/repository"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Error     *utils.APIError `json:"error"`
	RequestID string          `json:"request_id"`
}

type server struct {
	router *gin.Engine
	source *protocoltest.Endpoint
	bus    *handler.EventBus
	ws     *handler.WebSocketHandler
}

func acknowledge(cmd string) (string, bool) {
	switch cmd {
	case "USN", "OUTA", "SCP", "CCT":
		return "", false
	}
	return protocol.AckToken, true
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	source := protocoltest.NewEndpoint("/dev/ttyUSB0", "/dev/ttyUSB0 - FT232R USB UART - USB VID:PID=0403:6001").
		Reply("USN", "RS7-1042").
		Reply("OUTA", "12.500").
		Handle(acknowledge)
	transports := protocol.Transports{
		model.InterfaceSerial: protocol.NewTransport(protocoltest.NewBus(model.InterfaceSerial, nil, source)),
	}

	eventBus := handler.NewEventBus(logger)
	engine := discovery.NewEngine(transports, discovery.Config{
		ReadSize:       100,
		ProbeTimeout:   10 * time.Millisecond,
		SessionTimeout: 20 * time.Millisecond,
	}, discovery.Observers{discovery.LogObserver(logger), eventBus})

	registry := instdriver.NewRegistry(logger)
	instdriver.RegisterDefaultDrivers(registry, logger)
	catalog := model.DefaultCatalog()
	instrumentRepo := repository.NewInstrumentRepository(logger)
	operationRepo := repository.NewOperationRepository(20, logger)
	scanner := discovery.NewScannerManager(transports, logger)

	instruments := service.NewInstrumentService(instrumentRepo, operationRepo, catalog, engine, registry,
		service.InstrumentOptions{Driver: base.Options{RetryCount: 3}}, eventBus, logger)
	operations := service.NewOperationService(instruments, operationRepo, time.Second, eventBus, logger)
	discoveries := service.NewDiscoveryService(scanner, catalog, registry, logger)
	ws := handler.NewWebSocketHandler(eventBus, operations, nil, logger)
	t.Cleanup(func() { _ = instruments.Shutdown(context.Background()) })

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	cfg := &config.Config{App: config.AppConfig{Name: "instrument-service", Version: "test"}}
	handler.NewHealthHandler(cfg, scanner, instruments, ws, logger).RegisterRoutes(router)
	api := router.Group("/api/v1")
	handler.NewDiscoveryHandler(discoveries, logger).RegisterRoutes(api)
	handler.NewInstrumentHandler(instruments, logger).RegisterRoutes(api)
	handler.NewOperationHandler(operations, logger).RegisterRoutes(api)
	ws.RegisterRoutes(router)

	return &server{router: router, source: source, bus: eventBus, ws: ws}
}

func (s *server) do(t *testing.T, method, path string, body interface{}) (int, *envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, &env
}

func (s *server) connect(t *testing.T) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/instruments", map[string]string{"model": "RS-7-1"})
	require.Equal(t, http.StatusCreated, code, env.Message)

	var inst model.Instrument
	require.NoError(t, json.Unmarshal(env.Data, &inst))
	return inst.ID.String()
}

func TestConnectQueryClose(t *testing.T) {
	s := newServer(t)
	id := s.connect(t)

	code, env := s.do(t, http.MethodPost, "/api/v1/instruments/"+id+"/query", map[string]string{"command": "OUTA"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	var resp struct {
		Response string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "12.500", resp.Response)

	code, _ = s.do(t, http.MethodGet, "/api/v1/instruments/"+id, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/operations", nil)
	require.Equal(t, http.StatusOK, code)
	var ops struct {
		Operations []model.InstrumentOperation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ops))
	require.Len(t, ops.Operations, 1)
	require.NotNil(t, ops.Operations[0].CorrelationID)

	code, _ = s.do(t, http.MethodDelete, "/api/v1/instruments/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, s.source.IsOpen())

	code, env = s.do(t, http.MethodGet, "/api/v1/instruments/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestErrorStatusCodes(t *testing.T) {
	s := newServer(t)
	id := s.connect(t)
	s.source.Reply("OUT5", "Err")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown model", http.MethodPost, "/api/v1/instruments", map[string]string{"model": "XYZ-1"}, http.StatusBadRequest, "UNKNOWN_MODEL"},
		{"missing model", http.MethodPost, "/api/v1/instruments", map[string]string{}, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad id", http.MethodPost, "/api/v1/instruments/nope/query", map[string]string{"command": "OUTA"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown id", http.MethodPost, "/api/v1/instruments/6f1c2a8e-0d4b-4f7a-9a3e-2b1c5d6e7f80/query", map[string]string{"command": "OUTA"}, http.StatusNotFound, "NOT_FOUND"},
		{"not acknowledged", http.MethodPost, "/api/v1/instruments/" + id + "/send", map[string]string{"command": "OUT5"}, http.StatusBadGateway, "OPERATION_FAILED"},
		{"no reply", http.MethodPost, "/api/v1/instruments/" + id + "/query", map[string]string{"command": "CCT"}, http.StatusGatewayTimeout, "NO_RESPONSE"},
		{"unsupported action", http.MethodPost, "/api/v1/instruments/" + id + "/actions", map[string]string{"action": "strobe"}, http.StatusBadRequest, "UNSUPPORTED_ACTION"},
		{"multi-line command", http.MethodPost, "/api/v1/instruments/" + id + "/write", map[string]string{"command": "A\nB"}, http.StatusBadRequest, "INVALID_PARAMETER"},
		{"unknown model info", http.MethodGet, "/api/v1/models/XYZ-1", nil, http.StatusBadRequest, "UNKNOWN_MODEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.False(t, env.Success)
		})
	}
}

func TestActionAndStatus(t *testing.T) {
	s := newServer(t)
	id := s.connect(t)

	code, env := s.do(t, http.MethodPost, "/api/v1/instruments/"+id+"/actions", map[string]interface{}{
		"action": "set_feedback",
		"params": map[string]interface{}{"enabled": true},
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Contains(t, s.source.Writes(), "FBK1")

	code, env = s.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = s.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, code)
	var health struct {
		Operations struct {
			TotalOps int `json:"total_operations"`
		} `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, 1, health.Operations.TotalOps)
}

func TestPortsAndModels(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, http.MethodGet, "/api/v1/ports?model=RS-7-1", nil)
	require.Equal(t, http.StatusOK, code)
	var ports struct {
		Found int `json:"ports_found"`
		Ports []struct {
			Address  string `json:"address"`
			Targeted bool   `json:"targeted"`
		} `json:"ports"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ports))
	require.Equal(t, 1, ports.Found)
	assert.True(t, ports.Ports[0].Targeted)

	code, env = s.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, code)
	var models []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &models))
	assert.Len(t, models, model.DefaultCatalog().Len())

	code, _ = s.do(t, http.MethodGet, "/api/v1/ports?interface=gpib", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newServer(t)
	requestID := "6f1c2a8e-0d4b-4f7a-9a3e-2b1c5d6e7f80"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set(middleware.RequestIDHeader, requestID)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, requestID, rec.Header().Get(middleware.RequestIDHeader))
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, requestID, env.RequestID)
}
