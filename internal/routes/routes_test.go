package routes_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	"instrument-service/internal/routes"
	"instrument-service/internal/service"
)

func TestSetupRouter(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := &config.Config{
		App: config.AppConfig{Name: "instrument-service", Version: "test", Environment: "production"},
	}

	source := protocoltest.NewEndpoint("/dev/ttyUSB0", "FT232R USB UART - USB VID:PID=0403:6001")
	transports := protocol.Transports{
		model.InterfaceSerial: protocol.NewTransport(protocoltest.NewBus(model.InterfaceSerial, nil, source)),
	}
	catalog := model.DefaultCatalog()
	eventBus := handler.NewEventBus(logger)
	engine := discovery.NewEngine(transports, discovery.Config{
		ReadSize:     100,
		ProbeTimeout: 10 * time.Millisecond,
	}, eventBus)
	registry := instdriver.NewRegistry(logger)
	instdriver.RegisterDefaultDrivers(registry, logger)
	operationRepo := repository.NewOperationRepository(10, logger)
	scanner := discovery.NewScannerManager(transports, logger)

	instruments := service.NewInstrumentService(repository.NewInstrumentRepository(logger), operationRepo,
		catalog, engine, registry, service.InstrumentOptions{Driver: base.Options{}}, eventBus, logger)
	t.Cleanup(func() { _ = instruments.Shutdown(context.Background()) })
	operations := service.NewOperationService(instruments, operationRepo, time.Second, eventBus, logger)
	discoveries := service.NewDiscoveryService(scanner, catalog, registry, logger)
	ws := handler.NewWebSocketHandler(eventBus, operations, nil, logger)

	router := routes.NewRouter(cfg, logger, scanner, instruments, operations, discoveries, ws).SetupRouter()

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/live", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/v1/models", http.StatusOK},
		{http.MethodGet, "/api/v1/models/PM100D", http.StatusOK},
		{http.MethodGet, "/api/v1/ports", http.StatusOK},
		{http.MethodGet, "/api/v1/instruments", http.StatusOK},
		{http.MethodGet, "/api/v1/instruments/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/devices", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Origin", "http://lab.local")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	require.False(t, source.IsOpen())
}
