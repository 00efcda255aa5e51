package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"instrument-service/internal/discovery"
	instdriver "instrument-service/internal/driver"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/protocol/protocoltest"
	"instrument-service/internal/repository"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
	"instrument-service/pkg/devicetypes"
	"instrument-service/pkg/driver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sourceMetadata = "/dev/ttyUSB0 - FT232R USB UART - USB VID:PID=0403:6001 SER=A10K5ZQ1"

var sourceQueries = map[string]bool{"USN": true, "OUTA": true, "SCP": true, "CCT": true}

func acknowledge(cmd string) (string, bool) {
	if sourceQueries[cmd] {
		return "", false
	}
	return protocol.AckToken, true
}

type sink struct {
	mu     sync.Mutex
	events []*model.InstrumentEvent
}

func (s *sink) Publish(e *model.InstrumentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

type fixture struct {
	bus         *protocoltest.Bus
	source      *protocoltest.Endpoint
	events      *sink
	instruments *service.InstrumentService
	operations  *service.OperationService
	discovery   *service.DiscoveryService
}

func newFixture(t *testing.T, extra ...*protocoltest.Endpoint) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	source := protocoltest.NewEndpoint("/dev/ttyUSB0", sourceMetadata).
		Reply("USN", "RS7-1042").
		Handle(acknowledge)
	bus := protocoltest.NewBus(model.InterfaceSerial, []int{9600, 115200}, append(extra, source)...)
	transports := protocol.Transports{model.InterfaceSerial: protocol.NewTransport(bus)}

	engine := discovery.NewEngine(transports, discovery.Config{
		ReadSize:       100,
		ProbeTimeout:   10 * time.Millisecond,
		SessionTimeout: 20 * time.Millisecond,
	}, discovery.LogObserver(logger))

	registry := instdriver.NewRegistry(logger)
	instdriver.RegisterDefaultDrivers(registry, logger)

	catalog := model.DefaultCatalog()
	instrumentRepo := repository.NewInstrumentRepository(logger)
	operationRepo := repository.NewOperationRepository(50, logger)
	events := &sink{}

	instruments := service.NewInstrumentService(instrumentRepo, operationRepo, catalog, engine, registry,
		service.InstrumentOptions{Driver: base.Options{RetryCount: 3}, DiscoveryTimeout: time.Second}, events, logger)

	f := &fixture{
		bus:         bus,
		source:      source,
		events:      events,
		instruments: instruments,
		operations:  service.NewOperationService(instruments, operationRepo, time.Second, events, logger),
		discovery:   service.NewDiscoveryService(discovery.NewScannerManager(transports, logger), catalog, registry, logger),
	}
	t.Cleanup(func() { _ = instruments.Shutdown(context.Background()) })
	return f
}

func (f *fixture) connect(t *testing.T) *model.Instrument {
	t.Helper()
	inst, err := f.instruments.Connect(context.Background(), &devicetypes.ConnectRequest{Model: "RS-7-1"})
	require.NoError(t, err)
	return inst
}

func TestConnectOpensDriver(t *testing.T) {
	f := newFixture(t, protocoltest.NewEndpoint("/dev/ttyS0", "/dev/ttyS0"))
	inst := f.connect(t)

	assert.Equal(t, "RS-7-1", inst.Model)
	assert.Equal(t, "RS7-1042", inst.DeviceID)
	assert.Equal(t, "/dev/ttyUSB0", inst.Address)
	assert.Equal(t, model.InstrumentStatusReady, inst.Status)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, f.bus.OpenAddresses())
	assert.Contains(t, f.source.Writes(), "STM0")
	assert.Equal(t, []model.EventType{model.EventInstrumentConnected}, f.events.types())

	list, err := f.instruments.ListInstruments(context.Background(), &repository.InstrumentFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inst.ID, list[0].ID)

	info, actions, err := f.instruments.GetInfo(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "RS7-1042", info.DeviceID)
	assert.NotEmpty(t, actions)
}

func TestConnectUnknownModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.instruments.Connect(context.Background(), &devicetypes.ConnectRequest{Model: "XYZ-1"})
	assert.True(t, errors.Is(err, driver.ErrUnknownModel))
	assert.Empty(t, f.bus.Opens())
}

func TestConnectSerialMismatchFindsNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.instruments.Connect(context.Background(), &devicetypes.ConnectRequest{Model: "RS-7-1", Serial: "9999"})
	require.Error(t, err)
	assert.False(t, f.bus.AnyOpen())

	list, err := f.instruments.ListInstruments(context.Background(), &repository.InstrumentFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestQueryAndSend(t *testing.T) {
	f := newFixture(t)
	f.source.Reply("OUTA", "42.000")
	inst := f.connect(t)
	ctx := context.Background()

	resp, err := f.operations.Query(ctx, inst.ID, "OUTA")
	require.NoError(t, err)
	assert.Equal(t, "42.000", resp.Response)

	_, err = f.operations.Send(ctx, inst.ID, "OUT5")
	require.NoError(t, err)

	ops, err := f.operations.ListOperations(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OperationTypeSend, ops[0].OperationType)
	assert.Equal(t, model.OperationTypeQuery, ops[1].OperationType)
	assert.Equal(t, "42.000", ops[1].Response)

	assert.Contains(t, f.events.types(), model.EventOperationCompleted)
}

func TestRejectedSendMarksInstrumentError(t *testing.T) {
	f := newFixture(t)
	inst := f.connect(t)
	f.source.Reply("OUT5", "Err")
	ctx := context.Background()

	_, err := f.operations.Send(ctx, inst.ID, "OUT5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrOperation))

	got, err := f.instruments.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentStatusError, got.Status)
	require.NotNil(t, got.LastError)

	f.source.Reply("OUT5", protocol.AckToken)
	_, err = f.operations.Send(ctx, inst.ID, "OUT5")
	require.NoError(t, err)
	got, err = f.instruments.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentStatusReady, got.Status)

	health, err := f.operations.GetHealth(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, health.Operations.TotalOps)
	assert.Equal(t, 1, health.Operations.ErrorCount)
	assert.Contains(t, f.events.types(), model.EventOperationFailed)
}

func TestInvalidCommandIsNotSent(t *testing.T) {
	f := newFixture(t)
	inst := f.connect(t)
	ctx := context.Background()
	before := len(f.source.Writes())

	_, err := f.operations.Query(ctx, inst.ID, " ")
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	_, err = f.operations.Send(ctx, inst.ID, "OUT5\r\nOUT6")
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	_, err = f.operations.ExecuteAction(ctx, inst.ID, &devicetypes.ActionRequest{Action: "strobe"})
	assert.True(t, errors.Is(err, driver.ErrUnsupportedAction))

	assert.Len(t, f.source.Writes(), before)

	got, err := f.instruments.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentStatusReady, got.Status)
}

func TestOperationCarriesRequestID(t *testing.T) {
	f := newFixture(t)
	inst := f.connect(t)
	requestID := "6f1c2a8e-0d4b-4f7a-9a3e-2b1c5d6e7f80"
	ctx := context.WithValue(context.Background(), utils.RequestIDKey, requestID)

	_, err := f.operations.Send(ctx, inst.ID, "OUT5")
	require.NoError(t, err)

	ops, err := f.operations.ListOperations(ctx, inst.ID, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].CorrelationID)
	assert.Equal(t, requestID, ops[0].CorrelationID.String())
}

func TestCloseInstrument(t *testing.T) {
	f := newFixture(t)
	inst := f.connect(t)
	ctx := context.Background()

	require.NoError(t, f.instruments.CloseInstrument(ctx, inst.ID))
	writes := f.source.Writes()
	assert.Equal(t, "SCP 0,0", writes[len(writes)-1])
	assert.False(t, f.source.IsOpen())
	assert.Contains(t, f.events.types(), model.EventInstrumentClosed)

	_, err := f.instruments.GetInstrument(ctx, inst.ID)
	assert.True(t, errors.Is(err, driver.ErrInstrumentNotFound))
	_, err = f.operations.Query(ctx, inst.ID, "OUTA")
	assert.True(t, errors.Is(err, driver.ErrInstrumentNotFound))
	assert.True(t, errors.Is(f.instruments.CloseInstrument(ctx, inst.ID), driver.ErrInstrumentNotFound))

	// the port is free again
	again := f.connect(t)
	assert.NotEqual(t, inst.ID, again.ID)
}

func TestShutdownClosesEverything(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.instruments.Shutdown(context.Background()))
	assert.False(t, f.bus.AnyOpen())

	stats, err := f.instruments.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalInstruments)
}

func TestListPortsTargetsModel(t *testing.T) {
	f := newFixture(t, protocoltest.NewEndpoint("/dev/ttyS0", "/dev/ttyS0"))
	ctx := context.Background()

	ports, err := f.discovery.ListPorts(ctx, &service.PortFilter{})
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyS0", ports[0].Address)
	assert.False(t, ports[0].Targeted)

	ports, err = f.discovery.ListPorts(ctx, &service.PortFilter{Model: "RS-7-1"})
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Address)
	assert.True(t, ports[0].Targeted)
	assert.False(t, ports[1].Targeted)
	assert.Empty(t, f.bus.Opens())

	_, err = f.discovery.ListPorts(ctx, &service.PortFilter{Model: "RS-7-1", Interface: "visa"})
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	_, err = f.discovery.ListPorts(ctx, &service.PortFilter{Interface: "gpib"})
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	_, err = f.discovery.ListPorts(ctx, &service.PortFilter{Model: "XYZ-1"})
	assert.True(t, errors.Is(err, driver.ErrUnknownModel))
}

func TestModels(t *testing.T) {
	f := newFixture(t)

	models := f.discovery.ListModels()
	require.Len(t, models, model.DefaultCatalog().Len())
	for _, m := range models {
		assert.True(t, m.HasDriver, m.Model)
		assert.NotEmpty(t, m.Capabilities, m.Model)
	}

	m, err := f.discovery.GetModel("RS-7-1")
	require.NoError(t, err)
	assert.Equal(t, "0403", m.VendorID)
	assert.Equal(t, "Gamma Scientific", m.Manufacturer)

	_, err = f.discovery.GetModel("XYZ-1")
	assert.True(t, errors.Is(err, driver.ErrUnknownModel))
}
