// internal/protocol/usb_connection.go
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

// USB-TMC interface identification (USBTMC 1.0, table 43)
const (
	usbtmcClass    = gousb.Class(0xFE)
	usbtmcSubClass = gousb.Class(0x03)

	msgDevDepMsgOut       = 1
	msgRequestDevDepIn    = 2
	usbtmcHeaderSize      = 12
	defaultUSBMaxTransfer = 4096

	// class requests (USBTMC 1.0, table 15)
	usbtmcRequestIn           = 0xA2 // device-to-host, class, endpoint
	reqInitiateAbortBulkIn    = 3
	reqCheckAbortBulkInStatus = 4

	usbtmcStatusSuccess = 0x01
	usbtmcStatusPending = 0x02

	abortPolls        = 10
	abortPollInterval = 10 * time.Millisecond
)

// usbBulkIn, usbBulkOut and usbControl are the parts of gousb a port uses
type usbBulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type usbBulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type usbControl interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// USBTMCBus enumerates and opens USB-TMC instruments as VISA USB resources
type USBTMCBus struct {
	config *USBConfig
	logger *zap.Logger
}

// NewUSBTMCBus creates a new USB-TMC resource lister/opener
func NewUSBTMCBus(config *USBConfig, logger *zap.Logger) *USBTMCBus {
	if config == nil {
		config = &USBConfig{Enabled: true, AutoDetach: true}
	}
	return &USBTMCBus{
		config: config,
		logger: logger.With(zap.String("protocol", "usbtmc")),
	}
}

// usbResource is a parsed USB<n>::<vid>::<pid>::<serial>::INSTR resource
type usbResource struct {
	Board     int
	VendorID  gousb.ID
	ProductID gousb.ID
	Serial    string
}

func (r usbResource) String() string {
	return fmt.Sprintf("USB%d::0x%04X::0x%04X::%s::INSTR", r.Board, uint16(r.VendorID), uint16(r.ProductID), r.Serial)
}

// parseUSBResource parses a VISA USB INSTR resource string
func parseUSBResource(address string) (usbResource, error) {
	parts := strings.Split(address, "::")
	if len(parts) < 4 || !strings.HasPrefix(strings.ToUpper(parts[0]), "USB") {
		return usbResource{}, fmt.Errorf("not a USB resource: %s", address)
	}
	if len(parts) == 5 && !strings.EqualFold(parts[4], "INSTR") {
		return usbResource{}, fmt.Errorf("unsupported USB resource class: %s", parts[4])
	}

	board := 0
	if b := strings.TrimPrefix(strings.ToUpper(parts[0]), "USB"); b != "" {
		n, err := strconv.Atoi(b)
		if err != nil {
			return usbResource{}, fmt.Errorf("invalid USB board in %s: %w", address, err)
		}
		board = n
	}

	vid, err := parseHexID(parts[1])
	if err != nil {
		return usbResource{}, fmt.Errorf("invalid vendor ID: %w", err)
	}
	pid, err := parseHexID(parts[2])
	if err != nil {
		return usbResource{}, fmt.Errorf("invalid product ID: %w", err)
	}

	return usbResource{Board: board, VendorID: vid, ProductID: pid, Serial: parts[3]}, nil
}

// parseHexID parses hex ID string (0x1234 or 1234)
func parseHexID(hexStr string) (gousb.ID, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(hexStr), "0x")
	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(id), nil
}

// isUSBTMC reports whether any interface setting is USB-TMC
func isUSBTMC(desc *gousb.DeviceDesc) bool {
	_, _, ok := findUSBTMCSetting(desc)
	return ok
}

func findUSBTMCSetting(desc *gousb.DeviceDesc) (int, gousb.InterfaceSetting, bool) {
	for cfgNum, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == usbtmcClass && alt.SubClass == usbtmcSubClass {
					return cfgNum, alt, true
				}
			}
		}
	}
	return 0, gousb.InterfaceSetting{}, false
}

// deviceSerial returns the serial string, falling back to the bus location
func deviceSerial(dev *gousb.Device) string {
	sn, err := dev.SerialNumber()
	if err != nil || sn == "" {
		return fmt.Sprintf("B%dA%d", dev.Desc.Bus, dev.Desc.Address)
	}
	return sn
}

// List enumerates USB-TMC resources
func (ub *USBTMCBus) List(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			ub.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if ub.config.DebugLibUSB {
		usbCtx.Debug(3)
	}

	devices, err := usbCtx.OpenDevices(isUSBTMC)
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if err != nil {
		ub.logger.Warn("Some USB devices could not be opened", zap.Error(err))
	}

	candidates := make([]Candidate, 0, len(devices))
	for _, dev := range devices {
		res := usbResource{VendorID: dev.Desc.Vendor, ProductID: dev.Desc.Product, Serial: deviceSerial(dev)}
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()

		meta := []string{res.String()}
		if manufacturer != "" {
			meta = append(meta, manufacturer)
		}
		if product != "" {
			meta = append(meta, product)
		}
		candidates = append(candidates, Candidate{
			Address:  res.String(),
			Metadata: strings.Join(meta, " - "),
		})
	}

	ub.logger.Debug("USB-TMC resources enumerated", zap.Int("count", len(candidates)))
	return candidates, nil
}

// Open opens a USB-TMC resource and claims its bulk endpoints
func (ub *USBTMCBus) Open(ctx context.Context, address string, timeout time.Duration) (Port, error) {
	res, err := parseUSBResource(address)
	if err != nil {
		return nil, err
	}

	usbCtx := gousb.NewContext()
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == res.VendorID && desc.Product == res.ProductID && isUSBTMC(desc)
	})
	if err != nil && len(devices) == 0 {
		usbCtx.Close()
		return nil, mapUSBError(fmt.Errorf("failed to find USB device: %w", err))
	}

	var device *gousb.Device
	for _, d := range devices {
		if device == nil && deviceSerial(d) == res.Serial {
			device = d
			continue
		}
		d.Close()
	}
	if device == nil {
		usbCtx.Close()
		return nil, fmt.Errorf("USB device not found: %s", address)
	}

	port, err := ub.claim(device, timeout)
	if err != nil {
		device.Close()
		usbCtx.Close()
		return nil, err
	}
	port.ctx = usbCtx
	return port, nil
}

func (ub *USBTMCBus) claim(device *gousb.Device, timeout time.Duration) (*usbtmcPort, error) {
	if ub.config.AutoDetach {
		if err := device.SetAutoDetach(true); err != nil {
			ub.logger.Debug("Auto detach not supported", zap.Error(err))
		}
	}

	cfgNum, setting, ok := findUSBTMCSetting(device.Desc)
	if !ok {
		return nil, fmt.Errorf("device has no USB-TMC interface")
	}

	cfg, err := device.Config(cfgNum)
	if err != nil {
		return nil, mapUSBError(fmt.Errorf("failed to set configuration: %w", err))
	}

	intf, err := cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		cfg.Close()
		return nil, mapUSBError(fmt.Errorf("failed to claim interface: %w", err))
	}

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			in, err = intf.InEndpoint(ep.Number)
		case gousb.EndpointDirectionOut:
			out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			intf.Close()
			cfg.Close()
			return nil, fmt.Errorf("failed to open endpoint %d: %w", ep.Number, err)
		}
	}
	if in == nil || out == nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("USB-TMC interface lacks bulk endpoints")
	}

	maxTransfer := ub.config.MaxTransfer
	if maxTransfer <= 0 {
		maxTransfer = defaultUSBMaxTransfer
	}

	return &usbtmcPort{
		device:      device,
		config:      cfg,
		intf:        intf,
		in:          in,
		out:         out,
		control:     device,
		inAddress:   uint16(in.Desc.Address),
		timeout:     timeout,
		maxTransfer: maxTransfer,
	}, nil
}

func mapUSBError(err error) error {
	if errors.Is(err, gousb.ErrorBusy) || errors.Is(err, gousb.ErrorAccess) {
		return fmt.Errorf("%v: %w", err, ErrBusy)
	}
	return err
}

// usbtmcPort frames line I/O as USB-TMC bulk messages. Each transfer is
// requested whole and buffered, so a new REQUEST_DEV_DEP_MSG_IN goes out only
// once the previous payload has been consumed.
type usbtmcPort struct {
	mutex       sync.Mutex
	ctx         *gousb.Context
	device      *gousb.Device
	config      *gousb.Config
	intf        *gousb.Interface
	in          usbBulkIn
	out         usbBulkOut
	control     usbControl
	inAddress   uint16
	tag         byte
	timeout     time.Duration
	maxTransfer int
	pending     []byte
}

func (p *usbtmcPort) nextTag() byte {
	p.tag++
	if p.tag == 0 {
		p.tag = 1
	}
	return p.tag
}

// Write sends data as one DEV_DEP_MSG_OUT transfer with EOM set
func (p *usbtmcPort) Write(data []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.out.WriteContext(ctx, encodeDevDepMsgOut(p.nextTag(), data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Read returns buffered payload, requesting one DEV_DEP_MSG_IN transfer when
// the buffer is empty. A timed out request is aborted and reads 0 bytes.
func (p *usbtmcPort) Read(buf []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.pending) == 0 {
		if err := p.request(); err != nil {
			return 0, err
		}
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *usbtmcPort) request() error {
	tag := p.nextTag()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.out.WriteContext(ctx, encodeRequestDevDepMsgIn(tag, p.maxTransfer)); err != nil {
		if isUSBTimeout(err) {
			return nil
		}
		return err
	}

	raw := make([]byte, usbtmcHeaderSize+p.maxTransfer+3)
	n, err := p.in.ReadContext(ctx, raw)
	if err != nil {
		if !isUSBTimeout(err) {
			return err
		}
		if err := p.abortBulkIn(tag); err != nil {
			return fmt.Errorf("USB-TMC read timed out: %w", err)
		}
		return nil
	}

	payload, _, err := decodeDevDepMsgIn(raw[:n])
	if err != nil {
		return err
	}
	p.pending = payload
	return nil
}

// abortBulkIn withdraws the unanswered request with tag so a late reply is
// not taken for the answer to the next one
func (p *usbtmcPort) abortBulkIn(tag byte) error {
	status := make([]byte, 2)
	if _, err := p.control.Control(usbtmcRequestIn, reqInitiateAbortBulkIn, uint16(tag), p.inAddress, status); err != nil {
		return fmt.Errorf("initiate abort bulk-in: %w", err)
	}
	if status[0] != usbtmcStatusSuccess {
		// nothing queued for tag
		return nil
	}

	drain := true
	for range abortPolls {
		if drain {
			p.drainIn()
		}
		check := make([]byte, 8)
		if _, err := p.control.Control(usbtmcRequestIn, reqCheckAbortBulkInStatus, 0, p.inAddress, check); err != nil {
			return fmt.Errorf("check abort bulk-in status: %w", err)
		}
		if check[0] != usbtmcStatusPending {
			return nil
		}
		drain = check[1]&0x01 != 0
		time.Sleep(abortPollInterval)
	}
	return fmt.Errorf("bulk-in abort of tag %d still pending", tag)
}

// drainIn discards bulk-IN data up to and including a short packet
func (p *usbtmcPort) drainIn() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	raw := make([]byte, usbtmcHeaderSize+p.maxTransfer+3)
	for range abortPolls {
		n, err := p.in.ReadContext(ctx, raw)
		if err != nil || n < len(raw) {
			return
		}
	}
}

// ResetInputBuffer drops payload left over from the last transfer
func (p *usbtmcPort) ResetInputBuffer() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.pending = nil
	return nil
}

// SetReadTimeout sets the per-transfer timeout
func (p *usbtmcPort) SetReadTimeout(t time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.timeout = t
	return nil
}

// Close releases the interface, configuration, device and context
func (p *usbtmcPort) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}
	var errs []error
	if p.config != nil {
		errs = append(errs, p.config.Close())
		p.config = nil
	}
	if p.device != nil {
		errs = append(errs, p.device.Close())
		p.device = nil
	}
	if p.ctx != nil {
		errs = append(errs, p.ctx.Close())
		p.ctx = nil
	}
	return errors.Join(errs...)
}

func isUSBTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.ErrorTimeout) ||
		errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, gousb.TransferCancelled)
}

// encodeDevDepMsgOut builds a DEV_DEP_MSG_OUT bulk transfer padded to 4 bytes
func encodeDevDepMsgOut(tag byte, data []byte) []byte {
	size := usbtmcHeaderSize + len(data)
	padded := (size + 3) &^ 3
	buf := make([]byte, padded)
	buf[0] = msgDevDepMsgOut
	buf[1] = tag
	buf[2] = ^tag
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	buf[8] = 0x01 // EOM
	copy(buf[usbtmcHeaderSize:], data)
	return buf
}

// encodeRequestDevDepMsgIn builds a REQUEST_DEV_DEP_MSG_IN header
func encodeRequestDevDepMsgIn(tag byte, maxSize int) []byte {
	buf := make([]byte, usbtmcHeaderSize)
	buf[0] = msgRequestDevDepIn
	buf[1] = tag
	buf[2] = ^tag
	binary.LittleEndian.PutUint32(buf[4:8], uint32(maxSize))
	return buf
}

// decodeDevDepMsgIn strips the DEV_DEP_MSG_IN header and returns the payload
// and whether it ends the message (EOM)
func decodeDevDepMsgIn(raw []byte) ([]byte, bool, error) {
	if len(raw) < usbtmcHeaderSize {
		return nil, false, fmt.Errorf("short USB-TMC transfer: %d bytes", len(raw))
	}
	if raw[0] != msgRequestDevDepIn {
		return nil, false, fmt.Errorf("unexpected USB-TMC message id %d", raw[0])
	}
	if raw[1] != ^raw[2] {
		return nil, false, fmt.Errorf("corrupt USB-TMC tag")
	}
	size := int(binary.LittleEndian.Uint32(raw[4:8]))
	size = min(size, len(raw)-usbtmcHeaderSize)
	return raw[usbtmcHeaderSize : usbtmcHeaderSize+size], raw[8]&0x01 != 0, nil
}
