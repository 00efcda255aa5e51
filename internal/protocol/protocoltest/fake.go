// internal/protocol/protocoltest/fake.go

// Package protocoltest provides a scripted in-memory bus for exercising
// discovery and transactions without hardware.
package protocoltest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

// Handler answers one command line; ok=false sends nothing back
type Handler func(cmd string) (reply string, ok bool)

// Endpoint is one simulated port or resource
type Endpoint struct {
	Address  string
	Metadata string

	// Busy makes every open fail with protocol.ErrBusy
	Busy bool
	// Speed is the only speed the device answers at; 0 answers at any speed
	Speed int
	// EmptyReads is the number of empty reads served before each reply
	EmptyReads int
	// LineEnding is appended to replies; defaults to "\r\n"
	LineEnding string

	mu       sync.Mutex
	replies  map[string][]string
	handler  Handler
	writes   []string
	openings int
	open     int
}

// NewEndpoint creates an endpoint with no scripted replies
func NewEndpoint(address, metadata string) *Endpoint {
	return &Endpoint{
		Address:  address,
		Metadata: metadata,
		replies:  make(map[string][]string),
	}
}

// Reply scripts replies for cmd. Replies are served in order and the last
// one repeats.
func (e *Endpoint) Reply(cmd string, replies ...string) *Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replies[cmd] = append([]string(nil), replies...)
	return e
}

// Handle installs a handler consulted for commands with no scripted reply
func (e *Endpoint) Handle(h Handler) *Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	return e
}

// Writes returns every command line written to the endpoint
func (e *Endpoint) Writes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.writes)
}

// IsOpen reports whether a handle to the endpoint is still open
func (e *Endpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open > 0
}

// Openings returns how many times the endpoint was opened
func (e *Endpoint) Openings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openings
}

func (e *Endpoint) answer(cmd string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, cmd)
	if queue, ok := e.replies[cmd]; ok && len(queue) > 0 {
		reply := queue[0]
		if len(queue) > 1 {
			e.replies[cmd] = queue[1:]
		}
		return reply, true
	}
	if e.handler != nil {
		return e.handler(cmd)
	}
	return "", false
}

// OpenRecord is one Open call observed by the bus
type OpenRecord struct {
	Address string
	Speed   int
}

// Bus is a protocol.Bus over scripted endpoints, listed in insertion order
type Bus struct {
	kind   model.Interface
	speeds []int

	mu        sync.Mutex
	endpoints []*Endpoint
	opens     []OpenRecord
	listErr   error
}

// NewBus creates a bus of the given family
func NewBus(kind model.Interface, speeds []int, endpoints ...*Endpoint) *Bus {
	if len(speeds) == 0 {
		speeds = []int{0}
	}
	return &Bus{kind: kind, speeds: speeds, endpoints: endpoints}
}

// FailList makes List return err
func (b *Bus) FailList(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// Opens returns the open calls in order
func (b *Bus) Opens() []OpenRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.opens)
}

// OpenAddresses returns the distinct addresses in first-open order
func (b *Bus) OpenAddresses() []string {
	var out []string
	for _, o := range b.Opens() {
		if !slices.Contains(out, o.Address) {
			out = append(out, o.Address)
		}
	}
	return out
}

// AnyOpen reports whether any endpoint still has an open handle
func (b *Bus) AnyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.endpoints {
		if e.IsOpen() {
			return true
		}
	}
	return false
}

func (b *Bus) Kind() model.Interface { return b.kind }

func (b *Bus) DefaultSpeeds() []int { return slices.Clone(b.speeds) }

func (b *Bus) List(ctx context.Context) ([]protocol.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]protocol.Candidate, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		out = append(out, protocol.Candidate{Address: e.Address, Metadata: e.Metadata})
	}
	return out, nil
}

func (b *Bus) Open(ctx context.Context, address string, speed int, timeout time.Duration) (protocol.Port, error) {
	b.mu.Lock()
	b.opens = append(b.opens, OpenRecord{Address: address, Speed: speed})
	var ep *Endpoint
	for _, e := range b.endpoints {
		if e.Address == address {
			ep = e
			break
		}
	}
	b.mu.Unlock()

	if ep == nil {
		return nil, fmt.Errorf("no such port: %s", address)
	}
	if ep.Busy {
		return nil, fmt.Errorf("%s: %w", address, protocol.ErrBusy)
	}

	ep.mu.Lock()
	ep.openings++
	ep.open++
	ep.mu.Unlock()

	return &Port{endpoint: ep, speed: speed}, nil
}

// Port is an open handle on an Endpoint
type Port struct {
	endpoint *Endpoint
	speed    int

	mu     sync.Mutex
	rx     []byte
	empty  int
	closed bool
}

func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("port closed")
	}

	for _, line := range strings.Split(string(data), "\n") {
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		reply, ok := p.endpoint.answer(cmd)
		if !ok {
			continue
		}
		if p.endpoint.Speed != 0 && p.speed != p.endpoint.Speed {
			p.rx = append(p.rx, 0xff, 0xfe, 0x00)
			continue
		}
		ending := p.endpoint.LineEnding
		if ending == "" {
			ending = "\r\n"
		}
		p.empty = p.endpoint.EmptyReads
		p.rx = append(p.rx, reply+ending...)
	}
	return len(data), nil
}

func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("port closed")
	}
	if p.empty > 0 {
		p.empty--
		return 0, nil
	}
	n := copy(buf, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	return nil
}

func (p *Port) SetReadTimeout(time.Duration) error { return nil }

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.endpoint.mu.Lock()
	p.endpoint.open--
	p.endpoint.mu.Unlock()
	return nil
}

// NewSession opens a session on a single scripted endpoint, for driver tests
func NewSession(ctx context.Context, ep *Endpoint) (*protocol.Session, error) {
	tr := protocol.NewTransport(NewBus(model.InterfaceSerial, nil, ep))
	return tr.Open(ctx, ep.Address, protocol.SessionOptions{Timeout: 10 * time.Millisecond})
}
