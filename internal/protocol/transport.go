// internal/protocol/transport.go
package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"instrument-service/internal/model"
)

const defaultSessionTimeout = 500 * time.Millisecond

// Transport wraps a Bus with the address claim table: at most one Session
// holds a given address until it is closed.
type Transport struct {
	bus  Bus
	mu   sync.Mutex
	held map[string]string
}

// NewTransport creates a new transport over bus
func NewTransport(bus Bus) *Transport {
	return &Transport{
		bus:  bus,
		held: make(map[string]string),
	}
}

// Kind returns the bus family
func (t *Transport) Kind() model.Interface {
	return t.bus.Kind()
}

// DefaultSpeeds returns the bus default speed ladder
func (t *Transport) DefaultSpeeds() []int {
	return t.bus.DefaultSpeeds()
}

// List enumerates candidates on the bus
func (t *Transport) List(ctx context.Context) ([]Candidate, error) {
	return t.bus.List(ctx)
}

// Open claims address and opens it. A held address fails fast with ErrBusy.
func (t *Transport) Open(ctx context.Context, address string, opts SessionOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if owner, ok := t.held[address]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s held by %s: %w", address, owner, ErrBusy)
	}
	owner := opts.Owner
	if owner == "" {
		owner = "session"
	}
	t.held[address] = owner
	t.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	terminator := opts.Terminator
	if terminator == "" {
		terminator = model.DefaultTerminator
	}

	port, err := t.bus.Open(ctx, address, opts.Speed, timeout)
	if err != nil {
		t.release(address)
		return nil, fmt.Errorf("failed to open %s: %w", address, err)
	}

	return newSession(t, port, address, opts.Speed, timeout, terminator), nil
}

// Holder returns the owner label of a held address
func (t *Transport) Holder(address string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.held[address]
	return owner, ok
}

// HeldCount returns how many addresses are currently claimed
func (t *Transport) HeldCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

func (t *Transport) relabel(address, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[address]; ok {
		t.held[address] = owner
	}
}

func (t *Transport) release(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, address)
}
