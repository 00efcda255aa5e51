// internal/protocol/session.go
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const readChunk = 256

// Session owns one open handle on an address for the lifetime of a connection.
// All I/O on a session is serialized; reads that time out return "" rather
// than an error.
type Session struct {
	transport  *Transport
	port       Port
	address    string
	speed      int
	timeout    time.Duration
	terminator string

	mutex   sync.Mutex
	pending []byte
	closed  bool
	stats   ProtocolStats
}

func newSession(t *Transport, port Port, address string, speed int, timeout time.Duration, terminator string) *Session {
	return &Session{
		transport:  t,
		port:       port,
		address:    address,
		speed:      speed,
		timeout:    timeout,
		terminator: terminator,
		stats:      ProtocolStats{IsConnected: true, LastActivity: time.Now()},
	}
}

// Address returns the bound address
func (s *Session) Address() string { return s.address }

// Speed returns the speed the session was opened at
func (s *Session) Speed() int { return s.speed }

// Terminator returns the line terminator appended by WriteLine
func (s *Session) Terminator() string { return s.terminator }

// Timeout returns the per-read timeout
func (s *Session) Timeout() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.timeout
}

// SetTimeout changes the per-read timeout
func (s *Session) SetTimeout(d time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	s.timeout = d
	return nil
}

// SetOwner relabels the claim on the address, e.g. once identity is confirmed
func (s *Session) SetOwner(owner string) {
	s.transport.relabel(s.address, owner)
}

// Stats returns a snapshot of the session statistics
func (s *Session) Stats() ProtocolStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// IsOpen returns whether the session still holds its handle
func (s *Session) IsOpen() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return !s.closed
}

// Flush discards any buffered input
func (s *Session) Flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.flushLocked()
}

// WriteLine writes line plus the terminator and returns the byte count
func (s *Session) WriteLine(ctx context.Context, line string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writeLocked(ctx, line+s.terminator)
}

// Write writes raw text without a terminator
func (s *Session) Write(ctx context.Context, text string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writeLocked(ctx, text)
}

// ReadLine reads one line with the terminator stripped, or "" on timeout
func (s *Session) ReadLine(ctx context.Context) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.readLineLocked(ctx)
}

// Read reads up to n bytes, returning early when a read times out
func (s *Session) Read(ctx context.Context, n int) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.readLocked(ctx, n)
}

// Close releases the handle and the address claim. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stats.IsConnected = false
	s.pending = nil
	defer s.transport.release(s.address)

	if err := s.port.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.address, err)
	}
	return nil
}

func (s *Session) flushLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.pending = s.pending[:0]
	if err := s.port.ResetInputBuffer(); err != nil {
		s.stats.ErrorCount++
		return fmt.Errorf("failed to flush input: %w", err)
	}
	return nil
}

func (s *Session) writeLocked(ctx context.Context, text string) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := s.port.Write([]byte(text))
	if err != nil {
		s.stats.ErrorCount++
		return n, fmt.Errorf("failed to write to %s: %w", s.address, err)
	}
	if n != len(text) {
		s.stats.ErrorCount++
		return n, fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(text))
	}
	s.stats.recordWrite(n, time.Since(start))
	return n, nil
}

// fill performs one port read into pending and returns the byte count
func (s *Session) fill(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	buf := make([]byte, readChunk)
	n, err := s.port.Read(buf)
	if err != nil {
		s.stats.ErrorCount++
		return 0, fmt.Errorf("failed to read from %s: %w", s.address, err)
	}
	s.stats.recordRead(n)
	s.pending = append(s.pending, buf[:n]...)
	return n, nil
}

func (s *Session) readLineLocked(ctx context.Context) (string, error) {
	if s.closed {
		return "", ErrSessionClosed
	}
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(s.pending[:i])
			s.pending = s.pending[i+1:]
			return strings.TrimSpace(line), nil
		}
		n, err := s.fill(ctx)
		if err != nil {
			return "", err
		}
		if n == 0 {
			line := string(s.pending)
			s.pending = s.pending[:0]
			return strings.TrimSpace(line), nil
		}
	}
}

func (s *Session) readLocked(ctx context.Context, n int) (string, error) {
	if s.closed {
		return "", ErrSessionClosed
	}
	for len(s.pending) < n {
		got, err := s.fill(ctx)
		if err != nil {
			return "", err
		}
		if got == 0 {
			break
		}
	}
	take := min(n, len(s.pending))
	out := string(s.pending[:take])
	s.pending = s.pending[take:]
	return out, nil
}
