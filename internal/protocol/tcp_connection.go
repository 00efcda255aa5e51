// internal/protocol/tcp_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDialTimeout = 2 * time.Second

// SocketBus opens configured TCPIP<n>::host::port::SOCKET resources
type SocketBus struct {
	config *TCPConfig
	logger *zap.Logger
	dial   func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewSocketBus creates a new raw socket resource opener
func NewSocketBus(config *TCPConfig, logger *zap.Logger) *SocketBus {
	if config == nil {
		config = &TCPConfig{}
	}
	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	if config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	}
	return &SocketBus{
		config: config,
		logger: logger.With(zap.String("protocol", "tcpip")),
		dial:   dialer.DialContext,
	}
}

// parseSocketResource returns host:port for a TCPIP SOCKET resource
func parseSocketResource(address string) (string, error) {
	parts := strings.Split(address, "::")
	if len(parts) != 4 || !strings.HasPrefix(strings.ToUpper(parts[0]), "TCPIP") || !strings.EqualFold(parts[3], "SOCKET") {
		return "", fmt.Errorf("not a TCPIP SOCKET resource: %s", address)
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port in %s", address)
	}
	return net.JoinHostPort(parts[1], parts[2]), nil
}

// List returns the configured socket resources; they cannot be enumerated
func (sb *SocketBus) List(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(sb.config.Resources))
	for _, res := range sb.config.Resources {
		if _, err := parseSocketResource(res); err != nil {
			sb.logger.Warn("Skipping invalid socket resource", zap.String("resource", res), zap.Error(err))
			continue
		}
		candidates = append(candidates, Candidate{Address: res, Metadata: res})
	}
	return candidates, nil
}

// Open dials a socket resource
func (sb *SocketBus) Open(ctx context.Context, address string, timeout time.Duration) (Port, error) {
	hostPort, err := parseSocketResource(address)
	if err != nil {
		return nil, err
	}

	conn, err := sb.dial(ctx, "tcp", hostPort)
	if err != nil {
		sb.logger.Debug("Failed to open socket resource", zap.String("resource", address), zap.Error(err))
		return nil, fmt.Errorf("failed to connect to %s: %w", hostPort, err)
	}

	return &socketPort{conn: conn, timeout: timeout}, nil
}

// socketPort adapts a net.Conn to Port with per-read deadlines
type socketPort struct {
	mutex   sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (p *socketPort) Read(buf []byte) (int, error) {
	p.mutex.Lock()
	timeout := p.timeout
	p.mutex.Unlock()

	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := p.conn.Read(buf)
	if err != nil && isDeadline(err) {
		return n, nil
	}
	return n, err
}

func (p *socketPort) Write(data []byte) (int, error) {
	p.mutex.Lock()
	timeout := p.timeout
	p.mutex.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return p.conn.Write(data)
}

// ResetInputBuffer drains whatever is already queued on the socket
func (p *socketPort) ResetInputBuffer() error {
	buf := make([]byte, 512)
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := p.conn.Read(buf)
		if err != nil {
			if isDeadline(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (p *socketPort) SetReadTimeout(t time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.timeout = t
	return nil
}

func (p *socketPort) Close() error {
	return p.conn.Close()
}

func isDeadline(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
