// internal/driver/base/base.go
package base

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/utils"
	"instrument-service/pkg/driver"
)

// Options tunes driver timing
type Options struct {
	// CommandDelay is waited after commands the instrument needs time to apply
	CommandDelay time.Duration
	// SettleDelay is waited after mechanical changes such as moving an iris
	SettleDelay time.Duration
	// RetryCount bounds retried queries
	RetryCount int
	// RetryDelay is waited between retried queries
	RetryDelay time.Duration
}

// DefaultOptions returns the timing bench instruments need
func DefaultOptions() Options {
	return Options{
		CommandDelay: 200 * time.Millisecond,
		SettleDelay:  3 * time.Second,
		RetryCount:   10,
		RetryDelay:   100 * time.Millisecond,
	}
}

// OptionsFromConfig converts the drivers section of the configuration
func OptionsFromConfig(cfg *config.DriverConfig) Options {
	return Options{
		CommandDelay: cfg.CommandDelay,
		SettleDelay:  cfg.SettleDelay,
		RetryCount:   cfg.RetryCount,
		RetryDelay:   cfg.RetryDelay,
	}
}

// Base carries what every instrument driver shares: the verified session,
// transaction bookkeeping, and health metrics.
type Base struct {
	session *discovery.VerifiedSession
	info    driver.InstrumentInfo
	options Options
	logger  *utils.InstrumentLogger

	mutex         sync.RWMutex
	healthMetrics driver.HealthMetrics
	lastResponse  time.Time
}

// New creates a driver base around a verified session
func New(vs *discovery.VerifiedSession, desc model.Descriptor, capabilities []string, options Options, logger *zap.Logger) *Base {
	return &Base{
		session: vs,
		info: driver.InstrumentInfo{
			Model:        vs.Model,
			Manufacturer: desc.Manufacturer,
			Type:         desc.Type,
			Interface:    string(desc.Interface),
			DeviceID:     vs.DeviceID,
			Address:      vs.Address,
			Speed:        vs.Speed,
			Capabilities: capabilities,
			ConnectedAt:  time.Now(),
		},
		options: options,
		logger:  utils.NewInstrumentLogger(logger, vs.Model, vs.DeviceID, vs.Address),
	}
}

// GetInstrumentInfo returns a copy of the instrument identity
func (b *Base) GetInstrumentInfo() *driver.InstrumentInfo {
	info := b.info
	info.Capabilities = append([]string(nil), b.info.Capabilities...)
	return &info
}

// IsConnected reports whether the session is still open
func (b *Base) IsConnected() bool {
	return b.session.Session.IsOpen()
}

// Options returns the driver timing
func (b *Base) Options() Options { return b.options }

// Logger returns the instrument-scoped logger
func (b *Base) Logger() *utils.InstrumentLogger { return b.logger }

// Query runs a query transaction and records its outcome
func (b *Base) Query(ctx context.Context, cmd string) (string, error) {
	start := time.Now()
	resp, err := b.session.Session.Query(ctx, cmd)
	b.record(protocolKindQuery, cmd, resp, time.Since(start), err)
	return resp, err
}

// Send runs an imperative transaction that must be acknowledged with "Ok"
func (b *Base) Send(ctx context.Context, cmd string) error {
	start := time.Now()
	err := b.session.Session.Send(ctx, cmd)
	b.record(protocolKindSend, cmd, "", time.Since(start), err)
	return err
}

// SendTimeout runs Send with the read timeout raised to at least timeout,
// for commands the instrument takes seconds to acknowledge
func (b *Base) SendTimeout(ctx context.Context, cmd string, timeout time.Duration) error {
	sess := b.session.Session
	if prev := sess.Timeout(); timeout > prev {
		if err := sess.SetTimeout(timeout); err != nil {
			return err
		}
		defer func() { _ = sess.SetTimeout(prev) }()
	}
	return b.Send(ctx, cmd)
}

// Write sends a command that the instrument never answers
func (b *Base) Write(ctx context.Context, cmd string) error {
	start := time.Now()
	err := b.session.Session.Exec(ctx, cmd)
	b.record(protocolKindWrite, cmd, "", time.Since(start), err)
	return err
}

// ReadLine reads one more line of a multi-line reply, "" once it ends
func (b *Base) ReadLine(ctx context.Context) (string, error) {
	return b.session.Session.ReadLine(ctx)
}

// QueryRetry repeats a query until it parses, up to Options.RetryCount tries.
// Errors from parse are retried; a closed session stops immediately.
func QueryRetry[T any](ctx context.Context, b *Base, cmd string, parse func(string) (T, error)) (T, error) {
	tries := b.options.RetryCount
	if tries <= 0 {
		tries = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		resp, err := b.Query(ctx, cmd)
		if err != nil {
			if errors.Is(err, protocol.ErrSessionClosed) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		v, err := parse(resp)
		if err != nil {
			return zero, &protocol.OperationError{Command: cmd, Response: resp, Err: err}
		}
		return v, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(b.options.RetryDelay)), backoff.WithMaxTries(uint(tries)))
}

// Pause waits the configured command delay or until ctx is done
func (b *Base) Pause(ctx context.Context) error {
	return sleep(ctx, b.options.CommandDelay)
}

// Settle waits the configured settle delay or until ctx is done
func (b *Base) Settle(ctx context.Context) error {
	return sleep(ctx, b.options.SettleDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Status returns the connection-level status snapshot
func (b *Base) Status() *driver.InstrumentStatus {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	stats := b.session.Session.Stats()
	return &driver.InstrumentStatus{
		IsReady:      stats.IsConnected,
		LastResponse: b.lastResponse,
		Details: map[string]interface{}{
			"bytes_written": stats.BytesWritten,
			"bytes_read":    stats.BytesRead,
			"empty_reads":   stats.EmptyReads,
		},
	}
}

// GetHealthMetrics returns a copy of the health metrics
func (b *Base) GetHealthMetrics() *driver.HealthMetrics {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	metrics := b.healthMetrics
	metrics.EmptyReads = b.session.Session.Stats().EmptyReads
	return &metrics
}

// CloseSession releases the session and address claim
func (b *Base) CloseSession() error {
	err := b.session.Close()
	b.logger.LogConnection("close", err)
	return err
}

// Run executes fn as the named action and wraps its data in an ActionResult
func (b *Base) Run(action string, fn func() (map[string]interface{}, error)) (*driver.ActionResult, error) {
	start := time.Now()
	data, err := fn()
	if err != nil {
		b.logger.Warn("Action failed", zap.String("action", action), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return &driver.ActionResult{
		Action:    action,
		Success:   true,
		Data:      data,
		Duration:  time.Since(start).String(),
		Timestamp: time.Now(),
	}, nil
}

// Unsupported returns the error for an action the driver does not have
func Unsupported(action string, supported []string) error {
	names := append([]string(nil), supported...)
	sort.Strings(names)
	return fmt.Errorf("%w %q (supported: %v)", driver.ErrUnsupportedAction, action, names)
}

const (
	protocolKindQuery = "query"
	protocolKindSend  = "send"
	protocolKindWrite = "write"
)

func (b *Base) record(kind, cmd, resp string, d time.Duration, err error) {
	b.logger.LogTransaction(kind, cmd, resp, d, err)
	b.updateHealthMetrics(err == nil, d)
}

// updateHealthMetrics updates transaction health
func (b *Base) updateHealthMetrics(success bool, responseTime time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	m := &b.healthMetrics
	m.TotalOperations++
	m.ResponseTime = responseTime
	now := time.Now()
	if success {
		m.LastSuccessTime = &now
		b.lastResponse = now
	} else {
		m.ErrorCount++
		m.LastErrorTime = &now
	}
	m.SuccessRate = float64(m.TotalOperations-m.ErrorCount) / float64(m.TotalOperations)

	m.HealthScore = int(m.SuccessRate * 100)
	if responseTime > time.Second {
		m.HealthScore -= 10
	}
	if m.HealthScore < 0 {
		m.HealthScore = 0
	}
}
