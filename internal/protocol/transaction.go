// internal/protocol/transaction.go
package protocol

import (
	"context"
)

// AckToken is the only reply accepted for an imperative command
const AckToken = "Ok"

// Query flushes stale input, writes cmd, and reads one reply line. An empty
// read is retried once before the exchange fails with ErrNoResponse.
func (s *Session) Query(ctx context.Context, cmd string) (string, error) {
	resp, err := s.exchange(ctx, cmd)
	if err != nil {
		return "", err
	}
	if resp == "" {
		return "", &OperationError{Command: cmd, Err: ErrNoResponse}
	}
	return resp, nil
}

// Send runs the same exchange as Query and accepts only AckToken
func (s *Session) Send(ctx context.Context, cmd string) error {
	resp, err := s.exchange(ctx, cmd)
	if err != nil {
		return err
	}
	switch resp {
	case AckToken:
		return nil
	case "":
		return &OperationError{Command: cmd, Err: ErrNoResponse}
	default:
		return &OperationError{Command: cmd, Response: resp}
	}
}

// Exec flushes stale input and writes cmd without reading a reply
func (s *Session) Exec(ctx context.Context, cmd string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.flushLocked(); err != nil {
		return err
	}
	_, err := s.writeLocked(ctx, cmd+s.terminator)
	return err
}

func (s *Session) exchange(ctx context.Context, cmd string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.flushLocked(); err != nil {
		return "", err
	}
	if _, err := s.writeLocked(ctx, cmd+s.terminator); err != nil {
		return "", err
	}

	resp, err := s.readLineLocked(ctx)
	if err != nil {
		return "", err
	}
	if resp == "" {
		resp, err = s.readLineLocked(ctx)
		if err != nil {
			return "", err
		}
	}
	return resp, nil
}
