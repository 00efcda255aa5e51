// internal/discovery/verifier.go
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

const (
	defaultSettleTime = 100 * time.Millisecond
	defaultReadSize   = 100
)

// Verification is the result of checking one open session against a descriptor
type Verification struct {
	Outcome  Outcome
	Response string
	DeviceID string
	Reason   string
	Err      error
}

// Verifier confirms the identity of an open, unconfirmed session
type Verifier struct {
	settle   time.Duration
	readSize int
}

// NewVerifier creates a verifier. A negative settle time or a non-positive
// read size picks the default.
func NewVerifier(settle time.Duration, readSize int) *Verifier {
	if settle < 0 {
		settle = defaultSettleTime
	}
	if readSize <= 0 {
		readSize = defaultReadSize
	}
	return &Verifier{settle: settle, readSize: readSize}
}

// Verify sends the probe command, checks the expected fragment, then reads
// and extracts the device identifier. It never closes the session.
func (v *Verifier) Verify(ctx context.Context, sess *protocol.Session, desc model.Descriptor) Verification {
	resp, err := v.probe(ctx, sess, desc.ProbeCmd)
	if err != nil {
		return Verification{Outcome: OutcomeNoResponse, Reason: "probe failed", Err: err}
	}
	if resp == "" {
		return Verification{Outcome: OutcomeNoResponse, Reason: "no reply to probe"}
	}
	if !strings.Contains(resp, desc.ExpectedResponse) {
		return Verification{
			Outcome:  OutcomeMismatched,
			Response: resp,
			Reason:   fmt.Sprintf("probe reply lacks %q", desc.ExpectedResponse),
		}
	}

	snResp := resp
	if desc.SerialCmd != "" {
		snResp, err = v.probe(ctx, sess, desc.SerialCmd)
		if err != nil {
			return Verification{Outcome: OutcomeNoResponse, Response: resp, Reason: "serial query failed", Err: err}
		}
		if snResp == "" {
			return Verification{Outcome: OutcomeNoResponse, Response: resp, Reason: "no reply to serial query"}
		}
	}

	id, ok := ExtractDeviceID(desc, snResp)
	if !ok {
		return Verification{
			Outcome:  OutcomeMismatched,
			Response: snResp,
			Reason:   "serial pattern did not match",
		}
	}
	return Verification{Outcome: OutcomeMatched, Response: snResp, DeviceID: id}
}

// ExtractDeviceID applies the descriptor serial pattern to a reply. The first
// capture group wins when the pattern has one; a nil pattern takes the whole
// reply.
func ExtractDeviceID(desc model.Descriptor, reply string) (string, bool) {
	if desc.SerialPattern == nil {
		return reply, reply != ""
	}
	m := desc.SerialPattern.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	id := m[0]
	if len(m) > 1 {
		id = m[1]
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// probe writes cmd, waits the settle time, and reads a bounded reply. An
// empty read is polled once more before giving up.
func (v *Verifier) probe(ctx context.Context, sess *protocol.Session, cmd string) (string, error) {
	if err := sess.Flush(); err != nil {
		return "", err
	}
	if _, err := sess.WriteLine(ctx, cmd); err != nil {
		return "", err
	}
	if err := sleep(ctx, v.settle); err != nil {
		return "", err
	}

	raw, err := sess.Read(ctx, v.readSize)
	if err != nil {
		return "", err
	}
	if raw == "" {
		raw, err = sess.Read(ctx, v.readSize)
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(strings.ToValidUTF8(raw, "")), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
