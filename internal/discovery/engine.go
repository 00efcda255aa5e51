// internal/discovery/engine.go
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

// Candidate is one enumerated address considered during discovery
type Candidate = protocol.Candidate

// Config tunes probe timing
type Config struct {
	// SettleTime is waited between writing a probe and reading its reply
	SettleTime time.Duration `json:"settle_time"`
	// ReadSize bounds each probe read
	ReadSize int `json:"read_size"`
	// ProbeTimeout is the per-read timeout while a candidate is unconfirmed
	ProbeTimeout time.Duration `json:"probe_timeout"`
	// SessionTimeout is the per-read timeout once a session is verified
	SessionTimeout time.Duration `json:"session_timeout"`
}

// DefaultConfig returns the timing used by bench instruments
func DefaultConfig() Config {
	return Config{
		SettleTime:     defaultSettleTime,
		ReadSize:       defaultReadSize,
		ProbeTimeout:   500 * time.Millisecond,
		SessionTimeout: 500 * time.Millisecond,
	}
}

// VerifiedSession is an identity-confirmed session. The engine hands
// ownership to the caller, who must Close it.
type VerifiedSession struct {
	Session  *protocol.Session
	Model    string
	DeviceID string
	Address  string
	Speed    int
}

// Close releases the underlying session
func (vs *VerifiedSession) Close() error {
	return vs.Session.Close()
}

// Engine locates one instrument among the candidates of a bus. Candidates are
// probed one at a time; Discover must not run concurrently on one Transport.
type Engine struct {
	transports protocol.Transports
	verifier   *Verifier
	observer   Observer
	config     Config
}

// NewEngine creates a discovery engine over transports. A nil observer
// discards diagnostics.
func NewEngine(transports protocol.Transports, config Config, observer Observer) *Engine {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Engine{
		transports: transports,
		verifier:   NewVerifier(config.SettleTime, config.ReadSize),
		observer:   observer,
		config:     config,
	}
}

// scan carries the per-call state of one Discover
type scan struct {
	desc     model.Descriptor
	target   string
	speeds   []int
	phase    Phase
	attempts int
	busy     int
}

// Discover returns a verified session for desc whose extracted device id
// contains target, or a *protocol.DiscoveryError when no candidate verifies.
// An empty target accepts any device id.
func (e *Engine) Discover(ctx context.Context, desc model.Descriptor, target string) (*VerifiedSession, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	tr, err := e.transports.For(desc.Interface)
	if err != nil {
		return nil, err
	}

	st := &scan{desc: desc, target: target}

	candidates, err := tr.List(ctx)
	if err != nil {
		return nil, e.fail(st, fmt.Errorf("failed to enumerate %s candidates: %w", desc.Interface, err))
	}
	st.speeds = desc.SpeedsOr(tr.DefaultSpeeds())

	targeted, rest := partition(desc, candidates)
	phases := []struct {
		phase Phase
		list  []Candidate
	}{
		{PhaseTargeted, targeted},
		{PhaseExhaustive, rest},
	}

	for _, ph := range phases {
		st.phase = ph.phase
		for _, c := range ph.list {
			if err := ctx.Err(); err != nil {
				return nil, e.fail(st, err)
			}
			if vs := e.tryCandidate(ctx, tr, st, c); vs != nil {
				return vs, nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, e.fail(st, err)
	}
	return nil, e.fail(st, nil)
}

// tryCandidate probes one candidate across the speed list. Every session it
// opens is either returned verified or closed before it returns.
func (e *Engine) tryCandidate(ctx context.Context, tr *protocol.Transport, st *scan, c Candidate) *VerifiedSession {
	st.attempts++

	for _, speed := range st.speeds {
		if ctx.Err() != nil {
			return nil
		}
		e.emit(st, c, speed, Event{Kind: EventCandidateTried})

		sess, err := tr.Open(ctx, c.Address, protocol.SessionOptions{
			Speed:      speed,
			Timeout:    e.config.ProbeTimeout,
			Terminator: st.desc.LineTerminator(),
			Owner:      "discovery:" + st.desc.Model,
		})
		if err != nil {
			if protocol.IsBusy(err) {
				st.busy++
				e.emit(st, c, speed, Event{Kind: EventCandidateBusy, Outcome: OutcomeBusy, Err: err})
			} else {
				e.emit(st, c, speed, Event{Kind: EventCandidateRejected, Outcome: OutcomeNoResponse, Reason: "open failed", Err: err})
			}
			return nil
		}

		v := e.verifier.Verify(ctx, sess, st.desc)
		if v.Outcome != OutcomeMatched {
			_ = sess.Close()
			e.emit(st, c, speed, Event{Kind: EventCandidateRejected, Outcome: v.Outcome, Reason: v.Reason, Err: v.Err})
			continue
		}

		if st.target != "" && !strings.Contains(v.DeviceID, st.target) {
			_ = sess.Close()
			e.emit(st, c, speed, Event{
				Kind:     EventCandidateRejected,
				Outcome:  OutcomeMismatched,
				DeviceID: v.DeviceID,
				Reason:   fmt.Sprintf("serial %q does not contain %q", v.DeviceID, st.target),
			})
			return nil
		}

		if e.config.SessionTimeout > 0 {
			if err := sess.SetTimeout(e.config.SessionTimeout); err != nil {
				_ = sess.Close()
				e.emit(st, c, speed, Event{Kind: EventCandidateRejected, Outcome: OutcomeNoResponse, Reason: "failed to bind session", Err: err})
				return nil
			}
		}
		sess.SetOwner(st.desc.Model)

		e.emit(st, c, speed, Event{Kind: EventCandidateMatched, Outcome: OutcomeMatched, DeviceID: v.DeviceID})
		return &VerifiedSession{
			Session:  sess,
			Model:    st.desc.Model,
			DeviceID: v.DeviceID,
			Address:  c.Address,
			Speed:    speed,
		}
	}
	return nil
}

func (e *Engine) fail(st *scan, cause error) error {
	err := &protocol.DiscoveryError{
		Model:        st.desc.Model,
		TargetSerial: st.target,
		Attempts:     st.attempts,
		Busy:         st.busy,
		Cause:        cause,
	}
	e.observer.OnDiscoveryEvent(Event{
		Kind:   EventDiscoveryFailed,
		Phase:  st.phase,
		Model:  st.desc.Model,
		Target: st.target,
		Reason: err.Error(),
		Err:    cause,
		Time:   time.Now(),
	})
	return err
}

func (e *Engine) emit(st *scan, c Candidate, speed int, ev Event) {
	ev.Phase = st.phase
	ev.Model = st.desc.Model
	ev.Target = st.target
	ev.Address = c.Address
	ev.Metadata = c.Metadata
	ev.Speed = speed
	ev.Time = time.Now()
	e.observer.OnDiscoveryEvent(ev)
}
