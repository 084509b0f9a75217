package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/commands"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var ErrAnswerTimeout = fmt.Errorf("timed out waiting for an answer")

// AnswerTimeout bounds how long a session waits in AwaitingAnswer before
// it is torn down.
var AnswerTimeout = 30 * time.Second

type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting-answer"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateError          State = "error"
)

// Capability is the consumed contract of the peer connection. It creates
// the local description, consumes the remote description and candidates,
// and emits local candidates and inbound media tracks. A capability is
// exclusively owned by one session for its whole lifetime.
type Capability interface {
	CreateOffer(ctx context.Context) (types.SessionDescription, error)
	SetRemoteAnswer(desc types.SessionDescription) error
	AddRemoteCandidate(candidate json.RawMessage) error
	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnRemoteTrack(fn func(id, kind string))
	Close() error
}

// CapabilityFactory creates one peer connection per session.
type CapabilityFactory func(ctx context.Context) (Capability, error)

type Engine struct {
	mbox     mailbox.Client
	registry commands.CommandRegistry
	factory  CapabilityFactory
}

func New(mbox mailbox.Client, registry commands.CommandRegistry, factory CapabilityFactory) *Engine {
	return &Engine{
		mbox:     mbox,
		registry: registry,
		factory:  factory,
	}
}

// Session is one signaling exchange with one device agent, carried
// entirely as commands through the mailbox and demultiplexed by its
// token. Sessions are not resumable: any failure is terminal and a
// fresh session must be started.
type Session struct {
	token     string
	deviceID  string
	principal types.Principal

	registry commands.CommandRegistry
	cap      Capability
	sub      mailbox.Subscription
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	err     error
	pending []json.RawMessage

	done    chan struct{}
	endOnce sync.Once
}

// Start drives a new session to AwaitingAnswer: it subscribes to the
// device's command feed, creates the peer connection, enqueues the offer
// and then lets the event loop take over. On any failure everything
// acquired so far is released before the error is returned.
func (e *Engine) Start(ctx context.Context, principal types.Principal, deviceID string) (*Session, error) {
	log := logging.GetFromContext(ctx)

	s := &Session{
		token:     uuid.NewString(),
		deviceID:  deviceID,
		principal: principal,
		registry:  e.registry,
		log:       log,
		state:     StateIdle,
		done:      make(chan struct{}),
	}

	// subscribe before the offer is written, so the answer cannot slip
	// into the gap between enqueue and subscription
	sub, err := e.mbox.Subscribe(mailbox.EntityCommands, principal.Tenant)
	if err != nil {
		return nil, err
	}
	s.sub = sub

	peer, err := e.factory(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("could not create peer connection: %w", err)
	}
	s.cap = peer

	peer.OnLocalCandidate(func(candidate json.RawMessage) {
		s.sendCandidate(context.WithoutCancel(ctx), candidate)
	})
	peer.OnRemoteTrack(func(id, kind string) {
		log.Info("remote track arrived", "session", s.token, "track", id, "kind", kind)
	})

	s.state = StateOffering

	desc, err := peer.CreateOffer(ctx)
	if err != nil {
		s.fail(fmt.Errorf("could not create offer: %w", err))
		return nil, s.Err()
	}

	err = s.send(ctx, types.SignalOffer, &desc, nil)
	if err != nil {
		s.fail(fmt.Errorf("could not enqueue offer: %w", err))
		return nil, s.Err()
	}

	s.state = StateAwaitingAnswer

	go s.run(ctx)

	return s, nil
}

func (s *Session) Token() string {
	return s.token
}

func (s *Session) DeviceID() string {
	return s.deviceID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches Ended or Error.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// End stops the session: the subscription is removed synchronously, the
// peer connection is released and a best-effort end command tells the
// device to clean up symmetrically. Safe to call more than once and on
// every exit path.
func (s *Session) End(ctx context.Context) {
	s.teardown(func() {
		s.mu.Lock()
		notify := s.state == StateAwaitingAnswer || s.state == StateConnected || s.state == StateOffering
		s.state = StateEnded
		s.mu.Unlock()

		if notify {
			err := s.send(ctx, types.SignalEnd, nil, nil)
			if err != nil {
				s.log.Warn("could not enqueue end command", "session", s.token, "err", err.Error())
			}
		}
	})
}

// fail moves the session to the Error state with the given reason.
func (s *Session) fail(reason error) {
	s.teardown(func() {
		s.mu.Lock()
		s.state = StateError
		s.err = reason
		s.mu.Unlock()
	})
}

func (s *Session) teardown(setState func()) {
	s.endOnce.Do(func() {
		s.sub.Unsubscribe()
		setState()

		err := s.cap.Close()
		if err != nil {
			s.log.Warn("could not close peer connection", "session", s.token, "err", err.Error())
		}

		close(s.done)
	})
}

func (s *Session) send(ctx context.Context, signalType string, desc *types.SessionDescription, candidate json.RawMessage) error {
	payload, err := json.Marshal(types.SignalPayload{
		SessionToken: s.token,
		From:         types.SignalFromInitiator,
		Description:  desc,
		Candidate:    candidate,
	})
	if err != nil {
		return err
	}

	_, err = s.registry.Enqueue(ctx, s.principal, s.deviceID, signalType, payload)
	return err
}

func (s *Session) sendCandidate(ctx context.Context, candidate json.RawMessage) {
	select {
	case <-s.done:
		return
	default:
	}

	err := s.send(ctx, types.SignalICECandidate, nil, candidate)
	if err != nil {
		s.log.Warn("could not enqueue local candidate", "session", s.token, "err", err.Error())
	}
}

func (s *Session) run(ctx context.Context) {
	timeout := time.NewTimer(AnswerTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.handle(ev)
		case <-timeout.C:
			if s.State() == StateAwaitingAnswer {
				s.fail(ErrAnswerTimeout)
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.End(context.WithoutCancel(ctx))
			return
		}
	}
}

// handle demultiplexes one command event. Everything that does not carry
// this session's token from the device side is ignored: commands for
// other sessions must never trigger a transition here.
func (s *Session) handle(ev mailbox.Event) {
	if ev.Op == mailbox.OpReset {
		// continuity was lost, so nothing that arrived in the gap can be
		// trusted to arrive at all
		s.fail(fmt.Errorf("signaling transport lost continuity: %w", errOrUnknown(ev.Err)))
		return
	}

	if ev.Op != mailbox.OpInsert {
		return
	}
	if ev.Record.DeviceID != s.deviceID || !types.IsSignalType(ev.Record.Type) {
		return
	}

	var payload types.SignalPayload
	if err := json.Unmarshal(ev.Record.Data, &payload); err != nil {
		return
	}
	if payload.SessionToken != s.token || payload.From != types.SignalFromDevice {
		return
	}

	switch ev.Record.Type {
	case types.SignalAnswer:
		s.handleAnswer(payload)
	case types.SignalICECandidate:
		s.handleCandidate(payload)
	case types.SignalEnd:
		s.teardown(func() {
			s.mu.Lock()
			s.state = StateEnded
			s.mu.Unlock()
		})
	}
}

func (s *Session) handleAnswer(payload types.SignalPayload) {
	s.mu.Lock()

	if s.state != StateAwaitingAnswer || payload.Description == nil {
		// a second answer after Connected is protocol noise, not an error
		s.mu.Unlock()
		return
	}

	desc := *payload.Description
	s.mu.Unlock()

	err := s.cap.SetRemoteAnswer(desc)
	if err != nil {
		s.fail(fmt.Errorf("could not apply remote description: %w", err))
		return
	}

	s.mu.Lock()
	s.state = StateConnected
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	// flush candidates that arrived before the answer, in arrival order
	for _, candidate := range pending {
		s.applyCandidate(candidate)
	}
}

func (s *Session) handleCandidate(payload types.SignalPayload) {
	if len(payload.Candidate) == 0 {
		return
	}

	s.mu.Lock()
	if s.state == StateEnded || s.state == StateError {
		s.mu.Unlock()
		return
	}
	if s.state != StateConnected {
		s.pending = append(s.pending, payload.Candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.applyCandidate(payload.Candidate)
}

func (s *Session) applyCandidate(candidate json.RawMessage) {
	err := s.cap.AddRemoteCandidate(candidate)
	if err != nil {
		s.log.Warn("could not apply remote candidate", "session", s.token, "err", err.Error())
	}
}

func errOrUnknown(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown cause")
}
