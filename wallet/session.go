package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// ErrNotConnected reports that no wallet session is established.
var ErrNotConnected = errors.New("wallet: session not connected")

// State is the wallet session lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies a session transition trigger.
type EventKind int

const (
	EventConnect EventKind = iota
	EventSessionUpdate
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventSessionUpdate:
		return "session_update"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event carries one transport notification. Session updates supply the
// authorized accounts and the signer covering them.
type Event struct {
	Kind     EventKind
	Accounts []types.Address
	Signer   Signer
}

// Session tracks the wallet connection as an explicit state machine. All
// mutation flows through Apply, so the connected accounts and signer can never
// drift out of step with the lifecycle phase.
type Session struct {
	log *slog.Logger

	mu       sync.Mutex
	state    State
	accounts []types.Address
	signer   Signer

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewSession builds a disconnected session.
func NewSession(log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:    log,
		state:  StateDisconnected,
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}
}

// Dispatch enqueues an event for the Run loop. It returns false once the
// session is closed.
func (s *Session) Dispatch(event Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	}
}

// Run consumes dispatched events until the context ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case event := <-s.events:
			s.Apply(event)
		}
	}
}

// Apply performs one transition. Events invalid for the current state are
// dropped and logged rather than corrupting the session.
func (s *Session) Apply(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	switch event.Kind {
	case EventConnect:
		if s.state != StateDisconnected {
			s.log.Warn("wallet connect ignored", "state", s.state.String())
			return
		}
		s.state = StateConnecting
	case EventSessionUpdate:
		if s.state == StateDisconnected {
			s.log.Warn("wallet session update without connect", "state", s.state.String())
			return
		}
		if len(event.Accounts) == 0 || event.Signer == nil {
			s.log.Warn("wallet session update missing accounts or signer")
			return
		}
		s.state = StateConnected
		s.accounts = append([]types.Address(nil), event.Accounts...)
		s.signer = event.Signer
	case EventDisconnect:
		s.state = StateDisconnected
		s.accounts = nil
		s.signer = nil
	default:
		s.log.Warn("wallet event unknown", "kind", event.Kind.String())
		return
	}
	s.log.Info("wallet session transition",
		"from", from.String(), "to", s.state.String(), "event", event.Kind.String())
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Accounts returns the authorized accounts of a connected session.
func (s *Session) Accounts() []types.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Address(nil), s.accounts...)
}

// Address returns the primary account of a connected session.
func (s *Session) Address() (types.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || len(s.accounts) == 0 {
		return types.Address{}, ErrNotConnected
	}
	return s.accounts[0], nil
}

// Signer returns the active signer of a connected session.
func (s *Session) Signer() (Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.signer == nil {
		return nil, ErrNotConnected
	}
	return s.signer, nil
}

// Close terminates the session and releases the Run loop.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.Apply(Event{Kind: EventDisconnect})
}
