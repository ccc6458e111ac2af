package websocket

import (
	"context"
	"fmt"
	"sync"

	"realtime-chat/internal/models"
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Sink is the outbound side of one connection. Send must not block; it
// reports false when the event could not be queued.
type Sink interface {
	Send(event models.Event) bool
	Close()
}

// Session binds one connection to one authenticated user.
type Session struct {
	id      string
	gateway *Gateway
	sink    Sink
	user    *models.User

	mu    sync.Mutex
	state SessionState
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

func (s *Session) User() *models.User {
	return s.user.Clone()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// markClosed moves the session to Closed and reports whether this call
// did the transition.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

func (s *Session) send(event models.Event) bool {
	if s.State() != StateActive {
		return false
	}
	return s.sink.Send(event)
}

// Handle runs one client command. Failures are also reported to this
// session as an error event carrying the command's clientRef.
func (s *Session) Handle(ctx context.Context, cmd models.Command) error {
	if s.State() != StateActive {
		return fmt.Errorf("%w: session is %s", models.ErrNotConnected, s.State())
	}

	var err error
	switch cmd.Type {
	case models.CommandSendMessage:
		err = s.gateway.handleSendMessage(ctx, s, cmd)
	case models.CommandCreateChat:
		err = s.gateway.handleCreateChat(ctx, s, cmd)
	case models.CommandMarkRead:
		err = s.gateway.chats.MarkRead(ctx, cmd.ChatID, s.UserID())
	case models.CommandSetStatus:
		err = s.gateway.handleSetStatus(ctx, s, cmd)
	case models.CommandLogout:
		s.gateway.Disconnect(ctx, s)
		return nil
	default:
		err = fmt.Errorf("%w: unknown command %q", models.ErrInvalidCommand, cmd.Type)
	}

	if err != nil {
		s.send(models.NewErrorEvent(err, cmd.ClientRef))
	}
	return err
}

// Close ends the session as if the transport had dropped.
func (s *Session) Close(ctx context.Context) {
	s.gateway.Disconnect(ctx, s)
}
