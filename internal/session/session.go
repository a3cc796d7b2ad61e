// Package session implements the Client Session (spec.md §4.5): one
// live framed connection, split into a serialized send half and an
// unserialized receive half. Grounded on the teacher's
// eventsync.WebSocketClient and the pack's
// Polqt-golang-journey/projects/03-crdt-collab-backend session.Session
// Sender-interface pattern.
package session

import (
	"sync"

	"github.com/taskgraph/collabcore/internal/model"
)

// CloseCode is one of the IANA WebSocket close codes the core emits
// (spec.md §6).
type CloseCode int

const (
	CloseNormal       CloseCode = 1000
	CloseError        CloseCode = 1011
	CloseRestart      CloseCode = 1012
	CloseOverloaded   CloseCode = 1013
	CloseUnauthorized CloseCode = 3000
)

// Sender is implemented by the transport layer (internal/transport)
// so a Session can push frames without depending on the transport
// package — the same inversion the pack's session.Sender interface
// uses to keep the WebSocket frame format out of the room/session
// layer.
type Sender interface {
	Send(frame []byte) error
	Close(code CloseCode, reason string) error
	RemoteAddr() string
}

// Principal is the caller-verified identity behind a session
// (spec.md §6's VerifyAccess hook supplies it).
type Principal struct {
	Email string
	Name  string
}

// Session is one registered client connection. The send half
// (sendMu) serializes outbound frames per spec.md's ordering
// guarantee; the receive half has no analogous lock because only one
// goroutine — the session's own receive loop — ever reads frames.
type Session struct {
	ID        string
	Principal Principal
	ProjectID model.ProjectID

	sendMu sync.Mutex
	sender Sender

	closeOnce sync.Once
	closeErr  error
}

// New wraps a transport Sender as a registered Session.
func New(id string, principal Principal, projectID model.ProjectID, sender Sender) *Session {
	return &Session{ID: id, Principal: principal, ProjectID: projectID, sender: sender}
}

// Send writes one frame to this session's connection, serialized
// against any concurrent Send so that frames to a single recipient
// preserve server-side enqueue order (spec.md §5).
func (s *Session) Send(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sender.Send(frame)
}

// Close closes the underlying connection exactly once; subsequent
// calls return the first Close's result.
func (s *Session) Close(code CloseCode, reason string) error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		s.closeErr = s.sender.Close(code, reason)
	})
	return s.closeErr
}

func (s *Session) RemoteAddr() string { return s.sender.RemoteAddr() }
