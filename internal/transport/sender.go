// Package transport is the WebSocket binding for the Client Session
// (spec.md §4.4/§4.5): upgrading an HTTP connection, running the sync
// handshake, and looping on inbound frames. Grounded on the teacher's
// eventsync.WebSocketClient, using github.com/gorilla/websocket for
// the actual frame read/write the way eventsync and the
// luvjson-client-sdk example server both do.
package transport

import (
	"github.com/gorilla/websocket"

	"github.com/taskgraph/collabcore/internal/session"
)

// wsSender adapts a *websocket.Conn to session.Sender. It does no
// locking of its own: session.Session already serializes Send/Close
// against each other, matching the single-writer requirement
// gorilla/websocket imposes on a connection.
type wsSender struct {
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(frame []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *wsSender) Close(code session.CloseCode, reason string) error {
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	return s.conn.Close()
}

func (s *wsSender) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

var _ session.Sender = (*wsSender)(nil)
