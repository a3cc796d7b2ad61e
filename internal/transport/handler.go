package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/corerr"
	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/metrics"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/protocol"
	"github.com/taskgraph/collabcore/internal/registry"
	"github.com/taskgraph/collabcore/internal/session"
)

const writeWait = 5 * time.Second

func deadlineNow() time.Time { return time.Now().Add(writeWait) }

// Identify extracts the caller's principal and the project they're
// connecting to from the upgrade request. Auth itself (JWT/OAuth
// validation, session cookies) happens upstream of this core; Identify
// is the narrow seam the core reads the result through.
type Identify func(r *http.Request) (session.Principal, model.ProjectID, error)

// VerifyAccess is the narrow external access-control hook spec.md §6
// names: given a verified principal and a target project, decide
// whether the connection may proceed.
type VerifyAccess func(ctx context.Context, principal session.Principal, projectID model.ProjectID) (corerr.AuthDecision, error)

// Handler upgrades HTTP connections to the binary sync protocol and
// drives each session's receive loop.
type Handler struct {
	upgrader websocket.Upgrader
	reg      *registry.Registry
	identify Identify
	verify   VerifyAccess
	logger   *zap.Logger
	metrics  metrics.Recorder
}

func NewHandler(reg *registry.Registry, identify Identify, verify VerifyAccess, logger *zap.Logger, m metrics.Recorder) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		reg:      reg,
		identify: identify,
		verify:   verify,
		logger:   logger,
		metrics:  m,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, projectID, err := h.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := projectID.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	decision, err := h.verify(r.Context(), principal, projectID)
	if err != nil {
		h.logger.Warn("verify access failed", zap.String("project_id", string(projectID)), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	switch decision {
	case corerr.AuthUnauthorized:
		closeConn(conn, session.CloseUnauthorized, "Unauthorized.")
		return
	case corerr.AuthTransientError:
		closeConn(conn, session.CloseOverloaded, "Temporarily unavailable.")
		return
	}

	room, err := h.reg.GetOrCreate(projectID)
	if err != nil {
		closeConn(conn, session.CloseError, "internal error")
		return
	}

	sess := session.New(uuid.NewString(), principal, projectID, newWSSender(conn))

	if err := room.AddClient(r.Context(), sess); err != nil {
		h.logger.Info("room rejected client", zap.String("project_id", string(projectID)), zap.Error(err))
		closeConn(conn, session.CloseOverloaded, "Temporarily unavailable.")
		return
	}
	defer room.RemoveClient(sess)

	h.logger.Info("session joined",
		zap.String("session_id", sess.ID),
		zap.String("project_id", string(projectID)),
		zap.String("remote_addr", sess.RemoteAddr()))

	if err := h.greet(r.Context(), room, sess); err != nil {
		h.logger.Warn("initial sync failed", zap.String("session_id", sess.ID), zap.Error(err))
		_ = sess.Close(session.CloseError, "sync failed")
		return
	}

	h.receiveLoop(r.Context(), room, sess, conn)
}

// greet sends this room's current state vector so the peer can reply
// with whatever it has that we're missing — the same "send your
// SyncStep1 immediately on connect" opening the original sync protocol
// uses.
func (h *Handler) greet(ctx context.Context, room roomHandle, sess *session.Session) error {
	sv, err := room.StateVector(ctx)
	if err != nil {
		return err
	}
	svBytes, err := docrdt.EncodeStateVector(sv)
	if err != nil {
		return err
	}
	return sess.Send(protocol.EncodeSyncRequest(svBytes))
}

func (h *Handler) receiveLoop(ctx context.Context, room roomHandle, sess *session.Session, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Debug("session transport error", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return
		}

		msg, _, err := protocol.Decode(data)
		if err != nil {
			h.metrics.RejectedFrame("decode")
			h.logger.Debug("dropping malformed frame", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}

		if err := h.handleMessage(ctx, room, sess, msg); err != nil {
			var applyErr *corerr.ApplyError
			if errors.As(err, &applyErr) {
				h.metrics.RejectedFrame("apply")
				h.logger.Debug("dropping rejected update", zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			var protoErr *corerr.ProtocolError
			if errors.As(err, &protoErr) {
				h.metrics.RejectedFrame("protocol")
				h.logger.Debug("dropping malformed message", zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			h.logger.Warn("session handling failed, closing", zap.String("session_id", sess.ID), zap.Error(err))
			_ = sess.Close(session.CloseError, "internal error")
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, room roomHandle, sess *session.Session, msg protocol.Message) error {
	switch msg.Sub {
	case protocol.SyncRequest:
		peerSV, err := docrdt.DecodeStateVector(msg.Payload)
		if err != nil {
			return &corerr.ProtocolError{Reason: "malformed state vector", Err: err}
		}
		update, err := room.EncodeStateAsUpdate(ctx, peerSV)
		if err != nil {
			return err
		}
		return sess.Send(protocol.EncodeSyncResponse(update))

	case protocol.SyncResponse, protocol.SyncUpdate:
		origin := model.Origin{Who: sess.ID, ID: uuid.NewString(), Actor: actorFor(sess.Principal)}
		return room.Submit(ctx, origin, msg.Payload)

	default:
		return &corerr.ProtocolError{Reason: "unhandled sub type"}
	}
}

func actorFor(p session.Principal) model.Actor {
	if p.Email == "" && p.Name == "" {
		return model.ServerActor()
	}
	return model.UserActor(p.Email, p.Name)
}

func closeConn(conn *websocket.Conn, code session.CloseCode, reason string) {
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	_ = conn.Close()
}

// roomHandle is the subset of *room.Room the handler needs, kept as
// an interface so handler tests can fake a room without a real store.
type roomHandle interface {
	StateVector(ctx context.Context) (docrdt.StateVector, error)
	EncodeStateAsUpdate(ctx context.Context, sv docrdt.StateVector) ([]byte, error)
	Submit(ctx context.Context, origin model.Origin, update []byte) error
}
