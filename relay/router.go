package relay

import (
	"errors"
	"net"
	"strings"
	"sync"

	"speakingbot/core"
	"speakingbot/protocol"

	"github.com/gorilla/websocket"
)

// Router moves audio between a session's two sockets and carries text
// control messages. Sessions mid-teardown live in the closing set: once a
// session is marked closing, every send for it becomes a silent no-op, so
// frames stop being attempted instead of failing repeatedly against a
// half-torn-down pipe.
type Router struct {
	registry *Registry
	codec    *protocol.Codec
	logger   *core.Logger

	mu      sync.Mutex
	closing map[string]struct{}
}

// NewRouter creates a router over the given registry and codec.
func NewRouter(registry *Registry, codec *protocol.Codec, logger *core.Logger) *Router {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Router{
		registry: registry,
		codec:    codec,
		logger:   logger.With(map[string]interface{}{"component": "router"}),
		closing:  make(map[string]struct{}),
	}
}

// MarkClosing permanently disables routing for the session. Idempotent; a
// session that starts closing never resumes.
func (r *Router) MarkClosing(sessionID string) {
	r.mu.Lock()
	_, seen := r.closing[sessionID]
	r.closing[sessionID] = struct{}{}
	r.mu.Unlock()
	if !seen {
		r.logger.With(map[string]interface{}{"session_id": sessionID}).Info("session marked closing")
	}
}

// IsClosing reports whether routing is disabled for the session.
func (r *Router) IsClosing(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.closing[sessionID]
	return ok
}

// Forget drops the session from the closing set after teardown completes, so
// the set does not grow for the life of the process.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.closing, sessionID)
	r.mu.Unlock()
}

// SendAudioToWorker encodes raw meeting audio into an envelope and sends it
// to the session's worker socket.
func (r *Router) SendAudioToWorker(raw []byte, sessionID string) {
	if r.IsClosing(sessionID) {
		return
	}
	conn := r.registry.Lookup(sessionID, SideWorker)
	if conn == nil {
		return
	}
	r.send(sessionID, SideWorker, conn.WriteBinary(r.codec.Encode(raw)))
}

// SendAudioToClient decodes a worker envelope and forwards the raw audio to
// the session's client socket. Envelopes with no audio payload are dropped
// silently; malformed envelopes are dropped with a log line.
func (r *Router) SendAudioToClient(envelope []byte, sessionID string) {
	if r.IsClosing(sessionID) {
		return
	}
	raw, err := r.codec.Decode(envelope)
	if err != nil {
		r.logger.With(map[string]interface{}{"session_id": sessionID, "error": err}).Error("dropping malformed worker frame")
		return
	}
	if raw == nil {
		return
	}
	conn := r.registry.Lookup(sessionID, SideClient)
	if conn == nil {
		return
	}
	r.send(sessionID, SideClient, conn.WriteBinary(raw))
}

// SendTextToClient sends a text message to the session's client socket.
func (r *Router) SendTextToClient(text string, sessionID string) {
	if r.IsClosing(sessionID) {
		return
	}
	conn := r.registry.Lookup(sessionID, SideClient)
	if conn == nil {
		return
	}
	r.send(sessionID, SideClient, conn.WriteText([]byte(text)))
}

// ForwardTextToWorker passes host control JSON through to the worker socket
// without inspecting it.
func (r *Router) ForwardTextToWorker(text string, sessionID string) {
	if r.IsClosing(sessionID) {
		return
	}
	conn := r.registry.Lookup(sessionID, SideWorker)
	if conn == nil {
		return
	}
	r.send(sessionID, SideWorker, conn.WriteText([]byte(text)))
}

// BroadcastText best-effort sends a text message to every non-closing client
// session. One recipient's failure does not stop delivery to the rest.
func (r *Router) BroadcastText(text string) {
	for _, id := range r.registry.ClientIDs() {
		r.SendTextToClient(text, id)
	}
}

// send handles the outcome of a write. A dead peer marks the session closing
// so subsequent frames are skipped instead of retried.
func (r *Router) send(sessionID string, side Side, err error) {
	if err == nil {
		return
	}
	r.logger.With(map[string]interface{}{
		"session_id": sessionID,
		"side":       side.String(),
		"error":      err,
	}).Error("send failed")
	if isPeerGone(err) {
		r.MarkClosing(sessionID)
	}
}

// isPeerGone reports whether a write error means the peer closed the
// connection (as opposed to a transient transport hiccup).
func isPeerGone(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.ClosePolicyViolation) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
