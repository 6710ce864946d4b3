package relay

import (
	"sync"

	"speakingbot/core"

	"github.com/gorilla/websocket"
)

// Side identifies which of a session's two sockets an operation targets.
type Side int

const (
	// SideClient is the meeting-host connection carrying meeting audio.
	SideClient Side = iota
	// SideWorker is the connection to the spawned speech worker.
	SideWorker
)

func (s Side) String() string {
	if s == SideWorker {
		return "worker"
	}
	return "client"
}

// Registry tracks the live sockets of every session: one map per side, keyed
// by session id. Entries are non-owning references valid until explicitly
// removed.
type Registry struct {
	mu      sync.Mutex
	clients map[string]Conn
	workers map[string]Conn
	logger  *core.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *core.Logger) *Registry {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Registry{
		clients: make(map[string]Conn),
		workers: make(map[string]Conn),
		logger:  logger.With(map[string]interface{}{"component": "registry"}),
	}
}

// Register inserts conn for the session, overwriting any prior entry without
// closing it. Leaving the prior socket alone is deliberate: a reconnect can
// race a teardown, and closing here would double-close.
func (r *Registry) Register(sessionID string, conn Conn, side Side) {
	r.mu.Lock()
	r.sideMap(side)[sessionID] = conn
	r.mu.Unlock()
	r.logger.With(map[string]interface{}{"session_id": sessionID, "side": side.String()}).Info("socket registered")
}

// Lookup returns the session's socket for the given side, or nil.
func (r *Registry) Lookup(sessionID string, side Side) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sideMap(side)[sessionID]
}

// ClientIDs returns a snapshot of the session ids with a live client socket.
func (r *Registry) ClientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// CloseAndRemove removes the session's socket from the map and then closes
// it. Removal happens first so that concurrent senders, which always do a
// fresh lookup, can no longer reach a socket that is being closed. A close
// failure means the peer is already gone and is not an error.
func (r *Registry) CloseAndRemove(sessionID string, side Side) {
	r.mu.Lock()
	m := r.sideMap(side)
	conn, ok := m[sessionID]
	if ok {
		delete(m, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	log := r.logger.With(map[string]interface{}{"session_id": sessionID, "side": side.String()})
	if err := conn.Close(websocket.CloseNormalClosure, "bot disconnected"); err != nil {
		log.With(map[string]interface{}{"error": err}).Debug("could not close socket")
	}
	log.Info("socket disconnected")
}

func (r *Registry) sideMap(side Side) map[string]Conn {
	if side == SideWorker {
		return r.workers
	}
	return r.clients
}
