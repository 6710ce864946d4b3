// Package gateway exposes the relay's WebSocket endpoints, /ws/{client_id}
// for the meeting host and /pipecat/{client_id} for the spawned worker,
// plus thin JSON glue for bot creation and removal.
package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"speakingbot/core"
	"speakingbot/manager"
	"speakingbot/protocol"
	"speakingbot/relay"
)

// Controller is the manager surface the gateway drives.
type Controller interface {
	Create(ctx context.Context, req manager.CreateRequest) (*manager.CreateResult, error)
	Remove(ctx context.Context, req manager.RemoveRequest) error
	Attach(ctx context.Context, sessionID string, side relay.Side, conn relay.Conn) error
	Teardown(sessionID string)
}

// Gateway serves the relay's HTTP/WebSocket surface.
type Gateway struct {
	controller Controller
	router     *relay.Router
	logger     *core.Logger
	upgrader   websocket.Upgrader
}

// New creates a gateway over the given controller and router.
func New(controller Controller, router *relay.Router, logger *core.Logger) *Gateway {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Gateway{
		controller: controller,
		router:     router,
		logger:     logger.With(map[string]interface{}{"component": "gateway"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The meeting host and the worker dial from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register installs all routes on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{client_id}", g.handleClientSocket)
	mux.HandleFunc("GET /pipecat/{client_id}", g.handleWorkerSocket)
	mux.HandleFunc("POST /bots", g.handleCreateBot)
	mux.HandleFunc("DELETE /bots/{bot_id}", g.handleRemoveBot)
	mux.HandleFunc("GET /health", g.handleHealth)
}

// handleClientSocket accepts the meeting host's connection for a session.
func (g *Gateway) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	g.handleSocket(w, r, relay.SideClient)
}

// handleWorkerSocket accepts the worker's dial-back connection.
func (g *Gateway) handleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	g.handleSocket(w, r, relay.SideWorker)
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request, side relay.Side) {
	sessionID := r.PathValue("client_id")
	log := g.logger.With(map[string]interface{}{"session_id": sessionID, "side": side.String()})

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.With(map[string]interface{}{"error": err}).Error("upgrade failed")
		return
	}
	wsConn := relay.NewWSConn(conn)

	if err := g.controller.Attach(r.Context(), sessionID, side, wsConn); err != nil {
		log.With(map[string]interface{}{"error": err}).Warn("attach rejected")
		wsConn.Close(websocket.ClosePolicyViolation, "unknown session")
		return
	}

	if side == relay.SideClient {
		if ack, err := protocol.MarshalStatus(protocol.MsgStatus, sessionID, "connected"); err == nil {
			wsConn.WriteText(ack)
		}
	}

	g.readLoop(conn, sessionID, side, log)
}

// readLoop is the session's single reader for one side; frames are handled
// synchronously, which is what preserves per-session ordering. A read error
// of any kind triggers teardown of the whole session.
func (g *Gateway) readLoop(conn *websocket.Conn, sessionID string, side relay.Side, log *core.Logger) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.With(map[string]interface{}{"error": err}).Warn("socket read failed")
			} else {
				log.Debug("socket closed")
			}
			g.controller.Teardown(sessionID)
			return
		}

		switch {
		case msgType == websocket.BinaryMessage && side == relay.SideClient:
			g.router.SendAudioToWorker(msg, sessionID)
		case msgType == websocket.BinaryMessage && side == relay.SideWorker:
			g.router.SendAudioToClient(msg, sessionID)
		case msgType == websocket.TextMessage && side == relay.SideClient:
			// Host control/status JSON passes through opaquely.
			g.router.ForwardTextToWorker(string(msg), sessionID)
		case msgType == websocket.TextMessage && side == relay.SideWorker:
			g.router.SendTextToClient(string(msg), sessionID)
		}
	}
}
