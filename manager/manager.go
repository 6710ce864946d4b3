// Package manager binds the relay's parts together: it owns session
// metadata, drives worker launches through the host API and the supervisor,
// admits socket attaches, and guarantees race-free teardown no matter how
// many directions teardown is triggered from at once.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"speakingbot/core"
	"speakingbot/hostapi"
	"speakingbot/protocol"
	"speakingbot/relay"
	"speakingbot/session"
	"speakingbot/supervisor"
)

// ErrUnknownSession rejects a socket attach for a session with no metadata
// record, or one already mid-teardown.
var ErrUnknownSession = errors.New("manager: unknown session")

const (
	defaultDrainDelay  = 500 * time.Millisecond
	defaultStopTimeout = 3 * time.Second
)

// HostAPI is the meeting-host surface the manager needs.
type HostAPI interface {
	CreateBot(ctx context.Context, req hostapi.CreateBotRequest) (string, error)
	LeaveBot(ctx context.Context, botID, apiKey string) error
}

// Launcher is the worker-supervision surface the manager needs.
type Launcher interface {
	Start(spec supervisor.LaunchSpec) error
	Stop(sessionID string, timeout time.Duration) bool
	Watch(sessionID string) <-chan struct{}
}

// Config tunes the manager.
type Config struct {
	// PublicWSBase is the externally reachable base URL for the relay's
	// WebSocket endpoints, e.g. "ws://relay.example.com:8766".
	PublicWSBase string
	// DrainDelay is the pause between closing a session's sockets and
	// killing its worker, so in-flight sends finish being rejected instead
	// of racing a hard kill.
	DrainDelay time.Duration
	// StopTimeout is the graceful-termination window before force-kill.
	StopTimeout time.Duration
}

// Manager is the session orchestrator.
type Manager struct {
	cfg      Config
	store    session.Store
	registry *relay.Registry
	router   *relay.Router
	codec    *protocol.Codec
	host     HostAPI
	launcher Launcher
	logger   *core.Logger
}

// New creates a manager. Zero config durations get defaults.
func New(cfg Config, store session.Store, registry *relay.Registry, router *relay.Router, codec *protocol.Codec, host HostAPI, launcher Launcher, logger *core.Logger) *Manager {
	if cfg.DrainDelay == 0 {
		cfg.DrainDelay = defaultDrainDelay
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		registry: registry,
		router:   router,
		codec:    codec,
		host:     host,
		launcher: launcher,
		logger:   logger.With(map[string]interface{}{"component": "manager"}),
	}
}

// CreateRequest carries everything needed to put a speaking bot into a
// meeting.
type CreateRequest struct {
	MeetingURL     string
	PersonaName    string
	PersonaPayload []byte // opaque persona record, handed to the worker as-is
	APIKey         string
	WebSocketBase  string // optional per-request override of PublicWSBase
	BotImage       string
	EntryMessage   string
	EnableTools    bool
	RecorderOnly   bool
	AudioFrequency string // "16khz" or "24khz"; defaults to "24khz"
	Extra          map[string]any
}

// CreateResult identifies the created bot on both sides of the contract.
type CreateResult struct {
	SessionID     string
	ExternalBotID string
}

// RemoveRequest identifies a session to tear down by either key.
type RemoveRequest struct {
	SessionID     string
	ExternalBotID string
	APIKey        string // used for the host leave call; when empty the host call is skipped
}

// Create allocates a session, registers the bot with the meeting host and
// launches its worker. On any failure nothing is left behind: the metadata
// record is discarded and, past host registration, the bot is asked to leave.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.MeetingURL == "" {
		return nil, fmt.Errorf("manager: meeting URL is required")
	}
	if req.AudioFrequency == "" {
		req.AudioFrequency = "24khz"
	}

	sessionID := uuid.NewString()
	log := m.logger.With(map[string]interface{}{"session_id": sessionID})

	// The envelope sample rate follows the session's streaming frequency and
	// must be in place before the first frame flows.
	m.codec.SetSampleRate(protocol.SampleRateForFrequency(req.AudioFrequency))

	data := &session.Data{
		ID:             sessionID,
		MeetingURL:     req.MeetingURL,
		PersonaName:    req.PersonaName,
		PersonaPayload: req.PersonaPayload,
		EnableTools:    req.EnableTools,
		AudioFrequency: req.AudioFrequency,
		RecorderOnly:   req.RecorderOnly,
		State:          session.StatePending,
	}
	if err := m.store.Create(ctx, data); err != nil {
		return nil, fmt.Errorf("manager: store session: %w", err)
	}

	wsBase := req.WebSocketBase
	if wsBase == "" {
		wsBase = m.cfg.PublicWSBase
	}
	clientWSURL := wsBase + "/ws/" + sessionID
	workerWSURL := wsBase + "/pipecat/" + sessionID

	botID, err := m.host.CreateBot(ctx, hostapi.CreateBotRequest{
		MeetingURL:     req.MeetingURL,
		BotName:        req.PersonaName,
		WebSocketURL:   clientWSURL,
		BotImage:       req.BotImage,
		EntryMessage:   req.EntryMessage,
		RecorderOnly:   req.RecorderOnly,
		AudioFrequency: req.AudioFrequency,
		Extra:          req.Extra,
		APIKey:         req.APIKey,
	})
	if err != nil {
		// No process started and no sockets can have attached: discarding
		// the metadata record is the whole rollback.
		if delErr := m.store.Delete(ctx, sessionID); delErr != nil {
			log.With(map[string]interface{}{"error": delErr}).Error("could not discard session metadata")
		}
		return nil, fmt.Errorf("manager: host bot creation: %w", err)
	}

	data.ExternalBotID = botID
	data.State = session.StateActive
	if err := m.store.Update(ctx, data); err != nil {
		log.With(map[string]interface{}{"error": err}).Error("could not record external bot id")
	}

	if err := m.launcher.Start(supervisor.LaunchSpec{
		SessionID:      sessionID,
		MeetingURL:     req.MeetingURL,
		WebSocketURL:   workerWSURL,
		PersonaJSON:    req.PersonaPayload,
		AudioFrequency: req.AudioFrequency,
		EnableTools:    req.EnableTools,
		APIKey:         req.APIKey,
		ExternalBotID:  botID,
	}); err != nil {
		if leaveErr := m.host.LeaveBot(ctx, botID, req.APIKey); leaveErr != nil {
			log.With(map[string]interface{}{"error": leaveErr}).Error("could not remove bot after failed launch")
		}
		if delErr := m.store.Delete(ctx, sessionID); delErr != nil {
			log.With(map[string]interface{}{"error": delErr}).Error("could not discard session metadata")
		}
		return nil, fmt.Errorf("manager: launch worker: %w", err)
	}

	go m.watchWorker(sessionID, req.APIKey)

	log.With(map[string]interface{}{"bot_id": botID, "meeting_url": req.MeetingURL}).Info("session created")
	return &CreateResult{SessionID: sessionID, ExternalBotID: botID}, nil
}

// Attach admits a socket for a session. Only sessions with a metadata record
// that are not mid-teardown may attach; everyone else is rejected so the
// gateway can close the socket with a policy-violation code instead of
// leaving it dangling. The admission check runs again after Register: a
// removal can complete between the metadata lookup and the registry insert,
// and a socket slipping in behind it would outlive every other table entry.
func (m *Manager) Attach(ctx context.Context, sessionID string, side relay.Side, conn relay.Conn) error {
	data, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("manager: attach lookup: %w", err)
	}
	if data == nil || m.router.IsClosing(sessionID) {
		return ErrUnknownSession
	}
	m.registry.Register(sessionID, conn, side)

	stale := m.router.IsClosing(sessionID)
	if !stale {
		current, err := m.store.Get(ctx, sessionID)
		stale = err == nil && current == nil
	}
	if stale {
		m.registry.CloseAndRemove(sessionID, side)
		return ErrUnknownSession
	}
	return nil
}

// Teardown is the trigger used by socket error handlers and the worker
// watchdog: a full removal with no host credential (the host notices the bot
// leaving on its own).
func (m *Manager) Teardown(sessionID string) {
	m.Remove(context.Background(), RemoveRequest{SessionID: sessionID})
}

// Remove drives the fixed teardown sequence. Every step is individually
// idempotent, so concurrent duplicate invocations (an explicit API call
// racing a socket-error handler or the worker watchdog) interleave safely
// without a per-session lock. Removing an unknown or already-removed
// session is not an error.
func (m *Manager) Remove(ctx context.Context, req RemoveRequest) error {
	sessionID := req.SessionID
	if sessionID == "" && req.ExternalBotID != "" {
		sessionID = m.resolveExternalID(ctx, req.ExternalBotID)
	}
	if sessionID == "" {
		m.logger.With(map[string]interface{}{"bot_id": req.ExternalBotID}).Warn("removal requested for unknown bot")
		return nil
	}

	log := m.logger.With(map[string]interface{}{"session_id": sessionID})

	data, err := m.store.Get(ctx, sessionID)
	if err != nil {
		log.With(map[string]interface{}{"error": err}).Error("teardown metadata lookup failed, continuing")
	}
	if data == nil && m.registry.Lookup(sessionID, relay.SideClient) == nil &&
		m.registry.Lookup(sessionID, relay.SideWorker) == nil {
		log.Debug("session already removed")
		return nil
	}

	// From here on no new send reaches either socket. Sends already past
	// their closing check are handled by remove-before-close below.
	m.router.MarkClosing(sessionID)

	if data != nil && data.State != session.StateClosing {
		data.State = session.StateClosing
		if err := m.store.Update(ctx, data); err != nil && !errors.Is(err, session.ErrVersionConflict) && !errors.Is(err, session.ErrNotFound) {
			log.With(map[string]interface{}{"error": err}).Error("could not mark session closing")
		}
	}

	botID := req.ExternalBotID
	if botID == "" && data != nil {
		botID = data.ExternalBotID
	}
	if botID != "" && req.APIKey != "" {
		if err := m.host.LeaveBot(ctx, botID, req.APIKey); err != nil {
			log.With(map[string]interface{}{"error": err, "bot_id": botID}).Error("host leave failed")
		}
	}

	m.registry.CloseAndRemove(sessionID, relay.SideWorker)

	// Best-effort shutdown notice to the meeting host before its socket
	// goes away. The router is already closed to this session, so the
	// write goes straight to the conn.
	if notice, err := protocol.MarshalStatus(protocol.MsgShutdown, sessionID, "session closing"); err == nil {
		if conn := m.registry.Lookup(sessionID, relay.SideClient); conn != nil {
			if err := conn.WriteText(notice); err != nil {
				log.Debug("could not deliver shutdown notice")
			}
		}
	}
	m.registry.CloseAndRemove(sessionID, relay.SideClient)

	// Let in-flight sends drain against the closing flag before the worker
	// is killed out from under them.
	time.Sleep(m.cfg.DrainDelay)

	if m.launcher.Stop(sessionID, m.cfg.StopTimeout) {
		log.Debug("worker stopped gracefully")
	} else {
		log.Warn("worker had to be force-killed")
	}

	// All resources are released at this point; record the terminal state
	// before the record disappears, for stores visible to outside tooling.
	if data != nil {
		data.State = session.StateClosed
		if err := m.store.Update(ctx, data); err != nil && !errors.Is(err, session.ErrVersionConflict) && !errors.Is(err, session.ErrNotFound) {
			log.With(map[string]interface{}{"error": err}).Error("could not mark session closed")
		}
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		log.With(map[string]interface{}{"error": err}).Error("could not delete session metadata")
	}
	m.router.Forget(sessionID)

	log.Info("session closed")
	return nil
}

// watchWorker tears the session down if its worker exits before teardown
// asked it to.
func (m *Manager) watchWorker(sessionID, apiKey string) {
	done := m.launcher.Watch(sessionID)
	if done == nil {
		return
	}
	<-done
	if m.router.IsClosing(sessionID) {
		return // expected exit during teardown
	}
	if data, err := m.store.Get(context.Background(), sessionID); err == nil && data == nil {
		return // teardown already completed
	}
	m.logger.With(map[string]interface{}{"session_id": sessionID}).Warn("worker exited unexpectedly, tearing session down")
	m.Remove(context.Background(), RemoveRequest{SessionID: sessionID, APIKey: apiKey})
}

func (m *Manager) resolveExternalID(ctx context.Context, externalBotID string) string {
	all, err := m.store.List(ctx)
	if err != nil {
		m.logger.With(map[string]interface{}{"error": err}).Error("could not list sessions")
		return ""
	}
	for _, data := range all {
		if data.ExternalBotID == externalBotID {
			return data.ID
		}
	}
	return ""
}
