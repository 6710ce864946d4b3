package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors for session store operations.
var (
	ErrInvalidConfig    = errors.New("session: invalid configuration")
	ErrInvalidStoreType = errors.New("session: invalid store type")
	ErrVersionConflict  = errors.New("session: version conflict")
	ErrNotFound         = errors.New("session: not found")
)

// State is a session's position in its lifecycle. The only terminal state is
// StateClosed; there is no way back from StateClosing.
type State string

const (
	StatePending State = "pending" // metadata stored, external bot not yet confirmed
	StateActive  State = "active"  // external bot confirmed, worker launched
	StateClosing State = "closing" // teardown initiated
	StateClosed  State = "closed"  // all resources released
)

// Data is the metadata record for one bot-in-a-meeting. It is created before
// any socket may attach and owned exclusively by the session manager; other
// components reference the session by ID only.
type Data struct {
	ID             string          `json:"id"`
	MeetingURL     string          `json:"meeting_url"`
	PersonaName    string          `json:"persona_name"`
	PersonaPayload json.RawMessage `json:"persona_payload,omitempty"` // opaque, handed to the worker as-is
	ExternalBotID  string          `json:"external_bot_id,omitempty"` // assigned by the meeting host after creation
	EnableTools    bool            `json:"enable_tools"`
	AudioFrequency string          `json:"audio_frequency"`
	RecorderOnly   bool            `json:"recorder_only"`
	State          State           `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"version"` // monotonically increasing, for optimistic locking
}
