package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageType enumerates the control messages the relay itself emits on the
// text channel. Host control JSON (speaker activity, passthrough payloads) is
// forwarded opaquely and never parsed into these types.
type MessageType string

const (
	MsgStatus   MessageType = "status"
	MsgSystem   MessageType = "system"
	MsgShutdown MessageType = "shutdown"
)

// StatusMessage is sent to a client socket right after a successful attach
// and on relay-initiated lifecycle events.
type StatusMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// MarshalStatus serializes a status message for the text channel.
func MarshalStatus(msgType MessageType, sessionID, message string) ([]byte, error) {
	data, err := sonic.Marshal(StatusMessage{
		Type:      msgType,
		SessionID: sessionID,
		Message:   message,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q status: %w", msgType, err)
	}
	return data, nil
}
