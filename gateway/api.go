package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"speakingbot/manager"
)

// createBotRequest mirrors the host-facing bot API shape. Validation here is
// deliberately minimal; the gateway is glue over Manager.Create.
type createBotRequest struct {
	MeetingURL     string          `json:"meeting_url"`
	BotName        string          `json:"bot_name"`
	Personas       []string        `json:"personas,omitempty"`
	PersonaPayload json.RawMessage `json:"persona_payload,omitempty"`
	APIKey         string          `json:"meeting_baas_api_key"`
	WebSocketURL   string          `json:"websocket_url,omitempty"`
	BotImage       string          `json:"bot_image,omitempty"`
	EntryMessage   string          `json:"entry_message,omitempty"`
	EnableTools    bool            `json:"enable_tools"`
	RecorderOnly   bool            `json:"recorder_only"`
	Extra          map[string]any  `json:"extra,omitempty"`
}

type createBotResponse struct {
	BotID    string `json:"bot_id"`
	ClientID string `json:"client_id"`
}

type removeBotRequest struct {
	APIKey   string `json:"meeting_baas_api_key"`
	ClientID string `json:"client_id,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (g *Gateway) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "unreadable body", Status: "error"})
		return
	}
	var req createBotRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid JSON", Status: "error"})
		return
	}
	if req.MeetingURL == "" {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "meeting_url is required", Status: "error"})
		return
	}
	if req.APIKey == "" {
		g.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "meeting_baas_api_key is required", Status: "error"})
		return
	}

	personaName := req.BotName
	if len(req.Personas) > 0 {
		personaName = req.Personas[0]
	}

	result, err := g.controller.Create(r.Context(), manager.CreateRequest{
		MeetingURL:     req.MeetingURL,
		PersonaName:    personaName,
		PersonaPayload: []byte(req.PersonaPayload),
		APIKey:         req.APIKey,
		WebSocketBase:  ConvertHTTPToWS(req.WebSocketURL),
		BotImage:       req.BotImage,
		EntryMessage:   req.EntryMessage,
		EnableTools:    req.EnableTools,
		RecorderOnly:   req.RecorderOnly,
		Extra:          req.Extra,
	})
	if err != nil {
		g.logger.With(map[string]interface{}{"error": err}).Error("bot creation failed")
		g.writeJSON(w, http.StatusBadGateway, errorResponse{Message: "failed to create bot", Status: "error"})
		return
	}

	g.writeJSON(w, http.StatusOK, createBotResponse{
		BotID:    result.ExternalBotID,
		ClientID: result.SessionID,
	})
}

func (g *Gateway) handleRemoveBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")

	var req removeBotRequest
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := sonic.Unmarshal(body, &req); err != nil {
			g.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid JSON", Status: "error"})
			return
		}
	}

	if err := g.controller.Remove(r.Context(), manager.RemoveRequest{
		SessionID:     req.ClientID,
		ExternalBotID: firstNonEmpty(botID, req.BotID),
		APIKey:        req.APIKey,
	}); err != nil {
		g.logger.With(map[string]interface{}{"error": err, "bot_id": botID}).Error("bot removal failed")
		g.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "removal failed", Status: "error"})
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"message": "bot removal request processed",
		"status":  "success",
		"bot_id":  firstNonEmpty(botID, req.BotID),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "speaking-bot-relay",
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
