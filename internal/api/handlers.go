package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// PresenceSource is what the presence endpoints need from the hub
type PresenceSource interface {
	SetPresence(userID string, status models.PresenceStatus) bool
	IsOnline(userID string) bool
}

// TypingNotifier fans a typing indicator out to a conversation
type TypingNotifier interface {
	NotifyTyping(ctx context.Context, conversationID, senderID string, isTyping bool) error
}

// PresenceHandler handles presence endpoints
type PresenceHandler struct {
	store storage.PresenceStore
	hub   PresenceSource
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(store storage.PresenceStore, hub PresenceSource) *PresenceHandler {
	return &PresenceHandler{store: store, hub: hub}
}

type presenceResponse struct {
	UserID    string                `json:"user_id"`
	Status    models.PresenceStatus `json:"status"`
	LastSeen  *time.Time            `json:"last_seen"`
	Connected bool                  `json:"connected"`
}

// GetPresence handles GET /api/v1/presence/{user_id}
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	p, err := h.store.GetPresence(r.Context(), userID)
	if err != nil {
		logger.Error("Failed to get presence",
			logger.ErrorField(err),
			logger.String("user_id", userID),
		)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve presence")
		return
	}

	respondWithJSON(w, http.StatusOK, presenceResponse{
		UserID:    userID,
		Status:    p.Status,
		LastSeen:  p.LastSeen,
		Connected: h.hub.IsOnline(userID),
	})
}

type updatePresenceRequest struct {
	Status models.PresenceStatus `json:"status"`
}

// UpdatePresence handles POST /api/v1/presence for the authenticated user
func (h *PresenceHandler) UpdatePresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}

	var req updatePresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.Valid() {
		respondWithError(w, http.StatusBadRequest, "status must be one of online, offline, away")
		return
	}

	if !h.hub.SetPresence(userID, req.Status) {
		respondWithError(w, http.StatusServiceUnavailable, "Presence updates are unavailable")
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"user_id": userID,
		"status":  req.Status,
	})
}

// TypingHandler handles the REST variant of the typing indicator
type TypingHandler struct {
	notifier TypingNotifier
}

// NewTypingHandler creates a new typing handler
func NewTypingHandler(notifier TypingNotifier) *TypingHandler {
	return &TypingHandler{notifier: notifier}
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// SendTyping handles POST /api/v1/conversations/{conversation_id}/typing
func (h *TypingHandler) SendTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}
	conversationID := mux.Vars(r)["conversation_id"]

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.notifier.NotifyTyping(r.Context(), conversationID, userID, req.IsTyping); err != nil {
		if errors.Is(err, models.ErrInvalidConversationID) {
			respondWithError(w, http.StatusBadRequest, "conversation_id is required")
			return
		}
		logger.Warn("Failed to send typing indicator",
			logger.ErrorField(err),
			logger.String("conversation_id", conversationID),
			logger.String("user_id", userID),
		)
		respondWithError(w, http.StatusInternalServerError, "Failed to send typing indicator")
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"conversation_id": conversationID,
		"is_typing":       req.IsTyping,
	})
}
