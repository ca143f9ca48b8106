package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// EventSink accepts realtime envelopes for delivery. Both the local
// wsgateway.Notifier and pubsub.EventPublisher implement it.
type EventSink interface {
	Publish(ctx context.Context, env models.Envelope) error
}

// NotificationHandler serves the notification inbox and the producer
// endpoints that create and push notifications.
type NotificationHandler struct {
	store storage.NotificationStore
	sink  EventSink
	now   storage.Clock
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(store storage.NotificationStore, sink EventSink) *NotificationHandler {
	return &NotificationHandler{store: store, sink: sink, now: time.Now}
}

// ListNotifications handles GET /api/v1/notifications?limit=&unread_only=
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}

	filter := models.NotificationFilter{UserID: userID, Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 200 {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("unread_only"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "unread_only must be a boolean")
			return
		}
		filter.UnreadOnly = unread
	}

	notifications, err := h.store.ListNotifications(r.Context(), filter)
	if err != nil {
		logger.Error("Failed to list notifications",
			logger.ErrorField(err),
			logger.String("user_id", userID),
		)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve notifications")
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}

	count, err := h.store.UnreadCount(r.Context(), userID)
	if err != nil {
		logger.Error("Failed to count unread notifications",
			logger.ErrorField(err),
			logger.String("user_id", userID),
		)
		respondWithError(w, http.StatusInternalServerError, "Failed to count notifications")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// MarkRead handles PUT /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}
	id := mux.Vars(r)["id"]

	if err := h.store.MarkRead(r.Context(), userID, id); err != nil {
		h.storeError(w, err, "Failed to mark notification read")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// MarkAllRead handles PUT /api/v1/notifications/mark-all-read
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}

	updated, err := h.store.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.storeError(w, err, "Failed to mark notifications read")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"message": "All notifications marked as read",
		"updated": updated,
	})
}

// DeleteNotification handles DELETE /api/v1/notifications/{id}
func (h *NotificationHandler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteNotification(r.Context(), userID, id); err != nil {
		h.storeError(w, err, "Failed to delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notifyRequest struct {
	UserID           string          `json:"user_id"`
	NotificationType string          `json:"notification_type"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	Link             string          `json:"link"`
	Data             json.RawMessage `json:"data"`
}

// Notify handles POST /api/v1/internal/notify. The notification is stored
// first; pushing it to connected clients is best effort.
func (h *NotificationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n := &models.Notification{
		UserID:  req.UserID,
		Type:    req.NotificationType,
		Title:   req.Title,
		Message: req.Message,
		Link:    req.Link,
		Data:    req.Data,
	}
	if err := n.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateNotification(r.Context(), n); err != nil {
		logger.Error("Failed to create notification",
			logger.ErrorField(err),
			logger.String("user_id", n.UserID),
		)
		respondWithError(w, http.StatusInternalServerError, "Failed to create notification")
		return
	}

	event, err := json.Marshal(models.NewNotificationEvent(n.Type, n, h.now()))
	if err == nil {
		err = h.sink.Publish(r.Context(), models.Envelope{UserID: n.UserID, Event: event})
	}
	if err != nil {
		logger.Warn("Failed to push notification",
			logger.ErrorField(err),
			logger.String("notification_id", n.ID),
			logger.String("user_id", n.UserID),
		)
	}

	respondWithJSON(w, http.StatusCreated, n)
}

type broadcastRequest struct {
	Type    models.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// broadcastKeys maps broadcastable events to the field carrying their payload
var broadcastKeys = map[models.EventType]string{
	models.EventNewChallenge:   "challenge",
	models.EventNewImpactEvent: "event",
}

// Broadcast handles POST /api/v1/internal/broadcast
func (h *NotificationHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key, ok := broadcastKeys[req.Type]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "type must be new_challenge or new_impact_event")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	event, err := models.NewEvent(req.Type, map[string]interface{}{key: req.Payload})
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if err := h.sink.Publish(r.Context(), models.Envelope{Event: event}); err != nil {
		logger.Error("Failed to publish broadcast",
			logger.ErrorField(err),
			logger.String("type", string(req.Type)),
		)
		respondWithError(w, http.StatusBadGateway, "Failed to publish event")
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *NotificationHandler) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, models.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Notification not found")
		return
	}
	logger.Error(message, logger.ErrorField(err))
	respondWithError(w, http.StatusInternalServerError, message)
}
