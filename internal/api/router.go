package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/internal/wsgateway"
)

// RouterDeps are the collaborators the HTTP surface is built from
type RouterDeps struct {
	Config        config.Config
	Hub           *wsgateway.Hub
	Auth          *wsgateway.AuthManager
	Presence      storage.PresenceStore
	Notifications storage.NotificationStore
	Sink          EventSink
	Checks        map[string]Pinger
}

// NewRouter wires the websocket endpoint, the REST API and the operational
// endpoints into one handler.
func NewRouter(deps RouterDeps) http.Handler {
	router := mux.NewRouter()
	router.Use(
		mux.MiddlewareFunc(ErrorHandlingMiddleware()),
		mux.MiddlewareFunc(LoggingMiddleware()),
	)

	health := NewHealthHandler(deps.Hub, deps.Checks)
	router.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	router.HandleFunc("/live", health.Live).Methods(http.MethodGet)
	router.HandleFunc("/ready", health.Ready).Methods(http.MethodGet)
	router.HandleFunc("/stats", health.Stats).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	wsgateway.NewHandler(deps.Hub, deps.Auth, deps.Config.Gateway).RegisterRoutes(router)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(mux.MiddlewareFunc(RateLimitMiddleware(deps.Config.API.RateLimitRPS)))

	internal := v1.PathPrefix("/internal").Subrouter()
	internal.Use(mux.MiddlewareFunc(InternalAuthMiddleware(deps.Config.API.InternalToken)))

	user := v1.NewRoute().Subrouter()
	user.Use(mux.MiddlewareFunc(AuthMiddleware(deps.Auth)))

	presence := NewPresenceHandler(deps.Presence, deps.Hub)
	user.HandleFunc("/presence/{user_id}", presence.GetPresence).Methods(http.MethodGet)
	user.HandleFunc("/presence", presence.UpdatePresence).Methods(http.MethodPost)

	typing := NewTypingHandler(deps.Hub)
	user.HandleFunc("/conversations/{conversation_id}/typing", typing.SendTyping).Methods(http.MethodPost)

	notifications := NewNotificationHandler(deps.Notifications, deps.Sink)
	user.HandleFunc("/notifications", notifications.ListNotifications).Methods(http.MethodGet)
	user.HandleFunc("/notifications/unread-count", notifications.UnreadCount).Methods(http.MethodGet)
	user.HandleFunc("/notifications/mark-all-read", notifications.MarkAllRead).Methods(http.MethodPut)
	user.HandleFunc("/notifications/{id}/read", notifications.MarkRead).Methods(http.MethodPut)
	user.HandleFunc("/notifications/{id}", notifications.DeleteNotification).Methods(http.MethodDelete)

	internal.HandleFunc("/notify", notifications.Notify).Methods(http.MethodPost)
	internal.HandleFunc("/broadcast", notifications.Broadcast).Methods(http.MethodPost)

	return CORSMiddleware(deps.Config.API.AllowedOrigins)(router)
}
