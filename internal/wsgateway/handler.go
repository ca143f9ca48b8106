package wsgateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// Handler upgrades GET /ws/{user_id} requests and registers them with the hub
type Handler struct {
	hub      *Hub
	auth     *AuthManager
	config   config.GatewayConfig
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint
func NewHandler(hub *Hub, auth *AuthManager, cfg config.GatewayConfig) *Handler {
	return &Handler{
		hub:    hub,
		auth:   auth,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// RegisterRoutes mounts the endpoint on router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Handle("/ws/{user_id}", h).Methods(http.MethodGet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}

	if h.auth.Enabled() {
		tokenUser, err := h.auth.Authenticate(r)
		if err != nil {
			connectionsTotal.WithLabelValues("unauthorized").Inc()
			logger.Warn("Invalid token, rejecting connection",
				logger.ErrorField(err),
				logger.String("user_id", userID),
			)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		if tokenUser != userID {
			connectionsTotal.WithLabelValues("forbidden").Inc()
			logger.Warn("Token does not match requested user",
				logger.String("user_id", userID),
				logger.String("token_user_id", tokenUser),
			)
			http.Error(w, "Token does not match user", http.StatusForbidden)
			return
		}
	}

	// Early rejection before the handshake. Concurrent handshakes can still
	// pass here; Register enforces the limit and those get a close frame.
	if h.config.MaxConnections > 0 && h.hub.Registry().Count() >= h.config.MaxConnections {
		connectionsTotal.WithLabelValues("rejected").Inc()
		logger.Warn("Max connections reached, rejecting new connection",
			logger.Int("max_connections", h.config.MaxConnections),
		)
		http.Error(w, "Max connections reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		connectionsTotal.WithLabelValues("handshake_failed").Inc()
		logger.Warn("Failed to upgrade connection",
			logger.ErrorField(err),
			logger.String("user_id", userID),
		)
		return
	}

	connectionID, err := h.hub.Register(conn, userID)
	if err != nil {
		logger.Warn("Failed to register connection",
			logger.ErrorField(err),
			logger.String("user_id", userID),
		)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	logger.Debug("WebSocket connection established",
		logger.String("connection_id", connectionID),
		logger.String("user_id", userID),
		logger.String("remote_addr", r.RemoteAddr),
	)
}

// originChecker allows requests without an Origin header, any origin when "*"
// is configured, and otherwise only exact matches.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 || set["*"] {
			return true
		}
		return set[origin]
	}
}
