package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/logging"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/ratelimit"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// Hub accepts WebSocket connections and binds them to a dispatcher: the
// game registry on workers, the routing table on gateways.
type Hub struct {
	dispatcher       Dispatcher
	verifier         types.TokenVerifier
	requireToken     bool
	role             string
	participantLimit int
	allowedOrigins   []string // nil allows all
	limiter          *ratelimit.WSLimiter
}

// HubOptions configures a Hub.
type HubOptions struct {
	Role             string // "worker" or "gateway"
	ParticipantLimit int
	AllowedOrigins   []string
	Verifier         types.TokenVerifier
	RequireToken     bool
	DisableRateLimit bool
}

// NewHub creates a hub over a dispatcher.
func NewHub(dispatcher Dispatcher, opts HubOptions) *Hub {
	h := &Hub{
		dispatcher:       dispatcher,
		verifier:         opts.Verifier,
		requireToken:     opts.RequireToken,
		role:             opts.Role,
		participantLimit: opts.ParticipantLimit,
		allowedOrigins:   opts.AllowedOrigins,
	}
	if !opts.DisableRateLimit {
		lim, err := ratelimit.New(ratelimit.DefaultChatRate, ratelimit.DefaultRoomRate)
		if err != nil {
			logging.Error(context.Background(), "failed to build rate limiter", zap.Error(err))
		} else {
			h.limiter = lim
		}
	}
	return h
}

// ServeWs upgrades the request and starts the client pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	h.HandleConnection(conn, c.Query("token"))
}

// HandleConnection takes an established connection, validates the routing
// token when this worker requires one, and starts the pumps.
func (h *Hub) HandleConnection(conn wsConnection, token string) {
	client := &Client{
		conn:         conn,
		dispatcher:   h.dispatcher,
		limiter:      h.limiter,
		ID:           types.ClientIDType(uuid.NewString()),
		send:         make(chan []byte, sendQueueSize),
		prioritySend: make(chan []byte, priorityQueueSize),
	}

	metrics.IncConnection()
	go client.writePump()

	if h.requireToken {
		roomCode, err := h.verifyToken(token)
		if err != nil {
			slog.Warn("routing token rejected", "clientId", client.ID, "error", err)
			client.SendPriority(types.EventAuthError, map[string]any{"error": types.ErrAuthFailed})
			// writePump drains the auth error, then closes the socket.
			client.markClosed()
			metrics.DecConnection()
			return
		}
		slog.Info("routing token accepted", "clientId", client.ID, "room", roomCode)
	}

	client.SendPriority(types.EventServerRole, protocol.ServerRole{
		Role:             h.role,
		ParticipantLimit: h.participantLimit,
	})

	h.dispatcher.HandleConnect(client)
	go client.readPump()
}

func (h *Hub) verifyToken(token string) (string, error) {
	if h.verifier == nil {
		return "", errNoVerifier
	}
	return h.verifier.Verify(token)
}
