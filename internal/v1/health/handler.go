// Package health exposes the operational HTTP endpoints.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/config"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/game"
)

// ServiceName identifies this server in /health bodies; the port-busy
// startup probe matches on it.
const ServiceName = "ox-arena"

// Handler serves /health, /status and /.
type Handler struct {
	registry *game.Registry
	cfg      *config.Config
}

// NewHandler creates a health handler over the arena registry.
func NewHandler(registry *game.Registry, cfg *config.Config) *Handler {
	return &Handler{registry: registry, cfg: cfg}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	OK              bool               `json:"ok"`
	Service         string             `json:"service"`
	Rooms           int                `json:"rooms"`
	Online          int                `json:"online"`
	TotalPlayers    int                `json:"totalPlayers"`
	ActiveQuizRooms int                `json:"activeQuizRooms"`
	CapacityPerRoom int                `json:"capacityPerRoom"`
	MaxActiveRooms  int                `json:"maxActiveRooms"`
	TickRate        int                `json:"tickRate"`
	TopRoom         *game.TopRoomStats `json:"topRoom,omitempty"`
	Now             int64              `json:"now"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	stats := h.registry.Snapshot()
	c.JSON(http.StatusOK, HealthResponse{
		OK:              true,
		Service:         ServiceName,
		Rooms:           stats.Rooms,
		Online:          stats.Online,
		TotalPlayers:    stats.TotalPlayers,
		ActiveQuizRooms: stats.ActiveQuizRooms,
		CapacityPerRoom: stats.CapacityPerRoom,
		MaxActiveRooms:  stats.MaxActiveRooms,
		TickRate:        stats.TickRate,
		TopRoom:         stats.TopRoom,
		Now:             time.Now().UnixMilli(),
	})
}

// Status handles GET /status and GET /: a configuration summary.
func (h *Handler) Status(c *gin.Context) {
	role := "worker"
	if h.cfg.GatewayMode {
		role = "gateway"
	}
	c.JSON(http.StatusOK, gin.H{
		"service":        ServiceName,
		"role":           role,
		"port":           h.cfg.Port,
		"tickRateHz":     h.cfg.TickRateHz,
		"maxRoomPlayers": h.cfg.MaxRoomPlayers,
		"roomCapacity":   h.cfg.RoomCapacity,
		"maxActiveRooms": h.cfg.MaxActiveRooms,
		"workerPortBase": h.cfg.WorkerPortBase,
		"workerPortMax":  h.cfg.WorkerPortMax,
		"redisEnabled":   h.cfg.RedisEnabled,
	})
}

// NotFound handles unmatched routes with plain text.
func (h *Handler) NotFound(c *gin.Context) {
	c.String(http.StatusNotFound, "not found")
}
