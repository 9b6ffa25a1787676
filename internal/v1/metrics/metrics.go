package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the OX arena server.
//
// Naming convention: namespace_subsystem_name
// - namespace: ox_arena (application-level grouping)
// - subsystem: websocket, room, quiz, tick, movement, rate_limit, gateway (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, participants)
// - Counter: cumulative events (deltas sent, kicks, corrections)
// - Histogram: latency distributions (tick duration)

var (
	// ActiveConnections tracks the current number of WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ox_arena",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ox_arena",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of players in each room.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ox_arena",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each room",
	}, []string{"room_code"})

	// IngressEvents tracks WebSocket events processed.
	IngressEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event", "status"})

	// DroppedMessages tracks outbound messages dropped under backpressure.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "websocket",
		Name:      "dropped_messages_total",
		Help:      "Outbound messages dropped because a send queue was full",
	}, []string{"queue"})

	// TickDuration tracks the time spent broadcasting one tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ox_arena",
		Subsystem: "tick",
		Name:      "duration_seconds",
		Help:      "Time spent encoding and broadcasting one tick",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	// DeltasSent tracks player:delta messages emitted.
	DeltasSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "tick",
		Name:      "deltas_sent_total",
		Help:      "Total player:delta messages emitted",
	})

	// MovementCorrections tracks player:correct emissions.
	MovementCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "movement",
		Name:      "corrections_total",
		Help:      "Total movement corrections sent to clients",
	})

	// QuizRounds tracks quiz phase transitions (start, result, ended), by phase.
	QuizRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "quiz",
		Name:      "rounds_total",
		Help:      "Total quiz phase transitions (start, result, ended)",
	}, []string{"phase"})

	// PlayersKicked tracks moderation kicks.
	PlayersKicked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "room",
		Name:      "kicks_total",
		Help:      "Total players kicked by a host",
	})

	// RateLimitExceeded tracks ingress events rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total ingress events that exceeded the rate limit",
	}, []string{"event"})

	// GatewayRedirects tracks routing redirects issued by the gateway.
	GatewayRedirects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox_arena",
		Subsystem: "gateway",
		Name:      "redirects_total",
		Help:      "Total worker redirects issued",
	}, []string{"status"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
