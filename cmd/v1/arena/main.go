package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/bus"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/config"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/game"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/gateway"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/health"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/logging"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/transport"
)

const presencePublishInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env for local development; production relies on real env vars.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		return 1
	}

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := game.NewRegistry(game.Options{
		MaxRoomPlayers: cfg.MaxRoomPlayers,
		RoomCapacity:   cfg.RoomCapacity,
		MaxActiveRooms: cfg.MaxActiveRooms,
		QuizMinPlayers: cfg.QuizMinPlayers,
		TickInterval:   time.Second / time.Duration(cfg.TickRateHz),
		OwnerKey:       cfg.OwnerKey,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	role := "worker"
	var dispatcher transport.Dispatcher = registry
	var gw *gateway.Gateway
	if cfg.GatewayMode {
		role = "gateway"
		gw = gateway.New(gateway.Options{
			WorkerPortBase: cfg.WorkerPortBase,
			WorkerPortMax:  cfg.WorkerPortMax,
			OwnerKey:       cfg.OwnerKey,
		})
		dispatcher = gw
	} else {
		for _, code := range cfg.PersistentRooms {
			if err := registry.EnsurePersistentRoom(code); err != nil {
				slog.Warn("skipping persistent room", "code", code, "error", err)
			}
		}
		go registry.Run(ctx)
	}

	// Workers spawned by a gateway demand the one-time routing token.
	tokens := gateway.NewTokenService(cfg.OwnerKey)
	hub := transport.NewHub(dispatcher, transport.HubOptions{
		Role:             role,
		ParticipantLimit: cfg.MaxRoomPlayers,
		AllowedOrigins:   cfg.AllowedOrigins(),
		Verifier:         tokens,
		RequireToken:     cfg.RequireRouteToken && !cfg.GatewayMode,
	})

	// Optional cross-worker presence bus.
	var busService *bus.Service
	var busWg sync.WaitGroup
	if cfg.RedisEnabled {
		workerID := fmt.Sprintf("%s:%s", health.ServiceName, cfg.Port)
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, workerID)
		if err != nil {
			slog.Error("failed to connect presence bus", "error", err)
			return 1
		}
		defer busService.Close()

		busService.Subscribe(ctx, &busWg, func(p bus.PresencePayload) {
			var rooms []game.Summary
			if err := json.Unmarshal(p.Rooms, &rooms); err != nil {
				slog.Warn("malformed sibling presence", "worker", p.WorkerID, "error", err)
				return
			}
			registry.SetSiblingRooms(p.WorkerID, rooms)
		})
		go func() {
			ticker := time.NewTicker(presencePublishInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := busService.PublishRooms(ctx, registry.LocalRooms()); err != nil {
						slog.Warn("presence publish failed", "error", err)
					}
				}
			}
		}()
	}

	// --- HTTP routing ---
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := cfg.AllowedOrigins(); origins != nil {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	healthHandler := health.NewHandler(registry, cfg)
	router.GET("/ws", hub.ServeWs)
	router.GET("/health", healthHandler.Health)
	router.GET("/status", healthHandler.Status)
	router.GET("/", healthHandler.Status)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.NoRoute(healthHandler.NotFound)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("arena server starting", "port", cfg.Port, "role", role)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if isAddrInUse(err) && compatibleServerRunning(cfg.Port) {
			// A compatible instance already owns the port; nothing to do.
			slog.Info("compatible server already running", "port", cfg.Port)
			return 0
		}
		slog.Error("failed to run server", "error", err)
		return 1
	case <-quit:
	}

	slog.Info("shutting down server...")
	if gw != nil {
		gw.Drain()
	}
	cancel()
	registry.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	busWg.Wait()

	slog.Info("server exiting")
	return 0
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

// compatibleServerRunning probes /health on the busy port and matches the
// service name, so a double start of the same binary exits cleanly.
func compatibleServerRunning(port string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Service == health.ServiceName
}
