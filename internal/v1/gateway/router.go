package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/logging"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// workerProbeTimeout bounds one /health poll of a freshly spawned worker.
const (
	workerProbeTimeout = 500 * time.Millisecond
	workerSpawnWait    = 10 * time.Second
)

// Options configures a Gateway.
type Options struct {
	Host           string // endpoint host advertised in redirects
	WorkerPortBase int
	WorkerPortMax  int
	OwnerKey       string
	// SpawnWorker launches a worker on the given port and returns once it
	// answers /health. Nil gets the default self-exec implementation.
	SpawnWorker func(ctx context.Context, port int) error
}

// Gateway accepts initial connections, selects or spawns a worker for the
// requested room, and replies with a one-time routing redirect. It
// implements the transport Dispatcher.
type Gateway struct {
	opts    Options
	tokens  *TokenService
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	workers  map[int]bool // ports with a confirmed live worker
	draining bool
}

// New creates a gateway router.
func New(opts Options) *Gateway {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	g := &Gateway{
		opts:    opts,
		tokens:  NewTokenService(opts.OwnerKey),
		workers: make(map[int]bool),
	}
	if g.opts.SpawnWorker == nil {
		g.opts.SpawnWorker = g.spawnWorkerProcess
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "worker-spawn",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(context.Background(), "worker spawn breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return g
}

// Tokens exposes the verifier side for workers embedded in one process.
func (g *Gateway) Tokens() *TokenService {
	return g.tokens
}

// Drain makes subsequent quick-joins fail with "gateway draining".
func (g *Gateway) Drain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.draining = true
}

// --- transport.Dispatcher ---

func (g *Gateway) HandleConnect(client types.ClientInterface) {}

func (g *Gateway) HandleDisconnect(client types.ClientInterface) {}

// HandleEvent serves room:quick-join with a redirect; a gateway owns no
// rooms, so everything else is dropped.
func (g *Gateway) HandleEvent(client types.ClientInterface, env protocol.Envelope) map[string]any {
	if env.Event != types.EventRoomQuickJoin {
		return nil
	}

	g.mu.Lock()
	draining := g.draining
	g.mu.Unlock()
	if draining {
		metrics.GatewayRedirects.WithLabelValues("draining").Inc()
		return protocol.AckErr(types.ErrGatewayDraining)
	}

	var p protocol.QuickJoinPayload
	if len(env.Data) > 0 {
		// Tolerate junk: quick-join without a code still routes.
		_ = json.Unmarshal(env.Data, &p)
	}
	roomCode := p.RoomCode
	if roomCode == "" {
		roomCode = "OX-DEFAULT"
	}

	port := g.portFor(roomCode)
	if _, err := g.breaker.Execute(func() (any, error) {
		return nil, g.ensureWorker(port)
	}); err != nil {
		logging.Error(context.Background(), "no worker available",
			zap.Int("port", port), zap.Error(err))
		metrics.GatewayRedirects.WithLabelValues("no_capacity").Inc()
		return protocol.AckErr(types.ErrNoCapacity)
	}

	token, err := g.tokens.Issue(roomCode)
	if err != nil {
		metrics.GatewayRedirects.WithLabelValues("token_error").Inc()
		return protocol.AckErr(types.ErrRedirectBuildFailed)
	}

	redirect := protocol.Redirect{
		Endpoint: fmt.Sprintf("ws://%s:%d/ws", g.opts.Host, port),
		Token:    token,
		RoomCode: types.RoomCodeType(roomCode),
	}
	client.SendPriority(types.EventRouteAssign, redirect)
	metrics.GatewayRedirects.WithLabelValues("ok").Inc()
	return protocol.AckOK(map[string]any{"redirect": redirect})
}

// portFor consistently hashes a room code into the worker port pool.
func (g *Gateway) portFor(roomCode string) int {
	poolSize := g.opts.WorkerPortMax - g.opts.WorkerPortBase + 1
	h := fnv.New32a()
	h.Write([]byte(roomCode))
	return g.opts.WorkerPortBase + int(h.Sum32())%poolSize
}

// ensureWorker confirms a live worker on the port, spawning one if absent.
func (g *Gateway) ensureWorker(port int) error {
	g.mu.Lock()
	confirmed := g.workers[port]
	g.mu.Unlock()

	if confirmed || g.probeWorker(port) {
		g.markWorker(port)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), workerSpawnWait)
	defer cancel()
	if err := g.opts.SpawnWorker(ctx, port); err != nil {
		return fmt.Errorf("spawning worker on port %d: %w", port, err)
	}
	g.markWorker(port)
	return nil
}

func (g *Gateway) markWorker(port int) {
	g.mu.Lock()
	g.workers[port] = true
	g.mu.Unlock()
}

func (g *Gateway) probeWorker(port int) bool {
	httpClient := &http.Client{Timeout: workerProbeTimeout}
	resp, err := httpClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// spawnWorkerProcess re-executes this binary as a worker bound to the port,
// then polls /health until it answers or the context expires.
func (g *Gateway) spawnWorkerProcess(ctx context.Context, port int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"GATEWAY_MODE=false",
		"REQUIRE_ROUTE_TOKEN=true",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	go cmd.Wait() // reap; worker lifetime is its own

	logging.Info(ctx, "worker spawned", zap.Int("port", port), zap.Int("pid", cmd.Process.Pid))

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker on port %d never became healthy: %w", port, ctx.Err())
		case <-ticker.C:
			if g.probeWorker(port) {
				return nil
			}
		}
	}
}
