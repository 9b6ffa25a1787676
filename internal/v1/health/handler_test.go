package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/config"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/game"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// stubClient satisfies types.ClientInterface for populating the registry.
type stubClient struct {
	id   types.ClientIDType
	name string
}

func (s *stubClient) GetID() types.ClientIDType          { return s.id }
func (s *stubClient) GetName() string                    { return s.name }
func (s *stubClient) SetName(name string)                { s.name = name }
func (s *stubClient) HasOwnerToken() bool                { return false }
func (s *stubClient) SetOwnerToken(bool)                 {}
func (s *stubClient) Send(types.EventType, any)          {}
func (s *stubClient) SendPriority(types.EventType, any)  {}
func (s *stubClient) Disconnect()                        {}
func (s *stubClient) MarkKicked()                        {}

func newTestRouter(t *testing.T) (*gin.Engine, *game.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := game.NewRegistry(game.Options{QuizMinPlayers: 99})
	cfg := &config.Config{
		Port:           "3001",
		TickRateHz:     20,
		MaxRoomPlayers: 50,
		RoomCapacity:   120,
		MaxActiveRooms: 64,
	}
	handler := NewHandler(registry, cfg)

	router := gin.New()
	router.GET("/health", handler.Health)
	router.GET("/status", handler.Status)
	router.GET("/", handler.Status)
	router.NoRoute(handler.NotFound)
	return router, registry
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, ServiceName, body.Service)
	assert.Zero(t, body.Rooms)
	assert.Equal(t, 120, body.CapacityPerRoom)
	assert.Equal(t, 20, body.TickRate)
	assert.NotZero(t, body.Now)
	assert.Nil(t, body.TopRoom)
}

func TestHealthReportsTopRoom(t *testing.T) {
	router, registry := newTestRouter(t)

	for _, id := range []string{"a", "b"} {
		c := &stubClient{id: types.ClientIDType(id)}
		_, errStr := registry.QuickJoin(c, "Player_"+id, "TOP01", "")
		require.Empty(t, errStr)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Rooms)
	assert.Equal(t, 2, body.TotalPlayers)
	require.NotNil(t, body.TopRoom)
	assert.Equal(t, "TOP01", string(body.TopRoom.Code))
	assert.Equal(t, 2, body.TopRoom.Players)
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/status", "/"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, ServiceName, body["service"])
		assert.Equal(t, "worker", body["role"])
	}
}

func TestUnmatchedRoutes404(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", w.Body.String())
}
