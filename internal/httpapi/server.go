// Package httpapi serves the admin/observability HTTP surface on a separate
// port from the game socket: health, room and peer snapshots, and the
// Prometheus exposition endpoint.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"gpcore/internal/registry"
)

// Server is the Echo application.
type Server struct {
	echo       *echo.Echo
	reg        *registry.Registry
	metrics    http.Handler
	log        *slog.Logger
	instanceID string
	startedAt  time.Time
}

// New constructs the admin API over reg. metricsHandler may be nil, in which
// case /metrics is not registered.
func New(reg *registry.Registry, metricsHandler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	s := &Server{
		echo:       e,
		reg:        reg,
		metrics:    metricsHandler,
		log:        log,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			level := slog.LevelInfo
			if req.URL.Path == "/healthz" || req.URL.Path == "/metrics" {
				level = slog.LevelDebug
			}
			log.Log(c.Request().Context(), level, "http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/api/rooms", s.handleListRooms)
	s.echo.GET("/api/rooms/:name", s.handleGetRoom)
	s.echo.GET("/api/peers", s.handleListPeers)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin api server", "error", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Warn("admin api shutdown", "error", err)
	}
}

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	InstanceID    string `json:"instance_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Peers         int    `json:"peers"`
	Rooms         int    `json:"rooms"`
	ShuttingDown  bool   `json:"shutting_down"`
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if s.reg.IsShuttingDown() {
		status = "shutting_down"
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        status,
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Peers:         s.reg.PeerCount(),
		Rooms:         s.reg.RoomCount(),
		ShuttingDown:  s.reg.IsShuttingDown(),
	})
}

// RoomSnapshot is one room's state for GET /api/rooms.
type RoomSnapshot struct {
	Name         string    `json:"name"`
	PlayerCount  int       `json:"player_count"`
	MaxPlayers   int       `json:"max_players"`
	IsOpen       bool      `json:"is_open"`
	IsVisible    bool      `json:"is_visible"`
	HasPassword  bool      `json:"has_password"`
	MasterID     uint16    `json:"master_id"`
	MemberIDs    []uint16  `json:"member_ids"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Server) snapshotRoom(name string) (RoomSnapshot, bool) {
	rm, ok := s.reg.Room(name)
	if !ok {
		return RoomSnapshot{}, false
	}
	sum := rm.Summary()
	return RoomSnapshot{
		Name:         sum.Name,
		PlayerCount:  sum.PlayerCount,
		MaxPlayers:   sum.MaxPlayers,
		IsOpen:       sum.IsOpen,
		IsVisible:    sum.IsVisible,
		HasPassword:  rm.HasPassword(),
		MasterID:     rm.MasterID(),
		MemberIDs:    rm.MemberIDs(),
		LastActivity: rm.LastActivity(),
	}, true
}

func (s *Server) handleListRooms(c echo.Context) error {
	rooms := s.reg.Rooms()
	out := make([]RoomSnapshot, 0, len(rooms))
	for _, rm := range rooms {
		if snap, ok := s.snapshotRoom(rm.Name()); ok {
			out = append(out, snap)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRoom(c echo.Context) error {
	snap, ok := s.snapshotRoom(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.JSON(http.StatusOK, snap)
}

// PeerSnapshot is one peer's state for GET /api/peers.
type PeerSnapshot struct {
	ID            uint16 `json:"id"`
	Nickname      string `json:"nickname"`
	UserID        string `json:"user_id"`
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Room          string `json:"room,omitempty"`
	IsMaster      bool   `json:"is_master"`
	RemoteAddr    string `json:"remote_addr"`
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	MessagesIn    uint64 `json:"messages_in"`
	MessagesOut   uint64 `json:"messages_out"`
	Errors        uint64 `json:"errors"`
}

func (s *Server) handleListPeers(c echo.Context) error {
	peers := s.reg.Peers()
	out := make([]PeerSnapshot, 0, len(peers))
	for _, p := range peers {
		st := p.Stats()
		out = append(out, PeerSnapshot{
			ID:            p.ID(),
			Nickname:      p.Nickname(),
			UserID:        p.UserID(),
			State:         p.State().String(),
			Authenticated: p.Authenticated(),
			Room:          p.CurrentRoomName(),
			IsMaster:      p.IsMaster(),
			RemoteAddr:    p.RemoteAddr(),
			BytesIn:       st.BytesIn,
			BytesOut:      st.BytesOut,
			MessagesIn:    st.MessagesIn,
			MessagesOut:   st.MessagesOut,
			Errors:        st.Errors,
		})
	}
	return c.JSON(http.StatusOK, out)
}
