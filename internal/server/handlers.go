package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/chat"
	"github.com/omochice/tabletalk-chat/internal/metrics"
	"github.com/omochice/tabletalk-chat/internal/transport/ws"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

// handleBinary serves GET /ws/chat-bin/:roomId. Observers are joined to the
// path room as soon as the session opens.
func (s *Server) handleBinary(c echo.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	return s.serveChat(c, protocol.BinaryCodec{}, roomID)
}

// handleJSON serves GET /ws/chat.
func (s *Server) handleJSON(c echo.Context) error {
	return s.serveChat(c, protocol.JSONCodec{}, 0)
}

// serveChat authenticates the handshake, upgrades it and runs the session
// until it ends. Authentication failures are answered before the upgrade.
func (s *Server) serveChat(c echo.Context, codec protocol.Codec, autoJoin int64) error {
	if !s.track() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	defer s.wg.Done()

	r := c.Request()
	id, err := s.deps.Auth.Authenticate(r.Context(), auth.FromRequest(r))
	if err != nil {
		metrics.UpgradeFailures.WithLabelValues("unauthorized").Inc()
		s.log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("rejected chat handshake")
		if errors.Is(err, auth.ErrExpiredToken) {
			return echo.NewHTTPError(http.StatusUnauthorized, "token has expired")
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	conn, err := ws.Upgrade(c.Response(), r, ws.Options{
		Binary:    codec.Binary(),
		ReadLimit: s.cfg.ReadLimit,
	})
	if err != nil {
		metrics.UpgradeFailures.WithLabelValues("handshake").Inc()
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket handshake failed")
		return nil
	}

	cfg := s.cfg.Session
	if _, ok := id.(auth.Observer); ok {
		cfg.AutoJoinRoom = autoJoin
	}
	session := chat.NewSession(conn, codec, id, cfg, s.deps.Logger)

	if err := session.Serve(s.ctx, s.deps.Dispatcher); err != nil {
		session.Logger().Warn().Err(err).Msg("session ended with error")
	}
	return nil
}

func (s *Server) liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyStatus `json:"dependencies"`
}

// readiness pings Redis when it is configured.
func (s *Server) readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]dependencyStatus)
	healthy := true

	// --- Redis ping ---
	if s.deps.Redis == nil {
		deps["redis"] = dependencyStatus{Status: "disabled"}
	} else if _, err := s.deps.Redis.Ping(ctx).Result(); err != nil {
		deps["redis"] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
		healthy = false
	} else {
		deps["redis"] = dependencyStatus{Status: "ok"}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, readinessResponse{
		Status:       status,
		Dependencies: deps,
	})
}

type statsResponse struct {
	Rooms     int `json:"rooms"`
	Sessions  int `json:"sessions"`
	Connected int `json:"connected"`
}

// stats reports joined rooms and sessions.
func (s *Server) stats(c echo.Context) error {
	rooms, sessions := s.deps.Registry.Stats()
	return c.JSON(http.StatusOK, statsResponse{
		Rooms:     rooms,
		Sessions:  sessions,
		Connected: s.deps.Dispatcher.Connected(),
	})
}

type onlineResponse struct {
	RoomID int64 `json:"roomId"`
	Online int   `json:"online"`
}

func (s *Server) online(c echo.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	n, err := s.deps.Presence.Count(c.Request().Context(), roomID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, onlineResponse{RoomID: roomID, Online: n})
}

func roomParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("roomId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid room id")
	}
	return id, nil
}
