package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pairline/relay/internal/config"
	"github.com/pairline/relay/internal/relay"
	"github.com/pairline/relay/internal/sessions"
)

const version = "0.3.0"

// Server exposes the REST status API, the signaling websocket and metrics.
type Server struct {
	cfg        config.Config
	registry   *sessions.Registry
	hub        *relay.Hub
	gatherer   prometheus.Gatherer
	log        *zap.Logger
	startedAt  time.Time
	now        func() time.Time
	httpServer *http.Server
}

// NewServer creates a new server instance. gatherer may be nil to disable /metrics.
func NewServer(cfg config.Config, registry *sessions.Registry, hub *relay.Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		hub:       hub,
		gatherer:  gatherer,
		log:       logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	if rpm := s.cfg.RateLimit.RequestsPerMinute; rpm > 0 {
		api.Use(httprate.LimitByIP(rpm, time.Minute))
	}
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/users/online", s.handleOnlineUsers).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})(router)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		if err := s.Shutdown(stopCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("relay listening", zap.String("address", lis.Addr().String()), zap.String("version", version))
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

type roomStats struct {
	ID           string              `json:"id"`
	Participants [2]string           `json:"participants"`
	CallType     string              `json:"callType"`
	Status       sessions.RoomStatus `json:"status"`
	Duration     int64               `json:"duration"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	users, rooms := s.registry.Counts()
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     version,
		"uptime":      now.Sub(s.startedAt).Seconds(),
		"timestamp":   now.UTC().Format(time.RFC3339),
		"activeUsers": users,
		"activeRooms": rooms,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	users, _ := s.registry.Counts()
	now := s.now()

	rooms := s.registry.Rooms()
	out := make([]roomStats, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomStats{
			ID:           room.ID,
			Participants: room.Participants,
			CallType:     string(room.CallType),
			Status:       room.Status,
			Duration:     callDuration(room, now),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeUsers": users,
		"activeRooms": len(out),
		"timestamp":   now.UTC().Format(time.RFC3339),
		"rooms":       out,
	})
}

func (s *Server) handleOnlineUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userIds": s.registry.OnlineUsers(),
	})
}

// callDuration is whole seconds since the call was answered; ringing rooms report 0.
func callDuration(room sessions.CallRoom, now time.Time) int64 {
	if room.Status != sessions.StatusActive || room.AcceptedAt.IsZero() {
		return 0
	}
	return int64(now.Sub(room.AcceptedAt) / time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
