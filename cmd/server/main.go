package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"sigrelay/internal/ari"
	cidpkg "sigrelay/internal/cid"
	"sigrelay/internal/config"
	"sigrelay/internal/otelutil"
	"sigrelay/internal/presence"
	"sigrelay/internal/state"
	"sigrelay/internal/types"
	"sigrelay/pkg/protocol"
)

// Liveness and presence timing. Package-level so tests can shorten them.
var (
	PingInterval     = 30 * time.Second
	PongTimeout      = 10 * time.Second
	WriteTimeout     = 5 * time.Second
	PresenceInterval = 10 * time.Second
)

type Server struct {
	cfg          config.Config
	router       *gin.Engine
	stateManager *state.Manager
	ariClient    *ari.Client
	presence     *presence.Aggregator

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewServer(cfg config.Config) *Server {
	stateManager := state.NewManager()
	ariClient := ari.NewClient(cfg.ARIURL, cfg.ARIUser, cfg.ARIPassword, cfg.ARIApp)

	s := &Server{
		cfg:          cfg,
		stateManager: stateManager,
		ariClient:    ariClient,
		presence:     presence.NewAggregator(stateManager, ariClient),
	}
	s.router = s.buildRouter()
	return s
}

// Start launches the background loops: broadcast fan-out, the ARI events
// connection, and the periodic presence refresh.
func (s *Server) Start() {
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	go s.broadcastLoop(s.baseCtx)
	go s.ariClient.Run(s.baseCtx)
	go s.presenceLoop(s.baseCtx)
}

// Stop cancels all background loops and per-connection timers.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.Default()
	router.Use(s.cidMiddleware())
	router.Use(s.otelMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "sigrelay",
		})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.stateManager.Stats())
	})

	router.GET("/api/users", func(c *gin.Context) {
		users := s.presence.Snapshot(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"users": users})
	})

	router.GET("/ws", s.handleWebSocket)

	return router
}

// cidMiddleware attaches a correlation id to the request context and echoes
// it on the response. An incoming X-SR-CID header is preserved; otherwise a
// fresh KSUID is minted.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Writer.Header().Set(cidpkg.HeaderName, id)
		c.Next()
	}
}

func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("sigrelay/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.Request.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		)
		if id := cidpkg.CIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// broadcastLoop drains the registry's event channel and fans each event out
// to every open connection. A full send buffer on one peer is logged and
// skipped; it never blocks delivery to the rest.
func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.stateManager.Events():
			data, err := json.Marshal(b.Event)
			if err != nil {
				log.Printf("Failed to marshal %s event: %v", b.Event.Type, err)
				continue
			}
			for id, client := range s.stateManager.Clients() {
				if b.Exclude != "" && id == b.Exclude {
					continue
				}
				select {
				case client.Send <- data:
				default:
					log.Printf("Send buffer full for client %s, dropping %s", id, b.Event.Type)
				}
			}
		}
	}
}

// presenceLoop refreshes the merged user list on a fixed interval to catch
// control-plane state changes that produce no local event.
func (s *Server) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastUsers()
		}
	}
}

// broadcastUsers publishes the merged presence snapshot to all connections.
func (s *Server) broadcastUsers() {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	users := s.presence.Snapshot(ctx)
	s.stateManager.Publish(types.Event{Type: protocol.TypeUsersUpdate, Users: users}, "")
}

func main() {
	cfg := config.FromEnv()

	if err := otelutil.Init(); err != nil {
		log.Printf("Tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	s := NewServer(cfg)
	s.Start()
	defer s.Stop()

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Signaling relay listening on :%s (ARI at %s)", cfg.Port, cfg.ARIURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to bind listen port: %v", err)
	}
}
