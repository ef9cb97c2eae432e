package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/streamspace-dev/potluck/internal/config"
	"github.com/streamspace-dev/potluck/internal/logger"
	"github.com/streamspace-dev/potluck/internal/reaper"
	"github.com/streamspace-dev/potluck/internal/services"
	"github.com/streamspace-dev/potluck/internal/session"
	internalWebsocket "github.com/streamspace-dev/potluck/internal/websocket"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	log.Println("Starting Potluck session hub...")

	// Session store: authoritative state, per-session serialization
	store := session.NewStore(cfg.SessionTTL)

	// WebSocket hub: connection lifecycle, registry, fan-out
	hub := internalWebsocket.NewHub()

	// Command dispatcher: routes inbound commands, publishes events
	dispatcher := services.NewCommandDispatcher(store, hub)
	hub.SetHandler(dispatcher)
	go hub.Run()

	// Reaper: periodic TTL sweep
	sessionReaper := reaper.New(store, dispatcher, cfg.ReaperInterval)
	if err := sessionReaper.Start(); err != nil {
		log.Fatalf("Failed to start reaper: %v", err)
	}

	// WebSocket upgrader for real-time connections
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check (public - no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": store.SessionCount(),
			"clients":  hub.ClientCount(),
		})
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version})
	})

	// The message channel: every participant connects here
	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade WebSocket connection: %v", err)
			return
		}
		hub.ServeClient(conn)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Potluck hub listening on :%d (TTL %s, reap every %s)",
			cfg.Port, cfg.SessionTTL, cfg.ReaperInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	sessionReaper.Stop()
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}

	log.Println("Potluck hub stopped")
}
