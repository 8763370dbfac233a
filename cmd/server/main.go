// Command server runs the flow orchestrator's HTTP surface: the WhatsApp
// Cloud API webhook, the broadcast creation endpoint, and the health and
// metrics probes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/broadcast"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/config"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/dispatcher"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/engine"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/sessionlock"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store/postgres"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/transport"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/pkg/whatsapp"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.User,
		cfg.Database.Password, cfg.Database.SSLMode)
	st, err := postgres.Open(&cfg.Database, dsn)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	locker := sessionlock.New(redisClient, cfg.Redis.LeaseTTL, cfg.Redis.AcquireWait)

	tp := transport.NewWhatsAppTransport(cfg.WhatsApp.GraphVersion, cfg.WhatsApp.RateLimitRPS, logger)
	eng := engine.New(st, logger)
	runner := broadcast.New(st, eng, tp, locker, logger)
	disp := dispatcher.New(st, eng, tp, locker, logger)

	srv := newServer(cfg, st, disp, runner, logger)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("flow orchestrator listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newServer(cfg *config.Config, st store.Store, disp *dispatcher.Dispatcher, runner *broadcast.Runner, logger *zap.Logger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/webhook", func(c *gin.Context) { handleVerify(c, cfg) })
	router.POST("/webhook", func(c *gin.Context) { handleWebhook(c, disp, logger) })

	router.POST("/broadcasts", func(c *gin.Context) { handleCreateBroadcast(c, st, runner) })

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

func handleVerify(c *gin.Context, cfg *config.Config) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token != cfg.WhatsApp.VerifyToken || challenge == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

func handleWebhook(c *gin.Context, disp *dispatcher.Dispatcher, logger *zap.Logger) {
	var event whatsapp.InboundWebhook
	if err := json.NewDecoder(c.Request.Body).Decode(&event); err != nil {
		// Malformed payloads are acknowledged, not retried: spec.md §7
		// treats parse failure as unrecoverable for that delivery attempt.
		logger.Warn("failed to decode webhook payload", zap.Error(err))
		c.Status(http.StatusOK)
		return
	}

	if err := disp.ProcessWebhookEvent(c.Request.Context(), &event); err != nil {
		logger.Error("failed to process webhook event", zap.Error(err))
	}
	c.Status(http.StatusOK)
}

type createBroadcastRequest struct {
	TenantID   string   `json:"tenantId" binding:"required"`
	FlowID     string   `json:"flowId" binding:"required"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	FilterTag  string   `json:"filterTag"`
	ContactIDs []string `json:"contactIds"`
}

func handleCreateBroadcast(c *gin.Context, st store.Store, runner *broadcast.Runner) {
	var req createBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	tenant, err := st.GetTenant(ctx, req.TenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	flow, err := st.GetFlow(ctx, req.FlowID)
	if err != nil || !flow.IsDispatchable("whatsapp") {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found or not active"})
		return
	}

	selection := broadcast.Selection{ContactIDs: req.ContactIDs, Tag: req.FilterTag}
	b, err := runner.Launch(ctx, tenant, flow, req.Title, req.Body, selection)
	if err != nil {
		if errors.Is(err, broadcast.ErrNoRecipients) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to launch broadcast"})
		return
	}

	c.JSON(http.StatusAccepted, broadcastResponse(b))
}

func broadcastResponse(b *domain.Broadcast) gin.H {
	return gin.H{
		"id":              b.ID,
		"status":          b.Status,
		"totalRecipients": b.TotalRecipients,
	}
}
