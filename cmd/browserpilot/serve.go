package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/browserpilot/internal/common/constants"
	"github.com/kandev/browserpilot/internal/common/httpmw"
	gateways "github.com/kandev/browserpilot/internal/gateway/websocket"
	"github.com/kandev/browserpilot/internal/session"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		Long: `Start the HTTP and WebSocket server.

Routes:
  GET /api/v1/ws                     control connection (request envelopes)
  GET /api/v1/tasks/:taskId/stream   live steps of one task
  GET /api/v1/tasks/:taskId[/steps]  stored task and steps
  GET /health, /metrics`,
		Example: `  browserpilot serve
  browserpilot serve --port 9090 --log-level debug`,
		RunE: runServe,
	}
	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cc, err := mustCLIContext(cmd)
	if err != nil {
		return err
	}
	cfg, log := cc.cfg, cc.log

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}

	log.Info("Starting browserpilot...")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}

	sweeper := session.NewSweeper(a.store, a.registry, cfg.Session.SweepSchedule, log)
	if err := sweeper.Start(ctx); err != nil {
		a.shutdown()
		return err
	}

	gateway := gateways.NewGateway(a.registry, a.store, a.broadcaster, log)
	go gateway.Hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.OtelTracing(), httpmw.RequestLogger(log, "/health", "/metrics"), corsMiddleware())
	gateway.SetupRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/api/v1/ws"),
			zap.String("health", "/health"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case err, ok := <-serverErr:
		if ok {
			log.Error("HTTP server error", zap.Error(err))
			runErr = err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down browserpilot...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sweeper.Stop()
	cancel()
	a.shutdown()

	log.Info("Shutdown complete")
	return runErr
}
