//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"celld/internal/cells/cgroups"
	"celld/internal/cells/controller"
	"celld/internal/cells/registry"
	"celld/internal/cells/service"
	"celld/internal/cells/supervisor"
	"celld/internal/observe"
	"celld/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/celld.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctrl, err := cgroups.NewFSController(appCfg.Cells.CgroupRoot)
	if err != nil {
		logger.Error(context.Background(), "init cgroup controller failed", zap.Error(err))
		return
	}
	if !ctrl.V2() {
		logger.Warn(context.Background(), "cgroup v2 hierarchy not detected",
			zap.String("root", appCfg.Cells.CgroupRoot))
	}

	logChannels := observe.NewRegistry()
	sup := supervisor.New(supervisor.Config{
		GracePeriod:    appCfg.Cells.GracePeriod,
		LogBufferBytes: appCfg.Cells.LogBufferBytes,
	}, logChannels)
	reg := registry.New(ctrl, sup)

	cellSvc, err := service.NewCellService(service.Config{
		Registry: reg,
		CgroupV2: ctrl.V2(),
	})
	if err != nil {
		logger.Error(context.Background(), "init cell service failed", zap.Error(err))
		return
	}

	// Exit reconciliation runs for the daemon's whole lifetime.
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go reg.Run(reconcileCtx)

	httpServer := buildHTTPServer(appCfg.Server, cellSvc, logChannels)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "introspection server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), appCfg.Cells.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}

	// Stop every executable first, then free the cells leaf-first.
	reg.StopAll(ctx)
	reg.FreeAll(ctx)
	logger.Info(context.Background(), "shutdown complete")
}

func buildHTTPServer(cfg ServerConfig, svc *service.CellService, logs *observe.Registry) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(requestLogger())

	cellController := controller.NewCellController(svc, logs)
	cellController.RegisterRoutes(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
