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

	"neuroflow/internal/common/cache"
	commonmw "neuroflow/internal/common/http/middleware"
	"neuroflow/internal/common/mq"
	"neuroflow/internal/sandbox/controller"
	"neuroflow/internal/sandbox/engine"
	"neuroflow/internal/sandbox/events"
	"neuroflow/internal/sandbox/manager"
	"neuroflow/internal/sandbox/observer"
	"neuroflow/internal/sandbox/rpc"
	"neuroflow/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const defaultConfigPath = "configs/skill-sandbox.yaml"

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

	launcher, err := engine.NewLauncher(appCfg.Engine.toEngineConfig())
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observer.NewPrometheus(registry, appCfg.Metrics.Namespace)
	if err != nil {
		logger.Error(context.Background(), "init metrics failed", zap.Error(err))
		return
	}

	recorder, err := buildRecorder(appCfg)
	if err != nil {
		logger.Error(context.Background(), "init event recorders failed", zap.Error(err))
		return
	}
	dispatcher := events.NewDispatcher(recorder, appCfg.Events.Buffer, appCfg.Events.RecordTimeout)

	mgrCfg := appCfg.toManagerConfig(launcher)
	mgrCfg.Metrics = metrics
	mgrCfg.Events = dispatcher
	mgr, err := manager.New(mgrCfg)
	if err != nil {
		logger.Error(context.Background(), "init sandbox manager failed", zap.Error(err))
		_ = dispatcher.Close(context.Background())
		return
	}

	httpServer := buildHTTPServer(appCfg, mgr, registry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		_ = mgr.ShutdownAll(context.Background())
		return
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(context.Background(), "skill sandbox server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	var grpcServer *grpc.Server
	if appCfg.GRPC.Addr != "" {
		grpcListener, err := net.Listen("tcp", appCfg.GRPC.Addr)
		if err != nil {
			logger.Error(context.Background(), "init grpc listener failed", zap.Error(err))
			_ = httpServer.Close()
			_ = mgr.ShutdownAll(context.Background())
			return
		}
		grpcServer = grpc.NewServer()
		rpc.RegisterSandboxService(grpcServer, mgr)
		go func() {
			logger.Info(context.Background(), "skill sandbox grpc server started", zap.String("addr", appCfg.GRPC.Addr))
			errCh <- grpcServer.Serve(grpcListener)
		}()
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := mgr.ShutdownAll(ctx); err != nil {
		logger.Error(context.Background(), "sandbox shutdown failed", zap.Error(err))
	}
}

// buildRecorder returns nil when no sink is enabled. The dispatcher owns the
// returned recorder and closes the underlying clients.
func buildRecorder(appCfg *AppConfig) (events.Recorder, error) {
	var sinks events.Multi
	if appCfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		sinks = append(sinks, events.NewRedisRecorder(redisCache, appCfg.Redis.Events))
	}
	if appCfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.KafkaConfig)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("init kafka: %w", err)
		}
		sinks = append(sinks, events.NewKafkaRecorder(producer, appCfg.Kafka.Topic))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func buildHTTPServer(appCfg *AppConfig, mgr *manager.Manager, registry *prometheus.Registry) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET(appCfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	sandboxController := controller.NewSandboxController(mgr, appCfg.Sandbox)
	sandboxController.RegisterRoutes(router.Group("/api/v1"))

	cfg := appCfg.Server
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
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
