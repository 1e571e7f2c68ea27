package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "socialchat/docs"
	"socialchat/pkg/config"
	"socialchat/pkg/db"
	"socialchat/pkg/devserver"
	"socialchat/pkg/logger"
	"socialchat/pkg/metrics"
)

// @title           socialchat dev relay
// @version         1.0
// @description     Loopback chat relay: sessions, conversation history, read receipts and media

// @BasePath  /
// @schemes   http https

// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var store devserver.MessageStore = devserver.NewMemoryMessageStore()
	if cfg.Server.DatabaseURL != "" {
		pool, err := db.Connect(context.Background(), cfg.Server, lg)
		if err != nil {
			lg.Fatal("database_unavailable", zap.Error(err))
		}
		defer pool.Close()
		store = devserver.NewPostgresMessageStore(pool)
	} else {
		lg.Info("using_memory_store")
	}

	manager := devserver.NewConnectionManager()
	handler := devserver.NewHandler(manager, devserver.Options{
		Store:     store,
		Logger:    lg,
		Metrics:   m,
		MediaDir:  cfg.Server.MediaDir,
		PublicURL: cfg.Server.PublicURL,
	})

	router := newRouter(cfg.Server, handler, reg)

	settings := cfg.Server.TLS
	port := cfg.Server.Port
	if port == "" {
		port = "8080"
		if settings.EnableTLS {
			port = "8443"
		}
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info("relay_listening", zap.String("addr", srv.Addr), zap.Bool("tls", settings.EnableTLS))
		if !settings.EnableTLS {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Fatal("listen_failed", zap.Error(err))
			}
			return
		}

		tlsConfig, certFile, keyFile, err := buildTLSConfig(settings, allowSelfSigned())
		if err != nil {
			lg.Fatal("tls_setup_failed", zap.Error(err))
		}
		srv.TLSConfig = tlsConfig
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("listen_failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	lg.Info("relay_shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Error("forced_shutdown", zap.Error(err))
	}
	lg.Info("relay_exited")
}

func newRouter(cfg config.ServerConfig, handler *devserver.Handler, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           12 * time.Hour,
	}))
	handler.RegisterRoutes(router, gatherer)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return router
}
