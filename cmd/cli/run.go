package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"postflow/internal/config"
	"postflow/internal/handlers"
	"postflow/internal/middleware"
	"postflow/internal/observability"
	"postflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the postflow HTTP server",
	Long:  `Run the HTTP API and, when enabled, the background scheduler for date triggers`,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logrus.Warnf("init tracing: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 启动调度器
	var scheduler *services.Scheduler
	var wg sync.WaitGroup
	if cfg.Automation.SchedulerEnabled {
		scheduler = services.NewScheduler(a.stack.Automations, cfg.Automation.SchedulerInterval, logrus.StandardLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()
	} else {
		logrus.Info("Scheduler disabled; use `postflow schedule` from cron")
	}

	switch cfg.Server.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Server.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, a, scheduler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	wg.Wait()

	logrus.Info("Server shutdown complete")
	return nil
}

func setupRouter(cfg *config.Config, a *app, scheduler *services.Scheduler) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Security.CORS))
	if cfg.Monitoring.Tracing.Enabled {
		name := cfg.Monitoring.Tracing.ServiceName
		if name == "" {
			name = "postflow"
		}
		router.Use(otelgin.Middleware(name))
	}
	if cfg.Security.RateLimiting.Enabled {
		router.Use(middleware.RateLimit(cfg.Security.RateLimiting))
		logrus.Info("Rate limiting enabled")
	}

	handlers.RegisterHealthRoutes(router, handlers.NewHealthHandler(a.db, scheduler, Version))

	st := a.stack
	api := router.Group("/api")
	{
		handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(st.Automations, st.History))
		handlers.RegisterPostRoutes(api, handlers.NewPostHandler(st.Posts, st.Fields, st.Automations))
	}
	return router
}
