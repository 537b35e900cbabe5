package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"postflow/internal/metrics"
	"postflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db        *gorm.DB
	scheduler *services.Scheduler
	version   string
	logger    *logrus.Logger
}

// NewHealthHandler scheduler 可为 nil (调度关闭)
func NewHealthHandler(db *gorm.DB, scheduler *services.Scheduler, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		scheduler: scheduler,
		version:   version,
		logger:    logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	// 数据库不可用时整体不可用
	if !h.checkDatabase(ctx, &response) {
		response.Status = "unhealthy"
	}
	if !h.checkScheduler(&response) && response.Status == "healthy" {
		response.Status = "degraded"
	}
	response.Services["executions"] = ServiceInfo{Status: "healthy", Details: metrics.ExecutionSnapshot()}
	response.Services["rate_limit_drops"] = ServiceInfo{Status: "healthy", Details: metrics.RateLimitDrops()}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点, 只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var probe HealthResponse
	probe.Services = make(map[string]ServiceInfo)
	ready := h.checkDatabase(ctx, &probe)

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  probe.Services,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	if h.db == nil {
		response.Services["database"] = ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
		return false
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{
		Status:  "healthy",
		Latency: time.Since(start).String(),
		Details: map[string]interface{}{"driver": h.db.Dialector.Name()},
	}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.Warnf("health: database ping failed: %v", err)
	}
	response.Services["database"] = info
	return err == nil
}

func (h *HealthHandler) checkScheduler(response *HealthResponse) bool {
	if h.scheduler == nil {
		response.Services["scheduler"] = ServiceInfo{Status: "disabled"}
		return true
	}
	st := h.scheduler.Status()
	info := ServiceInfo{Status: "healthy", Details: st}
	if !st.Running {
		info.Status = "stopped"
	}
	if st.LastError != "" {
		info.Status = "failing"
		info.Error = st.LastError
	}
	response.Services["scheduler"] = info
	return info.Status == "healthy"
}

// RegisterHealthRoutes 注册健康检查路由
func RegisterHealthRoutes(r gin.IRoutes, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
