package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"postflow/internal/automation"
	"postflow/internal/metrics"
	"postflow/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AutomationHandler 管理自动化定义与执行
type AutomationHandler struct {
	service *services.AutomationService
	history *services.HistoryService
}

func NewAutomationHandler(service *services.AutomationService, history *services.HistoryService) *AutomationHandler {
	return &AutomationHandler{service: service, history: history}
}

// RunRequest 测试/手动执行请求
type RunRequest struct {
	PostID  uint                        `json:"post_id"`
	Context automation.ExecutionContext `json:"context"`
}

// StatsResponse 执行统计
type StatsResponse struct {
	Executions  metrics.Snapshot `json:"executions"`
	RunsStored  map[string]int64 `json:"runs_stored"`
	Automations int64            `json:"automations"`
	Enabled     int64            `json:"enabled"`
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		msg := "id must be a positive integer"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: msg})
		return 0, false
	}
	return uint(id), true
}

// errorStatus maps not-found errors to 404 and everything else to fallback.
func errorStatus(err error, fallback int) int {
	if errors.Is(err, services.ErrAutomationNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound
	}
	return fallback
}

func pages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(pageSize)))
}

// List 获取自动化列表
func (h *AutomationHandler) List(c *gin.Context) {
	var q services.AutomationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	rows, total, err := h.service.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 100 {
		q.PageSize = 20
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     rows,
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
		Pages:    pages(total, q.PageSize),
	})
}

// Get 获取单个自动化
func (h *AutomationHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	row, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, row)
}

// Create 创建自动化
func (h *AutomationHandler) Create(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	row, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, row)
}

// Update 更新自动化
func (h *AutomationHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	row, err := h.service.Update(c.Request.Context(), id, &req)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusBadRequest), ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, row)
}

// Toggle 启用/停用
func (h *AutomationHandler) Toggle(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	row, err := h.service.Toggle(c.Request.Context(), id)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to toggle automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, row)
}

// Delete 删除自动化
func (h *AutomationHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func bindRunRequest(c *gin.Context) (RunRequest, bool) {
	var req RunRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return req, false
	}
	return req, true
}

// Test 试运行, 不写字段不发邮件
func (h *AutomationHandler) Test(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, ok := bindRunRequest(c)
	if !ok {
		return
	}
	report, err := h.service.Test(c.Request.Context(), id, req.PostID, req.Context)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to test automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Execute 立即对指定文章执行动作 (跳过触发器)
func (h *AutomationHandler) Execute(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, ok := bindRunRequest(c)
	if !ok {
		return
	}
	if req.PostID == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "post_id is required"})
		return
	}
	result, err := h.service.ExecuteNow(c.Request.Context(), id, req.PostID, req.Context)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to execute automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ClearTracking 清除单次执行指纹
func (h *AutomationHandler) ClearTracking(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.ClearTracking(c.Request.Context(), id); err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to clear tracking", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "tracking cleared"})
}

// RunScheduled 执行一次调度
func (h *AutomationHandler) RunScheduled(c *gin.Context) {
	report, err := h.service.RunScheduled(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Scheduled run failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Event 接收写入事件
func (h *AutomationHandler) Event(c *gin.Context) {
	var evt services.AutomationEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}
	results, err := h.service.HandleEvent(c.Request.Context(), evt)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusBadRequest), ErrorResponse{Error: "Failed to handle event", Message: err.Error()})
		return
	}
	if results == nil {
		results = []*automation.ExecutionResult{}
	}
	c.JSON(http.StatusOK, gin.H{"executed": len(results), "results": results})
}

// Runs 执行记录
func (h *AutomationHandler) Runs(c *gin.Context) {
	var q services.RunQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	runs, total, err := h.history.ListRuns(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 200 {
		q.PageSize = 20
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     runs,
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
		Pages:    pages(total, q.PageSize),
	})
}

// Stats 执行统计
func (h *AutomationHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	stored, err := h.history.RunStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load stats", Message: err.Error()})
		return
	}
	_, total, err := h.service.List(ctx, services.AutomationQuery{PageSize: 1})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load stats", Message: err.Error()})
		return
	}
	enabled := true
	_, active, err := h.service.List(ctx, services.AutomationQuery{PageSize: 1, Enabled: &enabled})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load stats", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatsResponse{
		Executions:  metrics.ExecutionSnapshot(),
		RunsStored:  stored,
		Automations: total,
		Enabled:     active,
	})
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.List)
		auto.POST("", handler.Create)
		auto.POST("/run-scheduled", handler.RunScheduled)
		auto.POST("/events", handler.Event)
		auto.GET("/runs", handler.Runs)
		auto.GET("/stats", handler.Stats)
		auto.GET("/:id", handler.Get)
		auto.PUT("/:id", handler.Update)
		auto.DELETE("/:id", handler.Delete)
		auto.POST("/:id/toggle", handler.Toggle)
		auto.POST("/:id/test", handler.Test)
		auto.POST("/:id/execute", handler.Execute)
		auto.DELETE("/:id/tracking", handler.ClearTracking)
	}
}
