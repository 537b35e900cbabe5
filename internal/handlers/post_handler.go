package handlers

import (
	"errors"
	"net/http"

	"postflow/internal/automation"
	"postflow/internal/models"
	"postflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PostHandler 文章与字段写入; 写入会触发自动化
type PostHandler struct {
	posts       *services.PostService
	fields      *services.FieldService
	automations *services.AutomationService
	logger      *logrus.Logger
}

func NewPostHandler(posts *services.PostService, fields *services.FieldService, automations *services.AutomationService) *PostHandler {
	return &PostHandler{posts: posts, fields: fields, automations: automations, logger: logrus.StandardLogger()}
}

// CreatePostRequest 创建文章请求
type CreatePostRequest struct {
	PostType string            `json:"post_type"`
	Title    string            `json:"title" binding:"required"`
	Content  string            `json:"content"`
	Excerpt  string            `json:"excerpt"`
	Status   string            `json:"status"`
	Slug     string            `json:"slug"`
	AuthorID uint              `json:"author_id"`
	Meta     map[string]string `json:"meta"`
}

// SetFieldRequest 字段写入请求
type SetFieldRequest struct {
	Value  any               `json:"value"`
	Source automation.Source `json:"source"`
}

// fieldErrorStatus maps FieldError kinds to HTTP statuses.
func fieldErrorStatus(err error) int {
	var fe *automation.FieldError
	if !errors.As(err, &fe) {
		return errorStatus(err, http.StatusInternalServerError)
	}
	switch fe.Kind {
	case automation.FieldNotFound:
		return http.StatusNotFound
	case automation.FieldForbidden:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

// Create 创建文章并分发 post_created / post_published 事件
func (h *PostHandler) Create(c *gin.Context) {
	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	ctx := c.Request.Context()
	post := &models.Post{
		PostType: req.PostType,
		Title:    req.Title,
		Content:  req.Content,
		Excerpt:  req.Excerpt,
		Status:   req.Status,
		Slug:     req.Slug,
		AuthorID: req.AuthorID,
	}
	for k, v := range req.Meta {
		post.Meta = append(post.Meta, models.PostMeta{MetaKey: k, MetaValue: v})
	}
	if err := h.posts.CreatePost(ctx, post); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create post", Message: err.Error()})
		return
	}

	events := []string{services.EventPostCreated}
	if post.Status == "publish" {
		events = append(events, services.EventPostPublished)
	}
	var results []*automation.ExecutionResult
	for _, typ := range events {
		res, err := h.automations.HandleEvent(ctx, services.AutomationEvent{Type: typ, PostID: post.ID, ChangedBy: req.AuthorID})
		if err != nil {
			h.logger.Warnf("automation: %s for post %d: %v", typ, post.ID, err)
			continue
		}
		results = append(results, res...)
	}
	if results == nil {
		results = []*automation.ExecutionResult{}
	}
	c.JSON(http.StatusCreated, gin.H{"post": post, "executions": results})
}

// Get 获取文章
func (h *PostHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	post, err := h.posts.GetPost(c.Request.Context(), id)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to get post", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, post)
}

// GetField 读取字段值
func (h *PostHandler) GetField(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	post, err := h.posts.GetPost(ctx, id)
	if err != nil {
		c.JSON(errorStatus(err, http.StatusInternalServerError), ErrorResponse{Error: "Failed to get post", Message: err.Error()})
		return
	}
	key := c.Param("key")
	value, err := h.fields.GetField(ctx, post, key, automation.Source(c.DefaultQuery("source", string(automation.SourceAuto))))
	if err != nil {
		c.JSON(fieldErrorStatus(err), ErrorResponse{Error: "Failed to read field", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": id, "key": key, "value": value})
}

// SetField 写入字段; 值变化时触发 field_changed
func (h *PostHandler) SetField(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req SetFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if req.Source == "" {
		req.Source = automation.SourceAuto
	}
	key := c.Param("key")
	if err := h.fields.SetField(c.Request.Context(), id, key, req.Value, req.Source); err != nil {
		c.JSON(fieldErrorStatus(err), ErrorResponse{Error: "Failed to write field", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "updated", Data: gin.H{"post_id": id, "key": key}})
}

// ListDefinitions 字段定义列表
func (h *PostHandler) ListDefinitions(c *gin.Context) {
	defs, err := h.fields.ListDefinitions(c.Request.Context(), c.Query("post_type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list fields", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, defs)
}

// SaveDefinition 新建或覆盖字段定义
func (h *PostHandler) SaveDefinition(c *gin.Context) {
	var def models.FieldDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	def.ID = 0
	if err := h.fields.SaveDefinition(c.Request.Context(), &def); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to save field", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, def)
}

// RegisterPostRoutes 注册文章与字段路由
func RegisterPostRoutes(r *gin.RouterGroup, handler *PostHandler) {
	posts := r.Group("/posts")
	{
		posts.POST("", handler.Create)
		posts.GET("/:id", handler.Get)
		posts.GET("/:id/fields/:key", handler.GetField)
		posts.PUT("/:id/fields/:key", handler.SetField)
	}
	fields := r.Group("/fields")
	{
		fields.GET("", handler.ListDefinitions)
		fields.PUT("", handler.SaveDefinition)
	}
}
