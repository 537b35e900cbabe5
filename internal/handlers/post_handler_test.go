package handlers

import (
	"net/http"
	"testing"

	"postflow/internal/automation"
	"postflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createPostResponse struct {
	Post       models.Post                  `json:"post"`
	Executions []automation.ExecutionResult `json:"executions"`
}

func TestPostHandler_CreateFiresEvents(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/automations", `{
		"name": "Stamp new posts",
		"trigger": {"type": "post_created"},
		"actions": [{"type": "update_field", "field": "origin", "value": "api"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/api/automations", `{
		"name": "Announce",
		"trigger": {"type": "post_published"},
		"actions": [{"type": "send_email", "to": "{{admin_email}}, news@example.com", "subject": "New: {{post_title}}", "body": "{{post_excerpt}}"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/posts", map[string]interface{}{
		"title":  "Release notes",
		"status": "publish",
		"meta":   map[string]string{"version": "1.2"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[createPostResponse](t, w)
	assert.Equal(t, "release-notes", resp.Post.Slug)
	require.Len(t, resp.Executions, 2)
	assert.Equal(t, 1, s.mailer.sent)

	for key, want := range map[string]string{"origin": "api", "version": "1.2"} {
		var meta models.PostMeta
		require.NoError(t, s.db.Where("post_id = ? AND meta_key = ?", resp.Post.ID, key).First(&meta).Error, key)
		assert.Equal(t, want, meta.MetaValue, key)
	}

	w = s.do(t, http.MethodGet, "/api/posts/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Release notes", decode[automation.Post](t, w).Title)
	w = s.do(t, http.MethodGet, "/api/posts/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/api/posts", map[string]interface{}{"status": "draft"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostHandler_FieldWrites(t *testing.T) {
	s := newTestServer(t)
	post := &models.Post{PostType: "post", Title: "Task", Status: "draft"}
	require.NoError(t, s.db.Create(post).Error)

	w := s.do(t, http.MethodPut, "/api/fields", map[string]interface{}{"post_type": "post", "key": "score", "type": "number"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPut, "/api/fields", map[string]interface{}{"key": "locked", "read_only": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPut, "/api/fields", map[string]interface{}{"key": "Bad Key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/api/fields?post_type=post", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.FieldDefinition](t, w), 2)

	w = s.do(t, http.MethodPost, "/api/automations", `{
		"name": "Flag high scores",
		"trigger": {"type": "field_changed", "field": "score", "conditions": {"logic": "AND", "rules": [{"field": "score", "operator": "greater_than", "value": 50}]}},
		"actions": [{"type": "update_field", "field": "flagged", "value": "yes"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/posts/1/fields/score", map[string]interface{}{"value": "75"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodGet, "/api/posts/1/fields/flagged", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "yes", decode[map[string]interface{}](t, w)["value"])

	w = s.do(t, http.MethodPut, "/api/posts/1/fields/score", map[string]interface{}{"value": "lots"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = s.do(t, http.MethodPut, "/api/posts/1/fields/locked", map[string]interface{}{"value": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodPut, "/api/posts/9/fields/score", map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/posts/9/fields/score", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "healthy", health.Services["database"].Status)
	assert.Equal(t, "disabled", health.Services["scheduler"].Status)

	w = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	w = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, w).Status)
	w = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
