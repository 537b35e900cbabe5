package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postflow/internal/automation"
	"postflow/internal/models"
	"postflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nopMailer struct{ sent int }

func (m *nopMailer) Send(_ context.Context, _ *automation.Email) error {
	m.sent++
	return nil
}

func newTestDBForAutomations(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automations_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type eventResponse struct {
	Executed int                          `json:"executed"`
	Results  []automation.ExecutionResult `json:"results"`
}

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	stack  *services.Stack
	mailer *nopMailer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDBForAutomations(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	mailer := &nopMailer{}
	st := services.NewStack(db, log, services.StackOptions{
		Mailer:   mailer,
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) },
	})

	r := gin.New()
	RegisterHealthRoutes(r, NewHealthHandler(db, nil, "test"))
	api := r.Group("/api")
	RegisterAutomationRoutes(api, NewAutomationHandler(st.Automations, st.History))
	RegisterPostRoutes(api, NewPostHandler(st.Posts, st.Fields, st.Automations))
	return &testServer{router: r, db: db, stack: st, mailer: mailer}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req, _ := http.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal: %v body=%s", err, w.Body.String())
	}
	return v
}

func TestAutomationHandler_CRUD(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/automations", `{
		"name": "Escalate",
		"trigger": {"type": "field_changed_to", "field": "priority", "value": "high"},
		"actions": [{"type": "update_field", "field": "escalated", "value": "1"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Automation](t, w)
	assert.Equal(t, "field_changed_to", created.TriggerType)
	assert.True(t, created.Enabled)

	w = s.do(t, http.MethodPost, "/api/automations", `{"name": "bad", "trigger": {"type": "whenever"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/api/automations", `{"trigger": {"type": "post_created"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "name is required")
	w = s.do(t, http.MethodPost, "/api/automations", `{"name": "tz", "trigger": {"type": "date_is_overdue", "field": "d"}, "schedule": {"frequency": "daily", "time": "25:00"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/automations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[PaginatedResponse](t, w)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 1, page.Pages)
	assert.Equal(t, 20, page.PageSize)

	w = s.do(t, http.MethodGet, "/api/automations/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/automations/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/automations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/automations/1", map[string]interface{}{
		"name":    "Escalate v2",
		"enabled": false,
		"trigger": map[string]interface{}{"type": "post_updated"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Automation](t, w)
	assert.Equal(t, "Escalate v2", updated.Name)
	assert.False(t, updated.Enabled)
	w = s.do(t, http.MethodPut, "/api/automations/99", map[string]interface{}{"name": "x", "trigger": map[string]interface{}{"type": "post_updated"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/automations/1/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Automation](t, w).Enabled)

	w = s.do(t, http.MethodDelete, "/api/automations/1/tracking", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodDelete, "/api/automations/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodDelete, "/api/automations/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodDelete, "/api/automations/1/tracking", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_EventsRunsAndStats(t *testing.T) {
	s := newTestServer(t)
	post := &models.Post{PostType: "post", Title: "Ticket", Status: "draft"}
	require.NoError(t, s.db.Create(post).Error)

	w := s.do(t, http.MethodPost, "/api/automations", `{
		"name": "Escalate",
		"trigger": {"type": "field_changed_to", "field": "priority", "value": "high"},
		"actions": [
			{"type": "update_field", "field": "escalated", "value": "yes"},
			{"type": "send_email", "to": "ops@example.com", "subject": "{{post_title}} escalated", "body": "see {{post_url}}"}
		]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/automations/events", map[string]interface{}{
		"type": "field_changed", "post_id": post.ID, "field": "priority", "old_value": "low", "new_value": "high",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	evt := decode[eventResponse](t, w)
	assert.Equal(t, 1, evt.Executed)
	require.Len(t, evt.Results, 1)
	assert.Equal(t, automation.StatusSuccess, evt.Results[0].Status)
	assert.Equal(t, 1, s.mailer.sent)

	w = s.do(t, http.MethodPost, "/api/automations/events", map[string]interface{}{"type": "field_changed", "post_id": post.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code, "field_changed needs a field")
	w = s.do(t, http.MethodPost, "/api/automations/events", map[string]interface{}{"type": "post_created", "post_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/api/automations/events", `{"type": "post_created"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/automations/runs?automation_id=1&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[PaginatedResponse](t, w)
	assert.EqualValues(t, 2, runs.Total, "the escalated write re-enters and is logged as a prevented loop")
	assert.Equal(t, 10, runs.PageSize)

	w = s.do(t, http.MethodGet, "/api/automations/runs?automation_id=1&status=success", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[PaginatedResponse](t, w).Total)

	w = s.do(t, http.MethodGet, "/api/automations/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[StatsResponse](t, w)
	assert.EqualValues(t, 1, stats.Automations)
	assert.EqualValues(t, 1, stats.Enabled)
	assert.EqualValues(t, 1, stats.RunsStored["success"])
	assert.GreaterOrEqual(t, stats.Executions.Total, uint64(1))
}

func TestAutomationHandler_TestExecuteAndSchedule(t *testing.T) {
	s := newTestServer(t)
	post := &models.Post{PostType: "post", Title: "Report", Status: "publish"}
	require.NoError(t, s.db.Create(post).Error)
	require.NoError(t, s.db.Create(&models.PostMeta{PostID: post.ID, MetaKey: "due_date", MetaValue: "2024-03-15"}).Error)

	w := s.do(t, http.MethodPost, "/api/automations", `{
		"name": "Due today",
		"trigger": {"type": "date_equals_today", "field": "due_date"},
		"actions": [{"type": "change_status", "status": "pending"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/automations/1/test", map[string]interface{}{"post_id": post.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[automation.TestReport](t, w)
	assert.True(t, report.Scheduled)
	assert.True(t, report.TriggerMatched)
	assert.True(t, report.WouldExecute)
	var row models.Post
	require.NoError(t, s.db.First(&row, post.ID).Error)
	assert.Equal(t, "publish", row.Status, "test is a dry run")

	w = s.do(t, http.MethodPost, "/api/automations/1/test", nil)
	assert.Equal(t, http.StatusOK, w.Code, "an empty body tests the latest post")

	w = s.do(t, http.MethodPost, "/api/automations/run-scheduled", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sched := decode[automation.ScheduleReport](t, w)
	assert.Equal(t, []uint{1}, sched.Ran)
	require.Len(t, sched.Results, 1)
	require.NoError(t, s.db.First(&row, post.ID).Error)
	assert.Equal(t, "pending", row.Status)

	w = s.do(t, http.MethodPost, "/api/automations/1/execute", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "post_id is required")
	w = s.do(t, http.MethodPost, "/api/automations/1/execute", map[string]interface{}{"post_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, s.db.Model(&models.Post{}).Where("id = ?", post.ID).Update("status", "draft").Error)
	w = s.do(t, http.MethodPost, "/api/automations/1/execute", map[string]interface{}{"post_id": post.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, automation.StatusSuccess, decode[automation.ExecutionResult](t, w).Status)
	require.NoError(t, s.db.First(&row, post.ID).Error)
	assert.Equal(t, "pending", row.Status)
}
