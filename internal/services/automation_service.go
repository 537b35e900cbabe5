package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postflow/internal/automation"
	"postflow/internal/metrics"
	"postflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrAutomationNotFound is returned when an automation id does not exist.
var ErrAutomationNotFound = errors.New("automation not found")

// Event types accepted by HandleEvent.
const (
	EventPostCreated   = "post_created"
	EventPostUpdated   = "post_updated"
	EventPostPublished = "post_published"
	EventFieldChanged  = "field_changed"
)

// AutomationEvent represents a write-path event that can trigger automations.
type AutomationEvent struct {
	Type      string `json:"type" binding:"required"`
	PostID    uint   `json:"post_id" binding:"required"`
	Field     string `json:"field"`
	OldValue  any    `json:"old_value"`
	NewValue  any    `json:"new_value"`
	ChangedBy uint   `json:"changed_by"`
}

// AutomationRequest 创建/更新自动化的请求
type AutomationRequest struct {
	Name     string               `json:"name" binding:"required"`
	Enabled  *bool                `json:"enabled"`
	PostType string               `json:"post_type"`
	Trigger  automation.Trigger   `json:"trigger"`
	Actions  []automation.Action  `json:"actions"`
	Settings *automation.Settings `json:"settings"`
	Schedule *automation.Schedule `json:"schedule"`
}

// AutomationQuery 列表查询条件
type AutomationQuery struct {
	PostType    string `form:"post_type"`
	TriggerType string `form:"trigger_type"`
	Enabled     *bool  `form:"enabled"`
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
}

// AutomationService stores automation definitions and hosts the engine:
// CRUD, event ingestion and run bookkeeping.
type AutomationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	cache  *automationCache

	engine       *automation.Orchestrator
	posts        *PostService
	history      *HistoryService
	eventTimeout time.Duration
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:           db,
		logger:       logger,
		cache:        newAutomationCache(time.Minute),
		eventTimeout: 5 * time.Second,
	}
}

// SetCacheTTL replaces the definition cache. Zero keeps entries until
// invalidated, negative disables caching.
func (s *AutomationService) SetCacheTTL(ttl time.Duration) {
	s.cache = newAutomationCache(ttl)
}

// SetEventTimeout bounds each HandleEvent call.
func (s *AutomationService) SetEventTimeout(d time.Duration) {
	if d > 0 {
		s.eventTimeout = d
	}
}

// AttachEngine wires the orchestrator and the stores the service reads posts
// and history from.
func (s *AutomationService) AttachEngine(engine *automation.Orchestrator, posts *PostService, history *HistoryService) {
	s.engine = engine
	s.posts = posts
	s.history = history
}

// Engine returns the attached orchestrator.
func (s *AutomationService) Engine() *automation.Orchestrator { return s.engine }

// ListenTo re-enters the pipeline for every effective field write.
func (s *AutomationService) ListenTo(fields *FieldService) {
	fields.OnChange(func(ctx context.Context, ch FieldChange) {
		if _, err := s.HandleEvent(ctx, AutomationEvent{
			Type:     EventFieldChanged,
			PostID:   ch.PostID,
			Field:    ch.Key,
			OldValue: ch.OldValue,
			NewValue: ch.NewValue,
		}); err != nil {
			s.logger.Warnf("automation: field change on post %d (%s): %v", ch.PostID, ch.Key, err)
		}
	})
}

// List 分页查询自动化
func (s *AutomationService) List(ctx context.Context, q AutomationQuery) ([]models.Automation, int64, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 100 {
		q.PageSize = 20
	}
	db := s.db.WithContext(ctx).Model(&models.Automation{})
	if q.PostType != "" {
		db = db.Where("post_type = ?", q.PostType)
	}
	if q.TriggerType != "" {
		db = db.Where("trigger_type = ?", q.TriggerType)
	}
	if q.Enabled != nil {
		db = db.Where("enabled = ?", *q.Enabled)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []models.Automation
	if err := db.Order("id DESC").Offset((q.Page - 1) * q.PageSize).Limit(q.PageSize).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Get 获取单个自动化
func (s *AutomationService) Get(ctx context.Context, id uint) (*models.Automation, error) {
	var row models.Automation
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, err
	}
	return &row, nil
}

// Load returns the parsed automation regardless of its enabled flag.
func (s *AutomationService) Load(ctx context.Context, id uint) (*automation.Automation, error) {
	row, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ParseAutomation(row)
}

// Create 新建自动化
func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	row := &models.Automation{Enabled: true}
	if err := applyRequest(row, req); err != nil {
		return nil, err
	}
	now := time.Now()
	row.CreatedAt, row.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	s.cache.invalidate()
	s.logger.Infof("automation: created %d (%s, %s)", row.ID, row.Name, row.TriggerType)
	return row, nil
}

// Update 覆盖自动化定义, 保留运行统计
func (s *AutomationService) Update(ctx context.Context, id uint, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	row, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	oldSchedule := row.Schedule
	if err := applyRequest(row, req); err != nil {
		return nil, err
	}
	if row.Schedule != oldSchedule {
		row.NextRunAt = nil
	}
	row.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, err
	}
	s.cache.invalidate()
	return row, nil
}

// Toggle 启用/停用
func (s *AutomationService) Toggle(ctx context.Context, id uint) (*models.Automation, error) {
	row, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	row.Enabled = !row.Enabled
	if err := s.db.WithContext(ctx).Model(row).Updates(map[string]any{
		"enabled":    row.Enabled,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return nil, err
	}
	s.cache.invalidate()
	return row, nil
}

// Delete 删除自动化及其单次执行指纹
func (s *AutomationService) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.Automation{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	s.cache.invalidate()
	if s.history != nil {
		if err := s.history.ClearTracking(ctx, &id); err != nil {
			s.logger.Warnf("automation: clear tracking for deleted %d failed: %v", id, err)
		}
	}
	return nil
}

func applyRequest(row *models.Automation, req *AutomationRequest) error {
	settings := automation.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	a := &automation.Automation{
		Name:     strings.TrimSpace(req.Name),
		Trigger:  req.Trigger,
		Actions:  req.Actions,
		Settings: settings,
		Schedule: req.Schedule,
	}
	if err := a.Validate(); err != nil {
		return err
	}
	trig, err := json.Marshal(a.Trigger)
	if err != nil {
		return fmt.Errorf("invalid trigger: %w", err)
	}
	actions := a.Actions
	if actions == nil {
		actions = []automation.Action{}
	}
	acts, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("invalid actions: %w", err)
	}
	set, err := json.Marshal(a.Settings)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	sched := ""
	if a.Schedule != nil {
		b, err := json.Marshal(a.Schedule)
		if err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		sched = string(b)
	}

	row.Name = a.Name
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}
	row.PostType = strings.TrimSpace(req.PostType)
	if row.PostType == "" {
		row.PostType = "post"
	}
	row.TriggerType = string(a.Trigger.Type)
	row.Trigger = string(trig)
	row.Actions = string(acts)
	row.Settings = string(set)
	row.Schedule = sched
	return nil
}

// ParseAutomation decodes the stored JSON columns into the engine's typed
// automation.
func ParseAutomation(row *models.Automation) (*automation.Automation, error) {
	a := &automation.Automation{
		ID:        row.ID,
		Name:      row.Name,
		Enabled:   row.Enabled,
		PostType:  row.PostType,
		Settings:  automation.DefaultSettings(),
		NextRunAt: row.NextRunAt,
	}
	if err := json.Unmarshal([]byte(row.Trigger), &a.Trigger); err != nil {
		return nil, fmt.Errorf("automation %d: trigger: %w", row.ID, err)
	}
	if strings.TrimSpace(row.Actions) != "" {
		if err := json.Unmarshal([]byte(row.Actions), &a.Actions); err != nil {
			return nil, fmt.Errorf("automation %d: actions: %w", row.ID, err)
		}
	}
	if strings.TrimSpace(row.Settings) != "" {
		if err := json.Unmarshal([]byte(row.Settings), &a.Settings); err != nil {
			return nil, fmt.Errorf("automation %d: settings: %w", row.ID, err)
		}
	}
	if sched := strings.TrimSpace(row.Schedule); sched != "" && sched != "null" {
		a.Schedule = &automation.Schedule{}
		if err := json.Unmarshal([]byte(sched), a.Schedule); err != nil {
			return nil, fmt.Errorf("automation %d: schedule: %w", row.ID, err)
		}
	}
	return a, nil
}

// ListEnabled implements automation.AutomationStore. Rows that fail to parse
// are logged and skipped.
func (s *AutomationService) ListEnabled(ctx context.Context) ([]*automation.Automation, error) {
	if cached, ok := s.cache.get(); ok {
		return cached, nil
	}
	var rows []models.Automation
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*automation.Automation, 0, len(rows))
	for i := range rows {
		a, err := ParseAutomation(&rows[i])
		if err != nil {
			s.logger.Warnf("automation: skip invalid definition: %v", err)
			continue
		}
		out = append(out, a)
	}
	s.cache.set(out)
	return out, nil
}

// RecordRun implements automation.AutomationStore.
func (s *AutomationService) RecordRun(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Automation{}).Where("id = ?", id).Updates(map[string]any{
		"run_count":   gorm.Expr("run_count + ?", 1),
		"last_run_at": at,
	}).Error
}

// SaveNextRun implements automation.AutomationStore.
func (s *AutomationService) SaveNextRun(ctx context.Context, id uint, next time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Automation{}).Where("id = ?", id).Update("next_run_at", next).Error
	s.cache.invalidate()
	return err
}

// eventContext builds the execution context for evt.
func eventContext(evt AutomationEvent) (automation.ExecutionContext, error) {
	ec := automation.ExecutionContext{}
	switch evt.Type {
	case EventPostCreated:
		ec[automation.KeyIsNew] = true
	case EventPostUpdated:
		ec[automation.KeyIsUpdate] = true
	case EventPostPublished:
		ec[automation.KeyIsPublished] = true
	case EventFieldChanged:
		if evt.Field == "" {
			return nil, errors.New("field_changed event requires a field")
		}
	default:
		return nil, fmt.Errorf("unsupported event: %s", evt.Type)
	}
	if evt.Field != "" {
		ec[automation.KeyChangedField] = evt.Field
		ec[automation.KeyOldValue] = evt.OldValue
		ec[automation.KeyNewValue] = evt.NewValue
	}
	if evt.ChangedBy != 0 {
		ec[automation.KeyChangedBy] = evt.ChangedBy
	}
	return ec, nil
}

// HandleEvent runs every enabled realtime automation of the post's type
// against evt and returns the executions that happened.
func (s *AutomationService) HandleEvent(ctx context.Context, evt AutomationEvent) ([]*automation.ExecutionResult, error) {
	if s.engine == nil || s.posts == nil {
		return nil, errors.New("automation engine not attached")
	}
	ec, err := eventContext(evt)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.eventTimeout)
	defer cancel()

	if evt.ChangedBy != 0 && automation.CurrentUser(ctx) == nil {
		if u, err := s.posts.FindUser(ctx, strconv.FormatUint(uint64(evt.ChangedBy), 10)); err == nil {
			ctx = automation.WithCurrentUser(ctx, u)
		}
	}

	list, err := s.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load automations: %w", err)
	}
	post, err := s.posts.GetPost(ctx, evt.PostID)
	if err != nil {
		return nil, err
	}

	var results []*automation.ExecutionResult
	for _, a := range list {
		if !a.Trigger.Type.IsRealtime() || (a.PostType != "" && a.PostType != post.Type) {
			continue
		}
		if len(results) > 0 {
			// earlier automations may have written to the post
			if fresh, err := s.posts.GetPost(ctx, evt.PostID); err == nil {
				post = fresh
			}
		}
		if res := s.engine.MaybeExecute(ctx, a, post, ec); res != nil {
			s.logger.Infof("automation: %s on post %d: %s", a.Name, post.ID, res.Status)
			results = append(results, res)
		}
	}
	return results, nil
}

// Test dry-runs automation id against a post. postID 0 picks the most
// recent post of the automation's type.
func (s *AutomationService) Test(ctx context.Context, id, postID uint, ec automation.ExecutionContext) (*automation.TestReport, error) {
	if s.engine == nil || s.posts == nil {
		return nil, errors.New("automation engine not attached")
	}
	a, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if postID == 0 {
		var row models.Post
		err := s.db.WithContext(ctx).Where("post_type = ?", a.PostType).Order("id DESC").First(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		postID = row.ID
	}
	var post *automation.Post
	if postID != 0 {
		if post, err = s.posts.GetPost(ctx, postID); err != nil {
			return nil, err
		}
	}
	return s.engine.TestAutomation(ctx, a, post, ec), nil
}

// ExecuteNow runs the actions of automation id for a post without checking
// its trigger.
func (s *AutomationService) ExecuteNow(ctx context.Context, id, postID uint, ec automation.ExecutionContext) (*automation.ExecutionResult, error) {
	if s.engine == nil || s.posts == nil {
		return nil, errors.New("automation engine not attached")
	}
	a, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec = automation.ExecutionContext{}
	}
	return s.engine.Execute(ctx, a, post, ec), nil
}

// RunScheduled performs one scheduled pass.
func (s *AutomationService) RunScheduled(ctx context.Context) (*automation.ScheduleReport, error) {
	if s.engine == nil {
		return nil, errors.New("automation engine not attached")
	}
	report, err := s.engine.RunScheduledAutomations(ctx)
	if err != nil {
		return nil, err
	}
	metrics.IncScheduledPass()
	return report, nil
}

// ClearTracking forgets run-once fingerprints of automation id.
func (s *AutomationService) ClearTracking(ctx context.Context, id uint) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if s.history == nil {
		return errors.New("history not attached")
	}
	return s.history.ClearTracking(ctx, &id)
}
