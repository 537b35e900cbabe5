package services

import (
	"context"
	"encoding/json"
	"time"

	"postflow/internal/automation"
	"postflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryService implements automation.HistorySink on automation_runs and
// automation_trackings.
type HistoryService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewHistoryService(db *gorm.DB, logger *logrus.Logger) *HistoryService {
	if logger == nil {
		logger = logrus.New()
	}
	return &HistoryService{db: db, logger: logger}
}

// RunQuery 执行记录查询条件
type RunQuery struct {
	AutomationID uint   `form:"automation_id"`
	PostID       uint   `form:"post_id"`
	Status       string `form:"status"`
	Page         int    `form:"page"`
	PageSize     int    `form:"page_size"`
}

// Log stores one execution result and returns its id.
func (s *HistoryService) Log(ctx context.Context, result *automation.ExecutionResult) (string, error) {
	id := result.ID
	if id == "" {
		id = uuid.NewString()
	}
	actions, err := json.Marshal(result.ActionsExecuted)
	if err != nil {
		return "", err
	}
	triggered := result.TriggeredAt
	if triggered.IsZero() {
		triggered = time.Now()
	}
	run := &models.AutomationRun{
		ID:             id,
		AutomationID:   result.AutomationID,
		AutomationName: result.AutomationName,
		PostID:         result.PostID,
		Status:         string(result.Status),
		Message:        result.Message,
		Actions:        string(actions),
		DurationMS:     result.DurationMS,
		TriggeredAt:    triggered,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return "", err
	}
	return id, nil
}

// HasRun reports whether the fingerprint was already recorded.
func (s *HistoryService) HasRun(ctx context.Context, automationID, postID uint, fingerprint string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AutomationTracking{}).
		Where("automation_id = ? AND post_id = ? AND fingerprint = ?", automationID, postID, fingerprint).
		Count(&n).Error
	return n > 0, err
}

// MarkRun records a fingerprint; a duplicate is not an error.
func (s *HistoryService) MarkRun(ctx context.Context, automationID, postID uint, fingerprint string) error {
	row := &models.AutomationTracking{
		AutomationID: automationID,
		PostID:       postID,
		Fingerprint:  fingerprint,
		CreatedAt:    time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// ClearTracking removes fingerprints of one automation, or all when id is nil.
func (s *HistoryService) ClearTracking(ctx context.Context, automationID *uint) error {
	db := s.db.WithContext(ctx)
	if automationID == nil {
		return db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.AutomationTracking{}).Error
	}
	return db.Where("automation_id = ?", *automationID).Delete(&models.AutomationTracking{}).Error
}

// ListRuns 分页查询执行记录, 最新的在前
func (s *HistoryService) ListRuns(ctx context.Context, q RunQuery) ([]models.AutomationRun, int64, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 200 {
		q.PageSize = 20
	}
	db := s.db.WithContext(ctx).Model(&models.AutomationRun{})
	if q.AutomationID != 0 {
		db = db.Where("automation_id = ?", q.AutomationID)
	}
	if q.PostID != 0 {
		db = db.Where("post_id = ?", q.PostID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var runs []models.AutomationRun
	if err := db.Order("triggered_at DESC").Order("created_at DESC").
		Offset((q.Page - 1) * q.PageSize).Limit(q.PageSize).
		Find(&runs).Error; err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// RunStats 按状态统计的执行次数
func (s *HistoryService) RunStats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
