package models

import "time"

// FieldDefinition 字段元数据, 用于 source=auto 的解析与写入校验
type FieldDefinition struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostType  string    `gorm:"uniqueIndex:idx_field_def;size:64;not null" json:"post_type"`
	Key       string    `gorm:"uniqueIndex:idx_field_def;size:191;not null" json:"key"`
	Label     string    `json:"label"`
	Source    string    `gorm:"not null;default:'meta'" json:"source"` // post, meta, taxonomy
	Type      string    `gorm:"not null;default:'text'" json:"type"`   // text, number, boolean, date, select, user
	Options   string    `gorm:"type:text" json:"options"`              // JSON: ["a","b"] 仅 select 使用
	ReadOnly  bool      `gorm:"default:false" json:"read_only"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Automation 自动化规则定义
type Automation struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"not null" json:"name"`
	Enabled     bool       `gorm:"index;not null" json:"enabled"`
	PostType    string     `gorm:"index;not null;default:'post'" json:"post_type"`
	TriggerType string     `gorm:"index;not null" json:"trigger_type"`               // 冗余列, 便于筛选
	Trigger     string     `gorm:"column:trigger_config;type:text" json:"trigger"`   // JSON: {type, field, ...}
	Actions     string     `gorm:"type:text" json:"actions"`                         // JSON: [{type, ...}]
	Settings    string     `gorm:"type:text" json:"settings"`                        // JSON: {run_once_per_post, ...}
	Schedule    string     `gorm:"column:schedule_config;type:text" json:"schedule"` // JSON: {frequency, time, timezone}
	RunCount    int        `gorm:"default:0" json:"run_count"`
	LastRunAt   *time.Time `json:"last_run_at"`
	NextRunAt   *time.Time `gorm:"index" json:"next_run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AutomationRun 执行记录用于审计
type AutomationRun struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	AutomationID   uint      `gorm:"index" json:"automation_id"`
	AutomationName string    `json:"automation_name"`
	PostID         uint      `gorm:"index" json:"post_id"`
	Status         string    `gorm:"index" json:"status"` // success, partial, error, warning
	Message        string    `gorm:"type:text" json:"message"`
	Actions        string    `gorm:"type:text" json:"actions"` // JSON: 每个动作的执行结果
	DurationMS     int64     `json:"duration_ms"`
	TriggeredAt    time.Time `gorm:"index" json:"triggered_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// AutomationTracking 单次执行指纹 (run_once_per_post)
type AutomationTracking struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AutomationID uint      `gorm:"uniqueIndex:idx_automation_tracking;not null" json:"automation_id"`
	PostID       uint      `gorm:"uniqueIndex:idx_automation_tracking;not null" json:"post_id"`
	Fingerprint  string    `gorm:"uniqueIndex:idx_automation_tracking;size:64;not null;default:''" json:"fingerprint"`
	CreatedAt    time.Time `json:"created_at"`
}

// AllModels 迁移使用的模型列表
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Post{},
		&PostMeta{},
		&PostTerm{},
		&FieldDefinition{},
		&Automation{},
		&AutomationRun{},
		&AutomationTracking{},
	}
}
