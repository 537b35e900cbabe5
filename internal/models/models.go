package models

import (
	"time"

	"gorm.io/gorm"
)

// 用户模型
type User struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Username    string         `gorm:"unique;not null" json:"username"`
	Email       string         `gorm:"unique;not null" json:"email"`
	DisplayName string         `json:"display_name"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// 文章模型
type Post struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PostType    string    `gorm:"index;not null;default:'post'" json:"post_type"` // post, page, event, task ...
	Title       string    `json:"title"`
	Content     string    `gorm:"type:text" json:"content"`
	Excerpt     string    `gorm:"type:text" json:"excerpt"`
	Status      string    `gorm:"index;default:'draft'" json:"status"` // draft, pending, publish, private
	Slug        string    `gorm:"index" json:"slug"`
	Thumbnail   string    `json:"thumbnail"`
	AuthorID    uint      `gorm:"index" json:"author_id"`
	PublishedAt time.Time `gorm:"index" json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Meta  []PostMeta `gorm:"foreignKey:PostID" json:"meta,omitempty"`
	Terms []PostTerm `gorm:"foreignKey:PostID" json:"terms,omitempty"`
}

// 文章自定义字段 (键值对)
type PostMeta struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	PostID    uint   `gorm:"uniqueIndex:idx_post_meta_key;not null" json:"post_id"`
	MetaKey   string `gorm:"uniqueIndex:idx_post_meta_key;size:191;not null" json:"meta_key"`
	MetaValue string `gorm:"type:text" json:"meta_value"` // 标量原样保存, 列表/对象保存为 JSON
}

func (PostMeta) TableName() string { return "post_meta" }

// 文章分类/标签
type PostTerm struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	PostID   uint   `gorm:"index:idx_post_terms;not null" json:"post_id"`
	Taxonomy string `gorm:"index:idx_post_terms;size:64;not null" json:"taxonomy"` // category, post_tag ...
	Name     string `json:"name"`
	Slug     string `json:"slug"`
}

func (PostTerm) TableName() string { return "post_terms" }
