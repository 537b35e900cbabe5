package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postflow/internal/automation"
	"postflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PostService implements automation.RecordStore and automation.UserDirectory.
type PostService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	siteURL string
}

func NewPostService(db *gorm.DB, logger *logrus.Logger, siteURL string) *PostService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PostService{db: db, logger: logger, siteURL: strings.TrimRight(siteURL, "/")}
}

// ToAutomationPost converts a stored post into the engine's record shape.
func ToAutomationPost(p *models.Post, siteURL string) *automation.Post {
	if p == nil {
		return nil
	}
	post := &automation.Post{
		ID:        p.ID,
		Type:      p.PostType,
		Title:     p.Title,
		Content:   p.Content,
		Excerpt:   p.Excerpt,
		Status:    p.Status,
		Slug:      p.Slug,
		Thumbnail: p.Thumbnail,
		AuthorID:  p.AuthorID,
		Date:      p.PublishedAt,
		Modified:  p.UpdatedAt,
	}
	if siteURL != "" {
		if p.Slug != "" {
			post.URL = siteURL + "/" + p.Slug
		} else {
			post.URL = fmt.Sprintf("%s/?p=%d", siteURL, p.ID)
		}
	}
	return post
}

// GetPost loads one post.
func (s *PostService) GetPost(ctx context.Context, id uint) (*automation.Post, error) {
	var row models.Post
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, fmt.Errorf("post %d: %w", id, err)
	}
	return ToAutomationPost(&row, s.siteURL), nil
}

// CreatePost 新建文章
func (s *PostService) CreatePost(ctx context.Context, p *models.Post) error {
	if p == nil {
		return errors.New("post required")
	}
	if strings.TrimSpace(p.PostType) == "" {
		p.PostType = "post"
	}
	if strings.TrimSpace(p.Status) == "" {
		p.Status = "draft"
	}
	if p.Slug == "" {
		p.Slug = slugify(p.Title)
	}
	return s.db.WithContext(ctx).Create(p).Error
}

const (
	naturalDay = "2006-01-02"
	compactDay = "20060102"
)

// FindMatching returns ids of posts whose date field falls inside window.
// Meta values may hold either Y-m-d (optionally with a time) or Ymd.
func (s *PostService) FindMatching(ctx context.Context, postType, field string, window automation.DateWindow) ([]uint, error) {
	var ids []uint
	q := s.db.WithContext(ctx).Model(&models.Post{}).Where("posts.post_type = ?", postType)

	if col, ok := postColumn(field); ok && col == "published_at" {
		if !window.From.IsZero() {
			q = q.Where("posts.published_at >= ?", dayStart(window.From))
		}
		if !window.To.IsZero() {
			q = q.Where("posts.published_at < ?", dayStart(window.To).AddDate(0, 0, 1))
		}
		err := q.Where("posts.published_at > ?", time.Time{}).Order("posts.id ASC").Pluck("posts.id", &ids).Error
		return ids, err
	}

	// Natural values compare against an exclusive next-day bound so any
	// time suffix ("2024-03-15 08:00", "2024-03-15T08:00:00Z") stays in range.
	fromNatural, fromCompact := "0000-01-01", "00000000"
	untilNatural, toCompact := "9999-13", "99999999"
	if !window.From.IsZero() {
		fromNatural, fromCompact = window.From.Format(naturalDay), window.From.Format(compactDay)
	}
	if !window.To.IsZero() {
		untilNatural, toCompact = dayStart(window.To).AddDate(0, 0, 1).Format(naturalDay), window.To.Format(compactDay)
	}
	err := q.Joins("JOIN post_meta ON post_meta.post_id = posts.id AND post_meta.meta_key = ?", field).
		Where("((post_meta.meta_value LIKE '____-__-__%' AND post_meta.meta_value >= ? AND post_meta.meta_value < ?) OR "+
			"(LENGTH(post_meta.meta_value) = 8 AND post_meta.meta_value NOT LIKE '%-%' AND post_meta.meta_value BETWEEN ? AND ?))",
			fromNatural, untilNatural, fromCompact, toCompact).
		Order("posts.id ASC").
		Pluck("posts.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find posts by %s: %w", field, err)
	}
	return ids, nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// FindUser resolves a user by id, email or username.
func (s *PostService) FindUser(ctx context.Context, ref string) (*automation.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("empty user reference")
	}
	var u models.User
	q := s.db.WithContext(ctx)
	var err error
	if id, convErr := strconv.ParseUint(ref, 10, 64); convErr == nil {
		err = q.First(&u, uint(id)).Error
	} else if strings.Contains(ref, "@") {
		err = q.Where("email = ?", ref).First(&u).Error
	} else {
		err = q.Where("username = ?", ref).First(&u).Error
	}
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", ref, err)
	}
	return &automation.User{ID: u.ID, Login: u.Username, Email: u.Email, DisplayName: u.DisplayName}, nil
}
