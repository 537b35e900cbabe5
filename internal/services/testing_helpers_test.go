package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"postflow/internal/automation"
	"postflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type captureMailer struct {
	mu   sync.Mutex
	sent []*automation.Email
}

func (m *captureMailer) Send(_ context.Context, msg *automation.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestStack(t *testing.T) (*Stack, *captureMailer) {
	t.Helper()
	mailer := &captureMailer{}
	st := NewStack(newTestDB(t), quietLogger(), StackOptions{
		Mailer:   mailer,
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
		Site:     automation.Site{Name: "Postflow", URL: "https://example.com", AdminEmail: "admin@example.com"},
	})
	return st, mailer
}

func createPost(t *testing.T, db *gorm.DB, p *models.Post) *models.Post {
	t.Helper()
	if p.PostType == "" {
		p.PostType = "post"
	}
	if p.Status == "" {
		p.Status = "draft"
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

func setMetaRow(t *testing.T, db *gorm.DB, postID uint, key, value string) {
	t.Helper()
	if err := db.Create(&models.PostMeta{PostID: postID, MetaKey: key, MetaValue: value}).Error; err != nil {
		t.Fatalf("create meta: %v", err)
	}
}

func metaRow(t *testing.T, db *gorm.DB, postID uint, key string) (string, bool) {
	t.Helper()
	var m models.PostMeta
	err := db.Where("post_id = ? AND meta_key = ?", postID, key).First(&m).Error
	if err != nil {
		return "", false
	}
	return m.MetaValue, true
}
