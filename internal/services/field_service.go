package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"postflow/internal/automation"
	"postflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FieldChange describes one effective field write.
type FieldChange struct {
	PostID   uint
	PostType string
	Key      string
	OldValue any
	NewValue any
}

// FieldListener is notified after a field write changed the stored value.
type FieldListener func(ctx context.Context, change FieldChange)

// FieldService implements automation.FieldAccessor over posts, post_meta and
// post_terms, with a FieldDefinition registry for source resolution and typed
// validation.
type FieldService struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu        sync.RWMutex
	listeners []FieldListener
}

func NewFieldService(db *gorm.DB, logger *logrus.Logger) *FieldService {
	if logger == nil {
		logger = logrus.New()
	}
	return &FieldService{db: db, logger: logger}
}

// OnChange registers a listener for effective writes.
func (s *FieldService) OnChange(fn FieldListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// postColumns maps intrinsic field names to posts columns.
var postColumns = map[string]string{
	"id":             "id",
	"post_id":        "id",
	"title":          "title",
	"post_title":     "title",
	"content":        "content",
	"post_content":   "content",
	"excerpt":        "excerpt",
	"post_excerpt":   "excerpt",
	"status":         "status",
	"post_status":    "status",
	"slug":           "slug",
	"post_name":      "slug",
	"thumbnail":      "thumbnail",
	"featured_image": "thumbnail",
	"post_thumbnail": "thumbnail",
	"author_id":      "author_id",
	"post_author":    "author_id",
	"date":           "published_at",
	"post_date":      "published_at",
	"published_at":   "published_at",
	"modified":       "updated_at",
	"post_modified":  "updated_at",
	"post_type":      "post_type",
}

var readOnlyColumns = map[string]bool{"id": true, "updated_at": true, "post_type": true}

var fieldKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func postColumn(key string) (string, bool) {
	col, ok := postColumns[strings.ToLower(strings.TrimSpace(key))]
	return col, ok
}

// ListDefinitions 返回某个文章类型的字段定义; postType 为空时返回全部
func (s *FieldService) ListDefinitions(ctx context.Context, postType string) ([]models.FieldDefinition, error) {
	q := s.db.WithContext(ctx).Model(&models.FieldDefinition{}).Order("post_type ASC, key ASC")
	if postType != "" {
		q = q.Where("post_type = ?", postType)
	}
	var defs []models.FieldDefinition
	if err := q.Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

// Definition returns the registry entry for (postType, key), or nil.
func (s *FieldService) Definition(ctx context.Context, postType, key string) (*models.FieldDefinition, error) {
	var def models.FieldDefinition
	err := s.db.WithContext(ctx).Where("post_type = ? AND key = ?", postType, key).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// SaveDefinition 新建或覆盖字段定义
func (s *FieldService) SaveDefinition(ctx context.Context, def *models.FieldDefinition) error {
	if def == nil {
		return errors.New("definition required")
	}
	def.Key = strings.ToLower(strings.TrimSpace(def.Key))
	if !fieldKeyRe.MatchString(def.Key) {
		return fmt.Errorf("invalid key: %s (must match %s)", def.Key, fieldKeyRe.String())
	}
	if strings.TrimSpace(def.PostType) == "" {
		def.PostType = "post"
	}
	if def.Source == "" {
		def.Source = string(automation.SourceMeta)
	}
	switch automation.Source(def.Source) {
	case automation.SourcePost:
		if _, ok := postColumn(def.Key); !ok {
			return fmt.Errorf("unknown post column: %s", def.Key)
		}
	case automation.SourceMeta, automation.SourceTaxonomy:
	default:
		return fmt.Errorf("invalid source: %s", def.Source)
	}
	if def.Type == "" {
		def.Type = "text"
	}
	if !isAllowedFieldType(def.Type) {
		return fmt.Errorf("invalid type: %s", def.Type)
	}
	if def.Options != "" {
		var opts []any
		if err := json.Unmarshal([]byte(def.Options), &opts); err != nil {
			return fmt.Errorf("invalid options: %w", err)
		}
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "post_type"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"label", "source", "type", "options", "read_only", "updated_at"}),
	}).Create(def).Error
}

func isAllowedFieldType(typ string) bool {
	switch typ {
	case "text", "number", "boolean", "date", "select", "user":
		return true
	default:
		return false
	}
}

// resolve settles an auto source through the registry, then intrinsic
// columns, then meta.
func (s *FieldService) resolve(ctx context.Context, postType, key string, src automation.Source) (automation.Source, *models.FieldDefinition, error) {
	def, err := s.Definition(ctx, postType, key)
	if err != nil {
		return "", nil, err
	}
	if src != "" && src != automation.SourceAuto {
		return src, def, nil
	}
	if def != nil {
		return automation.Source(def.Source), def, nil
	}
	if _, ok := postColumn(key); ok {
		return automation.SourcePost, nil, nil
	}
	return automation.SourceMeta, nil, nil
}

// GetField implements automation.FieldAccessor. Missing meta values read as nil.
func (s *FieldService) GetField(ctx context.Context, post *automation.Post, key string, source automation.Source) (any, error) {
	if post == nil {
		return nil, &automation.FieldError{Kind: automation.FieldNotFound, Field: key, Err: errors.New("no post")}
	}
	src, _, err := s.resolve(ctx, post.Type, key, source)
	if err != nil {
		return nil, err
	}
	switch src {
	case automation.SourcePost:
		col, ok := postColumn(key)
		if !ok {
			return nil, &automation.FieldError{Kind: automation.FieldNotFound, Field: key}
		}
		return intrinsicValue(post, col), nil
	case automation.SourceMeta:
		return s.metaValue(ctx, post.ID, key)
	case automation.SourceTaxonomy:
		return s.termNames(ctx, post.ID, key)
	}
	return nil, &automation.FieldError{Kind: automation.FieldNotFound, Field: key, Err: fmt.Errorf("unknown source %q", src)}
}

func intrinsicValue(post *automation.Post, col string) any {
	switch col {
	case "id":
		return post.ID
	case "title":
		return post.Title
	case "content":
		return post.Content
	case "excerpt":
		return post.Excerpt
	case "status":
		return post.Status
	case "slug":
		return post.Slug
	case "thumbnail":
		return post.Thumbnail
	case "author_id":
		return post.AuthorID
	case "published_at":
		if post.Date.IsZero() {
			return ""
		}
		return post.Date
	case "updated_at":
		if post.Modified.IsZero() {
			return ""
		}
		return post.Modified
	case "post_type":
		return post.Type
	}
	return nil
}

func (s *FieldService) metaValue(ctx context.Context, postID uint, key string) (any, error) {
	var meta models.PostMeta
	err := s.db.WithContext(ctx).Where("post_id = ? AND meta_key = ?", postID, key).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMetaValue(meta.MetaValue), nil
}

func (s *FieldService) termNames(ctx context.Context, postID uint, taxonomy string) (any, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&models.PostTerm{}).
		Where("post_id = ? AND taxonomy = ?", postID, taxonomy).
		Order("id ASC").Pluck("name", &names).Error; err != nil {
		return nil, err
	}
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out, nil
}

// SetField implements automation.FieldAccessor. Effective writes are
// published to listeners with the caller's context.
func (s *FieldService) SetField(ctx context.Context, postID uint, key string, value any, source automation.Source) error {
	var row models.Post
	if err := s.db.WithContext(ctx).First(&row, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &automation.FieldError{Kind: automation.FieldNotFound, Field: key, Err: fmt.Errorf("post %d not found", postID)}
		}
		return err
	}
	post := ToAutomationPost(&row, "")
	src, def, err := s.resolve(ctx, row.PostType, key, source)
	if err != nil {
		return err
	}
	if def != nil && def.ReadOnly {
		return &automation.FieldError{Kind: automation.FieldForbidden, Field: key, Err: errors.New("field is read-only")}
	}
	value, err = normalizeFieldValue(def, value)
	if err != nil {
		return &automation.FieldError{Kind: automation.FieldInvalidValue, Field: key, Err: err}
	}
	old, err := s.GetField(ctx, post, key, src)
	if err != nil {
		return err
	}

	switch src {
	case automation.SourcePost:
		err = s.setColumn(ctx, postID, key, value)
	case automation.SourceMeta:
		err = s.setMeta(ctx, postID, key, value)
	case automation.SourceTaxonomy:
		err = s.setTerms(ctx, postID, key, value)
	default:
		err = &automation.FieldError{Kind: automation.FieldNotFound, Field: key, Err: fmt.Errorf("unknown source %q", src)}
	}
	if err != nil {
		return err
	}

	if encodeMetaValue(old) != encodeMetaValue(value) {
		s.notify(ctx, FieldChange{PostID: postID, PostType: row.PostType, Key: key, OldValue: old, NewValue: value})
	}
	return nil
}

func (s *FieldService) setColumn(ctx context.Context, postID uint, key string, value any) error {
	col, ok := postColumn(key)
	if !ok {
		return &automation.FieldError{Kind: automation.FieldNotFound, Field: key}
	}
	if readOnlyColumns[col] {
		return &automation.FieldError{Kind: automation.FieldForbidden, Field: key, Err: errors.New("column is read-only")}
	}
	var stored any
	switch col {
	case "status":
		status := strings.TrimSpace(cast.ToString(value))
		if status == "" {
			return &automation.FieldError{Kind: automation.FieldInvalidValue, Field: key, Err: errors.New("status cannot be empty")}
		}
		stored = status
	case "author_id":
		id, err := cast.ToUintE(value)
		if err != nil {
			return &automation.FieldError{Kind: automation.FieldInvalidValue, Field: key, Err: err}
		}
		stored = id
	case "published_at":
		if value == nil || cast.ToString(value) == "" {
			stored = time.Time{}
			break
		}
		t, ok := parseFieldDate(value)
		if !ok {
			return &automation.FieldError{Kind: automation.FieldInvalidValue, Field: key, Err: fmt.Errorf("unparsable date %v", value)}
		}
		stored = t
	default:
		stored = encodeMetaValue(value)
	}
	return s.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", postID).Update(col, stored).Error
}

func (s *FieldService) setMeta(ctx context.Context, postID uint, key string, value any) error {
	if value == nil {
		return s.db.WithContext(ctx).Where("post_id = ? AND meta_key = ?", postID, key).Delete(&models.PostMeta{}).Error
	}
	meta := &models.PostMeta{PostID: postID, MetaKey: key, MetaValue: encodeMetaValue(value)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "post_id"}, {Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value"}),
	}).Create(meta).Error
}

func (s *FieldService) setTerms(ctx context.Context, postID uint, taxonomy string, value any) error {
	names := splitTermList(value)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ? AND taxonomy = ?", postID, taxonomy).Delete(&models.PostTerm{}).Error; err != nil {
			return err
		}
		for _, name := range names {
			term := &models.PostTerm{PostID: postID, Taxonomy: taxonomy, Name: name, Slug: slugify(name)}
			if err := tx.Create(term).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FieldService) notify(ctx context.Context, change FieldChange) {
	s.mu.RLock()
	listeners := append([]FieldListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, change)
	}
}

// normalizeFieldValue validates value against the definition type.
func normalizeFieldValue(def *models.FieldDefinition, value any) (any, error) {
	if def == nil || value == nil {
		return value, nil
	}
	if str, ok := value.(string); ok && strings.TrimSpace(str) == "" && def.Type != "text" {
		return nil, nil
	}
	switch def.Type {
	case "number":
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("%v is not a number", value)
		}
		return f, nil
	case "boolean":
		if str, ok := value.(string); ok {
			switch strings.ToLower(strings.TrimSpace(str)) {
			case "yes", "on":
				return true, nil
			case "no", "off":
				return false, nil
			}
		}
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, fmt.Errorf("%v is not a boolean", value)
		}
		return b, nil
	case "date":
		t, ok := parseFieldDate(value)
		if !ok {
			return nil, fmt.Errorf("%v is not a date", value)
		}
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02"), nil
		}
		return t.Format("2006-01-02 15:04:05"), nil
	case "select":
		var opts []any
		if def.Options != "" {
			if err := json.Unmarshal([]byte(def.Options), &opts); err != nil {
				return nil, fmt.Errorf("invalid options: %w", err)
			}
		}
		want := cast.ToString(value)
		for _, o := range opts {
			if cast.ToString(o) == want {
				return want, nil
			}
		}
		return nil, fmt.Errorf("%q is not an allowed option", want)
	}
	return value, nil
}

var fieldDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102",
}

func parseFieldDate(value any) (time.Time, bool) {
	if t, ok := value.(time.Time); ok {
		return t, !t.IsZero()
	}
	str := strings.TrimSpace(cast.ToString(value))
	for _, layout := range fieldDateLayouts {
		if t, err := time.Parse(layout, str); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// encodeMetaValue renders a value for a text column: scalars verbatim, lists
// and maps as JSON.
func encodeMetaValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format("2006-01-02 15:04:05")
	case []any, []string, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return cast.ToString(v)
}

func decodeMetaValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}

func splitTermList(value any) []string {
	var parts []string
	switch x := value.(type) {
	case nil:
	case []string:
		parts = x
	case []any:
		for _, p := range x {
			parts = append(parts, cast.ToString(p))
		}
	default:
		parts = strings.Split(cast.ToString(x), ",")
	}
	out := make([]string, 0, len(parts))
	seen := map[string]bool{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[strings.ToLower(p)] {
			continue
		}
		seen[strings.ToLower(p)] = true
		out = append(out, p)
	}
	return out
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
