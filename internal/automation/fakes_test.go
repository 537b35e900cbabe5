package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var fixedNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func testClock() *Clock {
	return NewClock(time.UTC, func() time.Time { return fixedNow })
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fieldWrite struct {
	PostID uint
	Key    string
	Value  any
	Source Source
}

// memFields keeps custom fields per post. Intrinsic fields fall back to the
// post struct.
type memFields struct {
	mu        sync.Mutex
	values    map[uint]map[string]any
	writes    []fieldWrite
	forbidden map[string]bool
	panicOn   map[string]bool
	onSet     func(ctx context.Context, postID uint, key string, old, value any)
}

func newMemFields() *memFields {
	return &memFields{values: map[uint]map[string]any{}, forbidden: map[string]bool{}, panicOn: map[string]bool{}}
}

func (m *memFields) put(postID uint, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[postID] == nil {
		m.values[postID] = map[string]any{}
	}
	m.values[postID][key] = value
}

func (m *memFields) get(postID uint, key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[postID][key]
}

func (m *memFields) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *memFields) GetField(_ context.Context, post *Post, key string, _ Source) (any, error) {
	if post == nil {
		return nil, &FieldError{Kind: FieldNotFound, Field: key}
	}
	if m.forbidden[key] {
		return nil, &FieldError{Kind: FieldForbidden, Field: key}
	}
	m.mu.Lock()
	v, ok := m.values[post.ID][key]
	m.mu.Unlock()
	if ok {
		return v, nil
	}
	switch key {
	case "post_status", "status":
		return post.Status, nil
	case "post_title", "title":
		return post.Title, nil
	}
	return nil, nil
}

func (m *memFields) SetField(ctx context.Context, postID uint, key string, value any, src Source) error {
	if m.forbidden[key] {
		return &FieldError{Kind: FieldForbidden, Field: key, Err: errors.New("permission denied")}
	}
	if m.panicOn[key] {
		panic("field store exploded")
	}
	m.mu.Lock()
	old := m.values[postID][key]
	if m.values[postID] == nil {
		m.values[postID] = map[string]any{}
	}
	m.values[postID][key] = value
	m.writes = append(m.writes, fieldWrite{PostID: postID, Key: key, Value: value, Source: src})
	hook := m.onSet
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, postID, key, old, value)
	}
	return nil
}

type memUsers struct {
	users map[string]*User
}

func newMemUsers(users ...*User) *memUsers {
	m := &memUsers{users: map[string]*User{}}
	for _, u := range users {
		m.users[strconv.FormatUint(uint64(u.ID), 10)] = u
		m.users[u.Login] = u
	}
	return m
}

func (m *memUsers) FindUser(_ context.Context, ref string) (*User, error) {
	if u, ok := m.users[ref]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %q not found", ref)
}

type memMailer struct {
	mu   sync.Mutex
	sent []*Email
	err  error
}

func (m *memMailer) Send(_ context.Context, msg *Email) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *memMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type memHistory struct {
	mu    sync.Mutex
	logs  []*ExecutionResult
	marks map[string]bool
}

func newMemHistory() *memHistory { return &memHistory{marks: map[string]bool{}} }

func trackingKey(a, p uint, fp string) string { return fmt.Sprintf("%d/%d/%s", a, p, fp) }

func (h *memHistory) Log(_ context.Context, r *ExecutionResult) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, r)
	return r.ID, nil
}

func (h *memHistory) HasRun(_ context.Context, a, p uint, fp string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.marks[trackingKey(a, p, fp)], nil
}

func (h *memHistory) MarkRun(_ context.Context, a, p uint, fp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marks[trackingKey(a, p, fp)] = true
	return nil
}

func (h *memHistory) ClearTracking(_ context.Context, a *uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a == nil {
		h.marks = map[string]bool{}
		return nil
	}
	prefix := fmt.Sprintf("%d/", *a)
	for k := range h.marks {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(h.marks, k)
		}
	}
	return nil
}

func (h *memHistory) logCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.logs)
}

// memRecords answers bulk date queries from the values held by memFields.
type memRecords struct {
	posts  map[uint]*Post
	fields *memFields
}

func (r *memRecords) GetPost(_ context.Context, id uint) (*Post, error) {
	if p, ok := r.posts[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("post %d not found", id)
}

func (r *memRecords) FindMatching(_ context.Context, postType, field string, w DateWindow) ([]uint, error) {
	var ids []uint
	for id := uint(1); id <= uint(len(r.posts)+10); id++ {
		p, ok := r.posts[id]
		if !ok || (postType != "" && p.Type != postType) {
			continue
		}
		raw, _ := r.fields.get(id, field).(string)
		day, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			continue
		}
		if w.Contains(day) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memStore struct {
	mu   sync.Mutex
	list []*Automation
	runs map[uint]int
	next map[uint]time.Time
	err  error
}

func newMemStore(list ...*Automation) *memStore {
	return &memStore{list: list, runs: map[uint]int{}, next: map[uint]time.Time{}}
}

func (s *memStore) ListEnabled(context.Context) ([]*Automation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.list, nil
}

func (s *memStore) RecordRun(_ context.Context, id uint, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id]++
	return nil
}

func (s *memStore) SaveNextRun(_ context.Context, id uint, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[id] = next
	return nil
}

type testEngine struct {
	fields  *memFields
	users   *memUsers
	mailer  *memMailer
	history *memHistory
	records *memRecords
	store   *memStore
	orch    *Orchestrator
}

func newTestEngine(automations ...*Automation) *testEngine {
	fields := newMemFields()
	e := &testEngine{
		fields: fields,
		users: newMemUsers(
			&User{ID: 7, Login: "editor", Email: "editor@example.com", DisplayName: "Eddie Editor"},
			&User{ID: 9, Login: "reviewer", Email: "reviewer@example.com", DisplayName: "Rae Reviewer"},
		),
		mailer:  &memMailer{},
		history: newMemHistory(),
		records: &memRecords{posts: map[uint]*Post{}, fields: fields},
		store:   newMemStore(automations...),
	}
	e.orch = NewOrchestrator(Dependencies{
		Fields:  e.fields,
		Users:   e.users,
		Records: e.records,
		History: e.history,
		Store:   e.store,
		Mailer:  e.mailer,
	}, Options{
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
		Site:     Site{Name: "Newsroom", URL: "https://news.example.com", AdminEmail: "admin@example.com"},
		Logger:   quietLogger(),
	})
	return e
}

func (e *testEngine) addPost(p *Post) *Post {
	e.records.posts[p.ID] = p
	return p
}

func samplePost() *Post {
	return &Post{
		ID:       1,
		Type:     "post",
		Title:    "Hello World",
		Content:  "<p>Breaking &amp; entering</p>",
		Status:   "draft",
		Slug:     "hello-world",
		URL:      "https://news.example.com/hello-world",
		AuthorID: 7,
		Date:     time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}
