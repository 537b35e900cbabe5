package services

import (
	"context"
	"time"

	"postflow/internal/automation"
	"postflow/internal/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

// StackOptions configures NewStack.
type StackOptions struct {
	Mail   MailConfig
	Mailer automation.Mailer // overrides the SMTP mailer when set

	Location   *time.Location
	Now        func() time.Time
	Site       automation.Site
	DateFormat string
	TimeFormat string
	Language   language.Tag

	CacheTTL     time.Duration
	EventTimeout time.Duration
}

// Stack is the set of gorm-backed collaborators wired around one
// orchestrator.
type Stack struct {
	Fields      *FieldService
	Posts       *PostService
	History     *HistoryService
	Mailer      automation.Mailer
	Automations *AutomationService
	Engine      *automation.Orchestrator
}

// NewStack builds the services, the orchestrator and the field change
// feedback loop that re-enters the orchestrator on writes.
func NewStack(db *gorm.DB, logger *logrus.Logger, opts StackOptions) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	st := &Stack{
		Fields:      NewFieldService(db, logger),
		Posts:       NewPostService(db, logger, opts.Site.URL),
		History:     NewHistoryService(db, logger),
		Automations: NewAutomationService(db, logger),
		Mailer:      opts.Mailer,
	}
	if st.Mailer == nil {
		st.Mailer = NewMailService(opts.Mail, logger)
	}
	st.Automations.SetCacheTTL(opts.CacheTTL)
	st.Automations.SetEventTimeout(opts.EventTimeout)

	st.Engine = automation.NewOrchestrator(automation.Dependencies{
		Fields:  st.Fields,
		Users:   st.Posts,
		Records: st.Posts,
		History: st.History,
		Store:   st.Automations,
		Mailer:  st.Mailer,
	}, automation.Options{
		Location:   opts.Location,
		Now:        opts.Now,
		Site:       opts.Site,
		DateFormat: opts.DateFormat,
		TimeFormat: opts.TimeFormat,
		Language:   opts.Language,
		Logger:     logger,
	})
	st.Engine.OnExecuted(func(_ context.Context, _ *automation.Automation, _ *automation.Post, r *automation.ExecutionResult) {
		metrics.IncExecution(string(r.Status), r.TriggeredAt)
	})
	st.Automations.AttachEngine(st.Engine, st.Posts, st.History)
	st.Automations.ListenTo(st.Fields)
	return st
}
