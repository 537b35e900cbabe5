package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
)

// ExecutionHook is called after every execution with its result.
type ExecutionHook func(ctx context.Context, a *Automation, post *Post, result *ExecutionResult)

// Dependencies are the collaborators the engine calls out to. Any of them may
// be nil; the matching features are then unavailable.
type Dependencies struct {
	Fields  FieldAccessor
	Users   UserDirectory
	Records RecordStore
	History HistorySink
	Store   AutomationStore
	Mailer  Mailer
}

// Options configures the engine.
type Options struct {
	Location   *time.Location
	Now        func() time.Time
	Site       Site
	DateFormat string
	TimeFormat string
	Language   language.Tag
	Logger     *logrus.Logger
	Tracer     trace.Tracer
}

// Orchestrator is the entry point hosts call: MaybeExecute, Execute,
// RunScheduledAutomations and TestAutomation.
type Orchestrator struct {
	deps     Dependencies
	clock    *Clock
	eval     *Evaluator
	resolver *Resolver
	triggers *TriggerMatcher
	actions  *ActionExecutor
	logger   *logrus.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	hooks []ExecutionHook
}

func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("postflow.automation")
	}
	clock := NewClock(opts.Location, opts.Now)
	eval := NewEvaluator(deps.Fields, clock)
	resolver := NewResolver(deps.Fields, deps.Users, eval, clock, ResolverOptions{
		Site:       opts.Site,
		DateFormat: opts.DateFormat,
		TimeFormat: opts.TimeFormat,
		Language:   opts.Language,
	})
	return &Orchestrator{
		deps:     deps,
		clock:    clock,
		eval:     eval,
		resolver: resolver,
		triggers: NewTriggerMatcher(deps.Fields, deps.Records, eval, clock),
		actions:  NewActionExecutor(deps.Fields, deps.Records, deps.Mailer, resolver, eval, clock, opts.Logger),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}
}

func (o *Orchestrator) Clock() *Clock                   { return o.clock }
func (o *Orchestrator) Evaluator() *Evaluator           { return o.eval }
func (o *Orchestrator) Resolver() *Resolver             { return o.resolver }
func (o *Orchestrator) Triggers() *TriggerMatcher       { return o.triggers }
func (o *Orchestrator) ActionExecutor() *ActionExecutor { return o.actions }

// OnExecuted registers a hook fired after each execution.
func (o *Orchestrator) OnExecuted(h ExecutionHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

// MaybeExecute runs a only if it is enabled, not already running for post in
// this call tree, its trigger fires and run-once has not been used up. A nil
// result means nothing happened.
func (o *Orchestrator) MaybeExecute(ctx context.Context, a *Automation, post *Post, ec ExecutionContext) *ExecutionResult {
	if a == nil || post == nil || !a.Enabled {
		return nil
	}
	key := GuardKey{AutomationID: a.ID, PostID: post.ID}
	if a.Settings.PreventLoops {
		if g := GuardFrom(ctx); g != nil && g.Active(key) {
			return o.loopWarning(ctx, a, post)
		}
	}
	enriched, ok := o.triggers.Check(ctx, a.Trigger, post, ec)
	if !ok {
		return nil
	}
	enriched = withAutomation(enriched, a)

	runOnce := a.Settings.RunOncePerPost && o.deps.History != nil
	fingerprint := enriched.String(KeyTriggerDate)
	if runOnce {
		ran, err := o.deps.History.HasRun(ctx, a.ID, post.ID, fingerprint)
		if err != nil {
			o.logger.Warnf("automation: run-once lookup failed for automation %d post %d: %v", a.ID, post.ID, err)
		} else if ran {
			return nil
		}
	}

	result := o.Execute(ctx, a, post, enriched)
	if runOnce {
		if err := o.deps.History.MarkRun(ctx, a.ID, post.ID, fingerprint); err != nil {
			o.logger.Warnf("automation: mark run failed for automation %d post %d: %v", a.ID, post.ID, err)
		}
	}
	return result
}

func withAutomation(ec ExecutionContext, a *Automation) ExecutionContext {
	return ec.Merge(ExecutionContext{KeyAutomationID: a.ID, KeyAutomationName: a.Name})
}

func (o *Orchestrator) loopWarning(ctx context.Context, a *Automation, post *Post) *ExecutionResult {
	result := &ExecutionResult{
		ID:              uuid.NewString(),
		AutomationID:    a.ID,
		AutomationName:  a.Name,
		PostID:          post.ID,
		Status:          StatusWarning,
		Message:         fmt.Sprintf("loop prevented: automation %d is already running for post %d", a.ID, post.ID),
		ActionsExecuted: []ActionResult{},
		TriggeredAt:     o.clock.Now(),
	}
	o.logger.WithFields(logrus.Fields{
		"automation_id": a.ID,
		"post_id":       post.ID,
	}).Warn("automation: loop prevented")
	o.logResult(ctx, a, result)
	return result
}

// Execute runs a's actions against post unconditionally. It never panics;
// a failure anywhere in the action loop yields a result with status error.
func (o *Orchestrator) Execute(ctx context.Context, a *Automation, post *Post, ec ExecutionContext) *ExecutionResult {
	ec = withAutomation(ec, a)
	return o.run(ctx, a, post, func(ctx context.Context) []ActionResult {
		return o.actions.ExecuteActions(ctx, a.Actions, post, ec, a)
	})
}

// run wraps one execution with the guard, tracing, status classification,
// history, bookkeeping and hooks.
func (o *Orchestrator) run(ctx context.Context, a *Automation, post *Post, body func(context.Context) []ActionResult) *ExecutionResult {
	ctx, span := o.tracer.Start(ctx, "automation.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("automation.id", int64(a.ID)),
		attribute.String("automation.name", a.Name),
		attribute.Int64("post.id", int64(post.ID)),
	)

	result := &ExecutionResult{
		ID:             uuid.NewString(),
		AutomationID:   a.ID,
		AutomationName: a.Name,
		PostID:         post.ID,
		TriggeredAt:    o.clock.Now(),
	}
	begin := time.Now()
	actions, err := o.guarded(ctx, GuardKey{AutomationID: a.ID, PostID: post.ID}, body)
	result.DurationMS = time.Since(begin).Milliseconds()
	result.ActionsExecuted = actions
	if result.ActionsExecuted == nil {
		result.ActionsExecuted = []ActionResult{}
	}

	switch n := result.Errors(); {
	case err != nil:
		result.Status = StatusError
		result.Message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Errorf("automation: execution of %d on post %d failed: %v", a.ID, post.ID, err)
	case n > 0:
		result.Status = StatusPartial
		result.Message = fmt.Sprintf("%d action(s) failed", n)
	default:
		result.Status = StatusSuccess
	}
	span.SetAttributes(attribute.String("automation.status", string(result.Status)))

	o.logResult(ctx, a, result)
	if o.deps.Store != nil {
		if err := o.deps.Store.RecordRun(ctx, a.ID, result.TriggeredAt); err != nil {
			o.logger.Warnf("automation: record run for %d failed: %v", a.ID, err)
		}
	}
	o.fireHooks(ctx, a, post, result)
	return result
}

// guarded holds the loop key for the duration of body and turns a panic
// into an error.
func (o *Orchestrator) guarded(ctx context.Context, key GuardKey, body func(context.Context) []ActionResult) (results []ActionResult, err error) {
	ctx, guard := ensureGuard(ctx)
	guard.Enter(key)
	defer guard.Leave(key)
	defer func() {
		if rec := recover(); rec != nil {
			results = nil
			err = fmt.Errorf("automation panicked: %v", rec)
		}
	}()
	return body(ctx), nil
}

func (o *Orchestrator) logResult(ctx context.Context, a *Automation, result *ExecutionResult) {
	if !a.Settings.LogExecutions || o.deps.History == nil {
		return
	}
	if _, err := o.deps.History.Log(ctx, result); err != nil {
		o.logger.Warnf("automation: history log for %d failed: %v", a.ID, err)
	}
}

func (o *Orchestrator) fireHooks(ctx context.Context, a *Automation, post *Post, result *ExecutionResult) {
	o.mu.RLock()
	hooks := append([]ExecutionHook(nil), o.hooks...)
	o.mu.RUnlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Errorf("automation: execution hook panicked: %v", rec)
				}
			}()
			h(ctx, a, post, result)
		}()
	}
}

// TestReport is the dry-run outcome of TestAutomation.
type TestReport struct {
	AutomationID     uint             `json:"automation_id"`
	PostID           uint             `json:"post_id"`
	TriggerType      TriggerType      `json:"trigger_type"`
	Scheduled        bool             `json:"scheduled"`
	Enabled          bool             `json:"enabled"`
	TriggerMatched   bool             `json:"trigger_matched"`
	ConditionsPassed bool             `json:"conditions_passed"`
	WouldExecute     bool             `json:"would_execute"`
	Context          ExecutionContext `json:"context"`
	Actions          []ActionPreview  `json:"actions"`
	Message          string           `json:"message,omitempty"`
}

// TestAutomation reports what a would do for post without writing fields or
// sending mail.
func (o *Orchestrator) TestAutomation(ctx context.Context, a *Automation, post *Post, ec ExecutionContext) *TestReport {
	report := &TestReport{
		AutomationID: a.ID,
		TriggerType:  a.Trigger.Type,
		Scheduled:    a.Trigger.Type.IsScheduled(),
		Enabled:      a.Enabled,
	}
	if post == nil {
		report.Message = "no post to test against"
		return report
	}
	report.PostID = post.ID

	enriched, matched := o.triggers.Match(ctx, a.Trigger, post, ec)
	if report.Scheduled {
		ids, err := o.triggers.FindMatchingPosts(ctx, a.Trigger, a.PostType)
		if err != nil {
			report.Message = err.Error()
		}
		matched = containsID(ids, post.ID)
	}
	if enriched == nil {
		enriched = ec.Clone()
	}
	enriched = withAutomation(enriched, a)

	report.TriggerMatched = matched
	report.ConditionsPassed = o.eval.Evaluate(ctx, a.Trigger.Conditions, post, enriched)
	report.WouldExecute = a.Enabled && matched && report.ConditionsPassed
	report.Context = enriched
	report.Actions = o.actions.PreviewActions(ctx, a.Actions, post, enriched)
	return report
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
