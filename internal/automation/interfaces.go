package automation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Source tells the field accessor where a field lives.
type Source string

const (
	SourceAuto     Source = "auto"
	SourcePost     Source = "post"
	SourceMeta     Source = "meta"
	SourceTaxonomy Source = "taxonomy"
)

// FieldAccessor reads and writes named fields on posts regardless of storage.
// A SourceAuto hint is resolved by the implementation's field registry.
type FieldAccessor interface {
	GetField(ctx context.Context, post *Post, key string, source Source) (any, error)
	SetField(ctx context.Context, postID uint, key string, value any, source Source) error
}

// UserDirectory resolves a user reference (id, login or email).
type UserDirectory interface {
	FindUser(ctx context.Context, ref string) (*User, error)
}

// HistorySink records executions and run-once fingerprints.
type HistorySink interface {
	Log(ctx context.Context, result *ExecutionResult) (string, error)
	HasRun(ctx context.Context, automationID, postID uint, fingerprint string) (bool, error)
	MarkRun(ctx context.Context, automationID, postID uint, fingerprint string) error
	// ClearTracking removes run-once fingerprints; nil clears all automations.
	ClearTracking(ctx context.Context, automationID *uint) error
}

// DateWindow is an inclusive day range. A zero bound is open.
type DateWindow struct {
	From time.Time
	To   time.Time
}

// Contains reports whether day falls inside w.
func (w DateWindow) Contains(day time.Time) bool {
	if !w.From.IsZero() && day.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && day.After(w.To) {
		return false
	}
	return true
}

// RecordStore loads posts and answers bulk date queries for scheduled triggers.
type RecordStore interface {
	GetPost(ctx context.Context, id uint) (*Post, error)
	FindMatching(ctx context.Context, postType, field string, window DateWindow) ([]uint, error)
}

// AutomationStore persists run bookkeeping for automations.
type AutomationStore interface {
	ListEnabled(ctx context.Context) ([]*Automation, error)
	RecordRun(ctx context.Context, id uint, at time.Time) error
	SaveNextRun(ctx context.Context, id uint, next time.Time) error
}

// Email is a fully resolved message handed to a Mailer.
type Email struct {
	To       []string
	CC       []string
	BCC      []string
	ReplyTo  string
	From     string
	FromName string
	Subject  string
	Body     string
	HTML     bool
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg *Email) error
}

// FieldErrorKind classifies field accessor failures.
type FieldErrorKind string

const (
	FieldNotFound     FieldErrorKind = "not_found"
	FieldForbidden    FieldErrorKind = "forbidden"
	FieldInvalidValue FieldErrorKind = "invalid_value"
)

// FieldError is returned by field accessors.
type FieldError struct {
	Kind  FieldErrorKind
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("field %s: %s: %v", e.Field, e.Kind, e.Err)
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Kind)
}

func (e *FieldError) Unwrap() error { return e.Err }

// IsFieldError reports whether err is a FieldError of the given kind.
func IsFieldError(err error, kind FieldErrorKind) bool {
	var fe *FieldError
	return errors.As(err, &fe) && fe.Kind == kind
}
