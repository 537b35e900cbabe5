package automation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Post is the record an automation operates on.
type Post struct {
	ID        uint      `json:"id"`
	Type      string    `json:"post_type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Excerpt   string    `json:"excerpt"`
	Status    string    `json:"status"`
	Slug      string    `json:"slug"`
	URL       string    `json:"url"`
	Thumbnail string    `json:"thumbnail"`
	AuthorID  uint      `json:"author_id"`
	Date      time.Time `json:"date"`
	Modified  time.Time `json:"modified"`
}

// User is a person referenced by posts, placeholders and recipients.
type User struct {
	ID          uint   `json:"id"`
	Login       string `json:"login"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Site carries the site-wide values exposed as system placeholders.
type Site struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	AdminEmail string `json:"admin_email"`
}

// Automation is a parsed automation definition.
type Automation struct {
	ID        uint       `json:"id"`
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	PostType  string     `json:"post_type"`
	Trigger   Trigger    `json:"trigger"`
	Actions   []Action   `json:"actions"`
	Settings  Settings   `json:"settings"`
	Schedule  *Schedule  `json:"schedule,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Validate checks the parts of an automation that must be known at load time.
// Unknown action types are accepted and reported when they run.
func (a *Automation) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("automation name is required")
	}
	if !a.Trigger.Type.Valid() {
		return fmt.Errorf("unknown trigger type: %s", a.Trigger.Type)
	}
	if a.Schedule != nil {
		if err := a.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Settings toggles orchestration behaviour for one automation.
type Settings struct {
	RunOncePerPost       bool     `json:"run_once_per_post"`
	LogExecutions        bool     `json:"log_executions"`
	PreventLoops         bool     `json:"prevent_loops"`
	Consolidate          bool     `json:"consolidate"`
	ConsolidateThreshold int      `json:"consolidate_threshold,omitempty"`
	ItemTemplate         string   `json:"item_template,omitempty"`
	TableColumns         []string `json:"table_columns,omitempty"`
}

// DefaultSettings returns the settings used when an automation stores none.
func DefaultSettings() Settings {
	return Settings{LogExecutions: true, PreventLoops: true}
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	type plain Settings
	v := plain(DefaultSettings())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Settings(v)
	return nil
}

// Frequency of a scheduled automation.
type Frequency string

const (
	FrequencyHourly     Frequency = "hourly"
	FrequencyTwiceDaily Frequency = "twicedaily"
	FrequencyDaily      Frequency = "daily"
	FrequencyWeekly     Frequency = "weekly"
)

// Schedule describes when a scheduled automation may run.
type Schedule struct {
	Frequency Frequency `json:"frequency"`
	Time      string    `json:"time,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
}

func (s *Schedule) Validate() error {
	switch s.Frequency {
	case "", FrequencyHourly, FrequencyTwiceDaily, FrequencyDaily, FrequencyWeekly:
	default:
		return fmt.Errorf("unknown schedule frequency: %s", s.Frequency)
	}
	if s.Time != "" {
		if _, err := time.Parse("15:04", s.Time); err != nil {
			return fmt.Errorf("invalid schedule time %q: expected HH:MM", s.Time)
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid schedule timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// ExecutionStatus is the overall outcome of one execution.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusPartial ExecutionStatus = "partial"
	StatusError   ExecutionStatus = "error"
	StatusWarning ExecutionStatus = "warning"
)

// ActionStatus is the outcome of one action.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionError   ActionStatus = "error"
	ActionSkipped ActionStatus = "skipped"
)

// ActionResult reports what a single action did.
type ActionResult struct {
	Index       int            `json:"index"`
	Type        ActionType     `json:"type"`
	Status      ActionStatus   `json:"status"`
	Message     string         `json:"message,omitempty"`
	Field       string         `json:"field,omitempty"`
	OldValue    any            `json:"old_value,omitempty"`
	NewValue    any            `json:"new_value,omitempty"`
	Recipients  []string       `json:"recipients,omitempty"`
	BranchIndex *int           `json:"branch_index,omitempty"`
	BranchType  string         `json:"branch_type,omitempty"`
	Results     []ActionResult `json:"results,omitempty"`
	Stop        bool           `json:"stop,omitempty"`
}

// ExecutionResult is produced once per execution and never mutated after it
// is returned.
type ExecutionResult struct {
	ID              string          `json:"id"`
	AutomationID    uint            `json:"automation_id"`
	AutomationName  string          `json:"automation_name"`
	PostID          uint            `json:"post_id"`
	Status          ExecutionStatus `json:"status"`
	Message         string          `json:"message,omitempty"`
	ActionsExecuted []ActionResult  `json:"actions_executed"`
	DurationMS      int64           `json:"duration_ms"`
	TriggeredAt     time.Time       `json:"triggered_at"`
}

// Errors counts failed actions, nested branch results included.
func (r *ExecutionResult) Errors() int {
	return countErrors(r.ActionsExecuted)
}

func countErrors(results []ActionResult) int {
	n := 0
	for _, res := range results {
		if res.Status == ActionError {
			n++
		}
		n += countErrors(res.Results)
	}
	return n
}
