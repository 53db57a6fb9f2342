// Package models defines the core data structures for FeedbackLoop.
//
// It includes types for employees, questionnaires, feedback cycles and
// respondent tracking, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// QuestionType defines how a question is rendered and answered.
type QuestionType string

const (
	// QuestionTypeScale renders a fixed four-point scale (values "0".."3").
	QuestionTypeScale QuestionType = "scale"
	// QuestionTypeRadio renders one button per option, single choice.
	QuestionTypeRadio QuestionType = "radio"
	// QuestionTypeCheckbox renders toggleable options, multiple choice.
	QuestionTypeCheckbox QuestionType = "checkbox"
	// QuestionTypeText accepts a free-form text message as the answer.
	QuestionTypeText QuestionType = "text"
)

// ScaleValues are the selectable values for scale questions.
var ScaleValues = []string{"0", "1", "2", "3"}

// NamePlaceholder is the substitutable token in question texts that is
// replaced with the target employee's display name at render time.
const NamePlaceholder = "{name}"

// CheckboxJoinSeparator joins committed checkbox selections into one cell.
const CheckboxJoinSeparator = ", "

// Error variables for better error handling and testability
var (
	ErrCycleNotFound            = errors.New("feedback cycle not found")
	ErrCycleNotActive           = errors.New("feedback cycle is not active")
	ErrEmployeeNotFound         = errors.New("employee not found")
	ErrQuestionnaireUnavailable = errors.New("questionnaire could not be loaded")
	ErrEmptyRespondents         = errors.New("cycle must have at least one respondent")
	ErrInvalidQuestionType      = errors.New("invalid question type")
	ErrMissingOptions           = errors.New("question type requires non-empty options")
	ErrRespondentNotInCycle     = errors.New("respondent is not part of the cycle")
	ErrRespondentCompleted      = errors.New("respondent has already completed the survey")
	ErrDeadlineNotFuture        = errors.New("deadline must be strictly in the future")
)

// IsValidQuestionType checks if the given question type is supported.
func IsValidQuestionType(qt QuestionType) bool {
	switch qt {
	case QuestionTypeScale, QuestionTypeRadio, QuestionTypeCheckbox, QuestionTypeText:
		return true
	default:
		return false
	}
}

// Question is an immutable questionnaire entry loaded from the system of record.
type Question struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	Type         QuestionType `json:"type"`
	Options      []string     `json:"options,omitempty"`
	Required     bool         `json:"required"`
	ResultColumn string       `json:"result_column,omitempty"`
}

// Validate checks structural invariants of a single question.
func (q *Question) Validate() error {
	if q.ID == "" {
		return errors.New("question id cannot be empty")
	}
	if !IsValidQuestionType(q.Type) {
		return fmt.Errorf("%w: %q (question %s)", ErrInvalidQuestionType, q.Type, q.ID)
	}
	if q.Type == QuestionTypeRadio || q.Type == QuestionTypeCheckbox {
		if len(q.Options) == 0 {
			return fmt.Errorf("%w: question %s (%s)", ErrMissingOptions, q.ID, q.Type)
		}
	}
	return nil
}

// RenderText substitutes the target name placeholder in the question text.
func (q *Question) RenderText(targetName string) string {
	return strings.ReplaceAll(q.Text, NamePlaceholder, targetName)
}

// ColumnName returns the result sheet column for this question's answers.
func (q *Question) ColumnName() string {
	if q.ResultColumn != "" {
		return q.ResultColumn
	}
	return q.ID
}

// ScaleCaption returns the descriptive caption for scale questions. The first
// option of a scale question is a caption, never a button.
func (q *Question) ScaleCaption() string {
	if q.Type == QuestionTypeScale && len(q.Options) > 0 {
		return q.Options[0]
	}
	return ""
}

// Questionnaire is the ordered list of questions, cached as one cohesive object.
type Questionnaire struct {
	Questions []Question `json:"questions"`
}

// Validate checks every question and rejects an empty questionnaire so a
// failed load is never mistaken for a complete one.
func (qn *Questionnaire) Validate() error {
	if len(qn.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrQuestionnaireUnavailable)
	}
	seen := make(map[string]bool, len(qn.Questions))
	for i := range qn.Questions {
		q := &qn.Questions[i]
		if err := q.Validate(); err != nil {
			return err
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %s", q.ID)
		}
		seen[q.ID] = true
	}
	return nil
}

// ColumnNames returns the answer columns in questionnaire order.
func (qn *Questionnaire) ColumnNames() []string {
	cols := make([]string, 0, len(qn.Questions))
	for i := range qn.Questions {
		cols = append(cols, qn.Questions[i].ColumnName())
	}
	return cols
}

// Employee is a directory entry loaded from the system of record.
type Employee struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	ChatID    int64  `json:"chat_id,omitempty"` // resolved lazily on first contact
	ManagerID string `json:"manager_id,omitempty"`
}

// FullName returns the display name used in messages and sheet titles.
func (e *Employee) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(e.FirstName) + " " + strings.TrimSpace(e.LastName))
}

// RespondentStatus tracks a respondent's progress inside a cycle.
type RespondentStatus string

const (
	// RespondentStatusPending indicates the respondent has not submitted answers.
	RespondentStatusPending RespondentStatus = "pending"
	// RespondentStatusCompleted indicates the respondent has submitted answers.
	RespondentStatusCompleted RespondentStatus = "completed"
)

// RespondentInfo is the membership record of one invited respondent.
// Entries are never removed after cycle creation.
type RespondentInfo struct {
	ID          string           `json:"id"`
	Status      RespondentStatus `json:"status"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// CycleStatus is the lifecycle status of a feedback cycle. It only moves
// forward: active -> closed -> reported.
type CycleStatus string

const (
	// CycleStatusActive indicates the cycle accepts answers.
	CycleStatusActive CycleStatus = "active"
	// CycleStatusClosed indicates the cycle stopped accepting answers.
	CycleStatusClosed CycleStatus = "closed"
	// CycleStatusReported indicates a report has been generated for the cycle.
	CycleStatusReported CycleStatus = "reported"
)

// CycleIDTimeLayout formats the creation timestamp part of cycle ids and
// sheet titles.
const CycleIDTimeLayout = "20060102_150405"

// CycleID derives the deterministic cycle identifier from the creation
// timestamp and target employee id. No hidden randomness: identical inputs
// always produce the same id.
func CycleID(createdAt time.Time, targetID string) string {
	return createdAt.UTC().Format(CycleIDTimeLayout) + "_" + targetID
}

// CycleSheetTitle derives the result sheet name from the creation timestamp
// and the target's display name at creation time. The value is computed once
// and stored on the cycle so later renames of the target do not move the sheet.
func CycleSheetTitle(createdAt time.Time, targetFullName string) string {
	return createdAt.UTC().Format(CycleIDTimeLayout) + "_" + targetFullName
}

// FeedbackCycle is one feedback campaign about a single target employee.
type FeedbackCycle struct {
	ID               string                     `json:"id"`
	TargetEmployeeID string                     `json:"target_employee_id"`
	Respondents      map[string]*RespondentInfo `json:"respondents"`
	Deadline         time.Time                  `json:"deadline"`
	Status           CycleStatus                `json:"status"`
	CreatedAt        time.Time                  `json:"created_at"`
	SheetTitle       string                     `json:"sheet_title"`
}

// NewFeedbackCycle builds a cycle with all respondents pending. The caller is
// responsible for validating the deadline against "today" before calling.
func NewFeedbackCycle(targetID, targetFullName string, respondentIDs []string, deadline, createdAt time.Time) (*FeedbackCycle, error) {
	if targetID == "" {
		return nil, errors.New("target employee id cannot be empty")
	}
	respondents := make(map[string]*RespondentInfo, len(respondentIDs))
	for _, id := range respondentIDs {
		if id == "" || id == targetID {
			continue
		}
		respondents[id] = &RespondentInfo{ID: id, Status: RespondentStatusPending}
	}
	if len(respondents) == 0 {
		return nil, ErrEmptyRespondents
	}
	return &FeedbackCycle{
		ID:               CycleID(createdAt, targetID),
		TargetEmployeeID: targetID,
		Respondents:      respondents,
		Deadline:         deadline,
		Status:           CycleStatusActive,
		CreatedAt:        createdAt,
		SheetTitle:       CycleSheetTitle(createdAt, targetFullName),
	}, nil
}

// Validate checks cycle invariants after deserialization.
func (c *FeedbackCycle) Validate() error {
	if c.ID == "" {
		return errors.New("cycle id cannot be empty")
	}
	if c.TargetEmployeeID == "" {
		return errors.New("cycle target employee id cannot be empty")
	}
	if len(c.Respondents) == 0 {
		return ErrEmptyRespondents
	}
	for key, info := range c.Respondents {
		if info == nil || info.ID != key {
			return fmt.Errorf("respondent entry %q does not match its key", key)
		}
	}
	switch c.Status {
	case CycleStatusActive, CycleStatusClosed, CycleStatusReported:
	default:
		return fmt.Errorf("invalid cycle status %q", c.Status)
	}
	return nil
}

// CompletedCount returns how many respondents have submitted answers.
func (c *FeedbackCycle) CompletedCount() int {
	n := 0
	for _, info := range c.Respondents {
		if info.Status == RespondentStatusCompleted {
			n++
		}
	}
	return n
}

// OutstandingRespondents returns the ids of respondents still pending.
func (c *FeedbackCycle) OutstandingRespondents() []string {
	var ids []string
	for id, info := range c.Respondents {
		if info.Status != RespondentStatusCompleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkCompleted flips a respondent to completed with the given timestamp.
func (c *FeedbackCycle) MarkCompleted(respondentID string, at time.Time) error {
	info, ok := c.Respondents[respondentID]
	if !ok {
		return fmt.Errorf("%w: %s in cycle %s", ErrRespondentNotInCycle, respondentID, c.ID)
	}
	info.Status = RespondentStatusCompleted
	info.CompletedAt = &at
	return nil
}
