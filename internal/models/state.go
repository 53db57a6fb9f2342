// Package models defines state management structures for FeedbackLoop conversations.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlowType identifies a wizard family. Conversation state is isolated per
// flow type; starting one wizard never reuses another wizard's state.
type FlowType string

const (
	// FlowTypeCycleWizard is the admin-facing cycle creation wizard.
	FlowTypeCycleWizard FlowType = "cycle_wizard"
	// FlowTypeSurvey is the respondent-facing questionnaire traversal.
	FlowTypeSurvey FlowType = "survey"
)

// StateType names a state inside a flow. The empty value means idle.
type StateType string

// State constants for the cycle creation wizard.
const (
	StateAwaitingTarget      StateType = "AWAITING_TARGET"
	StateAwaitingRespondents StateType = "AWAITING_RESPONDENTS"
	StateAwaitingDeadline    StateType = "AWAITING_DEADLINE"
	StateConfirming          StateType = "CONFIRMING"
)

// State constants for the questionnaire traversal engine.
const (
	StateInSurvey StateType = "IN_SURVEY"
)

// ConversationState is one user's session in one flow, persisted as a single
// document so a read always observes a consistent state + data pair.
type ConversationState struct {
	UserID       string          `json:"user_id"`
	FlowType     FlowType        `json:"flow_type"`
	CurrentState StateType       `json:"current_state"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CycleWizardData is the typed scratch pad of the cycle creation wizard.
type CycleWizardData struct {
	TargetID      string    `json:"target_id"`
	RespondentIDs []string  `json:"respondent_ids"`
	Deadline      time.Time `json:"deadline,omitempty"`
}

// HasRespondent reports whether the respondent is currently selected.
func (d *CycleWizardData) HasRespondent(id string) bool {
	for _, r := range d.RespondentIDs {
		if r == id {
			return true
		}
	}
	return false
}

// ToggleRespondent adds or removes a respondent from the selection. The
// target employee can never be selected, even if malformed input tries to.
func (d *CycleWizardData) ToggleRespondent(id string) {
	if id == "" || id == d.TargetID {
		return
	}
	for i, r := range d.RespondentIDs {
		if r == id {
			d.RespondentIDs = append(d.RespondentIDs[:i], d.RespondentIDs[i+1:]...)
			return
		}
	}
	d.RespondentIDs = append(d.RespondentIDs, id)
}

// SelectAll adds every candidate, skipping the target and duplicates.
func (d *CycleWizardData) SelectAll(candidateIDs []string) {
	for _, id := range candidateIDs {
		if id == "" || id == d.TargetID || d.HasRespondent(id) {
			continue
		}
		d.RespondentIDs = append(d.RespondentIDs, id)
	}
}

// DeselectAll clears the respondent selection.
func (d *CycleWizardData) DeselectAll() {
	d.RespondentIDs = nil
}

// SurveyAnswer is one committed answer inside a survey session.
type SurveyAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// SurveyData is the typed scratch pad of the questionnaire traversal engine.
// Questions are a snapshot taken at survey start, not a live reference, so a
// cache refresh mid-survey cannot shift the answer columns.
type SurveyData struct {
	CycleID      string              `json:"cycle_id"`
	RespondentID string              `json:"respondent_id"`
	TargetName   string              `json:"target_name"`
	Questions    []Question          `json:"questions"`
	Answers      []SurveyAnswer      `json:"answers,omitempty"`
	CurrentIndex int                 `json:"current_index"`
	Staged       map[string]string   `json:"staged,omitempty"`       // per-question staged single selection
	StagedMulti  map[string][]string `json:"staged_multi,omitempty"` // per-question staged checkbox selection
}

// CurrentQuestion returns the question at the current index, or nil when the
// traversal has reached the end of the list.
func (d *SurveyData) CurrentQuestion() *Question {
	if d.CurrentIndex < 0 || d.CurrentIndex >= len(d.Questions) {
		return nil
	}
	return &d.Questions[d.CurrentIndex]
}

// CommitAnswer records the answer for the current question, clears that
// question's staged selections and advances the index. Clearing the scratch
// maps keeps stale selections from leaking into a restart of the question.
func (d *SurveyData) CommitAnswer(questionID, answer string) {
	d.Answers = append(d.Answers, SurveyAnswer{QuestionID: questionID, Answer: answer})
	d.clearStaged(questionID)
	d.CurrentIndex++
}

// Skip advances past the current question without recording an answer.
func (d *SurveyData) Skip(questionID string) {
	d.clearStaged(questionID)
	d.CurrentIndex++
}

func (d *SurveyData) clearStaged(questionID string) {
	delete(d.Staged, questionID)
	delete(d.StagedMulti, questionID)
}

// AnswerMap converts the ordered answer list to a question id mapping. A later
// answer for the same id overwrites an earlier one; duplicates do not occur by
// construction.
func (d *SurveyData) AnswerMap() map[string]string {
	m := make(map[string]string, len(d.Answers))
	for _, a := range d.Answers {
		m[a.QuestionID] = a.Answer
	}
	return m
}

// DecodeCycleWizardData is the single deserialization boundary for wizard
// state loaded from the store. Internal code always works on the validated
// structure it returns.
func DecodeCycleWizardData(state *ConversationState) (*CycleWizardData, error) {
	if state == nil {
		return nil, fmt.Errorf("no conversation state")
	}
	if state.FlowType != FlowTypeCycleWizard {
		return nil, fmt.Errorf("conversation state belongs to flow %q, not %q", state.FlowType, FlowTypeCycleWizard)
	}
	var data CycleWizardData
	if len(state.Data) > 0 {
		if err := json.Unmarshal(state.Data, &data); err != nil {
			return nil, fmt.Errorf("decode cycle wizard data: %w", err)
		}
	}
	return &data, nil
}

// DecodeSurveyData is the single deserialization boundary for survey state
// loaded from the store.
func DecodeSurveyData(state *ConversationState) (*SurveyData, error) {
	if state == nil {
		return nil, fmt.Errorf("no conversation state")
	}
	if state.FlowType != FlowTypeSurvey {
		return nil, fmt.Errorf("conversation state belongs to flow %q, not %q", state.FlowType, FlowTypeSurvey)
	}
	var data SurveyData
	if len(state.Data) > 0 {
		if err := json.Unmarshal(state.Data, &data); err != nil {
			return nil, fmt.Errorf("decode survey data: %w", err)
		}
	}
	if data.Staged == nil {
		data.Staged = make(map[string]string)
	}
	if data.StagedMulti == nil {
		data.StagedMulti = make(map[string][]string)
	}
	return &data, nil
}

// EncodeData serializes a typed data bag back onto the conversation state.
func (s *ConversationState) EncodeData(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode conversation data: %w", err)
	}
	s.Data = raw
	return nil
}
