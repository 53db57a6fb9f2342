package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openloop-hr/FeedbackLoop/internal/cycle"
	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/questionnaire"
)

// Survey drives a respondent through the questionnaire one question at a
// time. Scale and radio answers are staged and confirmed before committing;
// checkbox answers toggle freely until the respondent moves on; text answers
// arrive as plain messages.
type Survey struct {
	states    StateManager
	orch      *cycle.Orchestrator
	questions *questionnaire.Service
	dir       *directory.Service
	msg       Messenger
}

// NewSurvey wires the questionnaire traversal engine.
func NewSurvey(states StateManager, orch *cycle.Orchestrator, questions *questionnaire.Service, dir *directory.Service, msg Messenger) *Survey {
	return &Survey{states: states, orch: orch, questions: questions, dir: dir, msg: msg}
}

// Begin opens a survey session for a respondent who tapped an invitation.
// The questionnaire is snapshotted into the session so a cache refresh
// mid-survey cannot reorder the answers.
func (s *Survey) Begin(ctx context.Context, emp models.Employee, chatID int64, cycleID string) error {
	slog.Debug("Survey Begin", "respondent", emp.ID, "cycle", cycleID)

	c, err := s.orch.GetCycle(ctx, cycleID)
	if err != nil {
		if cycle.IsNotFound(err) {
			_, sendErr := s.msg.Send(ctx, chatID, "This survey is no longer available.", nil)
			return sendErr
		}
		return err
	}
	if c.Status != models.CycleStatusActive {
		_, err := s.msg.Send(ctx, chatID, "This feedback cycle has already been closed. Thank you anyway!", nil)
		return err
	}
	info, ok := c.Respondents[emp.ID]
	if !ok {
		slog.Warn("Survey Begin by non-respondent", "respondent", emp.ID, "cycle", cycleID)
		_, err := s.msg.Send(ctx, chatID, "This survey was not addressed to you.", nil)
		return err
	}
	if info.Status == models.RespondentStatusCompleted {
		_, err := s.msg.Send(ctx, chatID, "You have already completed this survey. Thank you!", nil)
		return err
	}

	qn, err := s.questions.Get(ctx)
	if err != nil {
		slog.Error("Survey Begin questionnaire unavailable", "error", err, "cycle", cycleID)
		_, sendErr := s.msg.Send(ctx, chatID, "The questionnaire is unavailable right now. Please try again later.", nil)
		return sendErr
	}

	targetName := c.TargetEmployeeID
	if target, ok := s.dir.FindByID(c.TargetEmployeeID); ok {
		targetName = target.FullName()
	}

	data := &models.SurveyData{
		CycleID:      cycleID,
		RespondentID: emp.ID,
		TargetName:   targetName,
		Questions:    qn.Questions,
		Staged:       make(map[string]string),
		StagedMulti:  make(map[string][]string),
	}
	state := &models.ConversationState{
		UserID:       emp.ID,
		FlowType:     models.FlowTypeSurvey,
		CurrentState: models.StateInSurvey,
	}
	if err := state.EncodeData(data); err != nil {
		return err
	}
	if err := s.states.Save(ctx, state); err != nil {
		return err
	}

	slog.Info("Survey started", "respondent", emp.ID, "cycle", cycleID, "questions", len(data.Questions))
	_, err = s.msg.Send(ctx, chatID, s.questionText(data), s.questionKeyboard(data))
	return err
}

// HandleCallback routes a button press to the survey engine. Presses on a
// question that is no longer current are acknowledged and ignored.
func (s *Survey) HandleCallback(ctx context.Context, userID string, chatID int64, messageID int, action string, args []string) (bool, error) {
	switch action {
	case models.ActionSurveyPick, models.ActionSurveyConfirm,
		models.ActionSurveyToggle, models.ActionSurveyNext, models.ActionSurveySkip:
	default:
		return false, nil
	}

	state, data, err := s.session(ctx, userID)
	if err != nil {
		return true, err
	}
	if state == nil {
		_, err := s.msg.Send(ctx, chatID, "No survey is in progress. Tap the invitation button to start.", nil)
		return true, err
	}

	q := data.CurrentQuestion()
	if q == nil || q.ID != firstArg(args) {
		// Stale button from an already answered question.
		slog.Debug("Survey ignoring stale callback", "respondent", userID, "action", action, "question", firstArg(args))
		return true, nil
	}

	switch action {
	case models.ActionSurveyPick:
		return true, s.pick(ctx, chatID, messageID, state, data, q, secondArg(args))
	case models.ActionSurveyConfirm:
		return true, s.confirm(ctx, userID, chatID, messageID, state, data, q)
	case models.ActionSurveyToggle:
		return true, s.toggle(ctx, chatID, messageID, state, data, q, secondArg(args))
	case models.ActionSurveyNext:
		return true, s.commitCheckbox(ctx, userID, chatID, messageID, state, data, q)
	case models.ActionSurveySkip:
		return true, s.skip(ctx, userID, chatID, messageID, state, data, q)
	}
	return true, nil
}

// HandleMessage consumes a plain message as the answer to the current text
// question. Messages arriving on button questions get a nudge instead.
func (s *Survey) HandleMessage(ctx context.Context, userID string, chatID int64, text string) (bool, error) {
	state, data, err := s.session(ctx, userID)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	q := data.CurrentQuestion()
	if q == nil {
		// A session at the end of the list should not persist; reset it.
		return true, s.states.Clear(ctx, userID, models.FlowTypeSurvey)
	}
	if q.Type != models.QuestionTypeText {
		_, err := s.msg.Send(ctx, chatID, "Please use the buttons above to answer this question.", nil)
		return true, err
	}
	if strings.TrimSpace(text) == "" && q.Required {
		_, err := s.msg.Send(ctx, chatID, "This question needs an answer. Please write a few words.", nil)
		return true, err
	}

	// Free text is recorded verbatim.
	data.CommitAnswer(q.ID, text)
	return true, s.advance(ctx, userID, chatID, state, data)
}

func (s *Survey) session(ctx context.Context, userID string) (*models.ConversationState, *models.SurveyData, error) {
	state, err := s.states.Get(ctx, userID, models.FlowTypeSurvey)
	if err != nil {
		return nil, nil, err
	}
	if state == nil {
		return nil, nil, nil
	}
	data, err := models.DecodeSurveyData(state)
	if err != nil {
		slog.Error("Survey state corrupt, resetting", "error", err, "respondent", userID)
		if clearErr := s.states.Clear(ctx, userID, models.FlowTypeSurvey); clearErr != nil {
			return nil, nil, clearErr
		}
		return nil, nil, nil
	}
	return state, data, nil
}

// pick stages a scale or radio selection. The question re-renders with the
// selection marked and a confirm button; nothing is committed yet.
func (s *Survey) pick(ctx context.Context, chatID int64, messageID int, state *models.ConversationState, data *models.SurveyData, q *models.Question, raw string) error {
	var value string
	switch q.Type {
	case models.QuestionTypeScale:
		for _, v := range models.ScaleValues {
			if v == raw {
				value = v
				break
			}
		}
	case models.QuestionTypeRadio:
		if idx, err := strconv.Atoi(raw); err == nil && idx >= 0 && idx < len(q.Options) {
			value = q.Options[idx]
		}
	default:
		return nil
	}
	if value == "" {
		slog.Warn("Survey pick with invalid value", "question", q.ID, "raw", raw)
		return nil
	}

	data.Staged[q.ID] = value
	if err := s.saveSession(ctx, state, data); err != nil {
		return err
	}
	return s.msg.Edit(ctx, chatID, messageID, s.questionText(data), s.questionKeyboard(data))
}

func (s *Survey) confirm(ctx context.Context, userID string, chatID int64, messageID int, state *models.ConversationState, data *models.SurveyData, q *models.Question) error {
	value, ok := data.Staged[q.ID]
	if !ok {
		return nil
	}
	data.CommitAnswer(q.ID, value)
	if err := s.msg.Edit(ctx, chatID, messageID, s.answeredText(q, data.TargetName, value), nil); err != nil {
		slog.Warn("Survey could not freeze answered question", "error", err)
	}
	return s.advance(ctx, userID, chatID, state, data)
}

func (s *Survey) toggle(ctx context.Context, chatID int64, messageID int, state *models.ConversationState, data *models.SurveyData, q *models.Question, raw string) error {
	if q.Type != models.QuestionTypeCheckbox {
		return nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 || idx >= len(q.Options) {
		return nil
	}
	option := q.Options[idx]

	selected := data.StagedMulti[q.ID]
	removed := false
	for i, v := range selected {
		if v == option {
			selected = append(selected[:i], selected[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		selected = append(selected, option)
	}
	data.StagedMulti[q.ID] = selected

	if err := s.saveSession(ctx, state, data); err != nil {
		return err
	}
	return s.msg.Edit(ctx, chatID, messageID, s.questionText(data), s.questionKeyboard(data))
}

// commitCheckbox joins the toggled options in questionnaire option order into
// one answer cell.
func (s *Survey) commitCheckbox(ctx context.Context, userID string, chatID int64, messageID int, state *models.ConversationState, data *models.SurveyData, q *models.Question) error {
	if q.Type != models.QuestionTypeCheckbox {
		return nil
	}
	selected := make(map[string]bool, len(data.StagedMulti[q.ID]))
	for _, v := range data.StagedMulti[q.ID] {
		selected[v] = true
	}
	var ordered []string
	for _, opt := range q.Options {
		if selected[opt] {
			ordered = append(ordered, opt)
		}
	}
	if len(ordered) == 0 && q.Required {
		_, err := s.msg.Send(ctx, chatID, "Select at least one option before continuing.", nil)
		return err
	}

	value := strings.Join(ordered, models.CheckboxJoinSeparator)
	data.CommitAnswer(q.ID, value)
	if err := s.msg.Edit(ctx, chatID, messageID, s.answeredText(q, data.TargetName, value), nil); err != nil {
		slog.Warn("Survey could not freeze answered question", "error", err)
	}
	return s.advance(ctx, userID, chatID, state, data)
}

func (s *Survey) skip(ctx context.Context, userID string, chatID int64, messageID int, state *models.ConversationState, data *models.SurveyData, q *models.Question) error {
	if q.Required {
		// Required questions render no skip button; a forged press is ignored.
		return nil
	}
	data.Skip(q.ID)
	if err := s.msg.Edit(ctx, chatID, messageID, s.answeredText(q, data.TargetName, "(skipped)"), nil); err != nil {
		slog.Warn("Survey could not freeze skipped question", "error", err)
	}
	return s.advance(ctx, userID, chatID, state, data)
}

// advance sends the next question, or finishes the survey when the traversal
// has run out of questions. The session is cleared on completion whether or
// not saving succeeds, so a respondent can never get stuck in a finished survey.
func (s *Survey) advance(ctx context.Context, userID string, chatID int64, state *models.ConversationState, data *models.SurveyData) error {
	if data.CurrentQuestion() != nil {
		if err := s.saveSession(ctx, state, data); err != nil {
			return err
		}
		_, err := s.msg.Send(ctx, chatID, s.questionText(data), s.questionKeyboard(data))
		return err
	}

	saveErr := s.orch.SaveAnswers(ctx, data.CycleID, data.RespondentID, data.AnswerMap())
	if err := s.states.Clear(ctx, userID, models.FlowTypeSurvey); err != nil {
		return err
	}
	if saveErr != nil {
		if errors.Is(saveErr, models.ErrRespondentCompleted) {
			_, err := s.msg.Send(ctx, chatID, "Your answers were already recorded earlier. Thank you!", nil)
			return err
		}
		slog.Error("Survey completion save failed", "error", saveErr, "respondent", userID, "cycle", data.CycleID)
		_, err := s.msg.Send(ctx, chatID, "Something went wrong saving your answers. Please tap the invitation button to try again.", nil)
		return err
	}

	_, err := s.msg.Send(ctx, chatID,
		fmt.Sprintf("Thank you! Your feedback about %s has been recorded.", data.TargetName), nil)
	return err
}

func (s *Survey) saveSession(ctx context.Context, state *models.ConversationState, data *models.SurveyData) error {
	if err := state.EncodeData(data); err != nil {
		return err
	}
	return s.states.Save(ctx, state)
}

func (s *Survey) questionText(data *models.SurveyData) string {
	q := data.CurrentQuestion()
	var b strings.Builder
	fmt.Fprintf(&b, "Question %d of %d\n\n%s", data.CurrentIndex+1, len(data.Questions), q.RenderText(data.TargetName))
	if caption := q.ScaleCaption(); caption != "" {
		b.WriteString("\n")
		b.WriteString(caption)
	}
	return b.String()
}

func (s *Survey) answeredText(q *models.Question, targetName, answer string) string {
	return fmt.Sprintf("%s\n\nYour answer: %s", q.RenderText(targetName), answer)
}

func (s *Survey) questionKeyboard(data *models.SurveyData) models.Keyboard {
	q := data.CurrentQuestion()
	var kb models.Keyboard

	switch q.Type {
	case models.QuestionTypeScale:
		staged := data.Staged[q.ID]
		row := make([]models.Button, 0, len(models.ScaleValues))
		for _, v := range models.ScaleValues {
			text := v
			if v == staged {
				text = selectedMarker + v
			}
			row = append(row, models.Button{Text: text, Data: models.EncodeCallback(models.ActionSurveyPick, q.ID, v)})
		}
		kb = append(kb, row)
		if staged != "" {
			kb = append(kb, models.Row(models.Button{Text: "Confirm", Data: models.EncodeCallback(models.ActionSurveyConfirm, q.ID)}))
		}
	case models.QuestionTypeRadio:
		staged := data.Staged[q.ID]
		for i, opt := range q.Options {
			text := opt
			if opt == staged {
				text = selectedMarker + opt
			}
			kb = append(kb, models.Row(models.Button{Text: text, Data: models.EncodeCallback(models.ActionSurveyPick, q.ID, strconv.Itoa(i))}))
		}
		if staged != "" {
			kb = append(kb, models.Row(models.Button{Text: "Confirm", Data: models.EncodeCallback(models.ActionSurveyConfirm, q.ID)}))
		}
	case models.QuestionTypeCheckbox:
		selected := make(map[string]bool, len(data.StagedMulti[q.ID]))
		for _, v := range data.StagedMulti[q.ID] {
			selected[v] = true
		}
		for i, opt := range q.Options {
			text := opt
			if selected[opt] {
				text = selectedMarker + opt
			}
			kb = append(kb, models.Row(models.Button{Text: text, Data: models.EncodeCallback(models.ActionSurveyToggle, q.ID, strconv.Itoa(i))}))
		}
		kb = append(kb, models.Row(models.Button{Text: "Done", Data: models.EncodeCallback(models.ActionSurveyNext, q.ID)}))
	case models.QuestionTypeText:
		// Answered by a plain message; only an optional skip below.
	}

	if !q.Required {
		kb = append(kb, models.Row(models.Button{Text: "Skip", Data: models.EncodeCallback(models.ActionSurveySkip, q.ID)}))
	}
	return kb
}
