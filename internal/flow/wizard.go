package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/cycle"
	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/models"
)

// DefaultMaxActiveCycles caps how many cycles may run at once.
const DefaultMaxActiveCycles = 5

// Messenger is the transport surface the conversational engines need.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, keyboard models.Keyboard) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard models.Keyboard) error
}

// Wizard drives the admin-facing cycle creation conversation:
// idle -> AWAITING_TARGET -> AWAITING_RESPONDENTS -> AWAITING_DEADLINE ->
// CONFIRMING -> idle.
type Wizard struct {
	states    StateManager
	dir       *directory.Service
	orch      *cycle.Orchestrator
	msg       Messenger
	maxActive int
	now       func() time.Time
}

// WizardOption configures the wizard.
type WizardOption func(*Wizard)

// WithMaxActiveCycles overrides the active cycle ceiling.
func WithMaxActiveCycles(n int) WizardOption {
	return func(w *Wizard) { w.maxActive = n }
}

// WithWizardClock overrides the time source, for deterministic tests.
func WithWizardClock(now func() time.Time) WizardOption {
	return func(w *Wizard) { w.now = now }
}

// NewWizard wires the cycle creation wizard.
func NewWizard(states StateManager, dir *directory.Service, orch *cycle.Orchestrator, msg Messenger, opts ...WizardOption) *Wizard {
	w := &Wizard{
		states:    states,
		dir:       dir,
		orch:      orch,
		msg:       msg,
		maxActive: DefaultMaxActiveCycles,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start opens a fresh wizard conversation for an admin. A previous unfinished
// wizard of the same admin is discarded.
func (w *Wizard) Start(ctx context.Context, userID string, chatID int64) error {
	slog.Debug("Wizard Start", "user", userID)

	count, err := w.orch.ActiveCycleCount(ctx)
	if err != nil {
		return err
	}
	if count >= w.maxActive {
		slog.Info("Wizard Start refused, active cycle ceiling reached", "user", userID, "active", count, "max", w.maxActive)
		_, err := w.msg.Send(ctx, chatID,
			fmt.Sprintf("There are already %d active feedback cycles. Close one before starting another.", count), nil)
		return err
	}
	if w.dir.Count() == 0 {
		_, err := w.msg.Send(ctx, chatID, "The employee directory is empty; nothing to create a cycle for.", nil)
		return err
	}

	state := &models.ConversationState{
		UserID:       userID,
		FlowType:     models.FlowTypeCycleWizard,
		CurrentState: models.StateAwaitingTarget,
	}
	if err := state.EncodeData(&models.CycleWizardData{}); err != nil {
		return err
	}
	if err := w.states.Save(ctx, state); err != nil {
		return err
	}

	_, err = w.msg.Send(ctx, chatID, "Who is this feedback cycle about?", targetKeyboard(w.dir.All(), 0))
	return err
}

// HandleCallback routes a button press to the wizard. The boolean reports
// whether the action belongs to the wizard at all; unknown actions are left
// for other engines.
func (w *Wizard) HandleCallback(ctx context.Context, userID string, chatID int64, messageID int, action string, args []string) (bool, error) {
	switch action {
	case models.ActionSelectTarget, models.ActionTargetPage,
		models.ActionToggleRespondent, models.ActionRespondentsPage,
		models.ActionSelectAllRespondents, models.ActionDeselectAllRespondents,
		models.ActionFinishRespondents, models.ActionConfirmCreation,
		models.ActionCancelCreation:
	default:
		return false, nil
	}

	state, err := w.states.Get(ctx, userID, models.FlowTypeCycleWizard)
	if err != nil {
		return true, err
	}
	if state == nil {
		// Session expired or a button from a finished wizard was pressed.
		_, err := w.msg.Send(ctx, chatID, "This wizard is no longer active. Send /new_cycle to start over.", nil)
		return true, err
	}
	data, err := models.DecodeCycleWizardData(state)
	if err != nil {
		slog.Error("Wizard state corrupt, resetting", "error", err, "user", userID)
		if clearErr := w.states.Clear(ctx, userID, models.FlowTypeCycleWizard); clearErr != nil {
			return true, clearErr
		}
		_, err = w.msg.Send(ctx, chatID, "Something went wrong. Send /new_cycle to start over.", nil)
		return true, err
	}

	slog.Debug("Wizard HandleCallback", "user", userID, "action", action, "state", state.CurrentState)
	switch action {
	case models.ActionSelectTarget:
		return true, w.selectTarget(ctx, chatID, messageID, state, data, firstArg(args))
	case models.ActionTargetPage:
		if state.CurrentState != models.StateAwaitingTarget {
			return true, nil
		}
		return true, w.msg.Edit(ctx, chatID, messageID, "Who is this feedback cycle about?", targetKeyboard(w.dir.All(), atoiDefault(firstArg(args))))
	case models.ActionToggleRespondent:
		if state.CurrentState != models.StateAwaitingRespondents {
			return true, nil
		}
		data.ToggleRespondent(firstArg(args))
		return true, w.saveAndRenderRespondents(ctx, chatID, messageID, state, data, atoiDefault(secondArg(args)))
	case models.ActionRespondentsPage:
		if state.CurrentState != models.StateAwaitingRespondents {
			return true, nil
		}
		return true, w.renderRespondents(ctx, chatID, messageID, data, atoiDefault(firstArg(args)))
	case models.ActionSelectAllRespondents:
		if state.CurrentState != models.StateAwaitingRespondents {
			return true, nil
		}
		data.SelectAll(w.candidateIDs(data.TargetID))
		return true, w.saveAndRenderRespondents(ctx, chatID, messageID, state, data, atoiDefault(firstArg(args)))
	case models.ActionDeselectAllRespondents:
		if state.CurrentState != models.StateAwaitingRespondents {
			return true, nil
		}
		data.DeselectAll()
		return true, w.saveAndRenderRespondents(ctx, chatID, messageID, state, data, atoiDefault(firstArg(args)))
	case models.ActionFinishRespondents:
		return true, w.finishRespondents(ctx, chatID, messageID, state, data)
	case models.ActionConfirmCreation:
		return true, w.confirmCreation(ctx, userID, chatID, messageID, state, data)
	case models.ActionCancelCreation:
		return true, w.cancel(ctx, userID, chatID, messageID)
	}
	return true, nil
}

// HandleMessage consumes a text message when the wizard expects one. Only the
// deadline step reads free text; the boolean reports whether the message was
// consumed.
func (w *Wizard) HandleMessage(ctx context.Context, userID string, chatID int64, text string) (bool, error) {
	state, err := w.states.Get(ctx, userID, models.FlowTypeCycleWizard)
	if err != nil {
		return false, err
	}
	if state == nil || state.CurrentState != models.StateAwaitingDeadline {
		return false, nil
	}
	data, err := models.DecodeCycleWizardData(state)
	if err != nil {
		slog.Error("Wizard state corrupt, resetting", "error", err, "user", userID)
		if clearErr := w.states.Clear(ctx, userID, models.FlowTypeCycleWizard); clearErr != nil {
			return true, clearErr
		}
		_, err = w.msg.Send(ctx, chatID, "Something went wrong. Send /new_cycle to start over.", nil)
		return true, err
	}

	deadline, err := time.Parse(cycle.DeadlineDisplayLayout, strings.TrimSpace(text))
	if err != nil {
		_, err := w.msg.Send(ctx, chatID, "I could not read that date. Please reply with a date like 31.12.2026.", nil)
		return true, err
	}
	now := w.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !deadline.After(today) {
		_, err := w.msg.Send(ctx, chatID, "The deadline must be in the future. Please pick a later date.", nil)
		return true, err
	}

	data.Deadline = deadline
	state.CurrentState = models.StateConfirming
	if err := state.EncodeData(data); err != nil {
		return true, err
	}
	if err := w.states.Save(ctx, state); err != nil {
		return true, err
	}

	_, err = w.msg.Send(ctx, chatID, w.summaryText(data), confirmationKeyboard())
	return true, err
}

func (w *Wizard) selectTarget(ctx context.Context, chatID int64, messageID int, state *models.ConversationState, data *models.CycleWizardData, targetID string) error {
	if state.CurrentState != models.StateAwaitingTarget {
		return nil
	}
	target, ok := w.dir.FindByID(targetID)
	if !ok {
		slog.Warn("Wizard select target for unknown employee", "target", targetID)
		return nil
	}

	data.TargetID = target.ID
	state.CurrentState = models.StateAwaitingRespondents
	if err := state.EncodeData(data); err != nil {
		return err
	}
	if err := w.states.Save(ctx, state); err != nil {
		return err
	}
	return w.renderRespondents(ctx, chatID, messageID, data, 0)
}

func (w *Wizard) candidateIDs(targetID string) []string {
	candidates := respondentCandidates(w.dir.All(), targetID)
	ids := make([]string, 0, len(candidates))
	for _, emp := range candidates {
		ids = append(ids, emp.ID)
	}
	return ids
}

func (w *Wizard) respondentsPrompt(data *models.CycleWizardData) string {
	targetName := data.TargetID
	if target, ok := w.dir.FindByID(data.TargetID); ok {
		targetName = target.FullName()
	}
	return fmt.Sprintf("Who should give feedback about %s? Selected: %d.", targetName, len(data.RespondentIDs))
}

func (w *Wizard) renderRespondents(ctx context.Context, chatID int64, messageID int, data *models.CycleWizardData, page int) error {
	candidates := respondentCandidates(w.dir.All(), data.TargetID)
	return w.msg.Edit(ctx, chatID, messageID, w.respondentsPrompt(data), respondentKeyboard(candidates, data, page))
}

func (w *Wizard) saveAndRenderRespondents(ctx context.Context, chatID int64, messageID int, state *models.ConversationState, data *models.CycleWizardData, page int) error {
	if err := state.EncodeData(data); err != nil {
		return err
	}
	if err := w.states.Save(ctx, state); err != nil {
		return err
	}
	return w.renderRespondents(ctx, chatID, messageID, data, page)
}

func (w *Wizard) finishRespondents(ctx context.Context, chatID int64, messageID int, state *models.ConversationState, data *models.CycleWizardData) error {
	if state.CurrentState != models.StateAwaitingRespondents {
		return nil
	}
	if len(data.RespondentIDs) == 0 {
		_, err := w.msg.Send(ctx, chatID, "Select at least one respondent before continuing.", nil)
		return err
	}

	state.CurrentState = models.StateAwaitingDeadline
	if err := state.EncodeData(data); err != nil {
		return err
	}
	if err := w.states.Save(ctx, state); err != nil {
		return err
	}

	if err := w.msg.Edit(ctx, chatID, messageID, w.respondentsPrompt(data), nil); err != nil {
		slog.Warn("Wizard could not freeze respondent keyboard", "error", err)
	}
	_, err := w.msg.Send(ctx, chatID, "When should the feedback be in? Reply with a date like 31.12.2026.", nil)
	return err
}

func (w *Wizard) summaryText(data *models.CycleWizardData) string {
	targetName := data.TargetID
	if target, ok := w.dir.FindByID(data.TargetID); ok {
		targetName = target.FullName()
	}
	names := make([]string, 0, len(data.RespondentIDs))
	for _, id := range data.RespondentIDs {
		if emp, ok := w.dir.FindByID(id); ok {
			names = append(names, emp.FullName())
		} else {
			names = append(names, id)
		}
	}
	return fmt.Sprintf("Create a feedback cycle about %s?\nRespondents (%d): %s\nDeadline: %s",
		targetName, len(names), strings.Join(names, ", "), data.Deadline.Format(cycle.DeadlineDisplayLayout))
}

// confirmCreation creates the cycle and dispatches invitations. The wizard
// state is cleared whether creation succeeds or fails; a failed creation must
// not leave the admin stuck in CONFIRMING.
func (w *Wizard) confirmCreation(ctx context.Context, userID string, chatID int64, messageID int, state *models.ConversationState, data *models.CycleWizardData) error {
	if state.CurrentState != models.StateConfirming {
		return nil
	}

	created, createErr := w.orch.CreateCycle(ctx, data.TargetID, data.RespondentIDs, data.Deadline)
	if err := w.states.Clear(ctx, userID, models.FlowTypeCycleWizard); err != nil {
		return err
	}
	if createErr != nil {
		slog.Error("Wizard cycle creation failed", "error", createErr, "user", userID, "target", data.TargetID)
		_, err := w.msg.Send(ctx, chatID, "Creating the cycle failed. Nothing was saved; send /new_cycle to try again.", nil)
		return err
	}

	if err := w.msg.Edit(ctx, chatID, messageID, w.summaryText(data), nil); err != nil {
		slog.Warn("Wizard could not freeze confirmation keyboard", "error", err)
	}
	if err := w.orch.NotifyRespondents(ctx, created); err != nil {
		slog.Error("Wizard invitation dispatch failed", "error", err, "cycle", created.ID)
	}
	_, err := w.msg.Send(ctx, chatID,
		fmt.Sprintf("Feedback cycle %s created. Invitations are on their way.", created.ID), nil)
	return err
}

func (w *Wizard) cancel(ctx context.Context, userID string, chatID int64, messageID int) error {
	if err := w.states.Clear(ctx, userID, models.FlowTypeCycleWizard); err != nil {
		return err
	}
	return w.msg.Edit(ctx, chatID, messageID, "Cycle creation cancelled.", nil)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func secondArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func atoiDefault(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
