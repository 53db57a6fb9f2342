// Package cycle owns the feedback cycle lifecycle: creation, invitation
// dispatch, the pending-notification queue, answer intake and closing.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/questionnaire"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
)

// Fixed leading columns of every result sheet, before the answer columns.
var resultSheetBaseColumns = []string{"cycle_id", "respondent_id", "submitted_at"}

// DeadlineDisplayLayout formats deadlines in user-facing messages.
const DeadlineDisplayLayout = "02.01.2006"

// Messenger is the transport surface the orchestrator needs for invitations
// and progress notifications.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, keyboard models.Keyboard) (int, error)
}

// Orchestrator drives feedback cycles end to end.
type Orchestrator struct {
	kv           store.Store
	sheet        sheets.Service
	dir          *directory.Service
	questions    *questionnaire.Service
	msg          Messenger
	adminChatIDs []int64
	now          func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithAdminChatIDs sets the chat ids that receive progress notifications.
func WithAdminChatIDs(ids []int64) Option {
	return func(o *Orchestrator) { o.adminChatIDs = ids }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the orchestrator with its collaborators.
func NewOrchestrator(kv store.Store, sheet sheets.Service, dir *directory.Service, questions *questionnaire.Service, msg Messenger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		kv:        kv,
		sheet:     sheet,
		dir:       dir,
		questions: questions,
		msg:       msg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateCycle builds and persists a new feedback cycle and provisions its
// result sheet. The sheet is created before the cycle record is committed: a
// cycle must never exist without a matching result sheet.
func (o *Orchestrator) CreateCycle(ctx context.Context, targetID string, respondentIDs []string, deadline time.Time) (*models.FeedbackCycle, error) {
	slog.Debug("Orchestrator CreateCycle", "target", targetID, "respondents", len(respondentIDs))

	target, ok := o.dir.FindByID(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: target %s", models.ErrEmployeeNotFound, targetID)
	}

	qn, err := o.questions.Get(ctx)
	if err != nil {
		slog.Error("Orchestrator CreateCycle questionnaire unavailable", "error", err)
		return nil, err
	}

	createdAt := o.now().UTC()
	if !deadline.After(createdAt) {
		return nil, fmt.Errorf("%w: %s", models.ErrDeadlineNotFuture, deadline.Format(DeadlineDisplayLayout))
	}
	cycle, err := models.NewFeedbackCycle(targetID, target.FullName(), respondentIDs, deadline, createdAt)
	if err != nil {
		return nil, err
	}

	headers := append(append([]string(nil), resultSheetBaseColumns...), qn.ColumnNames()...)
	if err := o.sheet.CreateSheet(ctx, cycle.SheetTitle, headers); err != nil {
		slog.Error("Orchestrator CreateCycle sheet provisioning failed", "error", err, "sheet", cycle.SheetTitle)
		return nil, fmt.Errorf("provision result sheet: %w", err)
	}

	if err := store.SetJSON(ctx, o.kv, store.CycleKey(cycle.ID), cycle, 0); err != nil {
		slog.Error("Orchestrator CreateCycle persist failed", "error", err, "cycle", cycle.ID)
		return nil, fmt.Errorf("persist cycle: %w", err)
	}

	slog.Info("Orchestrator created cycle", "cycle", cycle.ID, "target", targetID, "respondents", len(cycle.Respondents), "deadline", deadline.Format(DeadlineDisplayLayout))
	return cycle, nil
}

// GetCycle loads a cycle record from the store.
func (o *Orchestrator) GetCycle(ctx context.Context, cycleID string) (*models.FeedbackCycle, error) {
	var cycle models.FeedbackCycle
	found, err := store.GetJSON(ctx, o.kv, store.CycleKey(cycleID), &cycle)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", models.ErrCycleNotFound, cycleID)
	}
	if err := cycle.Validate(); err != nil {
		return nil, fmt.Errorf("stored cycle %s is invalid: %w", cycleID, err)
	}
	return &cycle, nil
}

// ActiveCycles returns all active cycles, most recently created first.
func (o *Orchestrator) ActiveCycles(ctx context.Context) ([]*models.FeedbackCycle, error) {
	keys, err := o.kv.Keys(ctx, store.CycleKeyPattern)
	if err != nil {
		return nil, err
	}
	var cycles []*models.FeedbackCycle
	for _, key := range keys {
		var cycle models.FeedbackCycle
		found, err := store.GetJSON(ctx, o.kv, key, &cycle)
		if err != nil || !found {
			slog.Warn("Orchestrator skipping unreadable cycle record", "key", key, "error", err)
			continue
		}
		if cycle.Status == models.CycleStatusActive {
			c := cycle
			cycles = append(cycles, &c)
		}
	}
	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].CreatedAt.After(cycles[j].CreatedAt)
	})
	return cycles, nil
}

// ActiveCycleCount counts active cycles, for the wizard's creation guard.
func (o *Orchestrator) ActiveCycleCount(ctx context.Context) (int, error) {
	cycles, err := o.ActiveCycles(ctx)
	if err != nil {
		return 0, err
	}
	return len(cycles), nil
}

// invitationText renders the invitation message for a cycle.
func (o *Orchestrator) invitationText(cycle *models.FeedbackCycle) string {
	targetName := cycle.TargetEmployeeID
	if target, ok := o.dir.FindByID(cycle.TargetEmployeeID); ok {
		targetName = target.FullName()
	}
	return fmt.Sprintf(
		"You are invited to give 360° feedback about %s.\nPlease answer by %s. Your answers are anonymous to the subject.",
		targetName, cycle.Deadline.Format(DeadlineDisplayLayout))
}

func invitationKeyboard(cycleID string) models.Keyboard {
	return models.Keyboard{
		models.Row(models.Button{Text: "Start the survey", Data: models.EncodeCallback(models.ActionBeginSurvey, cycleID)}),
	}
}

// NotifyRespondents attempts invitation delivery to every respondent of a
// cycle. Respondents without a known chat id, and deliveries that fail, are
// enqueued in the pending-notification queue instead of failing the whole
// dispatch; partial delivery is expected.
func (o *Orchestrator) NotifyRespondents(ctx context.Context, cycle *models.FeedbackCycle) error {
	text := o.invitationText(cycle)
	delivered, deferred := 0, 0
	for respondentID := range cycle.Respondents {
		emp, ok := o.dir.FindByID(respondentID)
		if !ok || emp.ChatID == 0 {
			if err := o.enqueuePending(ctx, respondentID, cycle.ID); err != nil {
				return err
			}
			deferred++
			continue
		}
		if _, err := o.msg.Send(ctx, emp.ChatID, text, invitationKeyboard(cycle.ID)); err != nil {
			slog.Warn("Orchestrator invitation delivery failed, deferring", "error", err, "respondent", respondentID, "cycle", cycle.ID)
			if err := o.enqueuePending(ctx, respondentID, cycle.ID); err != nil {
				return err
			}
			deferred++
			continue
		}
		delivered++
	}
	slog.Info("Orchestrator invitations dispatched", "cycle", cycle.ID, "delivered", delivered, "deferred", deferred)
	return nil
}

func (o *Orchestrator) enqueuePending(ctx context.Context, employeeID, cycleID string) error {
	if err := o.kv.AddToSet(ctx, store.PendingNotificationsKey(employeeID), cycleID); err != nil {
		slog.Error("Orchestrator failed to enqueue pending notification", "error", err, "employee", employeeID, "cycle", cycleID)
		return err
	}
	slog.Debug("Orchestrator enqueued pending notification", "employee", employeeID, "cycle", cycleID)
	return nil
}

// PendingNotifications returns the queued cycle ids for an employee.
func (o *Orchestrator) PendingNotifications(ctx context.Context, employeeID string) ([]string, error) {
	return o.kv.SetMembers(ctx, store.PendingNotificationsKey(employeeID))
}

// ClearPendingNotifications empties an employee's queue.
func (o *Orchestrator) ClearPendingNotifications(ctx context.Context, employeeID string) error {
	return o.kv.Delete(ctx, store.PendingNotificationsKey(employeeID))
}

// DeliverPending re-attempts every queued invitation for an employee who has
// become reachable, then clears the queue. Invitations for cycles that are no
// longer active are dropped silently; deliveries that fail again go back on
// the queue for the next contact.
func (o *Orchestrator) DeliverPending(ctx context.Context, emp models.Employee) error {
	if emp.ChatID == 0 {
		return fmt.Errorf("employee %s has no chat id", emp.ID)
	}
	cycleIDs, err := o.PendingNotifications(ctx, emp.ID)
	if err != nil {
		return err
	}
	if len(cycleIDs) == 0 {
		return nil
	}
	slog.Info("Orchestrator draining pending notifications", "employee", emp.ID, "queued", len(cycleIDs))
	var failed []string
	for _, cycleID := range cycleIDs {
		cycle, err := o.GetCycle(ctx, cycleID)
		if err != nil {
			slog.Warn("Orchestrator dropping pending notification for missing cycle", "cycle", cycleID, "employee", emp.ID, "error", err)
			continue
		}
		if cycle.Status != models.CycleStatusActive {
			continue
		}
		if _, err := o.msg.Send(ctx, emp.ChatID, o.invitationText(cycle), invitationKeyboard(cycle.ID)); err != nil {
			slog.Warn("Orchestrator pending invitation delivery failed, keeping queued", "error", err, "cycle", cycleID, "employee", emp.ID)
			failed = append(failed, cycleID)
		}
	}
	// The queue is cleared only after the whole attempt pass completes; failed
	// deliveries are put back so they survive until the next contact.
	if err := o.ClearPendingNotifications(ctx, emp.ID); err != nil {
		return err
	}
	for _, cycleID := range failed {
		if err := o.enqueuePending(ctx, emp.ID, cycleID); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnswers appends one result row for a completed survey, flips the
// respondent to completed and notifies every admin about the progress.
// Answers missing for a question render as empty cells so skipped optional
// questions never shift later columns.
func (o *Orchestrator) SaveAnswers(ctx context.Context, cycleID, respondentID string, answers map[string]string) error {
	slog.Debug("Orchestrator SaveAnswers", "cycle", cycleID, "respondent", respondentID, "answers", len(answers))

	cycle, err := o.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	info, ok := cycle.Respondents[respondentID]
	if !ok {
		return fmt.Errorf("%w: %s in cycle %s", models.ErrRespondentNotInCycle, respondentID, cycleID)
	}
	if info.Status == models.RespondentStatusCompleted {
		// Re-submission is rejected outright so the row count stays stable.
		return fmt.Errorf("%w: %s in cycle %s", models.ErrRespondentCompleted, respondentID, cycleID)
	}

	qn, err := o.questions.Get(ctx)
	if err != nil {
		return err
	}

	submittedAt := o.now().UTC()
	row := []string{cycle.ID, respondentID, submittedAt.Format(time.RFC3339)}
	for _, q := range qn.Questions {
		row = append(row, answers[q.ID])
	}
	if err := o.sheet.AppendRow(ctx, cycle.SheetTitle, row); err != nil {
		slog.Error("Orchestrator SaveAnswers append failed", "error", err, "cycle", cycleID, "sheet", cycle.SheetTitle)
		return fmt.Errorf("append result row: %w", err)
	}

	if err := cycle.MarkCompleted(respondentID, submittedAt); err != nil {
		return err
	}
	if err := store.SetJSON(ctx, o.kv, store.CycleKey(cycle.ID), cycle, 0); err != nil {
		return fmt.Errorf("persist cycle: %w", err)
	}

	slog.Info("Orchestrator saved answers", "cycle", cycleID, "respondent", respondentID, "completed", cycle.CompletedCount(), "total", len(cycle.Respondents))
	o.notifyProgress(ctx, cycle)
	return nil
}

// notifyProgress sends completion accounting to every admin. Delivery
// failures are logged, never propagated into the answer path.
func (o *Orchestrator) notifyProgress(ctx context.Context, cycle *models.FeedbackCycle) {
	text := o.ProgressSummary(cycle)
	for _, adminChatID := range o.adminChatIDs {
		if _, err := o.msg.Send(ctx, adminChatID, text, nil); err != nil {
			slog.Warn("Orchestrator progress notification failed", "error", err, "admin", adminChatID, "cycle", cycle.ID)
		}
	}
}

// ProgressSummary renders the admin-facing progress line for a cycle.
func (o *Orchestrator) ProgressSummary(cycle *models.FeedbackCycle) string {
	completed := cycle.CompletedCount()
	total := len(cycle.Respondents)
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}

	targetName := cycle.TargetEmployeeID
	if target, ok := o.dir.FindByID(cycle.TargetEmployeeID); ok {
		targetName = target.FullName()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Feedback cycle for %s: %d / %d (%d%%)", targetName, completed, total, percent)
	outstanding := cycle.OutstandingRespondents()
	if len(outstanding) > 0 {
		sort.Strings(outstanding)
		names := make([]string, 0, len(outstanding))
		for _, id := range outstanding {
			if emp, ok := o.dir.FindByID(id); ok {
				names = append(names, emp.FullName())
			} else {
				names = append(names, id)
			}
		}
		fmt.Fprintf(&b, "\nWaiting for: %s", strings.Join(names, ", "))
	}
	return b.String()
}

// CloseCycle flips an active cycle to closed. Closing a missing or already
// non-active cycle reports failure and changes nothing.
func (o *Orchestrator) CloseCycle(ctx context.Context, cycleID string) error {
	cycle, err := o.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if cycle.Status != models.CycleStatusActive {
		return fmt.Errorf("%w: %s is %s", models.ErrCycleNotActive, cycleID, cycle.Status)
	}
	cycle.Status = models.CycleStatusClosed
	if err := store.SetJSON(ctx, o.kv, store.CycleKey(cycle.ID), cycle, 0); err != nil {
		return fmt.Errorf("persist cycle: %w", err)
	}
	slog.Info("Orchestrator closed cycle", "cycle", cycleID)
	return nil
}

// MarkReported records that a report was generated for a closed cycle.
func (o *Orchestrator) MarkReported(ctx context.Context, cycleID string) error {
	cycle, err := o.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	switch cycle.Status {
	case models.CycleStatusReported:
		return nil
	case models.CycleStatusClosed:
		cycle.Status = models.CycleStatusReported
	default:
		return fmt.Errorf("cycle %s must be closed before reporting, is %s", cycleID, cycle.Status)
	}
	if err := store.SetJSON(ctx, o.kv, store.CycleKey(cycle.ID), cycle, 0); err != nil {
		return fmt.Errorf("persist cycle: %w", err)
	}
	slog.Info("Orchestrator marked cycle reported", "cycle", cycleID)
	return nil
}

// IsNotFound reports whether an error is a not-found class failure.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrCycleNotFound) || errors.Is(err, models.ErrEmployeeNotFound)
}
