// Package bot connects the Telegram transport to the conversational engines:
// it polls for updates, routes commands and button presses, enforces admin
// access and drains pending invitations on first contact.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/cycle"
	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/flow"
	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/questionnaire"
	"github.com/openloop-hr/FeedbackLoop/internal/telegram"
)

// pollRetryDelay is how long the loop waits after a failed getUpdates call.
const pollRetryDelay = 5 * time.Second

// Transport is the Telegram surface the dispatcher needs.
type Transport interface {
	GetUpdates(ctx context.Context, offset int) ([]telegram.Update, error)
	Send(ctx context.Context, chatID int64, text string, keyboard models.Keyboard) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard models.Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Reporter produces the report text for a closed cycle.
type Reporter interface {
	Generate(ctx context.Context, cycle *models.FeedbackCycle, targetName string, qn *models.Questionnaire) (string, error)
}

// Dispatcher routes incoming updates to the wizard, the survey engine and the
// cycle management commands.
type Dispatcher struct {
	transport Transport
	dir       *directory.Service
	orch      *cycle.Orchestrator
	questions *questionnaire.Service
	wizard    *flow.Wizard
	survey    *flow.Survey
	reporter  Reporter
	admins    map[int64]bool
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithAdminChatIDs sets the chat ids allowed to manage cycles.
func WithAdminChatIDs(ids []int64) Option {
	return func(d *Dispatcher) {
		for _, id := range ids {
			d.admins[id] = true
		}
	}
}

// WithReporter enables the report command.
func WithReporter(r Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// NewDispatcher wires the update router.
func NewDispatcher(transport Transport, dir *directory.Service, orch *cycle.Orchestrator, questions *questionnaire.Service, wizard *flow.Wizard, survey *flow.Survey, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		dir:       dir,
		orch:      orch,
		questions: questions,
		wizard:    wizard,
		survey:    survey,
		admins:    make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls for updates until the context is cancelled. Failed polls are
// logged and retried after a short delay; a single bad update never stops the
// loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher started", "admins", len(d.admins))
	offset := 0
	for {
		updates, err := d.transport.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Dispatcher stopped")
				return ctx.Err()
			}
			slog.Error("Dispatcher poll failed", "error", err)
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, update := range updates {
			offset = update.UpdateID + 1
			if err := d.HandleUpdate(ctx, update); err != nil {
				slog.Error("Dispatcher update handling failed", "error", err, "update_id", update.UpdateID)
			}
		}
	}
}

// HandleUpdate routes one update.
func (d *Dispatcher) HandleUpdate(ctx context.Context, update telegram.Update) error {
	switch {
	case update.CallbackQuery != nil:
		return d.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		return d.handleMessage(ctx, update.Message)
	default:
		return nil
	}
}

func (d *Dispatcher) isAdmin(chatID int64) bool {
	return d.admins[chatID]
}

// adminUserID keys wizard conversation state by the admin's chat id. Admins
// need not be directory employees.
func adminUserID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *telegram.Message) error {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	slog.Debug("Dispatcher message", "chat_id", chatID, "command", strings.HasPrefix(text, "/"))

	switch {
	case strings.HasPrefix(text, "/start"):
		return d.handleStart(ctx, chatID, text)
	case text == "/new_cycle":
		if !d.isAdmin(chatID) {
			return d.refuseNonAdmin(ctx, chatID)
		}
		return d.wizard.Start(ctx, adminUserID(chatID), chatID)
	case text == "/status":
		if !d.isAdmin(chatID) {
			return d.refuseNonAdmin(ctx, chatID)
		}
		return d.sendStatusList(ctx, chatID)
	}

	// Free text goes to whichever engine is waiting for it.
	if d.isAdmin(chatID) {
		if handled, err := d.wizard.HandleMessage(ctx, adminUserID(chatID), chatID, text); handled || err != nil {
			return err
		}
	}
	if emp, ok := d.dir.FindByChatID(chatID); ok {
		if handled, err := d.survey.HandleMessage(ctx, emp.ID, chatID, text); handled || err != nil {
			return err
		}
	}

	_, err := d.transport.Send(ctx, chatID, "Nothing is waiting for a reply right now.", nil)
	return err
}

func (d *Dispatcher) refuseNonAdmin(ctx context.Context, chatID int64) error {
	slog.Warn("Dispatcher admin command from non-admin", "chat_id", chatID)
	_, err := d.transport.Send(ctx, chatID, "This command is available to HR admins only.", nil)
	return err
}

// handleStart registers the employee's chat id on first contact and drains
// any invitations queued while the employee was unreachable. A personal
// deep link carries the employee id as the /start payload.
func (d *Dispatcher) handleStart(ctx context.Context, chatID int64, text string) error {
	emp, known := d.dir.FindByChatID(chatID)
	if !known {
		fields := strings.Fields(text)
		if len(fields) > 1 {
			employeeID := fields[1]
			if err := d.dir.RegisterChatID(ctx, employeeID, chatID); err != nil {
				return err
			}
			emp, known = d.dir.FindByID(employeeID)
			known = known && emp.ChatID == chatID
		}
	}

	if !known {
		text := "Hi! I run 360° feedback surveys. I could not match you to the employee directory; please use your personal invite link."
		if d.isAdmin(chatID) {
			text = "Hi! Use /new_cycle to start a feedback cycle and /status to manage running ones."
		}
		_, err := d.transport.Send(ctx, chatID, text, nil)
		return err
	}

	slog.Info("Dispatcher first contact", "employee", emp.ID, "chat_id", chatID)
	if _, err := d.transport.Send(ctx, chatID,
		fmt.Sprintf("Hello %s! I will ping you here when your feedback is needed.", emp.FullName()), nil); err != nil {
		return err
	}
	return d.orch.DeliverPending(ctx, emp)
}

func (d *Dispatcher) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	// Acknowledge first so the client spinner always stops, even for
	// malformed or stale presses.
	if err := d.transport.AnswerCallback(ctx, cb.ID, ""); err != nil {
		slog.Warn("Dispatcher callback ack failed", "error", err, "callback_id", cb.ID)
	}
	if cb.Message == nil {
		return nil
	}
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	action, args := models.DecodeCallback(cb.Data)
	if action == "" {
		slog.Warn("Dispatcher malformed callback payload", "chat_id", chatID, "data", cb.Data)
		return nil
	}
	slog.Debug("Dispatcher callback", "chat_id", chatID, "action", action)

	switch action {
	case models.ActionBeginSurvey:
		emp, ok := d.dir.FindByChatID(cb.From.ID)
		if !ok {
			_, err := d.transport.Send(ctx, chatID, "Please send /start first so I can recognise you.", nil)
			return err
		}
		if len(args) == 0 {
			return nil
		}
		return d.survey.Begin(ctx, emp, chatID, args[0])
	case models.ActionCycleStatus, models.ActionCycleClose, models.ActionCycleReport:
		if !d.isAdmin(chatID) {
			return d.refuseNonAdmin(ctx, chatID)
		}
		if len(args) == 0 {
			return nil
		}
		return d.handleCycleAction(ctx, chatID, messageID, action, args[0])
	}

	if d.isAdmin(chatID) {
		if handled, err := d.wizard.HandleCallback(ctx, adminUserID(chatID), chatID, messageID, action, args); handled || err != nil {
			return err
		}
	}
	if emp, ok := d.dir.FindByChatID(cb.From.ID); ok {
		if handled, err := d.survey.HandleCallback(ctx, emp.ID, chatID, messageID, action, args); handled || err != nil {
			return err
		}
	}
	slog.Warn("Dispatcher unroutable callback", "chat_id", chatID, "action", action)
	return nil
}

// sendStatusList shows every active cycle as a button, most recent first.
func (d *Dispatcher) sendStatusList(ctx context.Context, chatID int64) error {
	cycles, err := d.orch.ActiveCycles(ctx)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		_, err := d.transport.Send(ctx, chatID, "No active feedback cycles.", nil)
		return err
	}
	var kb models.Keyboard
	for _, c := range cycles {
		kb = append(kb, models.Row(models.Button{
			Text: c.SheetTitle,
			Data: models.EncodeCallback(models.ActionCycleStatus, c.ID),
		}))
	}
	_, err = d.transport.Send(ctx, chatID, "Active feedback cycles:", kb)
	return err
}

func (d *Dispatcher) handleCycleAction(ctx context.Context, chatID int64, messageID int, action, cycleID string) error {
	switch action {
	case models.ActionCycleStatus:
		return d.showCycleStatus(ctx, chatID, messageID, cycleID)
	case models.ActionCycleClose:
		if err := d.orch.CloseCycle(ctx, cycleID); err != nil {
			if errors.Is(err, models.ErrCycleNotActive) || cycle.IsNotFound(err) {
				_, sendErr := d.transport.Send(ctx, chatID, "This cycle is not active anymore.", nil)
				return sendErr
			}
			return err
		}
		_, err := d.transport.Send(ctx, chatID, "Cycle closed. Use the report button to summarize the feedback.", nil)
		return err
	case models.ActionCycleReport:
		return d.sendReport(ctx, chatID, cycleID)
	}
	return nil
}

func (d *Dispatcher) targetName(c *models.FeedbackCycle) string {
	if target, ok := d.dir.FindByID(c.TargetEmployeeID); ok {
		return target.FullName()
	}
	return c.TargetEmployeeID
}

// showCycleStatus renders per-respondent completion and the management
// buttons for one cycle.
func (d *Dispatcher) showCycleStatus(ctx context.Context, chatID int64, messageID int, cycleID string) error {
	c, err := d.orch.GetCycle(ctx, cycleID)
	if err != nil {
		if cycle.IsNotFound(err) {
			_, sendErr := d.transport.Send(ctx, chatID, "This cycle no longer exists.", nil)
			return sendErr
		}
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", d.orch.ProgressSummary(c))
	fmt.Fprintf(&b, "Deadline: %s\nStatus: %s\n\n", c.Deadline.Format(cycle.DeadlineDisplayLayout), c.Status)

	ids := make([]string, 0, len(c.Respondents))
	for id := range c.Respondents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		marker := "⏳"
		if c.Respondents[id].Status == models.RespondentStatusCompleted {
			marker = "✅"
		}
		name := id
		if emp, ok := d.dir.FindByID(id); ok {
			name = emp.FullName()
		}
		fmt.Fprintf(&b, "%s %s\n", marker, name)
	}

	kb := models.Keyboard{models.Row(
		models.Button{Text: "Close cycle", Data: models.EncodeCallback(models.ActionCycleClose, c.ID)},
		models.Button{Text: "Report", Data: models.EncodeCallback(models.ActionCycleReport, c.ID)},
	)}
	return d.transport.Edit(ctx, chatID, messageID, strings.TrimSpace(b.String()), kb)
}

// sendReport generates and delivers the report for a closed cycle, then marks
// the cycle reported.
func (d *Dispatcher) sendReport(ctx context.Context, chatID int64, cycleID string) error {
	if d.reporter == nil {
		_, err := d.transport.Send(ctx, chatID, "Report generation is not configured.", nil)
		return err
	}
	c, err := d.orch.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if c.Status == models.CycleStatusActive {
		_, err := d.transport.Send(ctx, chatID, "Close the cycle before requesting a report.", nil)
		return err
	}

	qn, err := d.questions.Get(ctx)
	if err != nil {
		return err
	}
	text, err := d.reporter.Generate(ctx, c, d.targetName(c), qn)
	if err != nil {
		slog.Error("Dispatcher report generation failed", "error", err, "cycle", cycleID)
		_, sendErr := d.transport.Send(ctx, chatID, "Report generation failed. Please try again later.", nil)
		return sendErr
	}
	if _, err := d.transport.Send(ctx, chatID, text, nil); err != nil {
		return err
	}
	return d.orch.MarkReported(ctx, cycleID)
}
