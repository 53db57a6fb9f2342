package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/cycle"
	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/flow"
	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/questionnaire"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
	"github.com/openloop-hr/FeedbackLoop/internal/telegram"
	"github.com/openloop-hr/FeedbackLoop/internal/testutil"
)

const (
	adminChat      = int64(500)
	respondentChat = int64(101)
	strangerChat   = int64(777)
)

// fakeTransport records traffic and feeds scripted updates to Run.
type fakeTransport struct {
	*testutil.Messenger
	updates []telegram.Update
}

func (f *fakeTransport) GetUpdates(ctx context.Context, offset int) ([]telegram.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var batch []telegram.Update
	for _, u := range f.updates {
		if u.UpdateID >= offset {
			batch = append(batch, u)
		}
	}
	return batch, nil
}

type stubReporter struct {
	text  string
	err   error
	calls int
}

func (r *stubReporter) Generate(ctx context.Context, c *models.FeedbackCycle, targetName string, qn *models.Questionnaire) (string, error) {
	r.calls++
	return r.text, r.err
}

type dispatcherFixture struct {
	ctx      context.Context
	kv       *store.InMemoryStore
	sheet    *sheets.Fake
	dir      *directory.Service
	orch     *cycle.Orchestrator
	msg      *fakeTransport
	reporter *stubReporter
	disp     *Dispatcher
	now      time.Time
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	ctx := context.Background()
	kv := store.NewInMemoryStore()
	sheet := sheets.NewFake()

	sheet.Seed(directory.EmployeesSheet,
		[]string{"employee_id", "first_name", "last_name", "manager_id"},
		[][]string{
			{"t1", "Anna", "Petrova", ""},
			{"r1", "Boris", "Ivanov", "t1"},
			{"r2", "Clara", "Sidorova", "t1"},
		})
	sheet.Seed(questionnaire.QuestionsSheet,
		[]string{"question_id", "text", "type", "options", "required", "result_column"},
		[][]string{
			{"C-1", "Ownership of {name}", "scale 0-3", "", "yes", "C1_score"},
			{"O-1", "Comments", "text", "", "no", "O1_comments"},
		})

	dir := directory.NewService(sheet, kv)
	if err := dir.Load(ctx); err != nil {
		t.Fatalf("load directory: %v", err)
	}
	if err := dir.RegisterChatID(ctx, "r1", respondentChat); err != nil {
		t.Fatalf("register chat id: %v", err)
	}

	f := &dispatcherFixture{
		ctx:      ctx,
		kv:       kv,
		sheet:    sheet,
		dir:      dir,
		msg:      &fakeTransport{Messenger: testutil.NewMessenger()},
		reporter: &stubReporter{text: "report body"},
		now:      time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	questions := questionnaire.NewService(sheet, kv)
	states := flow.NewStoreBasedStateManager(kv)
	f.orch = cycle.NewOrchestrator(kv, sheet, dir, questions, f.msg,
		cycle.WithAdminChatIDs([]int64{adminChat}), cycle.WithClock(clock))
	wizard := flow.NewWizard(states, dir, f.orch, f.msg, flow.WithWizardClock(clock))
	survey := flow.NewSurvey(states, f.orch, questions, dir, f.msg)
	f.disp = NewDispatcher(f.msg, dir, f.orch, questions, wizard, survey,
		WithAdminChatIDs([]int64{adminChat}), WithReporter(f.reporter))
	return f
}

func messageUpdate(id int, chatID int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: id,
		Message:  &telegram.Message{MessageID: id, Chat: telegram.Chat{ID: chatID}, Text: text},
	}
}

func callbackUpdate(id int, fromID, chatID int64, messageID int, data string) telegram.Update {
	return telegram.Update{
		UpdateID: id,
		CallbackQuery: &telegram.CallbackQuery{
			ID:      "cb",
			From:    telegram.User{ID: fromID},
			Message: &telegram.Message{MessageID: messageID, Chat: telegram.Chat{ID: chatID}},
			Data:    data,
		},
	}
}

func (f *dispatcherFixture) handle(t *testing.T, u telegram.Update) {
	t.Helper()
	if err := f.disp.HandleUpdate(f.ctx, u); err != nil {
		t.Fatalf("handle update: %v", err)
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	f := newDispatcherFixture(t)

	f.handle(t, messageUpdate(1, strangerChat, "/new_cycle"))
	reply, _ := f.msg.LastTo(strangerChat)
	if !strings.Contains(reply.Text, "admins only") {
		t.Errorf("non-admin should be refused, got %q", reply.Text)
	}

	f.handle(t, messageUpdate(2, adminChat, "/new_cycle"))
	prompt, _ := f.msg.LastTo(adminChat)
	if !strings.Contains(prompt.Text, "Who is this feedback cycle about?") {
		t.Errorf("admin should reach the wizard, got %q", prompt.Text)
	}
}

func TestStatusListAndCycleView(t *testing.T) {
	f := newDispatcherFixture(t)

	f.handle(t, messageUpdate(1, adminChat, "/status"))
	reply, _ := f.msg.LastTo(adminChat)
	if !strings.Contains(reply.Text, "No active feedback cycles") {
		t.Errorf("expected empty status list, got %q", reply.Text)
	}

	c, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1", "r2"}, f.now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	f.handle(t, messageUpdate(2, adminChat, "/status"))
	reply, _ = f.msg.LastTo(adminChat)
	if len(reply.Keyboard) != 1 || reply.Keyboard[0][0].Data != "cycle_status:"+c.ID {
		t.Fatalf("status list should offer the cycle, got %v", reply.Keyboard)
	}

	f.handle(t, callbackUpdate(3, adminChat, adminChat, reply.MessageID, reply.Keyboard[0][0].Data))
	view, ok := f.msg.LastEdit(adminChat)
	if !ok {
		t.Fatal("cycle view should edit the status message")
	}
	for _, want := range []string{"Anna Petrova", "0 / 2 (0%)", "⏳ Boris Ivanov", "⏳ Clara Sidorova"} {
		if !strings.Contains(view.Text, want) {
			t.Errorf("cycle view should contain %q, got %q", want, view.Text)
		}
	}
	if _, found := findButton(view.Keyboard, "cycle_close:"+c.ID); !found {
		t.Errorf("cycle view should offer closing, got %v", view.Keyboard)
	}
}

func findButton(kb models.Keyboard, data string) (models.Button, bool) {
	for _, row := range kb {
		for _, btn := range row {
			if btn.Data == data {
				return btn, true
			}
		}
	}
	return models.Button{}, false
}

func TestFirstContactRegistersAndDrainsQueue(t *testing.T) {
	f := newDispatcherFixture(t)
	c, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1", "r2"}, f.now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	// r2 has no chat id yet, so the invitation is queued.
	if err := f.orch.NotifyRespondents(f.ctx, c); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pending, _ := f.orch.PendingNotifications(f.ctx, "r2"); len(pending) != 1 {
		t.Fatalf("expected a queued invitation, got %v", pending)
	}

	f.handle(t, messageUpdate(1, 202, "/start r2"))
	msgs := f.msg.SentTo(202)
	if len(msgs) < 2 {
		t.Fatalf("expected welcome plus queued invitation, got %v", msgs)
	}
	if !strings.Contains(msgs[0].Text, "Clara Sidorova") {
		t.Errorf("welcome should greet by name, got %q", msgs[0].Text)
	}
	if len(msgs[1].Keyboard) == 0 || msgs[1].Keyboard[0][0].Data != "begin_survey:"+c.ID {
		t.Errorf("queued invitation should be delivered, got %v", msgs[1])
	}
	if pending, _ := f.orch.PendingNotifications(f.ctx, "r2"); len(pending) != 0 {
		t.Errorf("queue should drain on first contact, got %v", pending)
	}

	if emp, ok := f.dir.FindByChatID(202); !ok || emp.ID != "r2" {
		t.Errorf("chat id should be registered, got %+v ok=%v", emp, ok)
	}
}

func TestStartWithoutMatchIsFriendly(t *testing.T) {
	f := newDispatcherFixture(t)
	f.handle(t, messageUpdate(1, strangerChat, "/start"))
	reply, _ := f.msg.LastTo(strangerChat)
	if !strings.Contains(reply.Text, "personal invite link") {
		t.Errorf("unknown chats should get guidance, got %q", reply.Text)
	}
}

func TestBeginSurveyCallbackRoutes(t *testing.T) {
	f := newDispatcherFixture(t)
	c, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1"}, f.now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	f.handle(t, callbackUpdate(1, respondentChat, respondentChat, 1, "begin_survey:"+c.ID))
	if len(f.msg.Acks) != 1 {
		t.Errorf("button press should be acknowledged, got %v", f.msg.Acks)
	}
	q1, ok := f.msg.LastTo(respondentChat)
	if !ok || !strings.Contains(q1.Text, "Question 1 of 2") {
		t.Errorf("survey should start, got %+v", q1)
	}

	// A survey button press travels through the dispatcher to the engine.
	f.handle(t, callbackUpdate(2, respondentChat, respondentChat, q1.MessageID, "svy_pick:C-1:2"))
	edit, ok := f.msg.LastEdit(respondentChat)
	if !ok || !strings.Contains(editKeyboardText(edit.Keyboard), "✅ 2") {
		t.Errorf("staged pick should re-render, got %+v", edit)
	}
}

func editKeyboardText(kb models.Keyboard) string {
	var b strings.Builder
	for _, row := range kb {
		for _, btn := range row {
			b.WriteString(btn.Text)
			b.WriteString("|")
		}
	}
	return b.String()
}

func TestMalformedCallbackIsAckedOnly(t *testing.T) {
	f := newDispatcherFixture(t)
	f.handle(t, callbackUpdate(1, respondentChat, respondentChat, 1, "   "))
	if len(f.msg.Acks) != 1 {
		t.Errorf("malformed press should still be acknowledged, got %v", f.msg.Acks)
	}
	if len(f.msg.Sent) != 0 || len(f.msg.Edited) != 0 {
		t.Errorf("malformed press must not produce traffic, sent=%v edited=%v", f.msg.Sent, f.msg.Edited)
	}
}

func TestCloseAndReportFlow(t *testing.T) {
	f := newDispatcherFixture(t)
	c, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1"}, f.now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if err := f.orch.SaveAnswers(f.ctx, c.ID, "r1", map[string]string{"C-1": "2", "O-1": "fine"}); err != nil {
		t.Fatalf("save answers: %v", err)
	}

	// Reporting an active cycle is refused.
	f.handle(t, callbackUpdate(1, adminChat, adminChat, 1, "cycle_report:"+c.ID))
	reply, _ := f.msg.LastTo(adminChat)
	if !strings.Contains(reply.Text, "Close the cycle") {
		t.Errorf("active cycle report should be refused, got %q", reply.Text)
	}
	if f.reporter.calls != 0 {
		t.Errorf("reporter must not run for active cycles, got %d calls", f.reporter.calls)
	}

	f.handle(t, callbackUpdate(2, adminChat, adminChat, 1, "cycle_close:"+c.ID))
	stored, _ := f.orch.GetCycle(f.ctx, c.ID)
	if stored.Status != models.CycleStatusClosed {
		t.Fatalf("expected closed cycle, got %s", stored.Status)
	}

	f.handle(t, callbackUpdate(3, adminChat, adminChat, 1, "cycle_report:"+c.ID))
	reply, _ = f.msg.LastTo(adminChat)
	if reply.Text != "report body" {
		t.Errorf("report should be delivered, got %q", reply.Text)
	}
	stored, _ = f.orch.GetCycle(f.ctx, c.ID)
	if stored.Status != models.CycleStatusReported {
		t.Errorf("expected reported cycle, got %s", stored.Status)
	}
}

func TestReportFailureKeepsCycleClosed(t *testing.T) {
	f := newDispatcherFixture(t)
	c, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1"}, f.now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if err := f.orch.CloseCycle(f.ctx, c.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.reporter.err = errors.New("model down")

	f.handle(t, callbackUpdate(1, adminChat, adminChat, 1, "cycle_report:"+c.ID))
	reply, _ := f.msg.LastTo(adminChat)
	if !strings.Contains(reply.Text, "failed") {
		t.Errorf("failure should be reported to the admin, got %q", reply.Text)
	}
	stored, _ := f.orch.GetCycle(f.ctx, c.ID)
	if stored.Status != models.CycleStatusClosed {
		t.Errorf("a failed report must not mark the cycle reported, got %s", stored.Status)
	}
}

func TestUnsolicitedTextGetsGentleReply(t *testing.T) {
	f := newDispatcherFixture(t)
	f.handle(t, messageUpdate(1, respondentChat, "hello there"))
	reply, _ := f.msg.LastTo(respondentChat)
	if !strings.Contains(reply.Text, "Nothing is waiting") {
		t.Errorf("expected a gentle reply, got %q", reply.Text)
	}
}
