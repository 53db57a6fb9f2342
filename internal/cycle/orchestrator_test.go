package cycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/questionnaire"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
	"github.com/openloop-hr/FeedbackLoop/internal/testutil"
)

type fixture struct {
	ctx   context.Context
	kv    *store.InMemoryStore
	sheet *sheets.Fake
	dir   *directory.Service
	msg   *testutil.Messenger
	orch  *Orchestrator
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
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
			{"G-2", "Role fit", "radio", "yes;no", "yes", "G2_role_fit"},
			{"O-1", "Comments", "text", "", "no", "O1_comments"},
		})

	dir := directory.NewService(sheet, kv)
	if err := dir.Load(ctx); err != nil {
		t.Fatalf("load directory: %v", err)
	}
	// r1 is reachable, r2 is not.
	if err := dir.RegisterChatID(ctx, "r1", 101); err != nil {
		t.Fatalf("register chat id: %v", err)
	}

	f := &fixture{
		ctx:   ctx,
		kv:    kv,
		sheet: sheet,
		dir:   dir,
		msg:   testutil.NewMessenger(),
		now:   time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	f.orch = NewOrchestrator(kv, sheet, dir, questionnaire.NewService(sheet, kv), f.msg,
		WithAdminChatIDs([]int64{900}),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) createCycle(t *testing.T) *models.FeedbackCycle {
	t.Helper()
	cycle, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1", "r2"}, f.now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	return cycle
}

func TestCreateCycleProvisionsSheetAndPersists(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	if cycle.ID != "20250314_092653_t1" {
		t.Errorf("unexpected cycle id %q", cycle.ID)
	}
	if cycle.SheetTitle != "20250314_092653_Anna Petrova" {
		t.Errorf("unexpected sheet title %q", cycle.SheetTitle)
	}
	if !f.sheet.HasSheet(cycle.SheetTitle) {
		t.Fatal("result sheet must exist after creation")
	}
	headers := f.sheet.Headers(cycle.SheetTitle)
	want := []string{"cycle_id", "respondent_id", "submitted_at", "C1_score", "G2_role_fit", "O1_comments"}
	if len(headers) != len(want) {
		t.Fatalf("expected headers %v, got %v", want, headers)
	}
	for i := range want {
		if headers[i] != want[i] {
			t.Errorf("header %d: expected %s, got %s", i, want[i], headers[i])
		}
	}

	stored, err := f.orch.GetCycle(f.ctx, cycle.ID)
	if err != nil {
		t.Fatalf("reload cycle: %v", err)
	}
	if stored.Status != models.CycleStatusActive || len(stored.Respondents) != 2 {
		t.Errorf("unexpected stored cycle %+v", stored)
	}
}

func TestCreateCycleFailsWithoutQuestionnaire(t *testing.T) {
	f := newFixture(t)
	f.sheet.Seed(questionnaire.QuestionsSheet,
		[]string{"question_id", "text", "type", "options", "required", "result_column"}, nil)

	if _, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1"}, f.now.AddDate(0, 0, 7)); !errors.Is(err, models.ErrQuestionnaireUnavailable) {
		t.Errorf("expected ErrQuestionnaireUnavailable, got %v", err)
	}
	// No cycle record may exist without its result sheet.
	keys, _ := f.kv.Keys(f.ctx, store.CycleKeyPattern)
	if len(keys) != 0 {
		t.Errorf("no cycle must be persisted on failure, found %v", keys)
	}
}

func TestCreateCycleRejectsUnknownTargetAndEmptyRespondents(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.CreateCycle(f.ctx, "ghost", []string{"r1"}, f.now.AddDate(0, 0, 7)); !errors.Is(err, models.ErrEmployeeNotFound) {
		t.Errorf("expected ErrEmployeeNotFound, got %v", err)
	}
	if _, err := f.orch.CreateCycle(f.ctx, "t1", nil, f.now.AddDate(0, 0, 7)); !errors.Is(err, models.ErrEmptyRespondents) {
		t.Errorf("expected ErrEmptyRespondents, got %v", err)
	}
}

func TestCreateCycleRejectsNonFutureDeadline(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1"}, f.now.AddDate(0, 0, -7)); !errors.Is(err, models.ErrDeadlineNotFuture) {
		t.Errorf("expected ErrDeadlineNotFuture for a past deadline, got %v", err)
	}
	// A deadline equal to the creation instant is not "strictly in the future".
	if _, err := f.orch.CreateCycle(f.ctx, "t1", []string{"r1"}, f.now); !errors.Is(err, models.ErrDeadlineNotFuture) {
		t.Errorf("expected ErrDeadlineNotFuture for a deadline at creation time, got %v", err)
	}

	keys, _ := f.kv.Keys(f.ctx, store.CycleKeyPattern)
	if len(keys) != 0 {
		t.Errorf("no cycle must be persisted on a rejected deadline, found %v", keys)
	}
	if f.sheet.HasSheet("20250314_092653_Anna Petrova") {
		t.Error("no result sheet must be provisioned on a rejected deadline")
	}
}

func TestNotifyRespondentsDefersUnreachable(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	if err := f.orch.NotifyRespondents(f.ctx, cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// r1 got the invitation with the begin button.
	sent, ok := f.msg.LastTo(101)
	if !ok {
		t.Fatal("r1 should receive an invitation")
	}
	if !strings.Contains(sent.Text, "Anna Petrova") {
		t.Errorf("invitation should name the target, got %q", sent.Text)
	}
	if len(sent.Keyboard) != 1 || sent.Keyboard[0][0].Data != "begin_survey:"+cycle.ID {
		t.Errorf("unexpected invitation keyboard %v", sent.Keyboard)
	}

	// r2 is unreachable and lands in the pending queue.
	pending, err := f.orch.PendingNotifications(f.ctx, "r2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0] != cycle.ID {
		t.Errorf("expected pending queue [%s], got %v", cycle.ID, pending)
	}
	if queued, _ := f.orch.PendingNotifications(f.ctx, "r1"); len(queued) != 0 {
		t.Errorf("reachable respondent must not be queued, got %v", queued)
	}
}

func TestNotifyRespondentsDefersOnDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)
	f.msg.FailFor[101] = errors.New("transport down")

	if err := f.orch.NotifyRespondents(f.ctx, cycle); err != nil {
		t.Fatalf("partial delivery must not fail dispatch: %v", err)
	}
	pending, _ := f.orch.PendingNotifications(f.ctx, "r1")
	if len(pending) != 1 {
		t.Errorf("failed delivery should enqueue, got %v", pending)
	}
}

func TestPendingQueueIdempotentAndDrain(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	// Enqueue the same notification twice: exactly one entry results.
	if err := f.orch.NotifyRespondents(f.ctx, cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.orch.NotifyRespondents(f.ctx, cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, _ := f.orch.PendingNotifications(f.ctx, "r2")
	if len(pending) != 1 {
		t.Fatalf("queue membership must be idempotent, got %v", pending)
	}

	// r2 makes first contact: the invitation is delivered, the queue cleared.
	if err := f.dir.RegisterChatID(f.ctx, "r2", 202); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	emp, _ := f.dir.FindByID("r2")
	if err := f.orch.DeliverPending(f.ctx, emp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.msg.LastTo(202); !ok {
		t.Error("queued invitation should be delivered on first contact")
	}
	pending, _ = f.orch.PendingNotifications(f.ctx, "r2")
	if len(pending) != 0 {
		t.Errorf("queue must be cleared after the drain pass, got %v", pending)
	}
}

func TestDeliverPendingRequeuesFailedDelivery(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	if err := f.orch.NotifyRespondents(f.ctx, cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.dir.RegisterChatID(f.ctx, "r2", 202); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	emp, _ := f.dir.FindByID("r2")

	// The drain attempt fails: the invitation must stay queued, not vanish.
	f.msg.FailFor[202] = errors.New("transport down")
	if err := f.orch.DeliverPending(f.ctx, emp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, _ := f.orch.PendingNotifications(f.ctx, "r2")
	if len(pending) != 1 || pending[0] != cycle.ID {
		t.Fatalf("failed delivery must be re-enqueued, got %v", pending)
	}

	// The next contact succeeds and empties the queue.
	delete(f.msg.FailFor, 202)
	if err := f.orch.DeliverPending(f.ctx, emp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.msg.LastTo(202); !ok {
		t.Error("requeued invitation should be delivered on the next contact")
	}
	pending, _ = f.orch.PendingNotifications(f.ctx, "r2")
	if len(pending) != 0 {
		t.Errorf("queue must be empty after a successful drain, got %v", pending)
	}
}

func TestSaveAnswersAppendsRowAndNotifiesAdmins(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	answers := map[string]string{"C-1": "2", "G-2": "yes", "O-1": "looks good"}
	if err := f.orch.SaveAnswers(f.ctx, cycle.ID, "r1", answers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := f.sheet.Rows(cycle.SheetTitle)
	if len(rows) != 1 {
		t.Fatalf("expected 1 result row, got %d", len(rows))
	}
	row := rows[0]
	if len(row) != 6 {
		t.Fatalf("expected 6 cells, got %v", row)
	}
	if row[0] != cycle.ID || row[1] != "r1" || row[3] != "2" || row[4] != "yes" || row[5] != "looks good" {
		t.Errorf("unexpected row %v", row)
	}
	if _, err := time.Parse(time.RFC3339, row[2]); err != nil {
		t.Errorf("submitted_at should be RFC3339, got %q", row[2])
	}

	stored, _ := f.orch.GetCycle(f.ctx, cycle.ID)
	if stored.Respondents["r1"].Status != models.RespondentStatusCompleted {
		t.Error("respondent should be marked completed")
	}
	if stored.Respondents["r1"].CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	progress, ok := f.msg.LastTo(900)
	if !ok {
		t.Fatal("admins should receive a progress notification")
	}
	if !strings.Contains(progress.Text, "1 / 2 (50%)") {
		t.Errorf("progress should read 1 / 2 (50%%), got %q", progress.Text)
	}
	if !strings.Contains(progress.Text, "Clara Sidorova") {
		t.Errorf("progress should list outstanding respondents, got %q", progress.Text)
	}
}

func TestSaveAnswersSkippedOptionalRendersEmptyCell(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	if err := f.orch.SaveAnswers(f.ctx, cycle.ID, "r1", map[string]string{"C-1": "3", "G-2": "no"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := f.sheet.Rows(cycle.SheetTitle)[0]
	if len(row) != 6 {
		t.Fatalf("skipped answers must not shift columns, got %v", row)
	}
	if row[5] != "" {
		t.Errorf("skipped optional question should render empty, got %q", row[5])
	}
}

func TestSaveAnswersGuards(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	if err := f.orch.SaveAnswers(f.ctx, "missing", "r1", nil); !errors.Is(err, models.ErrCycleNotFound) {
		t.Errorf("expected ErrCycleNotFound, got %v", err)
	}
	if err := f.orch.SaveAnswers(f.ctx, cycle.ID, "stranger", nil); !errors.Is(err, models.ErrRespondentNotInCycle) {
		t.Errorf("expected ErrRespondentNotInCycle, got %v", err)
	}

	if err := f.orch.SaveAnswers(f.ctx, cycle.ID, "r1", map[string]string{"C-1": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Completing twice is rejected and must not add a second row.
	if err := f.orch.SaveAnswers(f.ctx, cycle.ID, "r1", map[string]string{"C-1": "1"}); !errors.Is(err, models.ErrRespondentCompleted) {
		t.Errorf("expected ErrRespondentCompleted, got %v", err)
	}
	if rows := f.sheet.Rows(cycle.SheetTitle); len(rows) != 1 {
		t.Errorf("re-submission must not corrupt the row count, got %d rows", len(rows))
	}
}

func TestCloseCycleTransitions(t *testing.T) {
	f := newFixture(t)
	cycle := f.createCycle(t)

	if err := f.orch.CloseCycle(f.ctx, "missing"); !errors.Is(err, models.ErrCycleNotFound) {
		t.Errorf("expected ErrCycleNotFound, got %v", err)
	}
	if err := f.orch.CloseCycle(f.ctx, cycle.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.orch.CloseCycle(f.ctx, cycle.ID); !errors.Is(err, models.ErrCycleNotActive) {
		t.Errorf("closing twice must fail, got %v", err)
	}

	if err := f.orch.MarkReported(f.ctx, cycle.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := f.orch.GetCycle(f.ctx, cycle.ID)
	if stored.Status != models.CycleStatusReported {
		t.Errorf("expected reported status, got %s", stored.Status)
	}
	// Reported is terminal; marking again is a no-op.
	if err := f.orch.MarkReported(f.ctx, cycle.ID); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestActiveCyclesOrderingAndCount(t *testing.T) {
	f := newFixture(t)
	first := f.createCycle(t)

	f.now = f.now.Add(time.Hour)
	second, err := f.orch.CreateCycle(f.ctx, "r1", []string{"t1", "r2"}, f.now.AddDate(0, 0, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cycles, err := f.orch.ActiveCycles(f.ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("expected 2 active cycles, got %d", len(cycles))
	}
	if cycles[0].ID != second.ID || cycles[1].ID != first.ID {
		t.Errorf("expected most recent first, got %s then %s", cycles[0].ID, cycles[1].ID)
	}

	if err := f.orch.CloseCycle(f.ctx, first.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count, err := f.orch.ActiveCycleCount(f.ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 active cycle after close, got %d", count)
	}
}
