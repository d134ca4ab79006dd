package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/opspipe/internal/dispatch"
	"github.com/basket/opspipe/internal/notify"
	"github.com/basket/opspipe/internal/persistence"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail bool
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("transport down")
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) all() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.sent...)
}

func newTestEngine(t *testing.T, preserveCompleted bool) (*dispatch.Engine, *persistence.Store, *captureNotifier) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opspipe.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	notifier := &captureNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return dispatch.NewEngine(store, notifier, logger, nil, preserveCompleted), store, notifier
}

func TestDispatchRejectsEmptyDestinations(t *testing.T) {
	engine, store, _ := newTestEngine(t, true)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "t", CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	_, err = engine.Dispatch(ctx, task.ID, dispatch.Destinations{}, nil)
	if !errors.Is(err, dispatch.ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

func TestDispatchEstimationRequiresEstimator(t *testing.T) {
	engine, store, _ := newTestEngine(t, true)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "t", CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	_, err = engine.Dispatch(ctx, task.ID, dispatch.Destinations{Estimation: true}, nil)
	if !errors.Is(err, dispatch.ErrNoEstimatorConfigured) {
		t.Fatalf("expected ErrNoEstimatorConfigured, got %v", err)
	}
	// Fatal config error leaves the task unmodified.
	unchanged, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if unchanged.Status != persistence.StatusTodo || unchanged.AssignedTo != "" {
		t.Fatalf("expected untouched task, got %+v", unchanged)
	}
}

func TestDispatchEstimationAssignsFirstEstimator(t *testing.T) {
	engine, store, notifier := newTestEngine(t, true)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "Elena", persistence.RoleEstimator); err != nil {
		t.Fatalf("create estimator: %v", err)
	}
	if _, err := store.CreateUser(ctx, "Second", persistence.RoleEstimator); err != nil {
		t.Fatalf("create second estimator: %v", err)
	}

	task, err := store.CreateTask(ctx, persistence.NewTask{
		Title: "signage", Status: persistence.StatusWithClient, CreatedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	res, err := engine.Dispatch(ctx, task.ID, dispatch.Destinations{Estimation: true},
		&dispatch.OperationsDetails{DeliveryAddress: "12 Mill Rd"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Original.Status != persistence.StatusProduction {
		t.Fatalf("expected production status, got %q", res.Original.Status)
	}
	if res.Original.PreviousStatus != persistence.StatusWithClient {
		t.Fatalf("expected previous_status with_client, got %q", res.Original.PreviousStatus)
	}
	if res.Original.DesignState != persistence.DesignReturned || !res.Original.RemovedFromProd {
		t.Fatalf("expected returned overlay + removed flag, got %+v", res.Original)
	}
	if res.Original.DeliveryAddress != "12 Mill Rd" {
		t.Fatalf("expected delivery merged, got %q", res.Original.DeliveryAddress)
	}

	// Deterministic pick: estimators are ordered by id, lowest first.
	wantID := res.Estimator.ID
	if res.Original.AssignedTo != wantID {
		t.Fatalf("expected assignment to picked estimator")
	}
	again, err := engine.Dispatch(ctx, task.ID, dispatch.Destinations{Estimation: true}, nil)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if again.Estimator.ID != wantID {
		t.Fatalf("expected stable estimator pick, got %s then %s", wantID, again.Estimator.ID)
	}

	sent := notifier.all()
	if len(sent) == 0 || sent[0].RecipientID != wantID {
		t.Fatalf("expected notification to estimator, got %+v", sent)
	}
}

func TestDispatchOperationsIdempotentTwin(t *testing.T) {
	engine, store, _ := newTestEngine(t, true)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{
		Title: "order", CreatedBy: "admin-1", ClientName: "Acme", Supplier: "PrintCo", Priority: 3,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, err := engine.Dispatch(ctx, task.ID, dispatch.Destinations{Operations: true},
		&dispatch.OperationsDetails{AssignedTo: "worker-1"})
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if !first.TwinCreated || first.Twin == nil {
		t.Fatalf("expected twin created, got %+v", first)
	}
	if first.Twin.SiblingTaskID != task.ID || first.Twin.ClientName != "Acme" || first.Twin.Priority != 3 {
		t.Fatalf("expected descriptive fields copied, got %+v", first.Twin)
	}

	second, err := engine.Dispatch(ctx, task.ID, dispatch.Destinations{Operations: true},
		&dispatch.OperationsDetails{AssignedTo: "worker-2"})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.TwinCreated {
		t.Fatalf("expected second dispatch to reuse twin")
	}
	if second.Twin.ID != first.Twin.ID {
		t.Fatalf("expected one twin, got %s and %s", first.Twin.ID, second.Twin.ID)
	}

	twins, err := store.ListTasks(ctx, persistence.TaskFilter{Type: persistence.TypeProduction})
	if err != nil {
		t.Fatalf("list twins: %v", err)
	}
	if len(twins) != 1 {
		t.Fatalf("expected exactly one operations twin, got %d", len(twins))
	}
	if twins[0].AssignedTo != "worker-2" {
		t.Fatalf("expected reassignment applied, got %q", twins[0].AssignedTo)
	}
}

func TestDispatchOperationsAuthoredSteps(t *testing.T) {
	engine, store, _ := newTestEngine(t, true)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "order", CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	due := time.Now().Add(24 * time.Hour)
	res, err := engine.Dispatch(ctx, task.ID, dispatch.Destinations{Operations: true},
		&dispatch.OperationsDetails{
			AssignedTo: "worker-1",
			Steps: []persistence.NewStep{
				{StepType: persistence.StepCollect, SupplierName: "Acme", DueDate: &due},
				{StepType: persistence.StepDeliverToClient},
			},
		})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(res.Steps))
	}
	if res.Steps[0].StepOrder != 0 || res.Steps[1].StepOrder != 1 {
		t.Fatalf("expected orders 0 and 1, got %d and %d", res.Steps[0].StepOrder, res.Steps[1].StepOrder)
	}

	// Completing step 0 leaves step 1 untouched and pending.
	if _, err := store.CompleteStep(ctx, res.Steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("complete collect: %v", err)
	}
	steps, err := store.ListSteps(ctx, res.Twin.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if steps[1].Status != persistence.StepPending {
		t.Fatalf("expected delivery step still pending, got %q", steps[1].Status)
	}
}

func TestDispatchNotificationFailureDoesNotRollBack(t *testing.T) {
	engine, store, notifier := newTestEngine(t, true)
	notifier.fail = true
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "order", CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	res, err := engine.Dispatch(ctx, task.ID, dispatch.Destinations{Operations: true},
		&dispatch.OperationsDetails{AssignedTo: "worker-1"})
	if err != nil {
		t.Fatalf("dispatch with failing notifier: %v", err)
	}
	if res.Twin == nil {
		t.Fatalf("expected twin despite notify failure")
	}
}

func TestCompleteMockupClonesAndReturnsOriginal(t *testing.T) {
	engine, store, _ := newTestEngine(t, true)
	ctx := context.Background()

	original, err := store.CreateTask(ctx, persistence.NewTask{
		Title: "storefront mockup", Type: persistence.TypeQuotation,
		Status: persistence.StatusWithClient, AssignedTo: "estimator-1",
		CreatedBy: "admin-1", DesignState: persistence.DesignAwaitingMockup,
	})
	if err != nil {
		t.Fatalf("create original: %v", err)
	}
	if _, err := store.ReplaceSteps(ctx, original.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, Products: []persistence.NewProduct{
			{ProductName: "acrylic letters", Quantity: 10, EstimatedPrice: 40},
			{ProductName: "led strip", Quantity: 2, EstimatedPrice: 15},
		}},
	}, false); err != nil {
		t.Fatalf("seed products: %v", err)
	}

	updated, clone, err := engine.CompleteMockup(ctx, original.ID, "designer-1", "done")
	if err != nil {
		t.Fatalf("complete mockup: %v", err)
	}

	if updated.Status != persistence.StatusWithClient {
		t.Fatalf("expected original at with_client, got %q", updated.Status)
	}
	if updated.DesignState != persistence.DesignReturned {
		t.Fatalf("expected design overlay returned, got %q", updated.DesignState)
	}
	if updated.CompletedByDsgn != "designer-1" {
		t.Fatalf("expected designer recorded, got %q", updated.CompletedByDsgn)
	}

	if clone.Status != persistence.StatusTodo {
		t.Fatalf("expected clone at todo, got %q", clone.Status)
	}
	if clone.ClonedFromID != original.ID {
		t.Fatalf("expected clone lineage to original, got %q", clone.ClonedFromID)
	}
	if clone.AssignedTo != "estimator-1" {
		t.Fatalf("expected clone owned by original estimator, got %q", clone.AssignedTo)
	}
	if clone.AdminRemarks != "done" {
		t.Fatalf("expected remarks on clone, got %q", clone.AdminRemarks)
	}

	products, err := store.ListProductLines(ctx, clone.ID)
	if err != nil {
		t.Fatalf("list clone products: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("expected 2 product lines copied, got %d", len(products))
	}
	for _, p := range products {
		if p.ApprovalStatus != "pending" {
			t.Fatalf("expected pending approval, got %q", p.ApprovalStatus)
		}
	}
}

func TestCompleteMockupMissingTask(t *testing.T) {
	engine, _, _ := newTestEngine(t, true)
	_, _, err := engine.CompleteMockup(context.Background(), "missing", "designer-1", "")
	if !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCompleteMockupSkipsSelfTransition(t *testing.T) {
	engine, store, _ := newTestEngine(t, true)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.NewTask{Title: "revised banner", CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.ChangeStatus(ctx, task.ID, nil, persistence.StatusWithClient); err != nil {
		t.Fatalf("move to with_client: %v", err)
	}

	updated, clone, err := engine.CompleteMockup(ctx, task.ID, "designer-1", "second round")
	if err != nil {
		t.Fatalf("complete mockup: %v", err)
	}
	if updated.Status != persistence.StatusWithClient || clone == nil {
		t.Fatalf("unexpected result: %+v", updated)
	}
	if updated.DesignState != persistence.DesignReturned {
		t.Fatalf("expected design returned, got %q", updated.DesignState)
	}

	entries, err := store.ListAuditEntries(ctx, task.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	moves := 0
	for _, e := range entries {
		if e.Action == persistence.ActionStatusChanged {
			moves++
		}
	}
	// Only the explicit move above; no with_client -> with_client self-move.
	if moves != 1 {
		t.Fatalf("expected one status change in the trail, got %d: %+v", moves, entries)
	}
}
