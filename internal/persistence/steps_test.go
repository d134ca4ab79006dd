package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/opspipe/internal/persistence"
)

func seedProductionTask(t *testing.T, store *persistence.Store) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), persistence.NewTask{
		Title:     "fabrication order",
		Type:      persistence.TypeProduction,
		Status:    persistence.StatusProduction,
		CreatedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("create production task: %v", err)
	}
	return task
}

func TestReplaceStepsNumbersFromSlicePosition(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := seedProductionTask(t, store)

	steps, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, SupplierName: "CutCo"},
		{StepType: persistence.StepSupplierToSupplier, SupplierName: "WeldCo",
			OriginSupplier: "CutCo", OriginAddress: "4 Forge St"},
		{StepType: persistence.StepDeliverToClient, LocationAddress: "12 Mill Rd"},
	}, false)
	if err != nil {
		t.Fatalf("replace steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, st := range steps {
		if st.StepOrder != i {
			t.Fatalf("step %d has order %d", i, st.StepOrder)
		}
		if st.Status != persistence.StepPending {
			t.Fatalf("expected pending, got %q", st.Status)
		}
	}
	if steps[1].OriginSupplier != "CutCo" || steps[1].OriginAddress != "4 Forge St" {
		t.Fatalf("expected explicit transfer origin, got %+v", steps[1])
	}
}

func TestReplaceStepsReplaceAllDiscardsEverything(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := seedProductionTask(t, store)

	first, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, SupplierName: "CutCo"},
		{StepType: persistence.StepDeliverToClient},
	}, false)
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if _, err := store.CompleteStep(ctx, first[0].ID, "worker-1"); err != nil {
		t.Fatalf("complete first step: %v", err)
	}

	second, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, SupplierName: "LaserCo"},
	}, false)
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected completed step discarded, got %d steps", len(second))
	}
	if second[0].SupplierName != "LaserCo" || second[0].StepOrder != 0 {
		t.Fatalf("expected fresh numbering, got %+v", second[0])
	}
}

func TestReplaceStepsPreserveCompletedRenumbersAfter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := seedProductionTask(t, store)

	first, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, SupplierName: "CutCo"},
		{StepType: persistence.StepDeliverToSupplier, SupplierName: "WeldCo"},
	}, false)
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if _, err := store.CompleteStep(ctx, first[0].ID, "worker-1"); err != nil {
		t.Fatalf("complete collect step: %v", err)
	}

	second, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepSupplierToSupplier, SupplierName: "PaintCo", OriginSupplier: "WeldCo"},
		{StepType: persistence.StepDeliverToClient},
	}, true)
	if err != nil {
		t.Fatalf("preserve replace: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("expected completed step + 2 new, got %d", len(second))
	}
	if second[0].Status != persistence.StepCompleted || second[0].SupplierName != "CutCo" {
		t.Fatalf("expected completed collect preserved first, got %+v", second[0])
	}
	if second[1].StepOrder != 1 || second[2].StepOrder != 2 {
		t.Fatalf("expected new steps renumbered after preserved block: %d, %d",
			second[1].StepOrder, second[2].StepOrder)
	}
}

func TestCompleteStepIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := seedProductionTask(t, store)

	steps, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepDeliverToClient},
	}, false)
	if err != nil {
		t.Fatalf("replace steps: %v", err)
	}

	done, err := store.CompleteStep(ctx, steps[0].ID, "worker-1")
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if done.Status != persistence.StepCompleted || done.CompletedBy != "worker-1" || done.CompletedAt == nil {
		t.Fatalf("expected completed step, got %+v", done)
	}
	firstStamp := *done.CompletedAt

	repeat, err := store.CompleteStep(ctx, steps[0].ID, "worker-2")
	if !errors.Is(err, persistence.ErrStepAlreadyCompleted) {
		t.Fatalf("expected ErrStepAlreadyCompleted, got %v", err)
	}
	if repeat.CompletedBy != "worker-1" {
		t.Fatalf("expected completed_by to keep first value, got %q", repeat.CompletedBy)
	}
	if !repeat.CompletedAt.Equal(firstStamp) {
		t.Fatalf("expected completed_at unchanged: %v vs %v", repeat.CompletedAt, firstStamp)
	}

	if _, err := store.CompleteStep(ctx, "missing-step", "worker-1"); !errors.Is(err, persistence.ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
}

func TestOperationsBoardDerivesGoodsLocation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := seedProductionTask(t, store)

	steps, err := store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, SupplierName: "CutCo"},
		{StepType: persistence.StepSupplierToSupplier, SupplierName: "WeldCo", OriginSupplier: "CutCo"},
		{StepType: persistence.StepDeliverToClient},
	}, false)
	if err != nil {
		t.Fatalf("replace steps: %v", err)
	}

	board, err := store.OperationsBoard(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board) != 1 {
		t.Fatalf("expected 1 board row, got %d", len(board))
	}
	if board[0].GoodsLocation != "with_us" {
		t.Fatalf("expected goods with_us before any completion, got %q", board[0].GoodsLocation)
	}
	if board[0].NextStep == nil || board[0].NextStep.StepType != persistence.StepCollect {
		t.Fatalf("expected collect as next step")
	}

	if _, err := store.CompleteStep(ctx, steps[0].ID, "worker-1"); err != nil {
		t.Fatalf("complete collect: %v", err)
	}
	if _, err := store.CompleteStep(ctx, steps[1].ID, "worker-1"); err != nil {
		t.Fatalf("complete transfer: %v", err)
	}

	board, err = store.OperationsBoard(ctx)
	if err != nil {
		t.Fatalf("board after transfer: %v", err)
	}
	// A completed supplier-to-supplier transfer places goods at its
	// destination, derived at query time.
	if board[0].GoodsLocation != "WeldCo" {
		t.Fatalf("expected goods at WeldCo, got %q", board[0].GoodsLocation)
	}
	if board[0].PendingSteps != 1 || board[0].NextStep.StepType != persistence.StepDeliverToClient {
		t.Fatalf("expected delivery remaining, got %+v", board[0])
	}
}
