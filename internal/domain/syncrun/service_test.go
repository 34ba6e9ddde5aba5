package syncrun

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type failingRunRepo struct {
	*MemoryRunRepo
	createErr error
	updateErr error
}

func (f *failingRunRepo) Create(ctx context.Context, r *Run) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryRunRepo.Create(ctx, r)
}

func (f *failingRunRepo) Update(ctx context.Context, r *Run) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.MemoryRunRepo.Update(ctx, r)
}

func newTestService() *Service {
	return NewService(NewMemoryRunRepo(), zerolog.Nop())
}

func TestService_BeginComplete(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	run, err := svc.Begin(ctx, "org-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != StatusRunning {
		t.Errorf("expected running, got %s", run.Status)
	}
	if id, ok := svc.Active(); !ok || id != run.ID {
		t.Errorf("expected %s active, got %s", run.ID, id)
	}

	run.AddStep(Step{Object: "Account", Attempted: 1, Succeeded: 1})
	if err := svc.Complete(ctx, run, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.Active(); ok {
		t.Error("expected slot to be released")
	}

	stored, err := svc.Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusSucceeded || stored.FinishedAt == nil {
		t.Errorf("expected succeeded with finish time, got %+v", stored)
	}
	if len(stored.Steps) != 1 {
		t.Errorf("expected 1 step persisted, got %d", len(stored.Steps))
	}
}

func TestService_OneRunAtATime(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first, err := svc.Begin(ctx, "org-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Begin(ctx, "org-1", true); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	_ = svc.Complete(ctx, first, errors.New("extract failed"))
	if _, err := svc.Begin(ctx, "org-1", false); err != nil {
		t.Errorf("expected a new run after completion, got %v", err)
	}

	stored, _ := svc.Get(ctx, first.ID)
	if stored.Status != StatusFailed || stored.Error != "extract failed" {
		t.Errorf("expected failed run with error, got %+v", stored)
	}
}

func TestService_BeginCreateFailureKeepsSlotFree(t *testing.T) {
	svc := NewService(&failingRunRepo{MemoryRunRepo: NewMemoryRunRepo(), createErr: errors.New("db down")}, zerolog.Nop())

	if _, err := svc.Begin(context.Background(), "org-1", false); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := svc.Active(); ok {
		t.Error("expected no active run")
	}
}

func TestService_CompleteReleasesOnUpdateFailure(t *testing.T) {
	repo := &failingRunRepo{MemoryRunRepo: NewMemoryRunRepo()}
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()

	run, err := svc.Begin(ctx, "org-1", false)
	if err != nil {
		t.Fatal(err)
	}
	repo.updateErr = errors.New("db down")
	if err := svc.Complete(ctx, run, nil); err == nil {
		t.Error("expected update error")
	}
	if _, ok := svc.Active(); ok {
		t.Error("expected slot to be released")
	}
}

func TestService_GetNotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
