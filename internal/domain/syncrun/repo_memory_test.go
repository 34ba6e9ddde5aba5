package syncrun

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryRunRepo_ListNewestFirst(t *testing.T) {
	repo := NewMemoryRunRepo()
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		r := &Run{Status: StatusRunning}
		if err := repo.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
	}

	items, total, err := repo.List(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].ID != ids[2] {
		t.Errorf("expected newest run first")
	}

	items, _, _ = repo.List(ctx, 10, 5)
	if len(items) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(items))
	}
}

func TestMemoryRunRepo_UpdateDoesNotAlias(t *testing.T) {
	repo := NewMemoryRunRepo()
	ctx := context.Background()
	r := &Run{Status: StatusRunning}
	_ = repo.Create(ctx, r)

	r.AddStep(Step{Object: "Account", Succeeded: 1})
	if err := repo.Update(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Steps[0].Succeeded = 99

	got, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Steps[0].Succeeded != 1 {
		t.Errorf("expected stored step to be a copy, got %d", got.Steps[0].Succeeded)
	}

	if err := repo.Update(ctx, &Run{ID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCrosswalkRepo(t *testing.T) {
	repo := NewMemoryCrosswalkRepo()
	ctx := context.Background()
	_ = repo.Upsert(ctx, &CrosswalkEntry{Object: "User", EHRID: "a@x.test", CRMID: "005A"})
	_ = repo.Upsert(ctx, &CrosswalkEntry{Object: "User", EHRID: "a@x.test", CRMID: "005B"})
	_ = repo.Upsert(ctx, &CrosswalkEntry{Object: "Account", EHRID: "p1", CRMID: "001A"})

	users, _ := repo.Lookup(ctx, "User")
	if len(users) != 1 || users["a@x.test"] != "005B" {
		t.Errorf("expected upsert to replace, got %v", users)
	}
	if empty, _ := repo.Lookup(ctx, "WorkType"); len(empty) != 0 {
		t.Errorf("expected empty map, got %v", empty)
	}
}
