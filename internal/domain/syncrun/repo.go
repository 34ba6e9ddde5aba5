package syncrun

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("run not found")
	ErrRunInProgress = errors.New("a run is already in progress")
)

type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	Update(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
}

type CrosswalkRepository interface {
	// Lookup returns EHR id -> CRM id for one CRM object type.
	Lookup(ctx context.Context, object string) (map[string]string, error)
	Upsert(ctx context.Context, e *CrosswalkEntry) error
}
