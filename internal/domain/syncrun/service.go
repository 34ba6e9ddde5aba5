package syncrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service records runs in the ledger and allows one active run at a time.
type Service struct {
	runs   RunRepository
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active *uuid.UUID
}

func NewService(runs RunRepository, logger zerolog.Logger) *Service {
	return &Service{runs: runs, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Begin claims the run slot and records a new running run. It returns
// ErrRunInProgress while another run is active.
func (s *Service) Begin(ctx context.Context, organizationID string, dryRun bool) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, s.active)
	}

	run := &Run{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		Status:         StatusRunning,
		DryRun:         dryRun,
		StartedAt:      s.now(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	id := run.ID
	s.active = &id
	s.logger.Info().Str("run_id", id.String()).Str("org", organizationID).Bool("dry_run", dryRun).Msg("run started")
	return run, nil
}

// Complete marks run succeeded or failed, persists it and releases the
// slot. The slot is released even when persisting fails.
func (s *Service) Complete(ctx context.Context, run *Run, runErr error) error {
	defer s.release(run.ID)

	finished := s.now()
	run.FinishedAt = &finished
	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = StatusSucceeded
	}

	totals := run.Totals()
	s.logger.Info().
		Str("run_id", run.ID.String()).
		Str("status", string(run.Status)).
		Int("succeeded", totals.Succeeded).
		Int("failed", totals.Failed).
		Int("skipped", totals.Skipped).
		Dur("duration", finished.Sub(run.StartedAt)).
		Msg("run finished")

	if err := s.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && *s.active == id {
		s.active = nil
	}
}

// Active returns the id of the running run, if any.
func (s *Service) Active() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return uuid.Nil, false
	}
	return *s.active, true
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	return s.runs.List(ctx, limit, offset)
}
