package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Queryable is satisfied by *pgxpool.Pool and pgx.Tx.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// =========== Run Repository ===========

type runRepoPG struct{ db Queryable }

func NewRunRepoPG(db Queryable) RunRepository { return &runRepoPG{db: db} }

const runCols = `id, organization_id, status, dry_run, started_at, finished_at, steps, error`

func (r *runRepoPG) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var status string
	var steps []byte
	var errText *string
	if err := row.Scan(&run.ID, &run.OrganizationID, &status, &run.DryRun,
		&run.StartedAt, &run.FinishedAt, &steps, &errText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	run.Status = Status(status)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of run %s: %w", run.ID, err)
		}
	}
	if errText != nil {
		run.Error = *errText
	}
	return &run, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	steps, err := json.Marshal(stepsOrEmpty(run.Steps))
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO sync_run (id, organization_id, status, dry_run, started_at, finished_at, steps, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.OrganizationID, string(run.Status), run.DryRun, run.StartedAt, run.FinishedAt, steps, nullable(run.Error))
	return err
}

func (r *runRepoPG) Update(ctx context.Context, run *Run) error {
	steps, err := json.Marshal(stepsOrEmpty(run.Steps))
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_run SET status=$2, finished_at=$3, steps=$4, error=$5
		WHERE id = $1`,
		run.ID, string(run.Status), run.FinishedAt, steps, nullable(run.Error))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.db.QueryRow(ctx, `SELECT `+runCols+` FROM sync_run WHERE id = $1`, id))
}

func (r *runRepoPG) List(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM sync_run`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+runCols+` FROM sync_run ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}

func stepsOrEmpty(steps []Step) []Step {
	if steps == nil {
		return []Step{}
	}
	return steps
}

// =========== Crosswalk Repository ===========

type crosswalkRepoPG struct{ db Queryable }

func NewCrosswalkRepoPG(db Queryable) CrosswalkRepository { return &crosswalkRepoPG{db: db} }

func (r *crosswalkRepoPG) Lookup(ctx context.Context, object string) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT ehr_id, crm_id FROM crm_crosswalk WHERE object = $1`, object)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var ehrID, crmID string
		if err := rows.Scan(&ehrID, &crmID); err != nil {
			return nil, err
		}
		out[ehrID] = crmID
	}
	return out, rows.Err()
}

func (r *crosswalkRepoPG) Upsert(ctx context.Context, e *CrosswalkEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO crm_crosswalk (object, ehr_id, crm_id, run_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (object, ehr_id) DO UPDATE SET crm_id = EXCLUDED.crm_id, run_id = EXCLUDED.run_id`,
		e.Object, e.EHRID, e.CRMID, e.RunID)
	return err
}
