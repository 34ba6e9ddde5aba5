package load

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/crm"
)

const (
	ModeREST       = "rest"
	ModeCollection = "collection"
)

// Keyed records expose the EHR identifier they were built from.
type Keyed interface {
	ExternalID() string
}

// Creator is the CRM write surface the loader needs.
type Creator interface {
	Create(ctx context.Context, sobject string, record any) (string, error)
	CreateCollection(ctx context.Context, sobject string, records []any, allOrNone bool) ([]crm.SaveResult, error)
}

// Crosswalk remembers which EHR ids already have CRM records.
type Crosswalk interface {
	Lookup(ctx context.Context, object string) (map[string]string, error)
	Remember(ctx context.Context, object, ehrID, crmID string) error
}

type Success[T any] struct {
	Index  int
	ID     string
	Record T
}

type Failure[T any] struct {
	Index  int
	Record T
	Err    error
}

// Result collects the outcome of loading one object type.
type Result[T any] struct {
	Object    string
	Attempted int
	Successes []Success[T]
	Failures  []Failure[T]
	// Existing holds records skipped because the crosswalk already knew
	// their CRM id.
	Existing []Success[T]
}

// IDs maps external id to CRM id for created and pre-existing records.
func (r *Result[T]) IDs(key func(T) string) map[string]string {
	out := make(map[string]string, len(r.Successes)+len(r.Existing))
	for _, s := range r.Existing {
		out[key(s.Record)] = s.ID
	}
	for _, s := range r.Successes {
		out[key(s.Record)] = s.ID
	}
	return out
}

type Loader struct {
	crm          Creator
	mode         string
	crosswalk    Crosswalk
	skipExisting bool
	logger       zerolog.Logger
}

type Option func(*Loader)

// WithMode selects one create per record (ModeREST) or batched
// collection creates (ModeCollection).
func WithMode(mode string) Option { return func(l *Loader) { l.mode = mode } }

// WithCrosswalk records every created id. When skipExisting is set,
// records already in the crosswalk are not sent again.
func WithCrosswalk(cw Crosswalk, skipExisting bool) Option {
	return func(l *Loader) {
		l.crosswalk = cw
		l.skipExisting = skipExisting
	}
}

func WithLogger(logger zerolog.Logger) Option { return func(l *Loader) { l.logger = logger } }

func NewLoader(c Creator, opts ...Option) *Loader {
	l := &Loader{crm: c, mode: ModeREST, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load creates records of one sobject type. Per-record failures are
// collected and never stop the loop; only context cancellation (or a
// crosswalk lookup failure) is returned as an error, together with the
// partial result.
func Load[T Keyed](ctx context.Context, l *Loader, sobject string, records []T) (*Result[T], error) {
	res := &Result[T]{Object: sobject}
	if len(records) == 0 {
		return res, nil
	}

	type pending struct {
		index  int
		record T
	}
	todo := make([]pending, 0, len(records))

	var known map[string]string
	if l.crosswalk != nil && l.skipExisting {
		var err error
		if known, err = l.crosswalk.Lookup(ctx, sobject); err != nil {
			return res, fmt.Errorf("crosswalk lookup %s: %w", sobject, err)
		}
	}
	for i, r := range records {
		if id, ok := known[r.ExternalID()]; ok && r.ExternalID() != "" {
			res.Existing = append(res.Existing, Success[T]{Index: i, ID: id, Record: r})
			continue
		}
		todo = append(todo, pending{index: i, record: r})
	}
	res.Attempted = len(todo)

	logger := l.logger.With().Str("object", sobject).Str("mode", l.mode).Logger()
	logger.Info().Int("records", len(todo)).Int("existing", len(res.Existing)).Msg("loading")

	succeed := func(p pending, id string) {
		res.Successes = append(res.Successes, Success[T]{Index: p.index, ID: id, Record: p.record})
		if l.crosswalk != nil && p.record.ExternalID() != "" {
			if err := l.crosswalk.Remember(ctx, sobject, p.record.ExternalID(), id); err != nil {
				logger.Warn().Err(err).Str("ehr_id", p.record.ExternalID()).Msg("crosswalk write failed")
			}
		}
	}
	fail := func(p pending, err error) {
		res.Failures = append(res.Failures, Failure[T]{Index: p.index, Record: p.record, Err: err})
		logger.Warn().Err(err).Int("index", p.index).Str("ehr_id", p.record.ExternalID()).Msg("record failed")
	}

	switch l.mode {
	case ModeCollection:
		batch := make([]any, len(todo))
		for i, p := range todo {
			batch[i] = p.record
		}
		results, err := l.crm.CreateCollection(ctx, sobject, batch, false)
		for i, r := range results {
			if r.Success {
				succeed(todo[i], r.ID)
			} else {
				fail(todo[i], r.Err())
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			for _, p := range todo[len(results):] {
				fail(p, err)
			}
		}
	default:
		for _, p := range todo {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			id, err := l.crm.Create(ctx, sobject, p.record)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				fail(p, err)
				continue
			}
			succeed(p, id)
		}
	}

	logger.Info().
		Int("succeeded", len(res.Successes)).
		Int("failed", len(res.Failures)).
		Msg("load complete")
	return res, nil
}
