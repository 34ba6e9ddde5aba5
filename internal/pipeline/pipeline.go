// Package pipeline runs the fixed EHR to CRM sync: extract, transform, and
// load in dependency order, rebuilding the CRM id maps between loads.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/crm"
	"github.com/ehr/ehr2crm/internal/domain/syncrun"
	"github.com/ehr/ehr2crm/internal/extract"
	"github.com/ehr/ehr2crm/internal/idmap"
	"github.com/ehr/ehr2crm/internal/load"
	"github.com/ehr/ehr2crm/internal/platform/blobstore"
	"github.com/ehr/ehr2crm/internal/platform/metrics"
	"github.com/ehr/ehr2crm/internal/platform/notify"
	"github.com/ehr/ehr2crm/internal/transform"
)

// CRM object API names, in load order.
const (
	ObjectServiceTerritory   = "ServiceTerritory"
	ObjectUser               = "User"
	ObjectAccount            = "Account"
	ObjectWorkType           = "WorkType"
	ObjectServiceResource    = "ServiceResource"
	ObjectServiceAppointment = "ServiceAppointment"
)

const (
	ArtifactExtract = "extract.json"
	ArtifactReport  = "report.json"
)

// CRM is the CRM surface the pipeline writes to and reads id maps from.
type CRM interface {
	Create(ctx context.Context, sobject string, record any) (string, error)
	CreateCollection(ctx context.Context, sobject string, records []any, allOrNone bool) ([]crm.SaveResult, error)
	Query(ctx context.Context, soql string) ([]crm.Record, error)
}

// Notifier delivers the finished run report.
type Notifier interface {
	Send(ctx context.Context, eventType string, data any) (*notify.Delivery, error)
}

// Options are the per-deployment run settings.
type Options struct {
	OrganizationID string
	DryRun         bool
	LoadMode       string
	// SkipExisting skips records whose EHR id is already in the crosswalk.
	SkipExisting bool
}

type Pipeline struct {
	extractor   *extract.Extractor
	transformer *transform.Transformer
	crm         CRM
	ledger      *syncrun.Service
	opts        Options

	crosswalk syncrun.CrosswalkRepository
	archive   blobstore.Store
	metrics   *metrics.Recorder
	notifier  Notifier
	logger    zerolog.Logger
}

type Option func(*Pipeline)

func WithCrosswalk(repo syncrun.CrosswalkRepository) Option {
	return func(p *Pipeline) { p.crosswalk = repo }
}

func WithArchive(store blobstore.Store) Option {
	return func(p *Pipeline) { p.archive = store }
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = rec }
}

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func New(ex *extract.Extractor, tr *transform.Transformer, c CRM, ledger *syncrun.Service, opts Options, options ...Option) *Pipeline {
	if opts.LoadMode == "" {
		opts.LoadMode = load.ModeREST
	}
	p := &Pipeline{
		extractor:   ex,
		transformer: tr,
		crm:         c,
		ledger:      ledger,
		opts:        opts,
		logger:      zerolog.Nop(),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Run executes one sync synchronously. The returned run is recorded in the
// ledger whether or not an error is returned.
func (p *Pipeline) Run(ctx context.Context) (*syncrun.Run, error) {
	run, err := p.ledger.Begin(ctx, p.opts.OrganizationID, p.opts.DryRun)
	if err != nil {
		return nil, err
	}
	return run, p.execute(ctx, run)
}

// Launch records a run and executes it in the background. The returned
// run is a snapshot taken before execution starts.
func (p *Pipeline) Launch(ctx context.Context, dryRun bool) (*syncrun.Run, error) {
	run, err := p.ledger.Begin(ctx, p.opts.OrganizationID, dryRun || p.opts.DryRun)
	if err != nil {
		return nil, err
	}
	snapshot := *run
	go func() {
		_ = p.execute(context.WithoutCancel(ctx), run)
	}()
	return &snapshot, nil
}

func (p *Pipeline) execute(ctx context.Context, run *syncrun.Run) error {
	logger := p.logger.With().Str("run_id", run.ID.String()).Logger()

	ds, err := p.stages(ctx, run, logger)
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
	}

	// Bookkeeping must happen even when the run was canceled.
	bg := context.WithoutCancel(ctx)
	if cerr := p.ledger.Complete(bg, run, err); cerr != nil {
		logger.Error().Err(cerr).Msg("failed to record run")
	}
	p.publish(bg, run, ds, logger)
	return err
}

func (p *Pipeline) stages(ctx context.Context, run *syncrun.Run, logger zerolog.Logger) (*extract.Dataset, error) {
	org := run.OrganizationID
	tr := p.transformer

	// EXTRACT
	ds, err := p.extractor.All(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	p.metrics.Extracted("locations", len(ds.Locations))
	p.metrics.Extracted("providers", len(ds.Providers))
	p.metrics.Extracted("patients", len(ds.Patients))
	p.metrics.Extracted("appointments", len(ds.Appointments))

	// TRANSFORM 1
	territories := tr.Territories(ds.Locations)
	workTypes := tr.WorkTypes()
	users := tr.Users(ds.Providers)
	accounts := tr.Accounts(ds.Patients)

	loader := p.loader(run, logger)

	// LOAD 1
	if _, err := loadStep(ctx, p, loader, run, ObjectServiceTerritory, territories, 0); err != nil {
		return ds, err
	}
	userRes, err := loadStep(ctx, p, loader, run, ObjectUser, users, 0)
	if err != nil {
		return ds, err
	}
	if _, err := loadStep(ctx, p, loader, run, ObjectAccount, accounts, 0); err != nil {
		return ds, err
	}
	if _, err := loadStep(ctx, p, loader, run, ObjectWorkType, workTypes, 0); err != nil {
		return ds, err
	}

	// MAP
	userIDByEmail := userRes.IDs(func(u transform.User) string { return u.Email })

	// TRANSFORM/LOAD 2
	resources, unmappedResources := tr.ServiceResources(ds.Providers, userIDByEmail)
	if _, err := loadStep(ctx, p, loader, run, ObjectServiceResource, resources, unmappedResources); err != nil {
		return ds, err
	}

	// final MAP
	maps := idmap.Empty()
	if !run.DryRun {
		if maps, err = idmap.Build(ctx, p.crm, logger); err != nil {
			return ds, fmt.Errorf("build id maps: %w", err)
		}
	}

	// TRANSFORM/LOAD 3
	appts, unmappedAppts := tr.ServiceAppointments(ds.Appointments, maps)
	if _, err := loadStep(ctx, p, loader, run, ObjectServiceAppointment, appts, unmappedAppts); err != nil {
		return ds, err
	}
	return ds, nil
}

func (p *Pipeline) loader(run *syncrun.Run, logger zerolog.Logger) *load.Loader {
	opts := []load.Option{load.WithMode(p.opts.LoadMode), load.WithLogger(logger)}
	if p.crosswalk != nil {
		opts = append(opts, load.WithCrosswalk(runCrosswalk{repo: p.crosswalk, runID: run.ID}, p.opts.SkipExisting))
	}
	return load.NewLoader(p.crm, opts...)
}

// loadStep validates records, loads them unless the run is dry, and adds
// the step report to run. Records dropped for missing references are
// passed in as unmapped and reported as skipped.
func loadStep[T load.Keyed](ctx context.Context, p *Pipeline, loader *load.Loader, run *syncrun.Run, object string, records []T, unmapped int) (*load.Result[T], error) {
	valid, invalid := transform.Validate(records)
	for _, inv := range invalid {
		p.logger.Warn().
			Str("run_id", run.ID.String()).
			Str("object", object).
			Str("ehr_id", inv.Record.ExternalID()).
			Err(inv.Err).
			Msg("record failed validation, skipped")
	}

	step := syncrun.Step{Object: object, Planned: len(valid), Skipped: unmapped + len(invalid)}
	p.metrics.Skipped(object, step.Skipped)

	if run.DryRun {
		run.AddStep(step)
		return &load.Result[T]{Object: object}, nil
	}

	res, err := load.Load(ctx, loader, object, valid)
	step.Attempted = res.Attempted
	step.Succeeded = len(res.Successes)
	step.Existing = len(res.Existing)
	for _, f := range res.Failures {
		step.AddFailure(syncrun.FailureRecord{Index: f.Index, ExternalID: f.Record.ExternalID(), Error: f.Err.Error()})
	}
	run.AddStep(step)
	p.metrics.Loaded(object, step.Succeeded, step.Failed)

	if err != nil {
		return res, fmt.Errorf("load %s: %w", object, err)
	}
	return res, nil
}

func (p *Pipeline) publish(ctx context.Context, run *syncrun.Run, ds *extract.Dataset, logger zerolog.Logger) {
	if run.FinishedAt != nil {
		p.metrics.RunFinished(string(run.Status), run.StartedAt, *run.FinishedAt)
	}

	if p.archive != nil {
		if ds != nil {
			p.store(ctx, run.ID, ArtifactExtract, ds, logger)
		}
		p.store(ctx, run.ID, ArtifactReport, run, logger)
	}

	if p.notifier != nil {
		if _, err := p.notifier.Send(ctx, notify.EventRunCompleted, run); err != nil {
			logger.Warn().Err(err).Msg("run notification failed")
		}
	}
}

func (p *Pipeline) store(ctx context.Context, runID uuid.UUID, name string, v any, logger zerolog.Logger) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Warn().Err(err).Str("artifact", name).Msg("encode artifact")
		return
	}
	if _, err := p.archive.Put(ctx, blobstore.RunKey(runID.String(), name), "application/json", data); err != nil {
		logger.Warn().Err(err).Str("artifact", name).Msg("archive artifact")
	}
}

// runCrosswalk binds the crosswalk repository to the current run.
type runCrosswalk struct {
	repo  syncrun.CrosswalkRepository
	runID uuid.UUID
}

func (c runCrosswalk) Lookup(ctx context.Context, object string) (map[string]string, error) {
	return c.repo.Lookup(ctx, object)
}

func (c runCrosswalk) Remember(ctx context.Context, object, ehrID, crmID string) error {
	return c.repo.Upsert(ctx, &syncrun.CrosswalkEntry{Object: object, EHRID: ehrID, CRMID: crmID, RunID: c.runID})
}
