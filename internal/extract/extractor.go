package extract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ehr2crm/internal/fhir"
)

// Source is the subset of the FHIR client the extractor reads from.
type Source interface {
	Locations(ctx context.Context, orgID string) ([]fhir.Location, error)
	PractitionerRoles(ctx context.Context, orgID string) ([]fhir.PractitionerRole, error)
	Practitioner(ctx context.Context, id string) (*fhir.Practitioner, error)
	Patients(ctx context.Context, orgID string) ([]fhir.Patient, error)
	Appointments(ctx context.Context, orgID string) ([]fhir.Appointment, error)
}

type Extractor struct {
	src         Source
	concurrency int
	logger      zerolog.Logger
}

func NewExtractor(src Source, concurrency int, logger zerolog.Logger) *Extractor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Extractor{src: src, concurrency: concurrency, logger: logger}
}

// All extracts locations, providers, patients and appointments in that
// order. The first API failure aborts the extraction.
func (e *Extractor) All(ctx context.Context, orgID string) (*Dataset, error) {
	ds := &Dataset{OrganizationID: orgID}
	var err error

	if ds.Locations, err = e.Locations(ctx, orgID); err != nil {
		return nil, err
	}
	if ds.Providers, err = e.Providers(ctx, orgID); err != nil {
		return nil, err
	}
	if ds.Patients, err = e.Patients(ctx, orgID); err != nil {
		return nil, err
	}
	if ds.Appointments, err = e.Appointments(ctx, orgID); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("organization_id", orgID).
		Int("locations", len(ds.Locations)).
		Int("providers", len(ds.Providers)).
		Int("patients", len(ds.Patients)).
		Int("appointments", len(ds.Appointments)).
		Msg("extraction complete")
	return ds, nil
}

func (e *Extractor) Locations(ctx context.Context, orgID string) ([]Location, error) {
	locs, err := e.src.Locations(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("extract locations: %w", err)
	}
	rows := make([]Location, 0, len(locs))
	for _, l := range locs {
		rows = append(rows, FlattenLocation(l))
	}
	e.logger.Debug().Int("count", len(rows)).Msg("locations extracted")
	return rows, nil
}

// Providers resolves every role's practitioner concurrently. Output keeps
// role order; roles without a practitioner reference are dropped.
func (e *Extractor) Providers(ctx context.Context, orgID string) ([]Provider, error) {
	roles, err := e.src.PractitionerRoles(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("extract practitioner roles: %w", err)
	}

	var withRef []fhir.PractitionerRole
	for _, r := range roles {
		if r.Practitioner == nil || fhir.ReferenceID(r.Practitioner.Reference) == "" {
			e.logger.Warn().Str("role_id", r.ID).Msg("practitioner role has no practitioner reference, skipping")
			continue
		}
		withRef = append(withRef, r)
	}

	rows := make([]Provider, len(withRef))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, role := range withRef {
		g.Go(func() error {
			id := fhir.ReferenceID(role.Practitioner.Reference)
			p, err := e.src.Practitioner(gctx, id)
			if err != nil {
				return fmt.Errorf("extract practitioner %s: %w", id, err)
			}
			rows[i] = FlattenProvider(role, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug().Int("count", len(rows)).Int("roles", len(roles)).Msg("providers extracted")
	return rows, nil
}

func (e *Extractor) Patients(ctx context.Context, orgID string) ([]Patient, error) {
	pats, err := e.src.Patients(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("extract patients: %w", err)
	}
	rows := make([]Patient, 0, len(pats))
	for _, p := range pats {
		rows = append(rows, FlattenPatient(p))
	}
	e.logger.Debug().Int("count", len(rows)).Msg("patients extracted")
	return rows, nil
}

func (e *Extractor) Appointments(ctx context.Context, orgID string) ([]Appointment, error) {
	appts, err := e.src.Appointments(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("extract appointments: %w", err)
	}
	rows := make([]Appointment, 0, len(appts))
	for _, a := range appts {
		rows = append(rows, FlattenAppointment(a))
	}
	e.logger.Debug().Int("count", len(rows)).Msg("appointments extracted")
	return rows, nil
}
