package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/ehr2crm/internal/fhir"
	"github.com/ehr/ehr2crm/internal/transform"
)

// Writer creates FHIR resources. *fhir.Client satisfies it.
type Writer interface {
	CreateOrganization(ctx context.Context, org *fhir.Organization) (*fhir.Organization, error)
	CreateLocation(ctx context.Context, loc *fhir.Location) (*fhir.Location, error)
	CreatePractitioner(ctx context.Context, p *fhir.Practitioner) (*fhir.Practitioner, error)
	CreatePractitionerRole(ctx context.Context, r *fhir.PractitionerRole) (*fhir.PractitionerRole, error)
	CreatePatient(ctx context.Context, p *fhir.Patient) (*fhir.Patient, error)
	CreateAppointment(ctx context.Context, a *fhir.Appointment) (*fhir.Appointment, error)
}

// Config controls the volume and shape of the seeded data.
type Config struct {
	// OrganizationID reuses an existing organization instead of creating
	// the demo one.
	OrganizationID string
	Patients       int
	Appointments   int
	Seed           int64
	// Now splits past from future appointments.
	Now time.Time
	// From and To bound appointment dates.
	From time.Time
	To   time.Time
	// RatePerSecond throttles patient and appointment posts; zero disables.
	RatePerSecond float64
}

func DefaultConfig() Config {
	now := time.Now().UTC()
	return Config{
		Patients:      50,
		Appointments:  500,
		Seed:          now.UnixNano(),
		Now:           now,
		From:          now.AddDate(0, -9, 0),
		To:            now.AddDate(0, 9, 0),
		RatePerSecond: 2,
	}
}

// Failure is one resource the EHR rejected.
type Failure struct {
	Resource string `json:"resource"`
	Index    int    `json:"index"`
	Error    string `json:"error"`
}

// Result summarizes a seed operation.
type Result struct {
	OrganizationID string        `json:"organization_id"`
	LocationID     string        `json:"location_id"`
	PractitionerID string        `json:"practitioner_id"`
	RoleID         string        `json:"role_id"`
	PatientIDs     []string      `json:"patient_ids"`
	AppointmentIDs []string      `json:"appointment_ids"`
	Failures       []Failure     `json:"failures,omitempty"`
	Duration       time.Duration `json:"duration"`
}

type Seeder struct {
	w       Writer
	cfg     Config
	gen     *DataGenerator
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewSeeder(w Writer, cat *transform.Catalog, cfg Config, logger zerolog.Logger) *Seeder {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}
	if cfg.From.IsZero() {
		cfg.From = cfg.Now.AddDate(0, -9, 0)
	}
	if cfg.To.IsZero() || cfg.To.Before(cfg.From) {
		cfg.To = cfg.From.AddDate(0, 18, 0)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Seeder{
		w:       w,
		cfg:     cfg,
		gen:     NewDataGenerator(cfg.Seed, cfg.Now, cat),
		limiter: limiter,
		logger:  logger,
	}
}

// Run creates the demo practice, then the patients, then the appointments.
// The practice resources are required; patient and appointment failures
// are collected and seeding continues.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	res := &Result{OrganizationID: s.cfg.OrganizationID}

	if res.OrganizationID == "" {
		org, err := s.w.CreateOrganization(ctx, DemoOrganization())
		if err != nil {
			return res, fmt.Errorf("create organization: %w", err)
		}
		res.OrganizationID = org.ID
		s.logger.Info().Str("id", org.ID).Msg("created organization")
	}

	loc, err := s.w.CreateLocation(ctx, DemoLocation(res.OrganizationID))
	if err != nil {
		return res, fmt.Errorf("create location: %w", err)
	}
	res.LocationID = loc.ID

	prac, err := s.w.CreatePractitioner(ctx, DemoPractitioner())
	if err != nil {
		return res, fmt.Errorf("create practitioner: %w", err)
	}
	res.PractitionerID = prac.ID

	role, err := s.w.CreatePractitionerRole(ctx, DemoPractitionerRole(prac.ID, res.OrganizationID, loc.ID))
	if err != nil {
		return res, fmt.Errorf("create practitioner role: %w", err)
	}
	res.RoleID = role.ID
	s.logger.Info().
		Str("location_id", loc.ID).
		Str("practitioner_id", prac.ID).
		Str("role_id", role.ID).
		Msg("created demo practice")

	for i := 0; i < s.cfg.Patients; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}
		p, err := s.w.CreatePatient(ctx, s.gen.GeneratePatient(res.OrganizationID))
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.fail(res, "Patient", i, err)
			continue
		}
		res.PatientIDs = append(res.PatientIDs, p.ID)
	}
	s.logger.Info().Int("created", len(res.PatientIDs)).Int("requested", s.cfg.Patients).Msg("patients seeded")

	if s.cfg.Appointments > 0 && len(res.PatientIDs) == 0 {
		return res, errors.New("no patients created, cannot seed appointments")
	}
	for i := 0; i < s.cfg.Appointments; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}
		appt := s.gen.GenerateAppointment(res.PatientIDs, prac.ID, loc.ID, s.cfg.From, s.cfg.To)
		a, err := s.w.CreateAppointment(ctx, appt)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.fail(res, "Appointment", i, err)
			continue
		}
		res.AppointmentIDs = append(res.AppointmentIDs, a.ID)
		if (i+1)%50 == 0 {
			s.logger.Info().Int("done", i+1).Int("total", s.cfg.Appointments).Msg("appointments progress")
		}
	}

	res.Duration = time.Since(started)
	s.logger.Info().
		Int("patients", len(res.PatientIDs)).
		Int("appointments", len(res.AppointmentIDs)).
		Int("failures", len(res.Failures)).
		Dur("duration", res.Duration).
		Msg("seed complete")
	return res, nil
}

func (s *Seeder) fail(res *Result, resource string, index int, err error) {
	res.Failures = append(res.Failures, Failure{Resource: resource, Index: index, Error: err.Error()})
	s.logger.Warn().Err(err).Str("resource", resource).Int("index", index).Msg("create failed")
}
