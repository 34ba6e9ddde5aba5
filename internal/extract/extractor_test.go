package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/fhir"
)

type mockSource struct {
	mu            sync.Mutex
	locations     []fhir.Location
	roles         []fhir.PractitionerRole
	practitioners map[string]*fhir.Practitioner
	patients      []fhir.Patient
	appointments  []fhir.Appointment
	patientsErr   error
	fetched       []string
}

func (m *mockSource) Locations(_ context.Context, _ string) ([]fhir.Location, error) {
	return m.locations, nil
}

func (m *mockSource) PractitionerRoles(_ context.Context, _ string) ([]fhir.PractitionerRole, error) {
	return m.roles, nil
}

func (m *mockSource) Practitioner(_ context.Context, id string) (*fhir.Practitioner, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, id)
	m.mu.Unlock()
	// Later ids answer first so ordering bugs surface.
	if id == "1" {
		time.Sleep(5 * time.Millisecond)
	}
	p, ok := m.practitioners[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return p, nil
}

func (m *mockSource) Patients(_ context.Context, _ string) ([]fhir.Patient, error) {
	if m.patientsErr != nil {
		return nil, m.patientsErr
	}
	return m.patients, nil
}

func (m *mockSource) Appointments(_ context.Context, _ string) ([]fhir.Appointment, error) {
	return m.appointments, nil
}

func newSource() *mockSource {
	return &mockSource{
		locations: []fhir.Location{{ID: "L1", Name: "JSC South Miami Clinic"}},
		roles: []fhir.PractitionerRole{
			{ID: "r1", Practitioner: &fhir.Reference{Reference: "Practitioner/1"}},
			{ID: "r2"},
			{ID: "r3", Practitioner: &fhir.Reference{Reference: "Practitioner/2"}},
		},
		practitioners: map[string]*fhir.Practitioner{
			"1": {ID: "1", Name: []fhir.HumanName{{Family: "Testing", Given: []string{"Sebastian"}}}},
			"2": {ID: "2", Name: []fhir.HumanName{{Family: "Rivera", Given: []string{"Ana"}}}},
		},
		patients:     []fhir.Patient{{ID: "P1", Name: []fhir.HumanName{{Family: "Lopez", Given: []string{"Maria"}}}}},
		appointments: []fhir.Appointment{{ID: "A1", Status: "booked"}},
	}
}

func TestExtractor_All(t *testing.T) {
	src := newSource()
	e := NewExtractor(src, 4, zerolog.Nop())

	ds, err := e.All(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.OrganizationID != "org-1" {
		t.Errorf("expected org-1, got %s", ds.OrganizationID)
	}
	if len(ds.Locations) != 1 || len(ds.Patients) != 1 || len(ds.Appointments) != 1 {
		t.Errorf("unexpected counts: %d locations, %d patients, %d appointments",
			len(ds.Locations), len(ds.Patients), len(ds.Appointments))
	}
	if len(ds.Providers) != 2 {
		t.Fatalf("expected 2 providers (role without reference skipped), got %d", len(ds.Providers))
	}
	if ds.Providers[0].PractitionerID != "1" || ds.Providers[1].PractitionerID != "2" {
		t.Errorf("expected role order to be kept, got %s, %s",
			ds.Providers[0].PractitionerID, ds.Providers[1].PractitionerID)
	}
	if ds.Providers[0].FirstName != "Sebastian" {
		t.Errorf("expected Sebastian, got %s", ds.Providers[0].FirstName)
	}
	if len(src.fetched) != 2 {
		t.Errorf("expected 2 practitioner fetches, got %d", len(src.fetched))
	}
}

func TestExtractor_AbortsOnAPIError(t *testing.T) {
	src := newSource()
	src.patientsErr = errors.New("503 from server")
	e := NewExtractor(src, 1, zerolog.Nop())

	if _, err := e.All(context.Background(), "org-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractor_PractitionerFetchError(t *testing.T) {
	src := newSource()
	src.roles = append(src.roles, fhir.PractitionerRole{ID: "r4", Practitioner: &fhir.Reference{Reference: "Practitioner/404"}})
	e := NewExtractor(src, 2, zerolog.Nop())

	if _, err := e.Providers(context.Background(), "org-1"); err == nil {
		t.Fatal("expected error for missing practitioner")
	}
}

func TestExtractor_EmptyOrganization(t *testing.T) {
	e := NewExtractor(&mockSource{}, 0, zerolog.Nop())
	ds, err := e.All(context.Background(), "empty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ds.Providers) != 0 || len(ds.Locations) != 0 {
		t.Error("expected empty dataset")
	}
}
