// Package seed populates the EHR with a reproducible demo practice: one
// organization, clinic, provider and role, plus generated Miami-Dade
// patients and their appointments.
package seed

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ehr/ehr2crm/internal/fhir"
	"github.com/ehr/ehr2crm/internal/transform"
	"github.com/ehr/ehr2crm/pkg/fhirmodels"
)

// ---------------------------------------------------------------------------
// Value pools
// ---------------------------------------------------------------------------

var (
	areaCodes    = []string{"305", "786"}
	emailDomains = []string{"@gmail.com.invalid", "@outlook.com.invalid", "@aol.com.invalid", "@yahoo.com.invalid"}
	cities       = []string{"Miami", "Hialeah", "Coral Gables", "Miami Beach"}
	zipCodes     = []string{"33127", "33137", "33140", "33130", "33150", "33156", "33126", "33183", "33186", "33193"}
	streets      = []string{
		"SW 8th St", "Biscayne Blvd", "Coral Way", "NW 7th Ave", "Sunset Dr",
		"Bird Rd", "Flagler St", "Collins Ave", "W 49th St", "Kendall Dr",
	}

	firstNamesMale = []string{
		"James", "Carlos", "Michael", "Luis", "David", "Jorge", "Daniel",
		"Jose", "Anthony", "Miguel", "Kevin", "Andres", "Brian", "Ricardo",
	}
	firstNamesFemale = []string{
		"Maria", "Jennifer", "Ana", "Jessica", "Carmen", "Ashley", "Laura",
		"Isabel", "Michelle", "Sofia", "Amanda", "Gabriela", "Nicole", "Elena",
	}
	lastNames = []string{
		"Garcia", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez",
		"Perez", "Sanchez", "Ramirez", "Torres", "Smith", "Johnson", "Williams",
		"Brown", "Diaz", "Fernandez", "Alvarez", "Castillo", "Rivera", "Jones",
	}

	appointmentMinutes = []int{0, 15, 30, 45}
	appointmentLengths = []int{15, 30, 45, 60}
	pastStatuses       = []string{fhirmodels.AppointmentFulfilled, fhirmodels.AppointmentCancelled}
	futureStatuses     = []string{fhirmodels.AppointmentBooked, fhirmodels.AppointmentCancelled}
)

// DemoOrganization is the practice that owns every seeded resource.
func DemoOrganization() *fhir.Organization {
	return &fhir.Organization{
		Active: true,
		Name:   "JSC Health Integration Demo",
		Type: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhirmodels.SystemOrganizationType, Code: "prov", Display: "Healthcare Provider"}},
		}},
		Telecom: []fhir.ContactPoint{
			{System: fhirmodels.ContactPhone, Value: "+1-555-000-0000"},
			{System: fhirmodels.ContactEmail, Value: "info@demo-health.org.invalid"},
		},
		Address: []fhir.Address{{
			Line: []string{"123 Demo Street"}, City: "Miami", State: "FL", PostalCode: "33186", Country: "US",
		}},
	}
}

func DemoLocation(orgID string) *fhir.Location {
	return &fhir.Location{
		Name:    "JSC South Miami Clinic",
		Status:  fhirmodels.LocationActive,
		Telecom: []fhir.ContactPoint{{System: fhirmodels.ContactPhone, Value: "305-111-2233"}},
		Address: &fhir.Address{
			Line: []string{"12345 Sunset Drive"}, City: "Miami", State: "FL", PostalCode: "33156",
		},
		ManagingOrganization: &fhir.Reference{Reference: fhirmodels.RefOrganization + orgID},
	}
}

func DemoPractitioner() *fhir.Practitioner {
	return &fhir.Practitioner{
		Active: true,
		Name:   []fhir.HumanName{{Use: "official", Family: "Testing", Given: []string{"Sebastian"}}},
		Telecom: []fhir.ContactPoint{
			{System: fhirmodels.ContactPhone, Value: "305-123-4567", Use: fhirmodels.ContactUseWork},
			{System: fhirmodels.ContactEmail, Value: "stest@demo-health.org.invalid", Use: fhirmodels.ContactUseWork},
		},
		Gender: fhirmodels.GenderMale,
	}
}

func DemoPractitionerRole(practitionerID, orgID, locationID string) *fhir.PractitionerRole {
	return &fhir.PractitionerRole{
		Active:       true,
		Practitioner: &fhir.Reference{Reference: fhirmodels.RefPractitioner + practitionerID},
		Organization: &fhir.Reference{Reference: fhirmodels.RefOrganization + orgID},
		Location:     []fhir.Reference{{Reference: fhirmodels.RefLocation + locationID}},
		Specialty: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhirmodels.SystemNUCC, Code: "208D00000X", Display: "General Practice Physician"}},
			Text:   "General Practice Physician",
		}},
	}
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces patients and appointments from a seeded source.
// The same seed and clock always yield the same resources.
type DataGenerator struct {
	rng       *rand.Rand
	now       time.Time
	workTypes []transform.WorkTypeDef
	system    string
}

func NewDataGenerator(seed int64, now time.Time, cat *transform.Catalog) *DataGenerator {
	system := cat.WorkTypeSystem
	if system == "" {
		system = fhirmodels.SystemServiceType
	}
	return &DataGenerator{
		rng:       rand.New(rand.NewSource(seed)),
		now:       now,
		workTypes: cat.WorkTypes,
		system:    system,
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) birthDate() string {
	age := 18 + g.rng.Intn(73)
	dob := g.now.AddDate(-age, 0, -g.rng.Intn(365))
	return dob.Format("2006-01-02")
}

func (g *DataGenerator) phone() string {
	return fmt.Sprintf("%s-%d-%d", g.pick(areaCodes), 200+g.rng.Intn(800), 1000+g.rng.Intn(9000))
}

// GeneratePatient builds a Miami-Dade patient managed by orgID.
func (g *DataGenerator) GeneratePatient(orgID string) *fhir.Patient {
	gender := fhirmodels.GenderMale
	first := g.pick(firstNamesMale)
	if g.rng.Intn(2) == 0 {
		gender = fhirmodels.GenderFemale
		first = g.pick(firstNamesFemale)
	}
	last := g.pick(lastNames)

	return &fhir.Patient{
		Active:    true,
		Name:      []fhir.HumanName{{Use: "official", Family: last, Given: []string{first}}},
		Gender:    gender,
		BirthDate: g.birthDate(),
		Telecom: []fhir.ContactPoint{
			{System: fhirmodels.ContactPhone, Value: g.phone(), Use: fhirmodels.ContactUseMobile},
			{System: fhirmodels.ContactEmail, Value: strings.ToLower(first + "." + last + g.pick(emailDomains)), Use: fhirmodels.ContactUseHome},
		},
		Address: []fhir.Address{{
			Line:       []string{fmt.Sprintf("%d %s", 100+g.rng.Intn(19900), g.pick(streets))},
			City:       g.pick(cities),
			State:      "FL",
			PostalCode: g.pick(zipCodes),
		}},
		ManagingOrganization: &fhir.Reference{Reference: fhirmodels.RefOrganization + orgID},
	}
}

// slot returns a weekday start between from and to, on a quarter hour
// between 08:00 and 16:45.
func (g *DataGenerator) slot(from, to time.Time) time.Time {
	days := int(to.Sub(from).Hours()/24) + 1
	for {
		d := from.AddDate(0, 0, g.rng.Intn(days))
		start := time.Date(d.Year(), d.Month(), d.Day(), 8+g.rng.Intn(9), appointmentMinutes[g.rng.Intn(len(appointmentMinutes))], 0, 0, time.UTC)
		if wd := start.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return start
		}
	}
}

// GenerateAppointment books a random patient with the practitioner at the
// location. Past slots are fulfilled or cancelled; future ones booked or
// cancelled.
func (g *DataGenerator) GenerateAppointment(patientIDs []string, practitionerID, locationID string, from, to time.Time) *fhir.Appointment {
	start := g.slot(from, to)
	end := start.Add(time.Duration(appointmentLengths[g.rng.Intn(len(appointmentLengths))]) * time.Minute)

	status := g.pick(futureStatuses)
	if start.Before(g.now) {
		status = g.pick(pastStatuses)
	}

	wt := g.workTypes[g.rng.Intn(len(g.workTypes))]
	accepted := fhirmodels.ParticipationAccepted
	return &fhir.Appointment{
		Status: status,
		ServiceType: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: g.system, Code: wt.Code, Display: wt.Name}},
			Text:   wt.Name,
		}},
		Start: start.Format(time.RFC3339),
		End:   end.Format(time.RFC3339),
		Participant: []fhir.AppointmentParticipant{
			{Actor: &fhir.Reference{Reference: fhirmodels.RefPatient + g.pick(patientIDs)}, Status: accepted},
			{Actor: &fhir.Reference{Reference: fhirmodels.RefPractitioner + practitionerID}, Status: accepted},
			{Actor: &fhir.Reference{Reference: fhirmodels.RefLocation + locationID}, Status: accepted},
		},
	}
}
