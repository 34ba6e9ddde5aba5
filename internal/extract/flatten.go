package extract

import (
	"strings"

	"github.com/ehr/ehr2crm/internal/fhir"
	"github.com/ehr/ehr2crm/pkg/fhirmodels"
)

func FlattenLocation(l fhir.Location) Location {
	row := Location{
		LocationID: l.ID,
		Name:       l.Name,
		Phone:      fhir.FirstOf(l.Telecom, fhirmodels.ContactPhone),
		Status:     l.Status,
	}
	if l.Address != nil {
		row.AddressLine = strings.Join(l.Address.Line, " ")
		row.City = l.Address.City
		row.State = l.Address.State
		row.ZipCode = l.Address.PostalCode
	}
	return row
}

// FlattenProvider merges a role with its practitioner. The practitioner may
// be nil, in which case only role-derived fields are filled.
func FlattenProvider(role fhir.PractitionerRole, p *fhir.Practitioner) Provider {
	row := Provider{Specialty: specialty(role.Specialty)}
	if role.Practitioner != nil {
		row.PractitionerID = fhir.ReferenceID(role.Practitioner.Reference)
	}
	for _, loc := range role.Location {
		if id := fhir.ReferenceID(loc.Reference); id != "" {
			row.LocationIDs = append(row.LocationIDs, id)
		}
	}
	if p == nil {
		return row
	}
	if len(p.Name) > 0 {
		row.FirstName = strings.Join(p.Name[0].Given, " ")
		row.LastName = p.Name[0].Family
	}
	row.Phone = fhir.FirstOf(p.Telecom, fhirmodels.ContactPhone)
	row.Email = fhir.FirstOf(p.Telecom, fhirmodels.ContactEmail)
	return row
}

func specialty(concepts []fhir.CodeableConcept) string {
	if len(concepts) == 0 {
		return ""
	}
	first := concepts[0]
	if len(first.Coding) > 0 && first.Coding[0].Display != "" {
		return first.Coding[0].Display
	}
	return first.Text
}

func FlattenPatient(p fhir.Patient) Patient {
	row := Patient{
		PatientID: p.ID,
		BirthDate: p.BirthDate,
		Gender:    p.Gender,
		Phone:     fhir.FirstOf(p.Telecom, fhirmodels.ContactPhone),
		Email:     fhir.FirstOf(p.Telecom, fhirmodels.ContactEmail),
	}
	if len(p.Name) > 0 {
		n := p.Name[0]
		row.Name = strings.TrimSpace(strings.Join(n.Given, " ") + " " + n.Family)
	}
	if len(p.Address) > 0 {
		a := p.Address[0]
		row.AddressLine = strings.Join(a.Line, " ")
		row.City = a.City
		row.State = a.State
		row.PostalCode = a.PostalCode
	}
	return row
}

func FlattenAppointment(a fhir.Appointment) Appointment {
	row := Appointment{
		AppointmentID: a.ID,
		Status:        a.Status,
		Start:         a.Start,
		End:           a.End,
	}
	for _, part := range a.Participant {
		if part.Actor == nil {
			continue
		}
		ref := part.Actor.Reference
		switch {
		case strings.HasPrefix(ref, fhirmodels.RefPractitioner):
			row.PractitionerID = fhir.ReferenceID(ref)
		case strings.HasPrefix(ref, fhirmodels.RefPatient):
			row.PatientID = fhir.ReferenceID(ref)
		case strings.HasPrefix(ref, fhirmodels.RefLocation):
			row.LocationID = fhir.ReferenceID(ref)
		}
	}
	if len(a.ServiceType) > 0 && len(a.ServiceType[0].Coding) > 0 {
		row.WorkTypeCode = a.ServiceType[0].Coding[0].Code
	}
	return row
}
