package fhirmodels

// FHIR R4 value set constants used by the extractor and the demo seeder.

// AppointmentStatus values per FHIR R4.
const (
	AppointmentProposed   = "proposed"
	AppointmentPending    = "pending"
	AppointmentBooked     = "booked"
	AppointmentArrived    = "arrived"
	AppointmentFulfilled  = "fulfilled"
	AppointmentCancelled  = "cancelled"
	AppointmentNoShow     = "noshow"
	AppointmentCheckedIn  = "checked-in"
	AppointmentWaitlisted = "waitlist"
)

// ParticipationStatus values for Appointment.participant.status.
const (
	ParticipationAccepted    = "accepted"
	ParticipationDeclined    = "declined"
	ParticipationTentative   = "tentative"
	ParticipationNeedsAction = "needs-action"
)

// ContactPointSystem codes.
const (
	ContactPhone = "phone"
	ContactEmail = "email"
	ContactFax   = "fax"
)

// ContactPointUse codes.
const (
	ContactUseWork   = "work"
	ContactUseHome   = "home"
	ContactUseMobile = "mobile"
)

// LocationStatus codes.
const (
	LocationActive    = "active"
	LocationSuspended = "suspended"
	LocationInactive  = "inactive"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Terminology system URIs.
const (
	SystemNUCC             = "http://nucc.org/provider-taxonomy"
	SystemServiceType      = "http://terminology.hl7.org/CodeSystem/service-type"
	SystemOrganizationType = "http://terminology.hl7.org/CodeSystem/organization-type"
)

// Reference prefixes used by Appointment participants.
const (
	RefPatient      = "Patient/"
	RefPractitioner = "Practitioner/"
	RefLocation     = "Location/"
	RefOrganization = "Organization/"
)
