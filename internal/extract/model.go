package extract

// Location is a flattened FHIR Location.
type Location struct {
	LocationID  string `json:"location_id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Status      string `json:"status"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	State       string `json:"state"`
	ZipCode     string `json:"zip_code"`
}

// Provider joins a PractitionerRole with its Practitioner.
type Provider struct {
	PractitionerID string   `json:"practitioner_id"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	Phone          string   `json:"phone"`
	Email          string   `json:"email"`
	Specialty      string   `json:"specialty"`
	LocationIDs    []string `json:"location_ids"`
}

type Patient struct {
	PatientID   string `json:"patient_id"`
	Name        string `json:"name"`
	BirthDate   string `json:"birth_date"`
	Gender      string `json:"gender"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
}

type Appointment struct {
	AppointmentID  string `json:"appointment_id"`
	PatientID      string `json:"patient_id"`
	PractitionerID string `json:"practitioner_id"`
	LocationID     string `json:"location_id"`
	WorkTypeCode   string `json:"work_type_code"`
	Status         string `json:"status"`
	Start          string `json:"start"`
	End            string `json:"end"`
}

// Dataset is everything extracted for one organization.
type Dataset struct {
	OrganizationID string        `json:"organization_id"`
	Locations      []Location    `json:"locations"`
	Providers      []Provider    `json:"providers"`
	Patients       []Patient     `json:"patients"`
	Appointments   []Appointment `json:"appointments"`
}
