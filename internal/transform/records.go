package transform

// CRM record shapes. JSON names are the CRM API field names so records can
// be posted as-is.

type ServiceTerritory struct {
	Name             string `json:"Name" validate:"required"`
	EHRLocationID    string `json:"EHR_Location_Id__c" validate:"required"`
	Street           string `json:"Street,omitempty"`
	City             string `json:"City,omitempty"`
	State            string `json:"State,omitempty"`
	PostalCode       string `json:"PostalCode,omitempty"`
	OperatingHoursID string `json:"OperatingHoursId" validate:"required"`
	IsActive         bool   `json:"IsActive"`
}

func (r ServiceTerritory) ExternalID() string { return r.EHRLocationID }

type WorkType struct {
	Name              string `json:"Name" validate:"required"`
	EstimatedDuration int    `json:"EstimatedDuration" validate:"gt=0"`
	DurationType      string `json:"DurationType" validate:"oneof=Minutes Hours"`
	EHRWorkTypeID     string `json:"EHR_Work_Type_Id__c" validate:"required"`
}

func (r WorkType) ExternalID() string { return r.EHRWorkTypeID }

type User struct {
	FirstName         string `json:"FirstName,omitempty"`
	LastName          string `json:"LastName" validate:"required"`
	Email             string `json:"Email" validate:"required,email"`
	ProfileID         string `json:"ProfileId" validate:"required"`
	Username          string `json:"Username" validate:"required"`
	Alias             string `json:"Alias" validate:"required,max=8"`
	CommunityNickname string `json:"CommunityNickname" validate:"required"`
	IsActive          bool   `json:"IsActive"`
	TimeZoneSidKey    string `json:"TimeZoneSidKey" validate:"required"`
	EmailEncodingKey  string `json:"EmailEncodingKey" validate:"required"`
	LanguageLocaleKey string `json:"LanguageLocaleKey" validate:"required"`
	LocaleSidKey      string `json:"LocaleSidKey" validate:"required"`
}

// ExternalID keys users by email, the only link back to the provider.
func (r User) ExternalID() string { return r.Email }

type ServiceResource struct {
	Name            string `json:"Name" validate:"required"`
	EHRResourceID   string `json:"EHR_Resource_Id__c" validate:"required"`
	Description     string `json:"Description,omitempty"`
	IsActive        bool   `json:"IsActive"`
	AccountID       string `json:"AccountId" validate:"required"`
	RelatedRecordID string `json:"RelatedRecordId" validate:"required"`
}

func (r ServiceResource) ExternalID() string { return r.EHRResourceID }

type Account struct {
	Name         string `json:"Name" validate:"required"`
	FirstName    string `json:"First_Name__c,omitempty"`
	LastName     string `json:"Last_Name__c,omitempty"`
	DateOfBirth  string `json:"Date_of_Birth__c,omitempty"`
	EHRPatientID string `json:"EHR_Patient_Id__c" validate:"required"`
	AddressLine  string `json:"Address_Line__c,omitempty"`
	City         string `json:"City__c,omitempty"`
	State        string `json:"State__c,omitempty"`
	PostalCode   string `json:"Postal_Code__c,omitempty"`
	Phone        string `json:"Phone,omitempty"`
	Email        string `json:"Email__c,omitempty" validate:"omitempty,email"`
}

func (r Account) ExternalID() string { return r.EHRPatientID }

type ServiceAppointment struct {
	EHRAppointmentID   string `json:"EHR_Appointment_Id__c" validate:"required"`
	ParentRecordID     string `json:"ParentRecordId" validate:"required"`
	ServiceResourceID  string `json:"Service_Resource__c" validate:"required"`
	ContactID          string `json:"ContactId" validate:"required"`
	ServiceTerritoryID string `json:"ServiceTerritoryId,omitempty"`
	WorkTypeID         string `json:"WorkTypeId" validate:"required"`
	SchedStartTime     string `json:"SchedStartTime,omitempty"`
	SchedEndTime       string `json:"SchedEndTime,omitempty"`
	Status             string `json:"Status,omitempty"`
}

func (r ServiceAppointment) ExternalID() string { return r.EHRAppointmentID }
