package idmap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/crm"
)

// SOQL used to rebuild the EHR -> CRM lookups after the parent loads.
const (
	QueryAccounts           = "SELECT Id, EHR_Patient_Id__c FROM Account WHERE EHR_Patient_Id__c != NULL"
	QueryServiceResources   = "SELECT Id, Name, EHR_Resource_Id__c FROM ServiceResource WHERE IsActive = true AND EHR_Resource_Id__c != NULL"
	QueryContacts           = "SELECT Id, Name FROM Contact"
	QueryServiceTerritories = "SELECT Id, EHR_Location_Id__c FROM ServiceTerritory WHERE IsActive = true AND EHR_Location_Id__c != NULL"
	QueryWorkTypes          = "SELECT Id, EHR_Work_Type_Id__c FROM WorkType WHERE EHR_Work_Type_Id__c != NULL"
)

// Querier runs SOQL.
type Querier interface {
	Query(ctx context.Context, soql string) ([]crm.Record, error)
}

// ResourceDetails is what a ServiceAppointment needs about its provider.
type ResourceDetails struct {
	ServiceResourceID string `json:"service_resource_id"`
	ContactID         string `json:"contact_id"`
}

// Maps translates EHR ids into CRM record ids.
type Maps struct {
	PatientToAccount       map[string]string          `json:"patient_to_account"`
	PractitionerToResource map[string]string          `json:"practitioner_to_resource"`
	ResourceNameToID       map[string]string          `json:"resource_name_to_id"`
	PractitionerDetails    map[string]ResourceDetails `json:"practitioner_details"`
	LocationToTerritory    map[string]string          `json:"location_to_territory"`
	WorkTypeCodeToID       map[string]string          `json:"worktype_code_to_id"`
}

// Empty returns maps with no entries, as used by dry runs.
func Empty() *Maps {
	return &Maps{
		PatientToAccount:       map[string]string{},
		PractitionerToResource: map[string]string{},
		ResourceNameToID:       map[string]string{},
		PractitionerDetails:    map[string]ResourceDetails{},
		LocationToTerritory:    map[string]string{},
		WorkTypeCodeToID:       map[string]string{},
	}
}

// Build queries the CRM and assembles every map. Any query failure aborts.
func Build(ctx context.Context, q Querier, logger zerolog.Logger) (*Maps, error) {
	m := Empty()

	accounts, err := q.Query(ctx, QueryAccounts)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	for _, r := range accounts {
		m.PatientToAccount[r.String("EHR_Patient_Id__c")] = r.ID()
	}

	resources, err := q.Query(ctx, QueryServiceResources)
	if err != nil {
		return nil, fmt.Errorf("query service resources: %w", err)
	}
	for _, r := range resources {
		m.PractitionerToResource[r.String("EHR_Resource_Id__c")] = r.ID()
		m.ResourceNameToID[r.String("Name")] = r.ID()
	}

	contacts, err := q.Query(ctx, QueryContacts)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	contactByName := make(map[string]string, len(contacts))
	for _, r := range contacts {
		contactByName[r.String("Name")] = r.ID()
	}
	for _, r := range resources {
		name := r.String("Name")
		contactID, ok := contactByName[name]
		if !ok {
			logger.Warn().Str("service_resource", name).Msg("no contact found for service resource")
		}
		m.PractitionerDetails[r.String("EHR_Resource_Id__c")] = ResourceDetails{
			ServiceResourceID: r.ID(),
			ContactID:         contactID,
		}
	}

	territories, err := q.Query(ctx, QueryServiceTerritories)
	if err != nil {
		return nil, fmt.Errorf("query service territories: %w", err)
	}
	for _, r := range territories {
		m.LocationToTerritory[r.String("EHR_Location_Id__c")] = r.ID()
	}

	workTypes, err := q.Query(ctx, QueryWorkTypes)
	if err != nil {
		return nil, fmt.Errorf("query work types: %w", err)
	}
	for _, r := range workTypes {
		m.WorkTypeCodeToID[r.String("EHR_Work_Type_Id__c")] = r.ID()
	}

	logger.Info().
		Int("accounts", len(m.PatientToAccount)).
		Int("service_resources", len(m.PractitionerToResource)).
		Int("contacts", len(contacts)).
		Int("territories", len(m.LocationToTerritory)).
		Int("work_types", len(m.WorkTypeCodeToID)).
		Msg("id maps built")
	return m, nil
}
