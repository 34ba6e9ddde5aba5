package transform

import (
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/extract"
	"github.com/ehr/ehr2crm/internal/idmap"
)

// CRMTimeLayout is the UTC timestamp format the CRM accepts for datetimes.
const CRMTimeLayout = "2006-01-02T15:04:05Z"

// Layouts tried when reading EHR timestamps. Offsets are parsed and then
// discarded: only the wall clock is kept.
var ehrTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Transformer reshapes staging rows into CRM records using a Catalog.
type Transformer struct {
	cat    *Catalog
	logger zerolog.Logger
}

func New(cat *Catalog, logger zerolog.Logger) *Transformer {
	return &Transformer{cat: cat, logger: logger}
}

func (t *Transformer) Catalog() *Catalog { return t.cat }

func (t *Transformer) Territories(locs []extract.Location) []ServiceTerritory {
	out := make([]ServiceTerritory, 0, len(locs))
	for _, l := range locs {
		out = append(out, ServiceTerritory{
			Name:             l.Name,
			EHRLocationID:    l.LocationID,
			Street:           l.AddressLine,
			City:             l.City,
			State:            l.State,
			PostalCode:       l.ZipCode,
			OperatingHoursID: t.cat.OperatingHoursID,
			IsActive:         true,
		})
	}
	return out
}

func (t *Transformer) WorkTypes() []WorkType {
	out := make([]WorkType, 0, len(t.cat.WorkTypes))
	for _, wt := range t.cat.WorkTypes {
		out = append(out, WorkType{
			Name:              wt.Name,
			EstimatedDuration: wt.EstimatedDuration,
			DurationType:      wt.DurationType,
			EHRWorkTypeID:     wt.Code,
		})
	}
	return out
}

// Users builds one CRM user per provider. Profiles are assigned
// round-robin in provider order.
func (t *Transformer) Users(providers []extract.Provider) []User {
	d := t.cat.UserDefaults
	out := make([]User, 0, len(providers))
	for i, p := range providers {
		alias := Alias(p.FirstName, p.LastName)
		out = append(out, User{
			FirstName:         p.FirstName,
			LastName:          p.LastName,
			Email:             p.Email,
			ProfileID:         t.cat.UserProfileIDs[i%len(t.cat.UserProfileIDs)],
			Username:          p.Email,
			Alias:             alias,
			CommunityNickname: alias,
			IsActive:          true,
			TimeZoneSidKey:    d.TimeZoneSidKey,
			EmailEncodingKey:  d.EmailEncodingKey,
			LanguageLocaleKey: d.LanguageLocaleKey,
			LocaleSidKey:      d.LocaleSidKey,
		})
	}
	return out
}

// Alias is the lower-cased first letter of the first name plus up to four
// letters of the last name, padded with 'x' to five characters.
func Alias(first, last string) string {
	var b strings.Builder
	for _, r := range first {
		b.WriteRune(unicode.ToLower(r))
		break
	}
	n := 0
	for _, r := range last {
		if n == 4 {
			break
		}
		b.WriteRune(unicode.ToLower(r))
		n++
	}
	alias := b.String()
	for i := len([]rune(alias)); i < 5; i++ {
		alias += "x"
	}
	return alias
}

// ServiceResources links each provider to its CRM user by email. Providers
// whose user was not created are skipped; the skip count is returned.
func (t *Transformer) ServiceResources(providers []extract.Provider, userIDByEmail map[string]string) ([]ServiceResource, int) {
	out := make([]ServiceResource, 0, len(providers))
	skipped := 0
	for _, p := range providers {
		userID, ok := userIDByEmail[p.Email]
		if !ok || userID == "" {
			skipped++
			continue
		}
		out = append(out, ServiceResource{
			Name:            p.FirstName + " " + p.LastName,
			EHRResourceID:   p.PractitionerID,
			Description:     p.Specialty,
			IsActive:        true,
			AccountID:       t.cat.ServiceResourceAccountID,
			RelatedRecordID: userID,
		})
	}
	if skipped > 0 {
		t.logger.Warn().Int("skipped", skipped).Msg("service resources skipped, user record missing")
	}
	return out, skipped
}

func (t *Transformer) Accounts(patients []extract.Patient) []Account {
	out := make([]Account, 0, len(patients))
	for _, p := range patients {
		first, last, _ := strings.Cut(p.Name, " ")
		out = append(out, Account{
			Name:         p.Name,
			FirstName:    first,
			LastName:     last,
			DateOfBirth:  p.BirthDate,
			EHRPatientID: p.PatientID,
			AddressLine:  p.AddressLine,
			City:         p.City,
			State:        p.State,
			PostalCode:   p.PostalCode,
			Phone:        p.Phone,
			Email:        p.Email,
		})
	}
	return out
}

// ServiceAppointments resolves every foreign key through maps. Rows missing
// the account, service resource, contact or work type are skipped and
// counted; a missing territory is allowed.
func (t *Transformer) ServiceAppointments(appts []extract.Appointment, maps *idmap.Maps) ([]ServiceAppointment, int) {
	out := make([]ServiceAppointment, 0, len(appts))
	skipped := 0
	for _, a := range appts {
		details := maps.PractitionerDetails[a.PractitionerID]
		sa := ServiceAppointment{
			EHRAppointmentID:   a.AppointmentID,
			ParentRecordID:     maps.PatientToAccount[a.PatientID],
			ServiceResourceID:  details.ServiceResourceID,
			ContactID:          details.ContactID,
			ServiceTerritoryID: maps.LocationToTerritory[a.LocationID],
			WorkTypeID:         maps.WorkTypeCodeToID[a.WorkTypeCode],
			SchedStartTime:     t.SchedTime(a.Start),
			SchedEndTime:       t.SchedTime(a.End),
			Status:             t.cat.MapStatus(a.Status),
		}
		if sa.ParentRecordID == "" || sa.ServiceResourceID == "" || sa.ContactID == "" || sa.WorkTypeID == "" {
			skipped++
			continue
		}
		out = append(out, sa)
	}
	if skipped > 0 {
		t.logger.Warn().Int("skipped", skipped).Msg("service appointments skipped, missing patient, resource, contact or work type mapping")
	}
	return out, skipped
}

// SchedTime reads an EHR timestamp as wall-clock time in the catalog
// timezone and renders it in UTC. Unparseable input yields "".
func (t *Transformer) SchedTime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range ehrTimeLayouts {
		parsed, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		wall := time.Date(parsed.Year(), parsed.Month(), parsed.Day(),
			parsed.Hour(), parsed.Minute(), parsed.Second(), 0, t.cat.Location())
		return wall.UTC().Format(CRMTimeLayout)
	}
	return ""
}
