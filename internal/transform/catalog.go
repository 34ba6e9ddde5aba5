package transform

import (
	_ "embed"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type UserDefaults struct {
	TimeZoneSidKey    string `yaml:"time_zone_sid_key" validate:"required"`
	EmailEncodingKey  string `yaml:"email_encoding_key" validate:"required"`
	LanguageLocaleKey string `yaml:"language_locale_key" validate:"required"`
	LocaleSidKey      string `yaml:"locale_sid_key" validate:"required"`
}

type WorkTypeDef struct {
	Key               string `yaml:"key" validate:"required"`
	Code              string `yaml:"code" validate:"required"`
	Name              string `yaml:"name" validate:"required"`
	EstimatedDuration int    `yaml:"estimated_duration" validate:"gt=0"`
	DurationType      string `yaml:"duration_type" validate:"oneof=Minutes Hours"`
}

// Catalog holds the org-specific constants the transforms stamp onto
// records.
type Catalog struct {
	Timezone                 string            `yaml:"timezone" validate:"required"`
	OperatingHoursID         string            `yaml:"operating_hours_id" validate:"required"`
	ServiceResourceAccountID string            `yaml:"service_resource_account_id" validate:"required"`
	UserProfileIDs           []string          `yaml:"user_profile_ids" validate:"min=1,dive,required"`
	UserDefaults             UserDefaults      `yaml:"user_defaults"`
	WorkTypeSystem           string            `yaml:"work_type_system"`
	WorkTypes                []WorkTypeDef     `yaml:"work_types" validate:"min=1,dive"`
	AppointmentStatus        map[string]string `yaml:"appointment_status"`

	location *time.Location
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file, or the built-in one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("catalog timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return &c, nil
}

// Location returns the timezone appointment wall-clock times are read in.
func (c *Catalog) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// WorkType finds a work type by its code.
func (c *Catalog) WorkType(code string) (WorkTypeDef, bool) {
	for _, wt := range c.WorkTypes {
		if wt.Code == code {
			return wt, true
		}
	}
	return WorkTypeDef{}, false
}

// MapStatus translates an EHR appointment status. Unknown values pass through.
func (c *Catalog) MapStatus(status string) string {
	if mapped, ok := c.AppointmentStatus[status]; ok {
		return mapped
	}
	return status
}
