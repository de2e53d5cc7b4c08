package fieldenc

import (
	"errors"
	"fmt"
	"os"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/types"
)

// DefaultRedaction replaces a field the reader may not see.
const DefaultRedaction = "[RESTRICTED]"

// FieldSpec declares one encrypted field of an entity.
type FieldSpec struct {
	Name     string             `yaml:"name"`
	Category types.DataCategory `yaml:"category"`
	// RequiredAccessLevel is the lowest level whose keys may open the field. Empty
	// means the writer's level.
	RequiredAccessLevel types.AccessLevel `yaml:"required_access_level,omitempty"`
	// IsJSON allows structured values; other fields must hold scalars.
	IsJSON bool `yaml:"is_json,omitempty"`
}

// Config is the declarative field encryption configuration.
type Config struct {
	Fields     map[types.EntityType][]FieldSpec `yaml:"fields"`
	Redactions map[types.DataCategory]string    `yaml:"redactions,omitempty"`
}

// DefaultConfig covers the patient, symptom entry and user entities.
func DefaultConfig() *Config {
	return &Config{
		Fields: map[types.EntityType][]FieldSpec{
			types.EntityPatient: {
				{Name: "first_name", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
				{Name: "last_name", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
				{Name: "date_of_birth", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
				{Name: "phone", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
				{Name: "address", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily, IsJSON: true},
				{Name: "medical_history", Category: types.CategoryMedicalHistory, RequiredAccessLevel: types.AccessCaregiverFamily, IsJSON: true},
				{Name: "medications", Category: types.CategoryMedications, RequiredAccessLevel: types.AccessEmergency, IsJSON: true},
				{Name: "emergency_contacts", Category: types.CategoryEmergencyContacts, RequiredAccessLevel: types.AccessEmergency, IsJSON: true},
			},
			types.EntitySymptomEntry: {
				{Name: "motor_symptoms", Category: types.CategoryMotorSymptoms, RequiredAccessLevel: types.AccessCaregiverFamily, IsJSON: true},
				{Name: "non_motor_symptoms", Category: types.CategoryNonMotorSymptoms, RequiredAccessLevel: types.AccessCaregiverFamily, IsJSON: true},
				{Name: "autonomic_symptoms", Category: types.CategoryAutonomicSymptoms, RequiredAccessLevel: types.AccessCaregiverFamily, IsJSON: true},
				{Name: "daily_activities", Category: types.CategoryDailyActivities, RequiredAccessLevel: types.AccessCaregiverFamily, IsJSON: true},
				{Name: "notes", Category: types.CategoryDailyActivities, RequiredAccessLevel: types.AccessCaregiverFamily},
			},
			types.EntityUser: {
				{Name: "full_name", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
				{Name: "email", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
				{Name: "phone", Category: types.CategoryDemographics, RequiredAccessLevel: types.AccessCaregiverFamily},
			},
		},
	}
}

// LoadConfig reads a YAML field configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read field config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML field configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse field config: %w", abeerr.ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs errsx.Map
	if len(c.Fields) == 0 {
		errs.Set("fields", errors.New("at least one entity must be configured"))
	}
	for entity, specs := range c.Fields {
		if entity == "" {
			errs.Set("fields", errors.New("entity name is empty"))
			continue
		}
		seen := make(map[string]struct{}, len(specs))
		for i, spec := range specs {
			key := fmt.Sprintf("fields.%s[%d]", entity, i)
			if spec.Name == "" {
				errs.Set(key, errors.New("name is required"))
				continue
			}
			if _, dup := seen[spec.Name]; dup {
				errs.Set(key, fmt.Errorf("field '%s' declared twice", spec.Name))
			}
			seen[spec.Name] = struct{}{}
			if !spec.Category.Valid() {
				errs.Set(key, fmt.Errorf("unknown data category '%s'", spec.Category))
			}
			if spec.RequiredAccessLevel != "" && !spec.RequiredAccessLevel.Valid() {
				errs.Set(key, fmt.Errorf("unknown access level '%s'", spec.RequiredAccessLevel))
			}
		}
	}
	for category := range c.Redactions {
		if !category.Valid() {
			errs.Set("redactions", fmt.Errorf("unknown data category '%s'", category))
		}
	}
	if !errs.IsEmpty() {
		return fmt.Errorf("%w: %w", abeerr.ErrInvalidConfiguration, errs.AsError())
	}
	return nil
}

// FieldsFor returns the specs declared for entity.
func (c *Config) FieldsFor(entity types.EntityType) []FieldSpec {
	return c.Fields[entity]
}

// Spec looks up one field.
func (c *Config) Spec(entity types.EntityType, name string) (FieldSpec, bool) {
	for _, spec := range c.Fields[entity] {
		if spec.Name == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// Redaction returns the placeholder for category.
func (c *Config) Redaction(category types.DataCategory) string {
	if s, ok := c.Redactions[category]; ok && s != "" {
		return s
	}
	return DefaultRedaction
}

// Categories lists the distinct categories an entity's fields belong to.
func (c *Config) Categories(entity types.EntityType) []types.DataCategory {
	var out []types.DataCategory
	seen := map[types.DataCategory]struct{}{}
	for _, spec := range c.Fields[entity] {
		if _, ok := seen[spec.Category]; !ok {
			seen[spec.Category] = struct{}{}
			out = append(out, spec.Category)
		}
	}
	return out
}
