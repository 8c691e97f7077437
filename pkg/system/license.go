package system

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// License is the decoded license file
type License struct {
	ID             string   `yaml:"id" json:"id" validate:"required"`
	Model          string   `yaml:"model" json:"model" validate:"required"`
	SystemSerial   string   `yaml:"system_serial" json:"system_serial" validate:"required"`
	SystemSerialHA string   `yaml:"system_serial_ha,omitempty" json:"system_serial_ha,omitempty" validate:"omitempty,nefield=SystemSerial"`
	ContractType   string   `yaml:"contract_type" json:"contract_type" validate:"required,oneof=STANDARD BRONZE SILVER GOLD PLATINUM"`
	ContractStart  string   `yaml:"contract_start" json:"contract_start" validate:"required,datetime=2006-01-02"`
	ContractEnd    string   `yaml:"contract_end" json:"contract_end" validate:"required,datetime=2006-01-02"`
	Customer       string   `yaml:"customer,omitempty" json:"customer,omitempty"`
	Features       []string `yaml:"features,omitempty" json:"features" validate:"dive,oneof=DEDUP FIBRECHANNEL VM JAILS SUPPORT"`
}

// HA reports whether the license covers a two-controller system.
func (l *License) HA() bool {
	return l.SystemSerialHA != ""
}

// Expired reports whether the support contract ended before now.
func (l *License) Expired(now time.Time) bool {
	end, err := time.Parse("2006-01-02", l.ContractEnd)
	if err != nil {
		return false
	}
	return now.After(end.Add(24 * time.Hour))
}

// HasFeature reports whether the license enables feature.
func (l *License) HasFeature(feature string) bool {
	for _, f := range l.Features {
		if f == feature {
			return true
		}
	}
	return false
}

var licenseValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// ParseLicense decodes and validates a license document. Every invalid
// field is reported in the returned validation errors.
func ParseLicense(data []byte) (*License, error) {
	var lic License
	if err := yaml.Unmarshal(data, &lic); err != nil {
		verrs := apierr.NewValidationErrors()
		verrs.Add("license", fmt.Sprintf("License is not a valid document: %v", err), int(unix.EINVAL))
		return nil, verrs
	}

	err := licenseValidator.Struct(&lic)
	if err == nil {
		return &lic, nil
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return nil, fmt.Errorf("failed to validate license: %w", err)
	}
	verrs := apierr.NewValidationErrors()
	for _, fe := range fes {
		verrs.Add("license."+fe.Field(), licenseMessage(fe), int(unix.EINVAL))
	}
	return nil, verrs
}

func licenseMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Field is required"
	case "oneof":
		return fmt.Sprintf("Must be one of: %s", fe.Param())
	case "datetime":
		return "Must be a date in YYYY-MM-DD format"
	case "nefield":
		return "HA serial must differ from the system serial"
	default:
		return fmt.Sprintf("Failed %q validation", fe.Tag())
	}
}
