package drafts

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/ttacon/libphonenumber"
)

var validate = validator.New()

// ValidationError lists the payload fields that failed validation, keyed by
// their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "invalid report: " + strings.Join(parts, ", ")
}

// Validate checks a report before it is submitted directly. Drafts saved
// with SaveDraft are never rejected on content.
func Validate(p models.ReportPayload) error {
	p.Type = strings.TrimSpace(p.Type)
	p.Description = strings.TrimSpace(p.Description)

	err := validate.Struct(p)
	if err == nil {
		if p.Latitude != nil && p.Longitude == nil || p.Latitude == nil && p.Longitude != nil {
			return &ValidationError{Fields: map[string]string{"coordinates": "must include both latitude and longitude"}}
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[jsonName(fe.Field())] = message(fe)
	}
	return &ValidationError{Fields: fields}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "latitude", "longitude":
		return fmt.Sprintf("must be a valid %s", fe.Tag())
	default:
		return "is invalid"
	}
}

func jsonName(field string) string {
	return strings.ToLower(field)
}

// NormalizeContact rewrites a phone number to E.164 when it parses as a valid
// number for region. Anything else is returned unchanged.
func NormalizeContact(contact, region string) string {
	raw := strings.TrimSpace(contact)
	if raw == "" {
		return contact
	}
	num, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return contact
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}
