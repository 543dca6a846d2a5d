package validator

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

// Operation codes are dotted paths like "crm.leads.create"; configuration rows
// may additionally end in ".*" but request DTOs never do.
var operationCodeRe = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	validate.RegisterValidation("operation_code", func(fl validator.FieldLevel) bool {
		return operationCodeRe.MatchString(fl.Field().String())
	})

	validate.RegisterValidation("entity_kind", func(fl validator.FieldLevel) bool {
		kind := fl.Field().String()
		for _, k := range []string{"tenant", "organization", "location"} {
			if kind == k {
				return true
			}
		}
		return false
	})

	validate.RegisterValidation("batch_source", func(fl validator.FieldLevel) bool {
		source := fl.Field().String()
		for _, s := range []string{"purchase", "transfer", "promotional", "seasonal"} {
			if source == s {
				return true
			}
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "uuid":
			errors[field] = "Must be a valid UUID"
		case "operation_code":
			errors[field] = "Must be a dotted operation code like crm.leads.create"
		case "entity_kind":
			errors[field] = "Must be one of: tenant, organization, location"
		case "batch_source":
			errors[field] = "Must be one of: purchase, transfer, promotional, seasonal"
		case "gt":
			errors[field] = "Must be greater than " + err.Param()
		case "gte":
			errors[field] = "Must be at least " + err.Param()
		default:
			errors[field] = "Invalid value"
		}
	}
	return errors
}
