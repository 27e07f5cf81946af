// Package validate wraps go-playground/validator so request structs report
// failures as *apperr.ValidationError named after their JSON fields.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("provider", validateProvider)
	v.RegisterValidation("msisdn", validateMSISDN)

	return &Validator{validate: v}
}

// RegisterStructRule adds a cross-field rule for the given struct types.
func (v *Validator) RegisterStructRule(fn validator.StructLevelFunc, types ...any) {
	v.validate.RegisterStructValidation(fn, types...)
}

// Struct validates s and returns the first failure as a ValidationError.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return apperr.Validation("", "%v", err)
	}
	fe := ves[0]
	return &apperr.ValidationError{Field: fe.Field(), Message: message(fe)}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "provider":
		return "must be MTN or AIRTEL"
	case "msisdn":
		return "must be a phone number of 9 to 15 digits"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}

func validateProvider(fl validator.FieldLevel) bool {
	return model.Provider(fl.Field().String()).Valid()
}

// validateMSISDN accepts digits with an optional leading plus.
func validateMSISDN(fl validator.FieldLevel) bool {
	s := strings.TrimPrefix(fl.Field().String(), "+")
	if len(s) < 9 || len(s) > 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
