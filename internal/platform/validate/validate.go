// Package validate wraps go-playground/validator for request DTOs and turns
// its field errors into user-readable apperr validation errors.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

const DateLayout = "2006-01-02"

type Validator struct {
	v *validator.Validate
}

// New returns a validator that reports fields by their json name and knows
// the "date" tag (YYYY-MM-DD).
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(DateLayout, fl.Field().String())
		return err == nil
	})
	return &Validator{v: v}
}

// RegisterEnum adds a tag that accepts only values for which valid returns
// true. Used for the closed rule enums so the error names the field.
func (val *Validator) RegisterEnum(tag string, valid func(string) bool) {
	_ = val.v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return valid(fl.Field().String())
	})
}

// Struct validates s and returns an *apperr.Error of KindValidation listing
// every failing field.
func (val *Validator) Struct(s interface{}) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Validation("invalid request: %v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

// Validate satisfies echo.Validator.
func (val *Validator) Validate(i interface{}) error {
	return val.Struct(i)
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "date":
		return fmt.Sprintf("%s must be a date in YYYY-MM-DD format, got %q", field, fe.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, strings.Join(strings.Fields(fe.Param()), ", "))
	default:
		return fmt.Sprintf("%s has invalid value %v", field, fe.Value())
	}
}
