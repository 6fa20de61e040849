package models

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	carpoolIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	clockPattern     = regexp.MustCompile(`^[0-9][0-9]:[0-5][0-9](:[0-5][0-9])?$`)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report json field names so errors match what the client sent
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("carpoolid", func(fl validator.FieldLevel) bool {
		return carpoolIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("clocktime", func(fl validator.FieldLevel) bool {
		return clockPattern.MatchString(fl.Field().String())
	})

	return v
}

// Validate checks the struct tags of a configuration entity.
func Validate(v any) error {
	return validate.Struct(v)
}

// ValidateOffer checks an offer and wraps any violation in a *ParseError.
func ValidateOffer(o Offer) error {
	err := validate.Struct(o)
	if err == nil && o.DepartureDate.IsZero() {
		err = errors.New("departureDate is required")
	}
	if err != nil {
		return &ParseError{Agency: o.Agency, OfferID: o.ID, Err: err}
	}
	return nil
}

// FieldErrors flattens a validation error into field name -> messages.
func FieldErrors(err error) map[string][]string {
	fieldErrors := make(map[string][]string)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if err != nil {
			fieldErrors["body"] = []string{err.Error()}
		}
		return fieldErrors
	}

	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msg := fmt.Sprintf("Invalid field value for field %q (%s).", field, fe.Tag())
		fieldErrors[field] = append(fieldErrors[field], msg)
	}
	return fieldErrors
}
