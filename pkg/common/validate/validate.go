// Package validate wraps go-playground/validator with English translations so
// field errors read as sentences keyed by their wire names.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"
)

// Validator validates structs and translates failures.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

// New returns a Validator that names fields after the given struct tag
// (json, mapstructure...). Fields without the tag keep their Go name.
func New(tagName string) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic("validate: en translator was not found")
	}
	if err := enTranslation.RegisterDefaultTranslations(v, translator); err != nil {
		panic(fmt.Errorf("validate: registering translations: %w", err))
	}

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get(tagName), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return &Validator{validate: v, translator: translator}
}

// Error is returned when one or more fields fail validation.
type Error struct {
	Fields validator.ValidationErrors
	msg    string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.Fields }

// Struct validates s. Field failures are returned as *Error; anything else
// (e.g. a non-struct argument) is returned as is.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fe.Translate(v.translator)
		if ns := fieldPath(fe.Namespace()); ns != "" && ns != fe.Field() {
			msg = ns + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return &Error{Fields: fieldErrs, msg: strings.Join(msgs, "; ")}
}

// fieldPath drops the top-level struct name from a validator namespace.
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		return ""
	}
	return path
}
