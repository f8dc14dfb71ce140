package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/keyxmakerx/coursehub/internal/apperror"
)

// validate is the shared validator instance. Initialized once; safe for
// concurrent use after that.
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator, reporting fields by their JSON
// name and knowing the custom "role" rule.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})

		// Registration only fails on an empty tag name, which is a
		// programming error.
		if err := v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
			_, ok := ParseRole(fl.Field().String())
			return ok
		}); err != nil {
			panic(err)
		}

		validate = v
	})
	return validate
}

// validateInput checks input against its validate tags. Failures become a
// 400 apperror with one entry per offending field, worded by the field's
// msg_<rule> tag for the failed rule, else its msg tag.
func validateInput(input any) error {
	err := getValidator().Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.NewInternal(fmt.Errorf("validating %T: %w", input, err))
	}

	t := reflect.Indirect(reflect.ValueOf(input)).Type()
	fields := make([]apperror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperror.FieldError{
			Field:   fe.Field(),
			Message: fieldMessage(t, fe),
		})
	}
	return apperror.NewValidation(fields)
}

// fieldMessage returns the message for the failed rule, falling back to
// the field's msg tag and then to a generic message.
func fieldMessage(t reflect.Type, fe validator.FieldError) string {
	if sf, ok := t.FieldByName(fe.StructField()); ok {
		if msg := sf.Tag.Get("msg_" + fe.Tag()); msg != "" {
			return msg
		}
		if msg := sf.Tag.Get("msg"); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
