package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, ValidationErrorToString(value, err)
	}

	return value, nil
}

func ValidateValue(value any, tag string) error {
	err := validate.Var(value, tag)
	if err != nil {
		return ValidationErrorToString(value, err)
	}
	return nil
}

func ValidationErrorToString(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s=%s'", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid %T: %s", input, strings.Join(msgs, "; "))
}
