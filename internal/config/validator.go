package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate runs struct-tag validation over the resolved upstream set and
// bridge block, plus the cross-field rules the tags cannot express.
func (r *Resolved) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(&r.Bridge); err != nil {
		return formatValidationErrors(err)
	}

	for name, entry := range r.Upstreams {
		if err := v.Struct(&entry); err != nil {
			return fmt.Errorf("upstream %q: %w", name, formatValidationErrors(err))
		}
		if entry.IsStdio() && entry.URL != "" {
			return fmt.Errorf("upstream %q: specify command OR url, not both", name)
		}
		if !entry.IsStdio() && entry.Type == "" {
			return fmt.Errorf("upstream %q: HTTP entries require an explicit type", name)
		}
	}

	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required", "required_without":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
