package tool

import (
	"fmt"
	"time"

	"propwatch/internal/domain"
)

// invalid builds an error that classifies as a validation failure.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return invalid("'%s' is required", name)
	}
	return nil
}

// RequireFields validates multiple required string fields at once.
// keys and values must alternate.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(kvs); i += 2 {
		if kvs[i+1] == "" {
			return invalid("'%s' is required", kvs[i])
		}
	}
	return nil
}

// ValidateRange checks that value is within [min, max].
func ValidateRange(name string, value, min, max float64) error {
	if value < min || value > max {
		return invalid("%s must be between %v and %v", name, min, max)
	}
	return nil
}

// ValidateEnum checks that value is one of the allowed values.
// An empty value is allowed (treated as "not set").
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid("invalid %s %q (want: %s)", name, value, joinComma(allowed))
}

// ParseDate parses a YYYY-MM-DD date. An empty value yields the zero time.
func ParseDate(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, invalid("%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
