// Package validators checks request fields at the HTTP boundary. Each
// validator returns nil for an acceptable value and a Violation naming the
// field otherwise; Check folds any violations into a single VALIDATION_ERROR
// application error with one detail per field. Domain rules stay in the
// aggregates; this package only rejects requests that are malformed on their
// face.
package validators

import (
	"fmt"

	"github.com/asaskevich/govalidator"

	"github.com/libris/circulation/pkg/domain"
)

// Violation names one rejected request field.
type Violation struct {
	Field   string
	Message string
}

// Required rejects empty strings.
func Required(field, value string) *Violation {
	if value == "" {
		return &Violation{Field: field, Message: fmt.Sprintf("%s is required", field)}
	}
	return nil
}

// UUID rejects values that don't parse as a UUID. Aggregate identifiers in
// paths are always UUIDs, so this catches mangled URLs before any I/O.
func UUID(field, value string) *Violation {
	if !govalidator.IsUUID(value) {
		return &Violation{Field: field, Message: fmt.Sprintf("%s must be a UUID", field)}
	}
	return nil
}

// ISBN accepts both ISBN-10 and ISBN-13 forms, with or without hyphens.
func ISBN(field, value string) *Violation {
	if !govalidator.IsISBN10(value) && !govalidator.IsISBN13(value) {
		return &Violation{Field: field, Message: fmt.Sprintf("%s must be a valid ISBN", field)}
	}
	return nil
}

// Check merges violations into one application error, nil when every check
// passed. Later violations for the same field overwrite earlier ones.
func Check(violations ...*Violation) error {
	var app *domain.AppError
	for _, v := range violations {
		if v == nil {
			continue
		}
		if app == nil {
			app = domain.NewAppError(domain.CodeValidationError, "request validation failed")
		}
		app = app.WithDetail(v.Field, v.Message)
	}
	if app == nil {
		return nil
	}
	return app
}
