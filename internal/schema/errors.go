package schema

import (
	"errors"
	"fmt"
)

// SchemaError indicates the ui-specification document is missing structure
// the export depends on. It is always fatal: field-name resolution cannot
// proceed safely on a partial schema.
type SchemaError struct {
	// Key is the document key that was missing or malformed.
	Key string

	// Err is the underlying decode error, if any.
	Err error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ui-specification: invalid %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("ui-specification: missing %q", e.Key)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
