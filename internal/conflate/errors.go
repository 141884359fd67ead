package conflate

import (
	"errors"
	"fmt"
)

// IntegrityError indicates the relationship pass referenced a record that
// reconstruction never saw. This means the revision graph or the fetch was
// incomplete, so it is surfaced as fatal rather than defaulted away.
type IntegrityError struct {
	RecordID  string // record whose relationship could not be resolved
	MissingID string // referenced record id that was never reconstructed
	Kind      string // "parent" or "linked"
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("record %s: %s record %s was never reconstructed", e.RecordID, e.Kind, e.MissingID)
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// PartialFieldError is a failure normalizing one field of one record.
// It is contained at the field: the field is dropped from the snapshot,
// the error is recorded in the run summary, and processing continues.
type PartialFieldError struct {
	RecordID string
	AVPID    string
	Element  string
	Label    string
	Err      error
}

func (e *PartialFieldError) Error() string {
	return fmt.Sprintf("record %s field %s (%s, avp %s): %v", e.RecordID, e.Element, e.Label, e.AVPID, e.Err)
}

func (e *PartialFieldError) Unwrap() error {
	return e.Err
}
