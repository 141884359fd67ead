package conflate

import (
	"fmt"
	"io"
)

// SkippedRecord notes one record the run could not reconstruct.
type SkippedRecord struct {
	RecordID string
	Reason   string
}

// DroppedField notes one field dropped from an otherwise-good record.
type DroppedField struct {
	RecordID string
	AVPID    string
	Element  string
	Label    string
	Reason   string
}

// Summary accumulates what a run processed and what it had to skip.
// It is reported once at the end of a run, in addition to the per-event
// log lines emitted as skips happen.
type Summary struct {
	Records        int // records successfully reconstructed
	DeletedSkipped int // records skipped because their head is deleted
	Skipped        []SkippedRecord
	Dropped        []DroppedField
}

func (s *Summary) skipRecord(recordID, reason string) {
	s.Skipped = append(s.Skipped, SkippedRecord{RecordID: recordID, Reason: reason})
}

func (s *Summary) dropField(pfe *PartialFieldError) {
	s.Dropped = append(s.Dropped, DroppedField{
		RecordID: pfe.RecordID,
		AVPID:    pfe.AVPID,
		Element:  pfe.Element,
		Label:    pfe.Label,
		Reason:   pfe.Err.Error(),
	})
}

// Report writes a human-readable run summary.
func (s *Summary) Report(w io.Writer) {
	fmt.Fprintf(w, "records reconstructed: %d\n", s.Records)
	if s.DeletedSkipped > 0 {
		fmt.Fprintf(w, "deleted records skipped: %d\n", s.DeletedSkipped)
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintf(w, "records skipped: %d\n", len(s.Skipped))
		for _, sk := range s.Skipped {
			fmt.Fprintf(w, "  %s: %s\n", sk.RecordID, sk.Reason)
		}
	}
	if len(s.Dropped) > 0 {
		fmt.Fprintf(w, "fields dropped: %d\n", len(s.Dropped))
		for _, d := range s.Dropped {
			fmt.Fprintf(w, "  %s %s (%s): %s\n", d.RecordID, d.Element, d.Label, d.Reason)
		}
	}
}
