package conflate

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/roach88/fieldtrip/internal/slug"
)

// Attachment filename layout:
//
//	<form>/<field label>/<identifier>.<field label>.<n><ext>
//
// The counter restarts at 1 per field, so the names a record's photos get
// depend only on the record and field, never on export-wide ordering.

const (
	attachDirMax  = 128
	attachNameMax = 64
)

// expandAttachments writes a field's attachments through the sink and
// records their relative paths on the field. Undecodable payloads are
// skipped with a log line; a corrupt upload should not abort the export.
func (r *Run) expandAttachments(formName, identifier string, f *Field, sink AttachmentSink) {
	if sink == nil || len(f.Attachments) == 0 {
		return
	}

	dir := path.Join(slug.MakeMax(formName, attachDirMax), slug.MakeMax(f.Label, attachDirMax))
	base := slug.MakeMax(identifier, attachDirMax) + "." + slug.MakeMax(f.Label, attachNameMax)

	n := 0
	for _, att := range f.Attachments {
		data, contentType, err := decodeDataURI(att.URI)
		if err != nil {
			r.log.Warn("attachment decode failed",
				"record_id", f.RecordID, "field", f.Label, "error", err)
			continue
		}
		n++

		name := fmt.Sprintf("%s.%d%s", base, n, attachmentExtension(att.Filename, contentType))
		if err := sink.Add(dir, name, data); err != nil {
			r.log.Warn("attachment write failed",
				"record_id", f.RecordID, "field", f.Label, "name", name, "error", err)
			continue
		}
		f.AttachedFiles = append(f.AttachedFiles, path.Join(dir, name))
	}
}

// decodeDataURI splits a data: URI into payload and media type.
func decodeDataURI(uri string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, "", fmt.Errorf("not a data uri")
	}
	contentType := strings.TrimPrefix(header, "data:")
	contentType = strings.TrimSuffix(contentType, ";base64")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode payload: %w", err)
	}
	return data, contentType, nil
}

// attachmentExtension derives a file suffix. The uploaded filename wins when
// present; otherwise the media type picks a conventional extension.
func attachmentExtension(filename, contentType string) string {
	if filename != "" {
		parts := strings.Split(filename, ".")
		if len(parts) > 1 {
			cleaned := make([]string, 0, len(parts)-1)
			for _, p := range parts[1:] {
				cleaned = append(cleaned, slug.MakeMax(p, attachNameMax))
			}
			return "." + strings.Join(cleaned, ".")
		}
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		sort.Strings(exts)
		return exts[0]
	}
	return ""
}
