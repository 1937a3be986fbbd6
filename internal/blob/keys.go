package blob

import (
	"amrcore/pkg/domain"
	"fmt"
	"strings"
)

const (
	// ModelPrefix roots every classifier artifact.
	ModelPrefix = "models/"
	// UploadPrefix roots staged upload payloads.
	UploadPrefix = "uploads/"
)

// ModelKey is the artifact key of one drug's classifier within a group version.
func ModelKey(class domain.InstrumentClass, version int, drug string) string {
	return fmt.Sprintf("%s%s/version_%d/%s.json", ModelPrefix, class, version, sanitizeSegment(drug))
}

// ModelVersionPrefix covers every artifact written for one group version.
func ModelVersionPrefix(class domain.InstrumentClass, version int) string {
	return fmt.Sprintf("%s%s/version_%d/", ModelPrefix, class, version)
}

// UploadKey is the staging key for a submitted CSV.
func UploadKey(id string) string {
	return UploadPrefix + id + ".csv"
}

// sanitizeSegment keeps free-text drug names inside one path segment.
func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("/", "_", " ", "_", "..", "_").Replace(s)
}
