package dataset

import (
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeyFields are the report attributes that identify a duplicate submission.
type KeyFields struct {
	HN          string
	SubmittedAt time.Time
	Species     string
	SampleSite  string
	Genus       string
	IssuedAt    time.Time
}

// DuplicateKey hashes the case-folded key fields with day-truncated dates.
func DuplicateKey(k KeyFields) uint64 {
	h := xxhash.New()
	for _, part := range []string{
		strings.ToLower(strings.TrimSpace(k.HN)),
		NormalizeDate(k.SubmittedAt).Format(time.DateOnly),
		strings.ToLower(strings.TrimSpace(k.Species)),
		strings.ToLower(strings.TrimSpace(k.SampleSite)),
		strings.ToLower(strings.TrimSpace(k.Genus)),
		NormalizeDate(k.IssuedAt).Format(time.DateOnly),
	} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0x1f})
	}
	return h.Sum64()
}
