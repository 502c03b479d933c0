// Package knowledge defines the structured record produced by the extractor
// and consumed by the store writer, together with its validation rules.
package knowledge

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Score bounds for a record. The score reflects the judged value of the
// article, not a confidence measure.
const (
	ScoreMin = 0
	ScoreMax = 100
)

// Record is the canonical structured output of the extractor. A Record that
// does not pass Validate must never reach the store.
type Record struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	CriticalPoints []string `json:"critical_points"`
	Tags           []string `json:"tags"`
	Score          int      `json:"score"`
	SourceURL      string   `json:"source_url"`
}

// Validate checks field presence, types, and the score range. The returned
// error text is fed back to the model as corrective context on retry, so it
// names the offending field.
func (r *Record) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Title, validation.Required),
		validation.Field(&r.Summary, validation.Required),
		validation.Field(&r.CriticalPoints,
			validation.Required,
			validation.Each(validation.Required, validation.Length(1, 2000)),
		),
		validation.Field(&r.Tags,
			validation.Each(validation.Required, validation.Length(1, 64)),
		),
		validation.Field(&r.Score, validation.Min(ScoreMin), validation.Max(ScoreMax)),
		validation.Field(&r.SourceURL, validation.Required, is.URL),
	)
}

// StoreResult describes the outcome of one idempotent write.
type StoreResult struct {
	RecordID  string
	RecordURL string
	WasUpdate bool
}
