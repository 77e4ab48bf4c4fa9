package risk

import "context"

// Store persists assessments.
type Store interface {
	// WriteAssessments upserts every assessment as a whole row.
	WriteAssessments(ctx context.Context, as []Assessment) error
	// CategoryCounts returns assessment counts per category for a county.
	CategoryCounts(ctx context.Context, county int) (map[Category]int, error)
	// Get returns one parcel's assessment, or nil if it was never scored.
	Get(ctx context.Context, county int, parcelID string) (*Assessment, error)
}
