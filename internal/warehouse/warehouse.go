// Package warehouse is the append-only analytical record of the service:
// feedback rows land here at submission time and feed the analytics endpoint
// plus the extraction improvement context.
package warehouse

import (
	"context"
	"time"
)

// FeedbackRow is one stored feedback submission.
type FeedbackRow struct {
	ID              int64
	SessionID       string
	Rating          int
	Comment         string
	AudioURI        string
	GraphURI        string
	EntitiesCount   int
	RelationsCount  int
	DurationSeconds int
	CreatedAt       time.Time
}

// Analytics aggregates the feedback table.
type Analytics struct {
	TotalCount         int         `json:"totalCount"`
	AverageRating      float64     `json:"averageRating"`
	RatingDistribution map[int]int `json:"ratingDistribution"`
	NeedsImprovement   bool        `json:"needsImprovement"`
}

// improvementThreshold is the average rating below which extraction guidance
// is generated from recent feedback.
const improvementThreshold = 3.0

// Warehouse stores and aggregates feedback rows.
type Warehouse interface {
	// InsertFeedback appends one row.
	InsertFeedback(ctx context.Context, row FeedbackRow) error

	// RecentFeedback returns the newest rows, newest first.
	RecentFeedback(ctx context.Context, limit int) ([]FeedbackRow, error)

	// LowRatingFeedback returns the newest rows with rating <= maxRating,
	// newest first.
	LowRatingFeedback(ctx context.Context, maxRating, limit int) ([]FeedbackRow, error)

	// FeedbackAnalytics aggregates the whole table.
	FeedbackAnalytics(ctx context.Context) (*Analytics, error)
}
