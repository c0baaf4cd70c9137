package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlFeedback creates the feedback table and its indexes.
const ddlFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id               BIGSERIAL    PRIMARY KEY,
    session_id       TEXT         NOT NULL,
    rating           INT          NOT NULL,
    comment          TEXT         NOT NULL DEFAULT '',
    audio_uri        TEXT         NOT NULL DEFAULT '',
    graph_uri        TEXT         NOT NULL DEFAULT '',
    entities_count   INT          NOT NULL DEFAULT 0,
    relations_count  INT          NOT NULL DEFAULT 0,
    duration_seconds INT          NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_session_id ON feedback (session_id);
CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON feedback (created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_rating     ON feedback (rating);
`

// Postgres is the pgx-backed Warehouse. All operations are safe for
// concurrent use; the pool handles connection lifecycle.
type Postgres struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ Warehouse = (*Postgres)(nil)

// NewPostgres connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("warehouse: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("warehouse: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("warehouse: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlFeedback); err != nil {
		pool.Close()
		return nil, fmt.Errorf("warehouse: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InsertFeedback implements Warehouse.
func (p *Postgres) InsertFeedback(ctx context.Context, row FeedbackRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO feedback
			(session_id, rating, comment, audio_uri, graph_uri,
			 entities_count, relations_count, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.SessionID, row.Rating, row.Comment, row.AudioURI, row.GraphURI,
		row.EntitiesCount, row.RelationsCount, row.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("warehouse: insert feedback for %s: %w", row.SessionID, err)
	}
	return nil
}

// RecentFeedback implements Warehouse.
func (p *Postgres) RecentFeedback(ctx context.Context, limit int) ([]FeedbackRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, rating, comment, audio_uri, graph_uri,
		       entities_count, relations_count, duration_seconds, created_at
		FROM feedback
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("warehouse: query recent feedback: %w", err)
	}
	return collectRows(rows)
}

// LowRatingFeedback implements Warehouse.
func (p *Postgres) LowRatingFeedback(ctx context.Context, maxRating, limit int) ([]FeedbackRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, rating, comment, audio_uri, graph_uri,
		       entities_count, relations_count, duration_seconds, created_at
		FROM feedback
		WHERE rating <= $1
		ORDER BY created_at DESC
		LIMIT $2`, maxRating, limit)
	if err != nil {
		return nil, fmt.Errorf("warehouse: query low-rating feedback: %w", err)
	}
	return collectRows(rows)
}

// FeedbackAnalytics implements Warehouse.
func (p *Postgres) FeedbackAnalytics(ctx context.Context) (*Analytics, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT rating, COUNT(*)
		FROM feedback
		GROUP BY rating`)
	if err != nil {
		return nil, fmt.Errorf("warehouse: query analytics: %w", err)
	}
	defer rows.Close()

	distribution := map[int]int{}
	for rows.Next() {
		var rating, count int
		if err := rows.Scan(&rating, &count); err != nil {
			return nil, fmt.Errorf("warehouse: scan analytics row: %w", err)
		}
		distribution[rating] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: analytics rows: %w", err)
	}
	return buildAnalytics(distribution), nil
}

// buildAnalytics derives the aggregate view from a rating histogram.
func buildAnalytics(distribution map[int]int) *Analytics {
	a := &Analytics{RatingDistribution: distribution}
	sum := 0
	for rating, count := range distribution {
		a.TotalCount += count
		sum += rating * count
	}
	if a.TotalCount > 0 {
		a.AverageRating = float64(sum) / float64(a.TotalCount)
		a.NeedsImprovement = a.AverageRating < improvementThreshold
	}
	return a
}

func collectRows(rows pgx.Rows) ([]FeedbackRow, error) {
	defer rows.Close()
	var out []FeedbackRow
	for rows.Next() {
		var r FeedbackRow
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.Rating, &r.Comment, &r.AudioURI, &r.GraphURI,
			&r.EntitiesCount, &r.RelationsCount, &r.DurationSeconds, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan feedback row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: feedback rows: %w", err)
	}
	return out, nil
}
