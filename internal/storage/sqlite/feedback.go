package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"replica_dashboard/internal/domain"
)

const upsertFeedbackQuery = `
	INSERT INTO feedback (user_id, item_id, score, recorded_at)
	VALUES (:user_id, :item_id, :score, :recorded_at)
	ON CONFLICT (user_id, item_id) DO UPDATE SET
		score = excluded.score,
		recorded_at = excluded.recorded_at`

type feedbackRow struct {
	UserID     string `db:"user_id"`
	ItemID     string `db:"item_id"`
	Score      int    `db:"score"`
	RecordedAt string `db:"recorded_at"`
}

type engagementRow struct {
	ItemID   string `db:"item_id"`
	Likes    int    `db:"likes"`
	Dislikes int    `db:"dislikes"`
}

type FeedbackStore struct {
	db *sqlx.DB
}

func NewFeedbackStore(db *sqlx.DB) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Upsert keeps one row per (user, item); the last write wins.
func (s *FeedbackStore) Upsert(ctx context.Context, f *domain.Feedback) error {
	row := feedbackRow{
		UserID:     f.UserID,
		ItemID:     f.ItemID,
		Score:      f.Score,
		RecordedAt: formatTime(f.RecordedAt),
	}
	if _, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), upsertFeedbackQuery, row); err != nil {
		return fmt.Errorf("upsert feedback %s/%s: %w", f.UserID, f.ItemID, err)
	}
	return nil
}

func (s *FeedbackStore) Delete(ctx context.Context, userID, itemID string) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM feedback WHERE user_id = ? AND item_id = ?`, userID, itemID)
	if err != nil {
		return fmt.Errorf("delete feedback %s/%s: %w", userID, itemID, err)
	}
	return nil
}

// Record stores feedback authored locally by the application.
func (s *FeedbackStore) Record(ctx context.Context, userID, itemID string, score int, at time.Time) error {
	if err := domain.ValidateScore(score); err != nil {
		return err
	}
	return s.Upsert(ctx, &domain.Feedback{
		UserID:     userID,
		ItemID:     itemID,
		Score:      score,
		RecordedAt: at,
	})
}

// ByUser returns the user's score per item id.
func (s *FeedbackStore) ByUser(ctx context.Context, userID string) (map[string]int, error) {
	var rows []feedbackRow
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows,
		`SELECT user_id, item_id, score, recorded_at FROM feedback WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("feedback by user: %w", err)
	}

	scores := make(map[string]int, len(rows))
	for _, r := range rows {
		scores[r.ItemID] = r.Score
	}
	return scores, nil
}

// Engagement aggregates likes and dislikes of every user per item.
func (s *FeedbackStore) Engagement(ctx context.Context) (map[string]domain.Engagement, error) {
	var rows []engagementRow
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, `
		SELECT
			item_id,
			SUM(CASE WHEN score = 1 THEN 1 ELSE 0 END) AS likes,
			SUM(CASE WHEN score = -1 THEN 1 ELSE 0 END) AS dislikes
		FROM feedback
		GROUP BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("engagement: %w", err)
	}

	out := make(map[string]domain.Engagement, len(rows))
	for _, r := range rows {
		out[r.ItemID] = domain.Engagement{Likes: r.Likes, Dislikes: r.Dislikes}
	}
	return out, nil
}
