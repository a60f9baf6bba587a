package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/suite"

	"replica_dashboard/internal/domain"
)

type StoreTestSuite struct {
	suite.Suite
	ctx      context.Context
	db       *sqlx.DB
	schema   *Schema
	items    *ItemStore
	sources  *SourceStore
	topics   *TopicStore
	feedback *FeedbackStore
	tx       *TransactionManager
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()

	db, err := Open(":memory:")
	s.Require().NoError(err)
	s.db = db

	s.schema = NewSchema(db)
	s.Require().NoError(s.schema.Migrate(s.ctx))

	s.items = NewItemStore(db)
	s.sources = NewSourceStore(db)
	s.topics = NewTopicStore(db)
	s.feedback = NewFeedbackStore(db)
	s.tx = NewTransactionManager(db)
}

func (s *StoreTestSuite) TearDownTest() {
	s.db.Close()
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func ptr[T any](v T) *T {
	return &v
}

func (s *StoreTestSuite) item(id string, published time.Time) *domain.ContentItem {
	return &domain.ContentItem{
		ID:          id,
		SourceID:    "src-1",
		Kind:        domain.KindPaper,
		Title:       "Title " + id,
		URL:         "https://example.com/" + id,
		Summary:     ptr("summary"),
		PublishedAt: &published,
		CreatedAt:   published,
		UpdatedAt:   published,
		Topics:      []string{"ml"},
		RawMetadata: json.RawMessage(`{"doi":"10.1/` + id + `"}`),
	}
}

func (s *StoreTestSuite) count(table string) int {
	var n int
	s.Require().NoError(s.db.Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

func (s *StoreTestSuite) TestMigrate_Idempotent() {
	s.NoError(s.schema.Migrate(s.ctx))
	s.NoError(s.schema.Migrate(s.ctx))
	s.Equal(0, s.count("content_items"))
}

func (s *StoreTestSuite) TestItemUpsert_RoundTrip() {
	at := time.Date(2024, 3, 1, 10, 30, 0, 123456000, time.UTC)
	want := s.item("a", at)
	s.Require().NoError(s.items.Upsert(s.ctx, want))

	got, err := s.items.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)

	if diff := cmp.Diff(*want, got[0]); diff != "" {
		s.Failf("item mismatch", "(-want +got):\n%s", diff)
	}
}

func (s *StoreTestSuite) TestItemUpsert_ReplayIsIdempotent() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	item := s.item("a", at)

	s.Require().NoError(s.items.Upsert(s.ctx, item))
	s.Require().NoError(s.items.Upsert(s.ctx, item))

	item.Title = "Updated"
	s.Require().NoError(s.items.Upsert(s.ctx, item))

	got, err := s.items.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("Updated", got[0].Title)
}

func (s *StoreTestSuite) TestItemDelete() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.items.Upsert(s.ctx, s.item("a", at)))

	s.NoError(s.items.Delete(s.ctx, "a"))
	s.NoError(s.items.Delete(s.ctx, "a"))
	s.Equal(0, s.count("content_items"))
}

func (s *StoreTestSuite) TestItemList_OrderAndFallback() {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	undated := s.item("c", base.Add(2*time.Hour))
	undated.PublishedAt = nil

	s.Require().NoError(s.items.Upsert(s.ctx, s.item("b", base)))
	s.Require().NoError(s.items.Upsert(s.ctx, s.item("a", base)))
	s.Require().NoError(s.items.Upsert(s.ctx, s.item("d", base.Add(time.Hour))))
	s.Require().NoError(s.items.Upsert(s.ctx, undated))

	got, err := s.items.List(s.ctx)
	s.Require().NoError(err)

	ids := make([]string, len(got))
	for i, item := range got {
		ids[i] = item.ID
	}
	s.Equal([]string{"c", "d", "a", "b"}, ids)
	s.Nil(got[0].PublishedAt)
}

func (s *StoreTestSuite) TestItemList_MergesTopicTags() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	item := s.item("a", at)
	item.Topics = []string{"ml", "nlp"}
	s.Require().NoError(s.items.Upsert(s.ctx, item))

	s.Require().NoError(s.topics.Upsert(s.ctx, &domain.ItemTopic{ID: "t1", ItemID: "a", Topic: "agents", CreatedAt: at}))
	s.Require().NoError(s.topics.Upsert(s.ctx, &domain.ItemTopic{ID: "t2", ItemID: "a", Topic: "ml", CreatedAt: at}))
	s.Require().NoError(s.topics.Upsert(s.ctx, &domain.ItemTopic{ID: "t3", ItemID: "other", Topic: "robotics", CreatedAt: at}))

	got, err := s.items.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal([]string{"agents", "ml", "nlp"}, got[0].Topics)

	s.Require().NoError(s.topics.Delete(s.ctx, "t1"))
	got, err = s.items.List(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"ml", "nlp"}, got[0].Topics)
}

func (s *StoreTestSuite) TestMaxTimestamp() {
	_, ok, err := s.items.MaxTimestamp(s.ctx, "created_at")
	s.NoError(err)
	s.False(ok)

	older := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	s.Require().NoError(s.items.Upsert(s.ctx, s.item("a", newer)))
	s.Require().NoError(s.items.Upsert(s.ctx, s.item("b", older)))

	latest, ok, err := s.items.MaxTimestamp(s.ctx, "created_at")
	s.NoError(err)
	s.True(ok)
	s.True(newer.Equal(latest))
}

func (s *StoreTestSuite) TestMaxTimestamp_RejectsUnknownColumn() {
	_, _, err := s.items.MaxTimestamp(s.ctx, "title; DROP TABLE content_items")
	s.Error(err)
	s.Contains(err.Error(), "unsupported timestamp column")
}

func (s *StoreTestSuite) TestReset_EmptiesReplica() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.items.Upsert(s.ctx, s.item("a", at)))
	s.Require().NoError(s.sources.Upsert(s.ctx, &domain.Source{ID: "src-1", Name: "arXiv", Type: domain.SourceTypeAPI, Kind: domain.KindPaper, Active: true}))
	s.Require().NoError(s.topics.Upsert(s.ctx, &domain.ItemTopic{ID: "t1", ItemID: "a", Topic: "ml", CreatedAt: at}))
	s.Require().NoError(s.feedback.Record(s.ctx, "u1", "a", 1, at))

	s.Require().NoError(s.schema.Reset(s.ctx))

	s.Equal(0, s.count("content_items"))
	s.Equal(0, s.count("sources"))
	s.Equal(0, s.count("item_topics"))
	s.Equal(0, s.count("feedback"))

	s.NoError(s.items.Upsert(s.ctx, s.item("b", at)))
}

func (s *StoreTestSuite) TestSourceUpsertAndList() {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.sources.Upsert(s.ctx, &domain.Source{
		ID:            "s2",
		Name:          "Zeta Weekly",
		Type:          domain.SourceTypeFeed,
		Kind:          domain.KindNewsletter,
		Active:        false,
		PollFrequency: ptr("1 day"),
		Meta:          json.RawMessage(`{"weight":1.5}`),
		CreatedAt:     &created,
	}))
	s.Require().NoError(s.sources.Upsert(s.ctx, &domain.Source{
		ID:     "s1",
		Name:   "Alpha Papers",
		Type:   domain.SourceTypeAPI,
		Kind:   domain.KindPaper,
		Active: true,
	}))

	got, err := s.sources.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 2)

	s.Equal("s1", got[0].ID)
	s.True(got[0].Active)
	s.JSONEq(`{}`, string(got[0].Meta))
	s.Nil(got[0].CreatedAt)

	s.Equal("s2", got[1].ID)
	s.False(got[1].Active)
	s.Equal("1 day", *got[1].PollFrequency)
	weight, ok := got[1].Weight()
	s.True(ok)
	s.Equal(1.5, weight)
	s.True(created.Equal(*got[1].CreatedAt))

	s.NoError(s.sources.Delete(s.ctx, "s2"))
	got, err = s.sources.List(s.ctx)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *StoreTestSuite) TestFeedback_LastWriteWins() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.feedback.Record(s.ctx, "u1", "a", 1, at))
	s.Require().NoError(s.feedback.Record(s.ctx, "u1", "a", -1, at.Add(time.Minute)))
	s.Require().NoError(s.feedback.Record(s.ctx, "u1", "b", 0, at))
	s.Require().NoError(s.feedback.Record(s.ctx, "u2", "a", 1, at))

	scores, err := s.feedback.ByUser(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal(map[string]int{"a": -1, "b": 0}, scores)

	s.Equal(3, s.count("feedback"))
}

func (s *StoreTestSuite) TestFeedback_RecordRejectsInvalidScore() {
	err := s.feedback.Record(s.ctx, "u1", "a", 2, time.Now())
	s.ErrorIs(err, domain.ErrInvalidScore)
	s.Equal(0, s.count("feedback"))
}

func (s *StoreTestSuite) TestFeedback_Engagement() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.feedback.Record(s.ctx, "u1", "a", 1, at))
	s.Require().NoError(s.feedback.Record(s.ctx, "u2", "a", 1, at))
	s.Require().NoError(s.feedback.Record(s.ctx, "u3", "a", -1, at))
	s.Require().NoError(s.feedback.Record(s.ctx, "u1", "b", 0, at))

	eng, err := s.feedback.Engagement(s.ctx)
	s.Require().NoError(err)
	s.Equal(map[string]domain.Engagement{
		"a": {Likes: 2, Dislikes: 1},
		"b": {Likes: 0, Dislikes: 0},
	}, eng)

	s.NoError(s.feedback.Delete(s.ctx, "u3", "a"))
	eng, err = s.feedback.Engagement(s.ctx)
	s.Require().NoError(err)
	s.Equal(domain.Engagement{Likes: 2}, eng["a"])
}

func (s *StoreTestSuite) TestTransaction_RollsBackOnError() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := s.tx.WithTransaction(s.ctx, func(ctx context.Context) error {
		if err := s.items.Upsert(ctx, s.item("a", at)); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)
	s.Equal(0, s.count("content_items"))

	err = s.tx.WithTransaction(s.ctx, func(ctx context.Context) error {
		return s.items.Upsert(ctx, s.item("a", at))
	})
	s.NoError(err)
	s.Equal(1, s.count("content_items"))
}

func (s *StoreTestSuite) TestTransaction_NestedCallJoinsOuter() {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	err := s.tx.WithTransaction(s.ctx, func(ctx context.Context) error {
		outer := GetTxFromContext(ctx)
		return s.tx.WithTransaction(ctx, func(inner context.Context) error {
			s.Same(outer, GetTxFromContext(inner))
			return s.items.Upsert(inner, s.item("a", at))
		})
	})
	s.NoError(err)
	s.Equal(1, s.count("content_items"))
}
