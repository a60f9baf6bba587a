package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the medium of a content item or source.
type Kind string

const (
	KindPaper      Kind = "paper"
	KindNewsletter Kind = "newsletter"
	KindBlog       Kind = "blog"
	KindSocial     Kind = "social"
)

// ParseKind normalises the kind names used by the ingestion side.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "paper":
		return KindPaper, nil
	case "newsletter":
		return KindNewsletter, nil
	case "blog":
		return KindBlog, nil
	case "social", "tweet":
		return KindSocial, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, s)
}

// SourceType says how a source is ingested.
type SourceType string

const (
	SourceTypeFeed   SourceType = "feed"
	SourceTypeAPI    SourceType = "api"
	SourceTypeManual SourceType = "manual"
)

func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "feed", "rss":
		return SourceTypeFeed, nil
	case "api", "arxiv", "twitter_api":
		return SourceTypeAPI, nil
	case "manual":
		return SourceTypeManual, nil
	}
	return "", fmt.Errorf("%w: unknown source type %q", ErrMalformedEvent, s)
}

type ContentItem struct {
	ID          string
	SourceID    string
	Kind        Kind
	Title       string
	URL         string
	Summary     *string
	Body        *string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Topics      []string
	RawMetadata json.RawMessage
}

// EffectivePublishedAt falls back to CreatedAt when the item carries no
// publication date.
func (c *ContentItem) EffectivePublishedAt() time.Time {
	if c.PublishedAt != nil && !c.PublishedAt.IsZero() {
		return *c.PublishedAt
	}
	return c.CreatedAt
}

type Source struct {
	ID            string
	Name          string
	Type          SourceType
	Kind          Kind
	Active        bool
	PollFrequency *string
	Meta          json.RawMessage
	CreatedAt     *time.Time
	UpdatedAt     *time.Time
}

// Weight reads the optional ranking weight from the source meta payload.
func (s *Source) Weight() (float64, bool) {
	if len(s.Meta) == 0 {
		return 0, false
	}
	var meta struct {
		Weight *float64 `json:"weight"`
	}
	if err := json.Unmarshal(s.Meta, &meta); err != nil || meta.Weight == nil {
		return 0, false
	}
	return *meta.Weight, true
}

// ItemTopic is a single row of the topic-tags table.
type ItemTopic struct {
	ID        string
	ItemID    string
	Topic     string
	CreatedAt time.Time
}

type Feedback struct {
	UserID     string
	ItemID     string
	Score      int
	RecordedAt time.Time
}

func ValidateScore(score int) error {
	if score < -1 || score > 1 {
		return fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	return nil
}

// Engagement aggregates feedback of all users for one item.
type Engagement struct {
	Likes    int
	Dislikes int
}

// Ranked pairs an item with its composite score.
type Ranked struct {
	Item  ContentItem
	Score float64
}
