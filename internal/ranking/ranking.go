// Package ranking orders replica content for display. Everything here is a
// pure function of its arguments; the current time is passed in.
package ranking

import (
	"math"
	"sort"
	"time"

	"replica_dashboard/internal/domain"
)

const (
	DefaultHalfLife     = 168 * time.Hour
	DefaultSourceWeight = 1.0
	MinSourceWeight     = 0.1

	recencyWeight    = 0.6
	feedbackWeight   = 0.1
	engagementWeight = 0.2
	engagementScale  = 100.0
)

type Engine struct {
	halfLife      time.Duration
	sourceWeights map[string]float64
}

// NewEngine builds an engine with per-source weights keyed by source ID.
// A non-positive half-life selects the default of one week.
func NewEngine(halfLife time.Duration, sourceWeights map[string]float64) *Engine {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	weights := make(map[string]float64, len(sourceWeights))
	for id, w := range sourceWeights {
		weights[id] = w
	}
	return &Engine{halfLife: halfLife, sourceWeights: weights}
}

// Recency halves every half-life. Items dated in the future count as new.
func (e *Engine) Recency(now, publishedAt time.Time) float64 {
	age := now.Sub(publishedAt).Hours()
	if age < 0 {
		age = 0
	}
	return math.Max(0, math.Exp2(-age/e.halfLife.Hours()))
}

func FeedbackScore(score int) float64 {
	switch {
	case score > 0:
		return 1.0
	case score < 0:
		return -0.5
	}
	return 0
}

func EngagementScore(e domain.Engagement) float64 {
	net := float64(e.Likes - e.Dislikes)
	if net < 0 {
		net = 0
	}
	return math.Min(1, math.Max(0, net/engagementScale))
}

func (e *Engine) SourceWeight(sourceID string) float64 {
	w, ok := e.sourceWeights[sourceID]
	if !ok {
		return DefaultSourceWeight
	}
	return math.Max(MinSourceWeight, w)
}

// Score is the composite score of one item. feedback is the user's score
// for the item, 0 when absent.
func (e *Engine) Score(now time.Time, item *domain.ContentItem, feedback int, engagement domain.Engagement) float64 {
	composite := e.Recency(now, item.EffectivePublishedAt())*recencyWeight +
		(FeedbackScore(feedback)+1)*feedbackWeight +
		EngagementScore(engagement)*engagementWeight
	return composite * e.SourceWeight(item.SourceID)
}

// Rank scores items and returns them in display order: score descending,
// then effective publication time descending, then id ascending. Either map
// may be nil.
func (e *Engine) Rank(
	now time.Time,
	items []domain.ContentItem,
	feedbackByItemID map[string]int,
	engagementByItemID map[string]domain.Engagement,
) []domain.Ranked {
	ranked := make([]domain.Ranked, len(items))
	for i := range items {
		item := items[i]
		ranked[i] = domain.Ranked{
			Item:  item,
			Score: e.Score(now, &item, feedbackByItemID[item.ID], engagementByItemID[item.ID]),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		pa, pb := a.Item.EffectivePublishedAt(), b.Item.EffectivePublishedAt()
		if !pa.Equal(pb) {
			return pa.After(pb)
		}
		return a.Item.ID < b.Item.ID
	})

	return ranked
}

// WeightsFromSources collects source weights from source meta. Overrides
// are keyed by source ID or name and win over meta, ID over name; unmatched override keys
// are kept as IDs.
func WeightsFromSources(sources []domain.Source, overrides map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(sources)+len(overrides))
	matched := make(map[string]bool, len(overrides))

	for i := range sources {
		src := &sources[i]
		if w, ok := src.Weight(); ok {
			weights[src.ID] = w
		}
		if w, ok := overrides[src.Name]; ok {
			weights[src.ID] = w
			matched[src.Name] = true
		}
		if w, ok := overrides[src.ID]; ok {
			weights[src.ID] = w
			matched[src.ID] = true
		}
	}

	for key, w := range overrides {
		if !matched[key] {
			weights[key] = w
		}
	}
	return weights
}
