package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Entity identifies the local table a shape is replicated into.
type Entity string

const (
	EntityItems    Entity = "items"
	EntitySources  Entity = "sources"
	EntityTopics   Entity = "topics"
	EntityFeedback Entity = "feedback"
)

func (e Entity) Valid() bool {
	switch e {
	case EntityItems, EntitySources, EntityTopics, EntityFeedback:
		return true
	}
	return false
}

// Shape is a named, filtered, ordered subscription to one authoritative
// table.
type Shape struct {
	Name    string
	Table   string
	Entity  Entity
	Where   string
	OrderBy string
}

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseStreaming Phase = "streaming"
	PhaseUpToDate  Phase = "up_to_date"
	PhaseErrored   Phase = "errored"
)

type ShapeState struct {
	Name                       string
	Phase                      Phase
	LastAppliedServerTimestamp time.Time
	Err                        error
}

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

const ControlUpToDate = "up-to-date"

// Message is one element of a shape stream.
type Message struct {
	Op      Operation       `json:"op,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Control string          `json:"control,omitempty"`
	Offset  string          `json:"offset,omitempty"`
}

func (m Message) IsUpToDate() bool {
	return m.Control == ControlUpToDate
}

func (m Message) IsControl() bool {
	return m.Control != ""
}

// Stream yields batches of messages for one shape subscription.
type Stream interface {
	Next(ctx context.Context) ([]Message, error)
	Close() error
}

// ChangeEvent is a decoded data message, ready to be applied to the replica.
// Exactly one of the entity pointers is set.
type ChangeEvent struct {
	Entity   Entity
	Op       Operation
	Item     *ContentItem
	Source   *Source
	Topic    *ItemTopic
	Feedback *Feedback
}

// ServerTimestamp is the newest timestamp the event carries, used to track
// how far a shape has been applied.
func (e *ChangeEvent) ServerTimestamp() time.Time {
	switch {
	case e.Item != nil:
		if e.Item.UpdatedAt.After(e.Item.CreatedAt) {
			return e.Item.UpdatedAt
		}
		return e.Item.CreatedAt
	case e.Source != nil && e.Source.UpdatedAt != nil:
		return *e.Source.UpdatedAt
	case e.Topic != nil:
		return e.Topic.CreatedAt
	case e.Feedback != nil:
		return e.Feedback.RecordedAt
	}
	return time.Time{}
}
