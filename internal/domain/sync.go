package domain

import (
	"errors"
	"time"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrInvalidScore   = errors.New("score must be -1, 0 or 1")
	ErrUnknownEntity  = errors.New("unknown entity")
)

// SyncEventType names a visible sync lifecycle transition.
type SyncEventType string

const (
	SyncEventReady          SyncEventType = "ready"
	SyncEventReset          SyncEventType = "reset"
	SyncEventLoadingCleared SyncEventType = "loading_cleared"
	SyncEventShapeErrored   SyncEventType = "shape_errored"
)

type SyncEvent struct {
	Type      SyncEventType
	SessionID string
	Shape     string
	Timestamp time.Time
}
