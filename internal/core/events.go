package core

// EventKind names a class of change notification.
type EventKind string

const (
	EventEntityChanged  EventKind = "entity-changed"
	EventEntityError    EventKind = "entity-error"
	EventLookupResolved EventKind = "lookup-resolved"
)

// Batch is one coalesced notification.
type Batch struct {
	Kind     EventKind  `json:"kind"`
	Entities []EntityID `json:"entities"`
}
