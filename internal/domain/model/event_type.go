package model

// EventType tags a recorded state transition.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventAmend  EventType = "AMEND"
	EventRemove EventType = "REMOVE"

	// EventPointlessAmend and EventRecreate never appear in the live
	// stream; they exist for symmetry and for exercising the mask logic.
	EventPointlessAmend EventType = "POINTLESS_AMEND"
	EventRecreate       EventType = "RECREATE"
)
