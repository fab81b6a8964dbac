package events

import (
	"gigline/internal/docstore"
	"gigline/internal/repo"
)

const (
	GigCreated          = "gig.created"
	GigAccepted         = "gig.accepted"
	GigStatusUpdated    = "gig.status_updated"
	UserRegistered      = "user.registered"
	UserUpdated         = "user.updated"
	UserVerified        = "user.phone_verified"
	HomeCreated         = "home.created"
	HomeOccupantAdded   = "home.occupant_added"
	HomeOccupantRemoved = "home.occupant_removed"
	PaymentCreated      = "payment.created"
)

type Writer struct{}

type EventPayload map[string]any

// Append buffers an audit event into tx so that it commits with the change it
// describes.
func (w Writer) Append(tx *docstore.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) {
	if payload == nil {
		payload = EventPayload{}
	}
	ref := repo.EventsCollection().NewDoc()
	tx.Create(ref, docstore.Data{
		"id":          ref.ID,
		"ts":          docstore.ServerTimestamp,
		"type":        evtType,
		"entity_kind": entityKind,
		"entity_id":   entityID,
		"actor_id":    actorID,
		"payload":     map[string]any(payload),
	})
}
