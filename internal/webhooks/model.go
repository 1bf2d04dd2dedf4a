package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the daemon.
const (
	EventEntryAppended    = "entry.appended"
	EventChainViolation   = "chain.violation"
	EventSnapshotExported = "snapshot.exported"
	EventKeyRotated       = "key.rotated"
)

// KnownEvents lists every event type a subscription may select.
var KnownEvents = []string{
	EventEntryAppended,
	EventChainViolation,
	EventSnapshotExported,
	EventKeyRotated,
}

// KnownEvent reports whether eventType is a dispatchable event.
func KnownEvent(eventType string) bool {
	for _, e := range KnownEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// Subscription represents a registered webhook destination.
//
// When TokenURL is set, deliveries fetch an OAuth2 client-credentials
// bearer token before posting; ClientSecret, like the HMAC Secret, is
// never returned in API responses.
type Subscription struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	URL          string    `json:"url"           db:"url"`
	Events       []string  `json:"events"        db:"events"`
	Secret       string    `json:"-"             db:"secret"`
	TokenURL     string    `json:"token_url,omitempty" db:"token_url"`
	ClientID     string    `json:"client_id,omitempty" db:"client_id"`
	ClientSecret string    `json:"-"             db:"client_secret"`
	Active       bool      `json:"active"        db:"active"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}

// Event is dispatched to matching subscriptions.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             uuid.UUID `json:"id"              db:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id" db:"subscription_id"`
	EventType      string    `json:"event_type"      db:"event_type"`
	Payload        []byte    `json:"-"               db:"payload"`
	StatusCode     int       `json:"status_code"     db:"status_code"`
	Attempt        int       `json:"attempt"         db:"attempt"`
	Success        bool      `json:"success"         db:"success"`
	ErrorMessage   string    `json:"error_message"   db:"error_message"`
	DeliveredAt    time.Time `json:"delivered_at"    db:"delivered_at"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL          string   `json:"url"    binding:"required,url"`
	Events       []string `json:"events" binding:"required"`
	TokenURL     string   `json:"token_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
}
