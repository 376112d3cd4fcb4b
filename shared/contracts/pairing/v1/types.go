package v1

import (
	"errors"
	"fmt"
	"strings"
)

// Event constants (wire-stable).
const (
	// EventCreate opens a new pairing session (browser -> broker).
	EventCreate = "CREATE"
	// EventCreated returns the fresh pairing id to render as a QR code (broker -> browser).
	EventCreated = "CREATED"

	// EventResume rebinds a browser connection to an existing pairing session (browser -> broker).
	EventResume = "RESUME"
	// EventResumed confirms the rebind (broker -> browser).
	EventResumed = "RESUMED"

	// EventSubscribe announces that a mobile device scanned the code (mobile -> broker).
	EventSubscribe = "SUBSCRIBE"
	// EventSubscribed confirms the scan binding (broker -> mobile).
	EventSubscribed = "SUBSCRIBED"

	// EventAuth carries the pairing id and the validator-issued token (mobile -> broker).
	EventAuth = "AUTH"
	// EventAuthAck confirms the AUTH was accepted when the browser is briefly away (broker -> mobile).
	EventAuthAck = "AUTH_ACK"

	// EventAuthOK relays the token to the waiting browser (broker -> browser).
	EventAuthOK = "AUTH_OK"
	// EventExpired signals TTL expiry of a pairing session (broker -> browser).
	EventExpired = "EXPIRED"
	// EventFailed is a structured rejection for either role (broker -> client).
	EventFailed = "FAILED"
)

// Failure reason codes carried in FAILED messages.
const (
	ReasonNotFound             = "not_found"
	ReasonExpired              = "expired"
	ReasonConflict             = "conflict"
	ReasonAlreadyAuthenticated = "already_authenticated"
	ReasonBrowserGone          = "browser_gone"
	ReasonMalformedEvent       = "malformed_event"
	ReasonRateLimited          = "rate_limited"
	ReasonInternal             = "internal"
)

// AuthData is the payload of SUBSCRIBE, AUTH and RESUME messages.
// The uuid field holds the pairing identifier scanned from the QR code.
type AuthData struct {
	UUID  string `json:"uuid"`
	Token string `json:"token,omitempty"`
}

// Message is the canonical wire frame. Exactly one event per frame.
type Message struct {
	Event  string    `json:"event"`
	ID     string    `json:"id,omitempty"`
	Token  string    `json:"token,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Data   *AuthData `json:"data,omitempty"`
}

// Validate performs strict structural validation for an inbound Message.
// Server->client events are accepted too so clients can reuse the check.
func (m Message) Validate() error {
	ev := strings.TrimSpace(m.Event)
	if ev == "" {
		return errors.New("missing field: event")
	}

	switch ev {
	case EventCreate:
		return nil

	case EventResume, EventSubscribe:
		if m.Data == nil || strings.TrimSpace(m.Data.UUID) == "" {
			return fmt.Errorf("%s requires data.uuid", ev)
		}
		return nil

	case EventAuth:
		if m.Data == nil || strings.TrimSpace(m.Data.UUID) == "" {
			return errors.New("AUTH requires data.uuid")
		}
		if strings.TrimSpace(m.Data.Token) == "" {
			return errors.New("AUTH requires data.token")
		}
		return nil

	case EventCreated, EventResumed, EventSubscribed, EventAuthAck, EventExpired:
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("%s requires id", ev)
		}
		return nil

	case EventAuthOK:
		if strings.TrimSpace(m.Token) == "" {
			return errors.New("AUTH_OK requires token")
		}
		return nil

	case EventFailed:
		if strings.TrimSpace(m.Reason) == "" {
			return errors.New("FAILED requires reason")
		}
		return nil

	default:
		return fmt.Errorf("unknown event: %q", ev)
	}
}
