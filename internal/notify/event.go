// Package notify carries security alerts to the out-of-band notification pipeline. Delivery is
// at-least-once; consumers de-duplicate by Event.ID.
package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"campus-auth/backend/internal/session/domain"
)

// Type discriminates Event payloads.
type Type string

const (
	TypeNewDeviceAlert  Type = "new_device_alert"
	TypeTokenReuseAlert Type = "token_reuse_alert"
)

// ErrInvalidEvent is returned when an event fails Validate.
var ErrInvalidEvent = errors.New("notify: invalid event")

// Origin is the client context reported in an alert.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`
	City      string `json:"city,omitempty"`
}

// OriginFrom converts session origin signals.
func OriginFrom(o domain.Origin) Origin {
	out := Origin{IP: o.IP, UserAgent: o.UserAgent}
	if o.Geo != nil {
		out.Country, out.Region, out.City = o.Geo.Country, o.Geo.Region, o.Geo.City
	}
	return out
}

// ActionLink is a one-time capability URL attached to an alert.
type ActionLink struct {
	Action    string    `json:"action"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Event is the alert envelope. Type selects which optional fields are meaningful:
// new_device_alert carries Decision and an approve link (plus a revoke link when challenged);
// token_reuse_alert carries revoke_device and revoke_all links.
type Event struct {
	ID          string       `json:"id"`
	Type        Type         `json:"type"`
	AccountID   string       `json:"accountId"`
	Email       string       `json:"email,omitempty"`
	DeviceID    string       `json:"deviceId,omitempty"`
	Origin      Origin       `json:"origin"`
	RiskScore   int          `json:"riskScore"`
	Decision    string       `json:"decision,omitempty"`
	ActionLinks []ActionLink `json:"actionLinks,omitempty"`
	OccurredAt  time.Time    `json:"occurredAt"`
}

// NewDeviceAlert builds a new_device_alert event.
func NewDeviceAlert(accountID, email, deviceID string, origin domain.Origin, risk int, decision string, links []ActionLink) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        TypeNewDeviceAlert,
		AccountID:   accountID,
		Email:       email,
		DeviceID:    deviceID,
		Origin:      OriginFrom(origin),
		RiskScore:   risk,
		Decision:    decision,
		ActionLinks: links,
		OccurredAt:  time.Now().UTC(),
	}
}

// TokenReuseAlert builds a token_reuse_alert event.
func TokenReuseAlert(accountID, email, deviceID string, origin domain.Origin, risk int, links []ActionLink) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        TypeTokenReuseAlert,
		AccountID:   accountID,
		Email:       email,
		DeviceID:    deviceID,
		Origin:      OriginFrom(origin),
		RiskScore:   risk,
		ActionLinks: links,
		OccurredAt:  time.Now().UTC(),
	}
}

// Validate checks the discriminator and the fields every consumer relies on.
func (e *Event) Validate() error {
	if e.ID == "" || e.AccountID == "" {
		return ErrInvalidEvent
	}
	switch e.Type {
	case TypeNewDeviceAlert, TypeTokenReuseAlert:
		return nil
	}
	return ErrInvalidEvent
}
