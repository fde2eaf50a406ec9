package domain

import "time"

// State is the lifecycle state of a device session. Revoked is terminal.
type State string

const (
	StateActive  State = "ACTIVE"
	StateRevoked State = "REVOKED"
)

// Geo is the coarse location resolved for a client IP. Empty fields mean unknown.
type Geo struct {
	Country string
	Region  string
	City    string
}

// Origin holds the client signals observed at login or refresh. Geo is nil when the lookup failed.
type Origin struct {
	IP        string
	UserAgent string
	Geo       *Geo
}

// Country returns the resolved country or "" when unknown.
func (o Origin) Country() string {
	if o.Geo == nil {
		return ""
	}
	return o.Geo.Country
}

// Session is a per-device refresh session. At most one exists per (AccountID, DeviceID).
// RefreshTokenHash identifies the only valid rotation generation; the plaintext token is never stored.
type Session struct {
	ID               string
	AccountID        string
	DeviceID         string
	RefreshTokenHash string
	TokenIdentifier  string    // jti of the access token issued with the current generation
	AccessExpiresAt  time.Time // expiry of that access token; bounds the revocation TTL
	ExpiresAt        time.Time
	CreatedAt        time.Time
	LastUsedAt       time.Time
	IsRevoked        bool
	RevokedAt        *time.Time
	Trusted          bool
	TrustVerifiedAt  *time.Time
	Origin           Origin
	RiskScore        int
}

// State returns StateRevoked once IsRevoked is set; otherwise StateActive.
func (s *Session) State() State {
	if s.IsRevoked {
		return StateRevoked
	}
	return StateActive
}

// IsExpired reports whether the refresh generation has passed its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Generation is the set of fields overwritten together on a successful refresh.
type Generation struct {
	RefreshTokenHash string
	TokenIdentifier  string
	AccessExpiresAt  time.Time
	ExpiresAt        time.Time
	LastUsedAt       time.Time
	Origin           Origin
	RiskScore        int
}
