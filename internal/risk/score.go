// Package risk scores how anomalous a login or refresh context is compared to the account's last session.
// Scoring is pure: no store access, no clock reads.
package risk

import (
	"strings"
	"time"

	"campus-auth/backend/internal/session/domain"
)

// Penalties applied by Score.
const (
	CountryMismatch  = 40
	UserAgentChange  = 10
	ImpossibleTravel = 30
	IPChangeMajor    = 20
	IPChangeMinor    = 5
	MaxScore         = 100

	// VelocityWindow is the elapsed time under which a country change counts as impossible travel.
	VelocityWindow = time.Hour
)

// Score returns a value in [0, 100] for current relative to last, evaluated at now.
// A nil last session (first login) always scores 0. Signals missing on either side contribute nothing.
func Score(current domain.Origin, last *domain.Session, now time.Time) int {
	if last == nil {
		return 0
	}
	score := 0

	cur, prev := current.Country(), last.Origin.Country()
	countryChanged := cur != "" && prev != "" && cur != prev
	if countryChanged {
		score += CountryMismatch
		if !last.CreatedAt.IsZero() && now.Sub(last.CreatedAt) < VelocityWindow {
			score += ImpossibleTravel
		}
	}

	if current.UserAgent != "" && last.Origin.UserAgent != "" && current.UserAgent != last.Origin.UserAgent {
		score += UserAgentChange
	}

	if current.IP != "" && last.Origin.IP != "" && current.IP != last.Origin.IP {
		if subnet(current.IP) == subnet(last.Origin.IP) {
			score += IPChangeMinor
		} else {
			score += IPChangeMajor
		}
	}

	if score > MaxScore {
		return MaxScore
	}
	return score
}

// subnet returns the first three octets of a dotted IPv4 address, or ip unchanged for anything else.
func subnet(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	return strings.Join(parts[:3], ".")
}
