package domain

import "time"

// Event names a security-relevant transition.
type Event string

const (
	EventLoginSucceeded      Event = "LOGIN_SUCCEEDED"
	EventLoginFailed         Event = "LOGIN_FAILED"
	EventHighRiskBlocked     Event = "HIGH_RISK_LOGIN_BLOCKED"
	EventJTIBlacklisted      Event = "JTI_BLACKLISTED"
	EventTokenReuseDetected  Event = "TOKEN_REUSE_DETECTED"
	EventRevokedSessionUsed  Event = "REVOKED_SESSION_USED"
	EventSessionExpired      Event = "SESSION_EXPIRED"
	EventLogout              Event = "LOGOUT"
	EventActionRedeemed      Event = "ACTION_REDEEMED"
	EventActionFailed        Event = "ACTION_FAILED"
	EventDeviceApprovalAsked Event = "DEVICE_APPROVAL_REQUESTED"
)

// AuditLog is one append-only audit record.
type AuditLog struct {
	ID        string
	AccountID string
	Event     Event
	IP        string
	Metadata  map[string]any
	CreatedAt time.Time
}
