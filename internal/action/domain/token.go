package domain

import "time"

// Action is the device-trust decision an action link carries.
type Action string

const (
	ActionApproveDevice Action = "approve_device"
	ActionRevokeDevice  Action = "revoke_device"
	ActionRevokeAll     Action = "revoke_all"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApproveDevice, ActionRevokeDevice, ActionRevokeAll:
		return true
	}
	return false
}

// NeedsDevice reports whether the action targets a single device session.
func (a Action) NeedsDevice() bool {
	return a == ActionApproveDevice || a == ActionRevokeDevice
}

// Token is the single-use record behind a minted action link. Used flips false to true at most once.
type Token struct {
	TokenID   string
	AccountID string
	DeviceID  string
	Action    Action
	Used      bool
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}
