package service

import "errors"

// Sentinel errors for the auth service; the handler maps them to gRPC codes.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingRefresh     = errors.New("refresh token and device id are required")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionRevoked     = errors.New("session revoked; possible token theft")
	ErrTokenExpired       = errors.New("refresh token expired")
	ErrReuseDetected      = errors.New("refresh token reuse detected; all sessions revoked")
	ErrHighRiskBlocked    = errors.New("login blocked due to high risk")
	ErrInvalidAccessToken = errors.New("invalid or expired access token")
	ErrAccessTokenRevoked = errors.New("access token revoked")
)
