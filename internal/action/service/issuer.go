package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"campus-auth/backend/internal/action/domain"
	"campus-auth/backend/internal/action/repository"
	"campus-auth/backend/internal/audit"
	auditdomain "campus-auth/backend/internal/audit/domain"
	"campus-auth/backend/internal/metrics"
	"campus-auth/backend/internal/security"
	sessionrepo "campus-auth/backend/internal/session/repository"
)

var (
	// ErrActionLinkInvalid covers bad signatures, expired links, unknown records and claim mismatches.
	ErrActionLinkInvalid = errors.New("action link invalid or expired")
	// ErrActionLinkAlreadyUsed is returned for every redemption after the first.
	ErrActionLinkAlreadyUsed = errors.New("action link already used")
	// ErrUnknownAction is returned by Mint for an action outside the supported set.
	ErrUnknownAction = errors.New("unknown action")
)

// DefaultTTL is the lifetime of a minted link when none is configured.
const DefaultTTL = 30 * time.Minute

// Signer signs and verifies action capabilities.
type Signer interface {
	IssueAction(accountID, deviceID, action, tokenID string, ttl time.Duration) (string, time.Time, error)
	ParseAction(tokenString string) (*security.ActionClaims, error)
}

// Blocker denylists the access token of a revoked session.
type Blocker interface {
	BlockAsync(jti string, accessExpiresAt time.Time)
}

// Link is a minted action link.
type Link struct {
	TokenID   string
	Action    domain.Action
	Token     string
	URL       string
	ExpiresAt time.Time
}

// Result describes an applied redemption.
type Result struct {
	AccountID string
	DeviceID  string
	Action    domain.Action
	// Affected is the number of sessions changed; zero when the target session no longer exists.
	Affected int
}

// Message is the human-readable confirmation shown by the capture endpoint.
func (r Result) Message() string {
	switch r.Action {
	case domain.ActionApproveDevice:
		return "Device approved successfully."
	case domain.ActionRevokeDevice:
		return "Device revoked and logged out."
	default:
		return "All sessions revoked successfully."
	}
}

// Issuer mints and redeems one-time action links.
type Issuer struct {
	signer   Signer
	tokens   repository.Repository
	sessions sessionrepo.Repository
	blocker  Blocker
	audit    audit.Recorder
	metrics  *metrics.Metrics
	baseURL  string
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer returns an Issuer. baseURL is the capture endpoint the token is appended to.
// auditRec and m may be nil.
func NewIssuer(signer Signer, tokens repository.Repository, sessions sessionrepo.Repository, blocker Blocker,
	auditRec audit.Recorder, m *metrics.Metrics, baseURL string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		signer:   signer,
		tokens:   tokens,
		sessions: sessions,
		blocker:  blocker,
		audit:    auditRec,
		metrics:  m,
		baseURL:  baseURL,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Mint signs a capability for action and stores its unused record. deviceID is ignored for revoke_all.
func (s *Issuer) Mint(ctx context.Context, accountID, deviceID string, action domain.Action) (*Link, error) {
	if !action.Valid() {
		return nil, ErrUnknownAction
	}
	if !action.NeedsDevice() {
		deviceID = ""
	}
	tokenID := uuid.NewString()
	signed, exp, err := s.signer.IssueAction(accountID, deviceID, string(action), tokenID, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("action: sign: %w", err)
	}
	rec := &domain.Token{
		TokenID:   tokenID,
		AccountID: accountID,
		DeviceID:  deviceID,
		Action:    action,
		ExpiresAt: exp,
		CreatedAt: s.now().UTC(),
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		return nil, err
	}
	return &Link{
		TokenID:   tokenID,
		Action:    action,
		Token:     signed,
		URL:       s.linkURL(signed),
		ExpiresAt: exp,
	}, nil
}

func (s *Issuer) linkURL(token string) string {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return s.baseURL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redeem verifies token, consumes its record exactly once, then applies the action.
// Storage errors other than the used-flag race are returned as is.
func (s *Issuer) Redeem(ctx context.Context, token string) (*Result, error) {
	claims, err := s.signer.ParseAction(token)
	if err != nil {
		return nil, ErrActionLinkInvalid
	}
	action := domain.Action(claims.Action)
	if !action.Valid() || claims.TokenID == "" || claims.AccountID == "" {
		return nil, ErrActionLinkInvalid
	}

	now := s.now().UTC()
	won, err := s.tokens.MarkUsed(ctx, claims.TokenID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		rec, err := s.tokens.Get(ctx, claims.TokenID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrActionLinkInvalid
		}
		return nil, ErrActionLinkAlreadyUsed
	}

	res, err := s.apply(ctx, claims, action, now)
	if err != nil {
		// The link is already spent.
		log.Printf("action: %s for account %s failed after consuming token %s: %v", action, claims.AccountID, claims.TokenID, err)
		if s.audit != nil {
			s.audit.Record(ctx, claims.AccountID, auditdomain.EventActionFailed, map[string]any{
				"action":   string(action),
				"deviceId": claims.DeviceID,
				"tokenId":  claims.TokenID,
				"error":    err.Error(),
			})
		}
		return nil, err
	}
	if res.Affected == 0 {
		log.Printf("action: %s for account %s matched no session", action, claims.AccountID)
	}

	s.metrics.ActionRedeemed(string(action))
	if s.audit != nil {
		s.audit.Record(ctx, claims.AccountID, auditdomain.EventActionRedeemed, map[string]any{
			"action":   string(action),
			"deviceId": claims.DeviceID,
			"tokenId":  claims.TokenID,
			"affected": res.Affected,
		})
	}
	return res, nil
}

// apply performs a consumed action against the session store.
func (s *Issuer) apply(ctx context.Context, claims *security.ActionClaims, action domain.Action, now time.Time) (*Result, error) {
	res := &Result{AccountID: claims.AccountID, DeviceID: claims.DeviceID, Action: action}
	switch action {
	case domain.ActionApproveDevice:
		ok, err := s.sessions.MarkTrusted(ctx, claims.AccountID, claims.DeviceID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			res.Affected = 1
			s.metrics.DeviceTrusted()
		}
	case domain.ActionRevokeDevice:
		sess, changed, err := s.sessions.RevokeDevice(ctx, claims.AccountID, claims.DeviceID, now)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			s.blocker.BlockAsync(sess.TokenIdentifier, sess.AccessExpiresAt)
		}
		if changed {
			res.Affected = 1
			s.metrics.SessionsRevoked(1)
		}
	case domain.ActionRevokeAll:
		revoked, err := s.sessions.RevokeAllByAccount(ctx, claims.AccountID, now)
		if err != nil {
			return nil, err
		}
		for _, sess := range revoked {
			s.blocker.BlockAsync(sess.TokenIdentifier, sess.AccessExpiresAt)
		}
		res.Affected = len(revoked)
		s.metrics.SessionsRevoked(len(revoked))
	}
	return res, nil
}
