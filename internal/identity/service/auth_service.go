package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	accountdomain "campus-auth/backend/internal/account/domain"
	actiondomain "campus-auth/backend/internal/action/domain"
	actionservice "campus-auth/backend/internal/action/service"
	"campus-auth/backend/internal/audit"
	auditdomain "campus-auth/backend/internal/audit/domain"
	"campus-auth/backend/internal/geo"
	"campus-auth/backend/internal/metrics"
	"campus-auth/backend/internal/notify"
	"campus-auth/backend/internal/policy/engine"
	"campus-auth/backend/internal/risk"
	"campus-auth/backend/internal/security"
	sessiondomain "campus-auth/backend/internal/session/domain"
	sessionrepo "campus-auth/backend/internal/session/repository"
)

var tracer = otel.Tracer("campus-auth/backend/internal/identity/service")

const defaultTaskTimeout = 5 * time.Second

// AccountRepo is the minimal account repository needed by the auth service.
type AccountRepo interface {
	FindByEmail(ctx context.Context, email string) (*accountdomain.Account, error)
	FindByID(ctx context.Context, id string) (*accountdomain.Account, error)
	RecordLogin(ctx context.Context, id string, at time.Time) error
}

// LinkMinter mints one-time action links attached to alerts.
type LinkMinter interface {
	Mint(ctx context.Context, accountID, deviceID string, action actiondomain.Action) (*actionservice.Link, error)
}

// Denylist blocks access tokens by jti.
type Denylist interface {
	BlockAsync(jti string, accessExpiresAt time.Time)
	IsBlocked(ctx context.Context, jti string) bool
	Wait(ctx context.Context) error
}

// LoginRequest carries credentials and the client signals observed by the transport.
type LoginRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// RefreshRequest carries a refresh token and the device it was issued to.
type RefreshRequest struct {
	RefreshToken string
	DeviceID     string
	IP           string
	UserAgent    string
}

// AuthResult holds the outcome of Login or Refresh.
type AuthResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	AccountID        string
	DeviceID         string
	Role             string
	RiskScore        int
	Trusted          bool
	Decision         engine.Decision
}

// Deps are the collaborators of AuthService. Accounts, Sessions, Hasher, Tokens and Denylist are
// required; the rest fall back to no-op or default behavior when nil.
type Deps struct {
	Accounts  AccountRepo
	Sessions  sessionrepo.Repository
	Hasher    *security.Hasher
	Tokens    *security.TokenProvider
	Denylist  Denylist
	Geo       geo.Resolver
	Links     LinkMinter
	Publisher notify.Publisher
	Policy    engine.Evaluator
	Audit     audit.Recorder
	Metrics   *metrics.Metrics
	// TaskTimeout bounds each background task (alert minting and publishing).
	TaskTimeout time.Duration
}

// AuthService implements login, refresh rotation with reuse detection, logout and access verification.
type AuthService struct {
	accounts    AccountRepo
	sessions    sessionrepo.Repository
	hasher      *security.Hasher
	tokens      *security.TokenProvider
	denylist    Denylist
	geo         geo.Resolver
	links       LinkMinter
	publisher   notify.Publisher
	policy      engine.Evaluator
	audit       audit.Recorder
	metrics     *metrics.Metrics
	taskTimeout time.Duration
	now         func() time.Time
	tasks       sync.WaitGroup
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(d Deps) *AuthService {
	s := &AuthService{
		accounts:    d.Accounts,
		sessions:    d.Sessions,
		hasher:      d.Hasher,
		tokens:      d.Tokens,
		denylist:    d.Denylist,
		geo:         d.Geo,
		links:       d.Links,
		publisher:   d.Publisher,
		policy:      d.Policy,
		audit:       d.Audit,
		metrics:     d.Metrics,
		taskTimeout: d.TaskTimeout,
		now:         time.Now,
	}
	if s.geo == nil {
		s.geo = geo.NopResolver{}
	}
	if s.publisher == nil {
		s.publisher = notify.LogPublisher{}
	}
	if s.taskTimeout <= 0 {
		s.taskTimeout = defaultTaskTimeout
	}
	return s
}

// Login verifies credentials, scores the context against the account's latest session and creates a
// session for a new device. The first session of an account is trusted. A blocked login leaves a
// revoked session behind for audit and returns ErrHighRiskBlocked.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (res *AuthResult, err error) {
	ctx, span := tracer.Start(ctx, "AuthService.Login")
	defer func() { endSpan(span, err) }()

	s.metrics.LoginAttempt()
	email := accountdomain.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		s.metrics.LoginFailed()
		return nil, ErrInvalidCredentials
	}
	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		_ = s.hasher.CompareDummy([]byte(req.Password))
		s.metrics.LoginFailed()
		return nil, ErrInvalidCredentials
	}
	ip := geo.NormalizeIP(req.IP)
	if err := s.hasher.Compare(acct.PasswordHash, []byte(req.Password)); err != nil {
		s.metrics.LoginFailed()
		s.record(ctx, acct.ID, auditdomain.EventLoginFailed, map[string]any{"ip": ip})
		return nil, ErrInvalidCredentials
	}
	s.metrics.LoginSucceeded()

	last, origin, err := s.priorAndOrigin(ctx, acct.ID, ip, req.UserAgent)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	score := risk.Score(origin, last, now)
	firstLogin := last == nil

	deviceID := uuid.NewString()
	issued, err := s.tokens.Issue(subject(acct, deviceID))
	if err != nil {
		return nil, err
	}
	sessionID, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: session id: %w", err)
	}
	sess := &sessiondomain.Session{
		ID:               sessionID.String(),
		AccountID:        acct.ID,
		DeviceID:         deviceID,
		RefreshTokenHash: issued.RefreshTokenHash,
		TokenIdentifier:  issued.JTI,
		AccessExpiresAt:  issued.AccessExpiresAt,
		ExpiresAt:        issued.RefreshExpiresAt,
		CreatedAt:        now,
		LastUsedAt:       now,
		Trusted:          firstLogin,
		Origin:           origin,
		RiskScore:        score,
	}
	if firstLogin {
		sess.TrustVerifiedAt = &now
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.metrics.SessionCreated()
	if firstLogin {
		s.metrics.DeviceTrusted()
	}
	if err := s.accounts.RecordLogin(ctx, acct.ID, now); err != nil {
		log.Printf("auth: record login for account %s: %v", acct.ID, err)
	}

	decision := s.decide(ctx, engine.LoginInput{RiskScore: score, FirstLogin: firstLogin, Trusted: sess.Trusted})
	span.SetAttributes(attribute.Int("auth.risk_score", score), attribute.String("auth.decision", string(decision)))

	switch decision {
	case engine.DecisionBlock:
		if _, err := s.sessions.Revoke(context.WithoutCancel(ctx), sess.ID, now); err != nil {
			log.Printf("auth: revoke blocked session %s: %v", sess.ID, err)
		}
		s.metrics.HighRiskBlocked()
		s.metrics.SessionsRevoked(1)
		s.record(ctx, acct.ID, auditdomain.EventHighRiskBlocked, map[string]any{
			"ip": ip, "country": origin.Country(), "riskScore": score, "deviceId": deviceID,
		})
		return nil, ErrHighRiskBlocked
	case engine.DecisionNotify, engine.DecisionChallenge:
		s.requestApproval(acct, sess, decision)
	}

	s.record(ctx, acct.ID, auditdomain.EventLoginSucceeded, map[string]any{
		"ip": ip, "deviceId": deviceID, "riskScore": score, "decision": string(decision),
	})
	return &AuthResult{
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
		AccountID:        acct.ID,
		DeviceID:         deviceID,
		Role:             string(acct.Role),
		RiskScore:        score,
		Trusted:          sess.Trusted,
		Decision:         decision,
	}, nil
}

// priorAndOrigin loads the newest prior session and resolves geo for ip concurrently.
func (s *AuthService) priorAndOrigin(ctx context.Context, accountID, ip, userAgent string) (*sessiondomain.Session, sessiondomain.Origin, error) {
	origin := sessiondomain.Origin{IP: ip, UserAgent: userAgent}
	var last *sessiondomain.Session
	var g *sessiondomain.Geo
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		last, err = s.sessions.LatestByAccount(egctx, accountID)
		return err
	})
	eg.Go(func() error {
		g = s.geo.Resolve(egctx, ip)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, origin, err
	}
	origin.Geo = g
	return last, origin, nil
}

// decide blocks every login above engine.BlockAbove whatever the policy says; below it the policy decides.
func (s *AuthService) decide(ctx context.Context, in engine.LoginInput) engine.Decision {
	if in.RiskScore > engine.BlockAbove {
		return engine.DecisionBlock
	}
	if s.policy == nil {
		return engine.Fallback(in)
	}
	d, err := s.policy.EvaluateLogin(ctx, in)
	if err != nil || !d.Valid() {
		log.Printf("auth: policy evaluation failed (%v), using defaults", err)
		return engine.Fallback(in)
	}
	return d
}

// Refresh rotates the generation of the session on req.DeviceID. A refresh token that is no longer
// current proves theft: every session of the account is revoked and ErrReuseDetected is returned.
// The rotation itself is one conditional write; storage failures reject the refresh.
func (s *AuthService) Refresh(ctx context.Context, req RefreshRequest) (res *AuthResult, err error) {
	ctx, span := tracer.Start(ctx, "AuthService.Refresh")
	defer func() { endSpan(span, err) }()

	if req.RefreshToken == "" || req.DeviceID == "" {
		return nil, ErrMissingRefresh
	}
	ip := geo.NormalizeIP(req.IP)
	var sess *sessiondomain.Session
	var g *sessiondomain.Geo
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		sess, err = s.sessions.GetByDeviceID(egctx, req.DeviceID)
		return err
	})
	eg.Go(func() error {
		g = s.geo.Resolve(egctx, ip)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	origin := sessiondomain.Origin{IP: ip, UserAgent: req.UserAgent, Geo: g}
	now := s.now().UTC()
	score := risk.Score(origin, sess, now)
	span.SetAttributes(attribute.Int("auth.risk_score", score))

	if err := s.classify(ctx, sess, req.RefreshToken, origin, score, now); err != nil {
		return nil, err
	}

	acct, err := s.accounts.FindByID(ctx, sess.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrSessionNotFound
	}
	issued, err := s.tokens.Issue(subject(acct, sess.DeviceID))
	if err != nil {
		return nil, err
	}
	gen := sessiondomain.Generation{
		RefreshTokenHash: issued.RefreshTokenHash,
		TokenIdentifier:  issued.JTI,
		AccessExpiresAt:  issued.AccessExpiresAt,
		ExpiresAt:        issued.RefreshExpiresAt,
		LastUsedAt:       now,
		Origin:           origin,
		RiskScore:        score,
	}
	ok, err := s.sessions.Rotate(ctx, sess.ID, security.HashRefreshToken(req.RefreshToken), gen)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another request changed the session between the read and the write.
		current, err := s.sessions.GetByDeviceID(ctx, req.DeviceID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrSessionNotFound
		}
		if err := s.classify(ctx, current, req.RefreshToken, origin, score, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("auth: rotation of session %s did not apply", sess.ID)
	}

	return &AuthResult{
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
		AccountID:        acct.ID,
		DeviceID:         sess.DeviceID,
		Role:             string(acct.Role),
		RiskScore:        score,
		Trusted:          sess.Trusted,
	}, nil
}

// classify returns the rejection for sess in state-machine order: revoked, expired, stale hash.
// It returns nil when presented is the current generation of an active session.
func (s *AuthService) classify(ctx context.Context, sess *sessiondomain.Session, presented string, origin sessiondomain.Origin, score int, now time.Time) error {
	switch {
	case sess.IsRevoked:
		return s.revokedSessionUsed(ctx, sess, origin, score)
	case sess.IsExpired(now):
		return s.expire(ctx, sess, now)
	case !security.RefreshTokenHashEqual(presented, sess.RefreshTokenHash):
		return s.reuseDetected(ctx, sess, origin, score, now)
	}
	return nil
}

func (s *AuthService) revokedSessionUsed(ctx context.Context, sess *sessiondomain.Session, origin sessiondomain.Origin, score int) error {
	s.denylist.BlockAsync(sess.TokenIdentifier, sess.AccessExpiresAt)
	s.metrics.ReuseDetected()
	s.record(ctx, sess.AccountID, auditdomain.EventJTIBlacklisted, map[string]any{
		"jti": sess.TokenIdentifier, "reason": "revoked_session_used",
	})
	s.record(ctx, sess.AccountID, auditdomain.EventRevokedSessionUsed, map[string]any{
		"deviceId": sess.DeviceID, "ip": origin.IP, "riskScore": score,
	})
	s.alertReuse(sess.AccountID, sess.DeviceID, origin, score)
	return ErrSessionRevoked
}

func (s *AuthService) expire(ctx context.Context, sess *sessiondomain.Session, now time.Time) error {
	changed, err := s.sessions.Revoke(context.WithoutCancel(ctx), sess.ID, now)
	if err != nil {
		log.Printf("auth: revoke expired session %s: %v", sess.ID, err)
	}
	if changed {
		s.metrics.SessionsRevoked(1)
		s.record(ctx, sess.AccountID, auditdomain.EventSessionExpired, map[string]any{"deviceId": sess.DeviceID})
	}
	return ErrTokenExpired
}

// reuseDetected revokes every session of the account and denylists their access tokens. Failures of
// these side effects are logged; the rejection stands regardless.
func (s *AuthService) reuseDetected(ctx context.Context, sess *sessiondomain.Session, origin sessiondomain.Origin, score int, now time.Time) error {
	revoked, err := s.sessions.RevokeAllByAccount(context.WithoutCancel(ctx), sess.AccountID, now)
	if err != nil {
		log.Printf("auth: revoke all sessions for account %s: %v", sess.AccountID, err)
	}
	blocked := map[string]bool{}
	block := func(jti string, exp time.Time) {
		if jti == "" || blocked[jti] {
			return
		}
		blocked[jti] = true
		s.denylist.BlockAsync(jti, exp)
	}
	block(sess.TokenIdentifier, sess.AccessExpiresAt)
	for _, r := range revoked {
		block(r.TokenIdentifier, r.AccessExpiresAt)
	}

	s.metrics.ReuseDetected()
	s.metrics.SessionsRevoked(len(revoked))
	s.record(ctx, sess.AccountID, auditdomain.EventTokenReuseDetected, map[string]any{
		"deviceId": sess.DeviceID, "ip": origin.IP, "riskScore": score, "sessionsRevoked": len(revoked),
	})
	s.record(ctx, sess.AccountID, auditdomain.EventJTIBlacklisted, map[string]any{
		"count": len(blocked), "reason": "token_reuse",
	})
	s.alertReuse(sess.AccountID, sess.DeviceID, origin, score)
	return ErrReuseDetected
}

// Logout revokes the account's session on deviceID and denylists its current access token.
func (s *AuthService) Logout(ctx context.Context, accountID, deviceID string) error {
	if accountID == "" || deviceID == "" {
		return ErrSessionNotFound
	}
	sess, changed, err := s.sessions.RevokeDevice(ctx, accountID, deviceID, s.now().UTC())
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	s.denylist.BlockAsync(sess.TokenIdentifier, sess.AccessExpiresAt)
	if !changed {
		return nil
	}
	s.metrics.SessionsRevoked(1)
	s.record(ctx, accountID, auditdomain.EventLogout, map[string]any{"deviceId": deviceID})
	return nil
}

// LogoutByRefreshToken revokes the session whose current refresh token is refreshToken.
// Unknown or stale tokens are a no-op.
func (s *AuthService) LogoutByRefreshToken(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	sess, err := s.sessions.RevokeByRefreshHash(ctx, security.HashRefreshToken(refreshToken), s.now().UTC())
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	s.denylist.BlockAsync(sess.TokenIdentifier, sess.AccessExpiresAt)
	s.metrics.SessionsRevoked(1)
	s.record(ctx, sess.AccountID, auditdomain.EventLogout, map[string]any{"deviceId": sess.DeviceID})
	return nil
}

// VerifyAccess validates an access token and checks the denylist. Denylist outages fail open.
func (s *AuthService) VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error) {
	claims, err := s.tokens.ValidateAccess(accessToken)
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	if s.denylist.IsBlocked(ctx, claims.ID) {
		return nil, ErrAccessTokenRevoked
	}
	return claims, nil
}

// ListSessions returns the account's device sessions, newest first.
func (s *AuthService) ListSessions(ctx context.Context, accountID string) ([]*sessiondomain.Session, error) {
	return s.sessions.ListByAccount(ctx, accountID)
}

// Drain waits for background alert tasks and pending denylist writes.
func (s *AuthService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.denylist.Wait(ctx)
}

// requestApproval mints device links and publishes a new_device_alert without blocking the login.
func (s *AuthService) requestApproval(acct *accountdomain.Account, sess *sessiondomain.Session, decision engine.Decision) {
	actions := []actiondomain.Action{actiondomain.ActionApproveDevice}
	if decision == engine.DecisionChallenge {
		actions = append(actions, actiondomain.ActionRevokeDevice)
	}
	accountID, email, deviceID := acct.ID, acct.Email, sess.DeviceID
	origin, score := sess.Origin, sess.RiskScore
	s.spawn("device approval request", func(ctx context.Context) error {
		links := s.mintLinks(ctx, accountID, deviceID, actions...)
		ev := notify.NewDeviceAlert(accountID, email, deviceID, origin, score, string(decision), links)
		if err := s.publisher.Publish(ctx, ev); err != nil {
			return err
		}
		s.metrics.NewDeviceAlert()
		s.record(ctx, accountID, auditdomain.EventDeviceApprovalAsked, map[string]any{
			"deviceId": deviceID, "decision": string(decision), "eventId": ev.ID,
		})
		return nil
	})
}

// alertReuse publishes a token_reuse_alert with revoke links in the background.
func (s *AuthService) alertReuse(accountID, deviceID string, origin sessiondomain.Origin, score int) {
	s.spawn("token reuse alert", func(ctx context.Context) error {
		email := ""
		if acct, err := s.accounts.FindByID(ctx, accountID); err != nil {
			log.Printf("auth: load account %s for alert: %v", accountID, err)
		} else if acct != nil {
			email = acct.Email
		}
		links := s.mintLinks(ctx, accountID, deviceID, actiondomain.ActionRevokeDevice, actiondomain.ActionRevokeAll)
		return s.publisher.Publish(ctx, notify.TokenReuseAlert(accountID, email, deviceID, origin, score, links))
	})
}

func (s *AuthService) mintLinks(ctx context.Context, accountID, deviceID string, actions ...actiondomain.Action) []notify.ActionLink {
	if s.links == nil {
		return nil
	}
	out := make([]notify.ActionLink, 0, len(actions))
	for _, a := range actions {
		l, err := s.links.Mint(ctx, accountID, deviceID, a)
		if err != nil {
			log.Printf("auth: mint %s link for account %s: %v", a, accountID, err)
			continue
		}
		out = append(out, notify.ActionLink{Action: string(a), URL: l.URL, ExpiresAt: l.ExpiresAt})
	}
	return out
}

// spawn runs fn detached from the request with its own timeout. Errors are logged.
func (s *AuthService) spawn(name string, fn func(ctx context.Context) error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("auth: %s failed: %v", name, err)
		}
	}()
}

func (s *AuthService) record(ctx context.Context, accountID string, event auditdomain.Event, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, accountID, event, metadata)
}

func subject(acct *accountdomain.Account, deviceID string) security.Subject {
	return security.Subject{
		AccountID:    acct.ID,
		DeviceID:     deviceID,
		Role:         string(acct.Role),
		CollegeID:    acct.CollegeID,
		Capabilities: acct.Capabilities,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
