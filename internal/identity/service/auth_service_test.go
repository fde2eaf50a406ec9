package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	accountdomain "campus-auth/backend/internal/account/domain"
	actiondomain "campus-auth/backend/internal/action/domain"
	actionrepo "campus-auth/backend/internal/action/repository"
	actionservice "campus-auth/backend/internal/action/service"
	auditdomain "campus-auth/backend/internal/audit/domain"
	"campus-auth/backend/internal/notify"
	"campus-auth/backend/internal/policy/engine"
	"campus-auth/backend/internal/revocation"
	"campus-auth/backend/internal/security"
	sessiondomain "campus-auth/backend/internal/session/domain"
	sessionrepo "campus-auth/backend/internal/session/repository"
)

const (
	testEmail    = "student@campus.test"
	testPassword = "correct horse battery"
	ipHome       = "203.0.113.10"
	ipHomeNext   = "203.0.113.20"
	ipAbroad     = "198.51.100.7"
)

type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*accountdomain.Account
	logins   int
}

func (m *memAccountRepo) FindByEmail(_ context.Context, email string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memAccountRepo) FindByID(_ context.Context, id string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *memAccountRepo) RecordLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	if a, ok := m.accounts[id]; ok {
		a.LastLoginAt = &at
		a.SessionsCount++
	}
	return nil
}

type mapResolver map[string]*sessiondomain.Geo

func (r mapResolver) Resolve(_ context.Context, ip string) *sessiondomain.Geo {
	return r[ip]
}

type memPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *memPublisher) Publish(_ context.Context, e notify.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) byType(t notify.Type) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type memRecorder struct {
	mu     sync.Mutex
	events []auditdomain.Event
}

func (r *memRecorder) Record(_ context.Context, _ string, e auditdomain.Event, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) has(e auditdomain.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func (r *memRecorder) count(e auditdomain.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

// flakySessions fails Rotate while down is set and delegates everything else.
type flakySessions struct {
	sessionrepo.Repository
	down atomic.Bool
}

func (r *flakySessions) Rotate(ctx context.Context, id, presentedHash string, gen sessiondomain.Generation) (bool, error) {
	if r.down.Load() {
		return false, errors.New("db down")
	}
	return r.Repository.Rotate(ctx, id, presentedHash, gen)
}

type fixture struct {
	svc       *AuthService
	accounts  *memAccountRepo
	sessions  *sessionrepo.MemoryRepository
	cache     *revocation.MemoryCache
	denylist  *revocation.Denylist
	publisher *memPublisher
	audit     *memRecorder
	links     *actionservice.Issuer
	accountID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	hasher := security.NewHasher(4)
	hash, err := hasher.Hash([]byte(testPassword))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	f := &fixture{
		accounts: &memAccountRepo{accounts: map[string]*accountdomain.Account{
			"acc-1": {ID: "acc-1", Email: testEmail, PasswordHash: hash, Role: accountdomain.RoleStudent, CollegeID: "col-1"},
		}},
		sessions:  sessionrepo.NewMemoryRepository(),
		cache:     revocation.NewMemoryCache(),
		publisher: &memPublisher{},
		audit:     &memRecorder{},
		accountID: "acc-1",
	}
	f.denylist = revocation.NewDenylist(f.cache, revocation.Options{})
	f.links = actionservice.NewIssuer(tokens, actionrepo.NewMemoryRepository(), f.sessions, f.denylist, f.audit, nil,
		"http://localhost:8081/action/capture", 0)
	f.svc = NewAuthService(Deps{
		Accounts: f.accounts,
		Sessions: f.sessions,
		Hasher:   hasher,
		Tokens:   tokens,
		Denylist: f.denylist,
		Geo: mapResolver{
			ipHome:     {Country: "IN", Region: "MH", City: "Pune"},
			ipHomeNext: {Country: "IN", Region: "MH", City: "Pune"},
			ipAbroad:   {Country: "US", Region: "CA", City: "San Jose"},
		},
		Links:     f.links,
		Publisher: f.publisher,
		Audit:     f.audit,
	})
	return f
}

func (f *fixture) login(t *testing.T, ip, ua string) *AuthResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginRequest{Email: testEmail, Password: testPassword, IP: ip, UserAgent: ua})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func (f *fixture) blocked(t *testing.T, jti string) bool {
	t.Helper()
	f.drain(t)
	return f.denylist.IsBlocked(context.Background(), jti)
}

func (f *fixture) allRevoked(t *testing.T) bool {
	t.Helper()
	list, err := f.sessions.ListByAccount(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	for _, s := range list {
		if !s.IsRevoked {
			return false
		}
	}
	return len(list) > 0
}

func TestLogin_FirstLoginIsTrusted(t *testing.T) {
	f := newFixture(t)
	res := f.login(t, ipHome, "ua-1")
	if res.RiskScore != 0 || !res.Trusted || res.Decision != engine.DecisionAllow {
		t.Fatalf("first login: risk=%d trusted=%v decision=%s", res.RiskScore, res.Trusted, res.Decision)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || res.DeviceID == "" {
		t.Fatal("missing tokens or device id")
	}
	sess, _ := f.sessions.GetByDeviceID(context.Background(), res.DeviceID)
	if sess == nil || !sess.Trusted || sess.TrustVerifiedAt == nil {
		t.Fatalf("session not stored as trusted: %+v", sess)
	}
	if sess.RefreshTokenHash == res.RefreshToken || sess.RefreshTokenHash != security.HashRefreshToken(res.RefreshToken) {
		t.Error("only the refresh token hash may be stored")
	}
	if sess.Origin.Country() != "IN" {
		t.Errorf("origin geo = %+v", sess.Origin.Geo)
	}
	f.drain(t)
	if n := len(f.publisher.events); n != 0 {
		t.Errorf("first login should not alert, got %d events", n)
	}
	if f.accounts.logins != 1 {
		t.Errorf("RecordLogin calls = %d, want 1", f.accounts.logins)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []LoginRequest{
		{Email: testEmail, Password: "wrong"},
		{Email: "nobody@campus.test", Password: testPassword},
		{Email: "", Password: testPassword},
		{Email: testEmail, Password: ""},
	}
	for _, req := range cases {
		if _, err := f.svc.Login(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%q): want ErrInvalidCredentials, got %v", req.Email, err)
		}
	}
	if !f.audit.has(auditdomain.EventLoginFailed) {
		t.Error("wrong password for a known account should be audited")
	}
}

func TestLogin_EmailIsNormalized(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Login(context.Background(), LoginRequest{Email: "  Student@Campus.TEST ", Password: testPassword}); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLogin_NewDeviceRequestsApproval(t *testing.T) {
	f := newFixture(t)
	f.login(t, ipHome, "ua-1")
	second := f.login(t, ipHome, "ua-1")
	if second.RiskScore != 0 || second.Trusted || second.Decision != engine.DecisionNotify {
		t.Fatalf("second login: risk=%d trusted=%v decision=%s", second.RiskScore, second.Trusted, second.Decision)
	}
	f.drain(t)
	alerts := f.publisher.byType(notify.TypeNewDeviceAlert)
	if len(alerts) != 1 {
		t.Fatalf("new device alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.DeviceID != second.DeviceID || a.Email != testEmail || len(a.ActionLinks) != 1 ||
		a.ActionLinks[0].Action != string(actiondomain.ActionApproveDevice) {
		t.Fatalf("unexpected alert %+v", a)
	}
	if !f.audit.has(auditdomain.EventDeviceApprovalAsked) {
		t.Error("approval request should be audited")
	}
}

func TestLogin_ApproveLinkTrustsDevice(t *testing.T) {
	f := newFixture(t)
	f.login(t, ipHome, "ua-1")
	second := f.login(t, ipHome, "ua-1")
	f.drain(t)
	link := f.publisher.byType(notify.TypeNewDeviceAlert)[0].ActionLinks[0]

	u, err := url.Parse(link.URL)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if _, err := f.links.Redeem(context.Background(), u.Query().Get("token")); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	sess, _ := f.sessions.GetByDeviceID(context.Background(), second.DeviceID)
	if !sess.Trusted {
		t.Error("approved device should be trusted")
	}
}

func TestLogin_ModerateRiskIsChallenged(t *testing.T) {
	f := newFixture(t)
	f.login(t, ipHome, "ua-1")
	// Country (40), user agent (10) and network (20) change two hours later: no impossible travel.
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res := f.login(t, ipAbroad, "ua-2")
	if res.RiskScore != 70 {
		t.Fatalf("risk = %d, want 70", res.RiskScore)
	}
	if res.Decision != engine.DecisionChallenge || res.Trusted {
		t.Fatalf("decision = %s trusted = %v (risk %d), want untrusted challenge", res.Decision, res.Trusted, res.RiskScore)
	}
	f.drain(t)
	alerts := f.publisher.byType(notify.TypeNewDeviceAlert)
	if len(alerts) != 1 || len(alerts[0].ActionLinks) != 2 {
		t.Fatalf("challenge alert should carry approve and revoke links: %+v", alerts)
	}
	if alerts[0].Decision != string(engine.DecisionChallenge) {
		t.Errorf("alert decision = %q", alerts[0].Decision)
	}
}

func TestLogin_HighRiskIsBlocked(t *testing.T) {
	f := newFixture(t)
	f.login(t, ipHome, "ua-1")
	// Country (40) + impossible travel (30) + user agent (10) + minor IP change (5) = 85.
	geoAbroadSameSubnet := mapResolver{
		ipHome:     {Country: "IN"},
		ipHomeNext: {Country: "US"},
	}
	f.svc.geo = geoAbroadSameSubnet
	_, err := f.svc.Login(context.Background(), LoginRequest{Email: testEmail, Password: testPassword, IP: ipHomeNext, UserAgent: "ua-2"})
	if !errors.Is(err, ErrHighRiskBlocked) {
		t.Fatalf("want ErrHighRiskBlocked, got %v", err)
	}
	list, _ := f.sessions.ListByAccount(context.Background(), f.accountID)
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	newest := list[0]
	if !newest.IsRevoked || newest.RiskScore != 85 {
		t.Fatalf("blocked session: revoked=%v risk=%d", newest.IsRevoked, newest.RiskScore)
	}
	if list[1].IsRevoked {
		t.Error("the earlier session must stay active")
	}
	if !f.audit.has(auditdomain.EventHighRiskBlocked) {
		t.Error("high risk block should be audited")
	}
}

func TestRefresh_RotatesGeneration(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, ipHome, "ua-1")
	res, err := f.svc.Refresh(context.Background(), RefreshRequest{RefreshToken: first.RefreshToken, DeviceID: first.DeviceID, IP: ipHome, UserAgent: "ua-1"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.RefreshToken == first.RefreshToken || res.AccessToken == first.AccessToken {
		t.Fatal("refresh must issue a new pair")
	}
	claims, err := f.svc.VerifyAccess(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	sess, _ := f.sessions.GetByDeviceID(context.Background(), first.DeviceID)
	if sess.TokenIdentifier != claims.ID || sess.RefreshTokenHash != security.HashRefreshToken(res.RefreshToken) {
		t.Error("stored generation does not match the issued pair")
	}
}

func TestRefresh_ReuseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, ipHome, "ua-1")
	other := f.login(t, ipHome, "ua-1")

	second, err := f.svc.Refresh(ctx, RefreshRequest{RefreshToken: a.RefreshToken, DeviceID: a.DeviceID, IP: ipHome, UserAgent: "ua-1"})
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	_, err = f.svc.Refresh(ctx, RefreshRequest{RefreshToken: a.RefreshToken, DeviceID: a.DeviceID, IP: ipHome, UserAgent: "ua-1"})
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("replayed token: want ErrReuseDetected, got %v", err)
	}
	if !f.allRevoked(t) {
		t.Fatal("reuse must revoke every session of the account")
	}
	c, err := f.svc.tokens.ValidateAccess(second.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if !f.blocked(t, c.ID) {
		t.Error("current jti of the reused session should be denylisted")
	}
	otherClaims, _ := f.svc.tokens.ValidateAccess(other.AccessToken)
	if !f.blocked(t, otherClaims.ID) {
		t.Error("jti of every other session should be denylisted")
	}
	if _, err := f.svc.VerifyAccess(ctx, other.AccessToken); !errors.Is(err, ErrAccessTokenRevoked) {
		t.Errorf("VerifyAccess after reuse: want ErrAccessTokenRevoked, got %v", err)
	}

	_, err = f.svc.Refresh(ctx, RefreshRequest{RefreshToken: second.RefreshToken, DeviceID: a.DeviceID, IP: ipHome, UserAgent: "ua-1"})
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("refresh after reuse: want ErrSessionRevoked, got %v", err)
	}
	f.drain(t)
	if len(f.publisher.byType(notify.TypeTokenReuseAlert)) == 0 {
		t.Error("reuse should publish a token_reuse_alert")
	}
	alert := f.publisher.byType(notify.TypeTokenReuseAlert)[0]
	if len(alert.ActionLinks) != 2 || alert.Email != testEmail {
		t.Errorf("reuse alert should carry revoke_device and revoke_all links: %+v", alert)
	}
	if !f.audit.has(auditdomain.EventTokenReuseDetected) || !f.audit.has(auditdomain.EventRevokedSessionUsed) {
		t.Error("reuse and revoked-session use should be audited")
	}
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, ipHome, "ua-1")
	const n = 16
	var wins, reuse int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), RefreshRequest{RefreshToken: first.RefreshToken, DeviceID: first.DeviceID, IP: ipHome, UserAgent: "ua-1"})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrReuseDetected), errors.Is(err, ErrSessionRevoked):
				atomic.AddInt32(&reuse, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if reuse != n-1 {
		t.Fatalf("rejected = %d, want %d", reuse, n-1)
	}
	if !f.allRevoked(t) {
		t.Error("losing presentations are reuse and must revoke the account's sessions")
	}
}

func TestRefresh_NotFoundAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Refresh(ctx, RefreshRequest{RefreshToken: "x", DeviceID: "nope"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown device: want ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, RefreshRequest{DeviceID: "nope"}); !errors.Is(err, ErrMissingRefresh) {
		t.Errorf("missing token: want ErrMissingRefresh, got %v", err)
	}
}

func TestRefresh_ExpiredSessionIsRevoked(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, ipHome, "ua-1")
	f.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err := f.svc.Refresh(context.Background(), RefreshRequest{RefreshToken: first.RefreshToken, DeviceID: first.DeviceID, IP: ipHome})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
	sess, _ := f.sessions.GetByDeviceID(context.Background(), first.DeviceID)
	if !sess.IsRevoked {
		t.Error("expired session should be revoked")
	}
	// Correct hash or not, an expired generation is never rotated.
	_, err = f.svc.Refresh(context.Background(), RefreshRequest{RefreshToken: first.RefreshToken, DeviceID: first.DeviceID, IP: ipHome})
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("second attempt: want ErrSessionRevoked, got %v", err)
	}
}

func TestRefresh_RevokedSessionBlocksJTI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, ipHome, "ua-1")
	if err := f.svc.Logout(ctx, f.accountID, first.DeviceID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := f.svc.Refresh(ctx, RefreshRequest{RefreshToken: first.RefreshToken, DeviceID: first.DeviceID, IP: ipHome})
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("want ErrSessionRevoked, got %v", err)
	}
	f.drain(t)
	if _, err := f.svc.VerifyAccess(ctx, first.AccessToken); !errors.Is(err, ErrAccessTokenRevoked) {
		t.Fatalf("VerifyAccess after logout: want ErrAccessTokenRevoked, got %v", err)
	}
	if len(f.publisher.byType(notify.TypeTokenReuseAlert)) != 1 {
		t.Error("use of a revoked session should alert")
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, ipHome, "ua-1")
	if err := f.svc.Logout(ctx, "someone-else", first.DeviceID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("logout of a foreign device: want ErrSessionNotFound, got %v", err)
	}
	if err := f.svc.Logout(ctx, f.accountID, first.DeviceID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	sess, _ := f.sessions.GetByDeviceID(ctx, first.DeviceID)
	if !sess.IsRevoked || sess.State() != sessiondomain.StateRevoked {
		t.Error("logout should revoke the session")
	}
	if !f.audit.has(auditdomain.EventLogout) {
		t.Error("logout should be audited")
	}
}

func TestLogoutByRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, ipHome, "ua-1")
	if err := f.svc.LogoutByRefreshToken(ctx, "unknown"); err != nil {
		t.Fatalf("unknown token should be a no-op, got %v", err)
	}
	if err := f.svc.LogoutByRefreshToken(ctx, first.RefreshToken); err != nil {
		t.Fatalf("LogoutByRefreshToken: %v", err)
	}
	sess, _ := f.sessions.GetByDeviceID(ctx, first.DeviceID)
	if !sess.IsRevoked {
		t.Error("session should be revoked")
	}
	claims, _ := f.svc.tokens.ValidateAccess(first.AccessToken)
	if !f.blocked(t, claims.ID) {
		t.Error("logout should denylist the current jti")
	}
}

func TestVerifyAccess_Invalid(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.VerifyAccess(context.Background(), "garbage"); !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("want ErrInvalidAccessToken, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	f.login(t, ipHome, "ua-1")
	f.login(t, ipHome, "ua-1")
	list, err := f.svc.ListSessions(context.Background(), f.accountID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
}

type failingPolicy struct{}

func (failingPolicy) EvaluateLogin(context.Context, engine.LoginInput) (engine.Decision, error) {
	return "", errors.New("policy down")
}

func TestLogin_PolicyFailureUsesDefaults(t *testing.T) {
	f := newFixture(t)
	f.svc.policy = failingPolicy{}
	res := f.login(t, ipHome, "ua-1")
	if res.Decision != engine.DecisionAllow {
		t.Fatalf("decision = %s, want allow", res.Decision)
	}
}

func TestLogin_WithOPAPolicy(t *testing.T) {
	f := newFixture(t)
	opa, err := engine.NewOPAEvaluator("")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	f.svc.policy = opa
	f.login(t, ipHome, "ua-1")
	res := f.login(t, ipHomeNext, "ua-1")
	if res.RiskScore != 5 || res.Decision != engine.DecisionNotify {
		t.Fatalf("risk=%d decision=%s, want 5 notify", res.RiskScore, res.Decision)
	}
}

func TestLogin_PermissivePolicyCannotLiftHighRiskBlock(t *testing.T) {
	f := newFixture(t)
	allowAll, err := engine.NewOPAEvaluator("package campus_auth.login\n\ndefault decision := \"allow\"\n")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	f.svc.policy = allowAll
	f.login(t, ipHome, "ua-1")
	if res := f.login(t, ipHomeNext, "ua-1"); res.Decision != engine.DecisionAllow {
		t.Fatalf("below the block threshold the policy decides, got %s", res.Decision)
	}

	// Country (40) + impossible travel (30) + user agent (10) + minor IP change (5) = 85.
	f.svc.geo = mapResolver{ipHome: {Country: "US"}}
	res, err := f.svc.Login(context.Background(), LoginRequest{Email: testEmail, Password: testPassword, IP: ipHome, UserAgent: "ua-2"})
	if !errors.Is(err, ErrHighRiskBlocked) || res != nil {
		t.Fatalf("Login = %+v, %v; want ErrHighRiskBlocked", res, err)
	}
	list, _ := f.sessions.ListByAccount(context.Background(), f.accountID)
	if len(list) != 3 || !list[0].IsRevoked || list[0].RiskScore != 85 {
		t.Fatalf("blocked session should be stored revoked: %+v", list[0])
	}
}

func TestRefresh_FailedRotationWriteKeepsGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, ipHome, "ua-1")
	flaky := &flakySessions{Repository: f.sessions}
	flaky.down.Store(true)
	f.svc.sessions = flaky

	req := RefreshRequest{RefreshToken: first.RefreshToken, DeviceID: first.DeviceID, IP: ipHome, UserAgent: "ua-1"}
	res, err := f.svc.Refresh(ctx, req)
	if err == nil || res != nil {
		t.Fatalf("Refresh with failing store = %+v, %v; want error", res, err)
	}
	if errors.Is(err, ErrReuseDetected) || errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("a storage failure is not reuse: %v", err)
	}
	sess, _ := f.sessions.GetByDeviceID(ctx, first.DeviceID)
	if sess.IsRevoked || sess.RefreshTokenHash != security.HashRefreshToken(first.RefreshToken) {
		t.Fatalf("failed rotation must leave the previous generation in place: %+v", sess)
	}

	flaky.down.Store(false)
	next, err := f.svc.Refresh(ctx, req)
	if err != nil {
		t.Fatalf("Refresh after recovery: %v", err)
	}
	sess, _ = f.sessions.GetByDeviceID(ctx, first.DeviceID)
	if sess.RefreshTokenHash != security.HashRefreshToken(next.RefreshToken) {
		t.Error("recovered refresh should store the new generation")
	}
}

func TestLogout_SecondCallIsNotRecounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, ipHome, "ua-1")
	for i := 0; i < 2; i++ {
		if err := f.svc.Logout(ctx, f.accountID, first.DeviceID); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if n := f.audit.count(auditdomain.EventLogout); n != 1 {
		t.Errorf("logout audit records = %d, want 1", n)
	}
}
