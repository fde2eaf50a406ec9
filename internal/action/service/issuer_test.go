package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"campus-auth/backend/internal/action/domain"
	"campus-auth/backend/internal/action/repository"
	auditdomain "campus-auth/backend/internal/audit/domain"
	"campus-auth/backend/internal/security"
	sessiondomain "campus-auth/backend/internal/session/domain"
	sessionrepo "campus-auth/backend/internal/session/repository"
)

type memBlocker struct {
	mu   sync.Mutex
	jtis []string
}

func (b *memBlocker) BlockAsync(jti string, _ time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jtis = append(b.jtis, jti)
}

func (b *memBlocker) blocked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.jtis...)
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

type brokenSessions struct {
	sessionrepo.Repository
}

func (brokenSessions) RevokeAllByAccount(context.Context, string, time.Time) ([]*sessiondomain.Session, error) {
	return nil, errors.New("db down")
}

type fixture struct {
	issuer   *Issuer
	provider *security.TokenProvider
	sessions *sessionrepo.MemoryRepository
	blocker  *memBlocker
	audit    *memRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	f := &fixture{
		provider: p,
		sessions: sessionrepo.NewMemoryRepository(),
		blocker:  &memBlocker{},
		audit:    &memRecorder{},
	}
	f.issuer = NewIssuer(p, repository.NewMemoryRepository(), f.sessions, f.blocker, f.audit, nil,
		"http://localhost:8081/action/capture", 0)
	return f
}

func (f *fixture) addSession(t *testing.T, id, account, device string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.sessions.Create(context.Background(), &sessiondomain.Session{
		ID: id, AccountID: account, DeviceID: device, RefreshTokenHash: "h-" + id, TokenIdentifier: "jti-" + id,
		AccessExpiresAt: now.Add(15 * time.Minute), ExpiresAt: now.Add(time.Hour), CreatedAt: now, LastUsedAt: now,
	})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
}

func TestIssuer_MintBuildsCaptureURL(t *testing.T) {
	f := newFixture(t)
	link, err := f.issuer.Mint(context.Background(), "acc-1", "dev-1", domain.ActionApproveDevice)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	u, err := url.Parse(link.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Path != "/action/capture" || u.Query().Get("token") != link.Token {
		t.Errorf("unexpected link url %q", link.URL)
	}
	if d := time.Until(link.ExpiresAt); d < 29*time.Minute || d > 31*time.Minute {
		t.Errorf("link ttl = %v, want about 30m", d)
	}
}

func TestIssuer_MintRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	if _, err := f.issuer.Mint(context.Background(), "acc-1", "dev-1", domain.Action("wipe")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("want ErrUnknownAction, got %v", err)
	}
}

func TestIssuer_RedeemApproveDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSession(t, "s1", "acc-1", "dev-1")
	link, _ := f.issuer.Mint(ctx, "acc-1", "dev-1", domain.ActionApproveDevice)

	res, err := f.issuer.Redeem(ctx, link.Token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Affected != 1 || res.Message() != "Device approved successfully." {
		t.Errorf("unexpected result %+v", res)
	}
	s, _ := f.sessions.GetByDeviceID(ctx, "dev-1")
	if !s.Trusted || s.TrustVerifiedAt == nil {
		t.Errorf("session not trusted: %+v", s)
	}
	if len(f.audit.events) != 1 || f.audit.events[0] != auditdomain.EventActionRedeemed {
		t.Errorf("audit events = %v", f.audit.events)
	}
}

func TestIssuer_RedeemRevokeDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSession(t, "s1", "acc-1", "dev-1")
	f.addSession(t, "s2", "acc-1", "dev-2")
	link, _ := f.issuer.Mint(ctx, "acc-1", "dev-1", domain.ActionRevokeDevice)

	if _, err := f.issuer.Redeem(ctx, link.Token); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	s1, _ := f.sessions.GetByDeviceID(ctx, "dev-1")
	s2, _ := f.sessions.GetByDeviceID(ctx, "dev-2")
	if !s1.IsRevoked || s2.IsRevoked {
		t.Errorf("revoke_device should only revoke dev-1: s1=%v s2=%v", s1.IsRevoked, s2.IsRevoked)
	}
	if got := f.blocker.blocked(); len(got) != 1 || got[0] != "jti-s1" {
		t.Errorf("blocked = %v, want [jti-s1]", got)
	}
}

func TestIssuer_RedeemRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSession(t, "s1", "acc-1", "dev-1")
	f.addSession(t, "s2", "acc-1", "dev-2")
	f.addSession(t, "s3", "acc-2", "dev-3")
	link, _ := f.issuer.Mint(ctx, "acc-1", "ignored", domain.ActionRevokeAll)

	res, err := f.issuer.Redeem(ctx, link.Token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Affected != 2 || res.DeviceID != "" {
		t.Errorf("unexpected result %+v", res)
	}
	other, _ := f.sessions.GetByDeviceID(ctx, "dev-3")
	if other.IsRevoked {
		t.Error("revoke_all must not touch other accounts")
	}
	if got := f.blocker.blocked(); len(got) != 2 {
		t.Errorf("blocked = %v, want two jtis", got)
	}
}

func TestIssuer_RedeemTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link, _ := f.issuer.Mint(ctx, "acc-1", "dev-1", domain.ActionApproveDevice)
	if _, err := f.issuer.Redeem(ctx, link.Token); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if _, err := f.issuer.Redeem(ctx, link.Token); !errors.Is(err, ErrActionLinkAlreadyUsed) {
		t.Fatalf("second Redeem: want ErrActionLinkAlreadyUsed, got %v", err)
	}
}

func TestIssuer_RedeemConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSession(t, "s1", "acc-1", "dev-1")
	link, _ := f.issuer.Mint(ctx, "acc-1", "", domain.ActionRevokeAll)

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		used int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuer.Redeem(ctx, link.Token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrActionLinkAlreadyUsed):
				used++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || used != n-1 {
		t.Fatalf("successes = %d, already used = %d; want 1 and %d", ok, used, n-1)
	}
}

func TestIssuer_RedeemInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.issuer.Redeem(ctx, "not-a-token"); !errors.Is(err, ErrActionLinkInvalid) {
		t.Errorf("garbage: want ErrActionLinkInvalid, got %v", err)
	}

	// Signed but never persisted.
	orphan, _, err := f.provider.IssueAction("acc-1", "dev-1", "approve_device", "no-record", time.Minute)
	if err != nil {
		t.Fatalf("IssueAction: %v", err)
	}
	if _, err := f.issuer.Redeem(ctx, orphan); !errors.Is(err, ErrActionLinkInvalid) {
		t.Errorf("unknown record: want ErrActionLinkInvalid, got %v", err)
	}

	// Access tokens are not action links.
	issued, err := f.provider.Issue(security.Subject{AccountID: "acc-1", DeviceID: "dev-1", Role: "student"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.issuer.Redeem(ctx, issued.AccessToken); !errors.Is(err, ErrActionLinkInvalid) {
		t.Errorf("access token: want ErrActionLinkInvalid, got %v", err)
	}
}

func TestIssuer_RedeemExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link, _ := f.issuer.Mint(ctx, "acc-1", "dev-1", domain.ActionApproveDevice)
	f.provider.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	if _, err := f.issuer.Redeem(ctx, link.Token); !errors.Is(err, ErrActionLinkInvalid) {
		t.Fatalf("want ErrActionLinkInvalid for expired link, got %v", err)
	}
}

func TestIssuer_RedeemMissingSessionStillConsumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link, _ := f.issuer.Mint(ctx, "acc-1", "gone", domain.ActionRevokeDevice)
	res, err := f.issuer.Redeem(ctx, link.Token)
	if err != nil || res.Affected != 0 {
		t.Fatalf("Redeem = %+v, %v; want zero affected", res, err)
	}
	if _, err := f.issuer.Redeem(ctx, link.Token); !errors.Is(err, ErrActionLinkAlreadyUsed) {
		t.Fatalf("want ErrActionLinkAlreadyUsed, got %v", err)
	}
}

func TestIssuer_RedeemStoreFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSession(t, "s1", "acc-1", "dev-1")
	f.issuer.sessions = brokenSessions{Repository: f.sessions}
	link, _ := f.issuer.Mint(ctx, "acc-1", "", domain.ActionRevokeAll)

	if res, err := f.issuer.Redeem(ctx, link.Token); err == nil || res != nil {
		t.Fatalf("Redeem = %+v, %v; want store error", res, err)
	}
	if len(f.audit.events) != 1 || f.audit.events[0] != auditdomain.EventActionFailed {
		t.Errorf("audit events = %v, want [%s]", f.audit.events, auditdomain.EventActionFailed)
	}
	if _, err := f.issuer.Redeem(ctx, link.Token); !errors.Is(err, ErrActionLinkAlreadyUsed) {
		t.Fatalf("want ErrActionLinkAlreadyUsed after a failed apply, got %v", err)
	}
}

func TestIssuer_RedeemRevokeDeviceAlreadyRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSession(t, "s1", "acc-1", "dev-1")
	if _, err := f.sessions.Revoke(ctx, "s1", time.Now()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	link, _ := f.issuer.Mint(ctx, "acc-1", "dev-1", domain.ActionRevokeDevice)
	res, err := f.issuer.Redeem(ctx, link.Token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Affected != 0 {
		t.Errorf("affected = %d, want 0 for an already revoked session", res.Affected)
	}
}
