package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"campus-auth/backend/internal/audit/domain"
	auditrepo "campus-auth/backend/internal/audit/repository"
)

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// Recorder appends audit records. Record is best-effort: failures are logged and never reach the caller.
type Recorder interface {
	Record(ctx context.Context, accountID string, event domain.Event, metadata map[string]any)
}

// Logger implements Recorder using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	timeout     time.Duration
}

// NewLogger returns a Logger that persists to repo. ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor) *Logger {
	return &Logger{repo: repo, ipExtractor: ipExtractor, timeout: 5 * time.Second}
}

// Record writes one audit entry. The write is detached from ctx cancellation so a rejected request
// still leaves its record.
func (l *Logger) Record(ctx context.Context, accountID string, event domain.Event, metadata map[string]any) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Event:     event,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.repo.Create(wctx, entry); err != nil {
		log.Printf("audit: failed to record %s for account %s: %v", event, accountID, err)
	}
}
