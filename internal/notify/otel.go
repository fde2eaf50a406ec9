package notify

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// OTelPublisher emits events as OpenTelemetry log records. Action link URLs are not exported since
// they are bearer capabilities.
type OTelPublisher struct {
	logger recordEmitter
}

// recordEmitter is the subset of otellog.Logger used here.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewOTelPublisher returns a publisher on provider, or nil when provider is nil.
func NewOTelPublisher(provider *sdklog.LoggerProvider) *OTelPublisher {
	if provider == nil {
		return nil
	}
	return &OTelPublisher{logger: provider.Logger("campus-auth.notify")}
}

func newOTelPublisherWithLogger(l recordEmitter) *OTelPublisher {
	return &OTelPublisher{logger: l}
}

// Publish converts e to a log record and emits it.
func (p *OTelPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil {
		return nil
	}
	if err := e.Validate(); err != nil {
		return err
	}
	rec := otellog.Record{}
	rec.SetTimestamp(e.OccurredAt)
	rec.SetEventName(string(e.Type))
	rec.SetSeverity(otellog.SeverityWarn)
	if e.Type == TypeTokenReuseAlert {
		rec.SetSeverity(otellog.SeverityError)
	}
	rec.SetBody(otellog.StringValue(string(e.Type)))
	rec.AddAttributes(
		otellog.String("event_id", e.ID),
		otellog.String("account_id", e.AccountID),
		otellog.String("device_id", e.DeviceID),
		otellog.Int("risk_score", e.RiskScore),
		otellog.String("ip", e.Origin.IP),
		otellog.String("country", e.Origin.Country),
		otellog.Int("action_links", len(e.ActionLinks)),
	)
	if e.Decision != "" {
		rec.AddAttributes(otellog.String("decision", e.Decision))
	}
	p.logger.Emit(ctx, rec)
	return nil
}

// Close is a no-op; the provider is shut down by its owner.
func (p *OTelPublisher) Close() error { return nil }
