package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the OAuth library
type Metrics struct {
	// Protocol endpoint metrics
	TokenRequestsTotal         metric.Int64Counter
	AuthorizationRequestsTotal metric.Int64Counter
	DeviceAuthorizationsTotal  metric.Int64Counter
	PushedRequestsTotal        metric.Int64Counter
	IntrospectionsTotal        metric.Int64Counter
	RevocationsTotal           metric.Int64Counter

	// Security metrics
	PKCEFailuresTotal       metric.Int64Counter
	CodeReuseDetectedTotal  metric.Int64Counter
	RateLimitExceededTotal  metric.Int64Counter
	ClientAuthFailuresTotal metric.Int64Counter

	// Storage metrics
	StorageSizeTokens  metric.Int64ObservableGauge
	StorageSizeCodes   metric.Int64ObservableGauge
	StorageSizeDevices metric.Int64ObservableGauge

	meter metric.Meter
}

// newMetrics creates and registers all metric instruments
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error
	if m.TokenRequestsTotal, err = meter.Int64Counter(
		"oauth.token.requests.total",
		metric.WithDescription("Total token endpoint requests by grant type and outcome"),
	); err != nil {
		return nil, err
	}
	if m.AuthorizationRequestsTotal, err = meter.Int64Counter(
		"oauth.authorization.requests.total",
		metric.WithDescription("Total authorization endpoint requests"),
	); err != nil {
		return nil, err
	}
	if m.DeviceAuthorizationsTotal, err = meter.Int64Counter(
		"oauth.device.authorizations.total",
		metric.WithDescription("Total device authorization requests"),
	); err != nil {
		return nil, err
	}
	if m.PushedRequestsTotal, err = meter.Int64Counter(
		"oauth.par.requests.total",
		metric.WithDescription("Total pushed authorization requests"),
	); err != nil {
		return nil, err
	}
	if m.IntrospectionsTotal, err = meter.Int64Counter(
		"oauth.introspection.requests.total",
		metric.WithDescription("Total token introspection requests"),
	); err != nil {
		return nil, err
	}
	if m.RevocationsTotal, err = meter.Int64Counter(
		"oauth.revocation.requests.total",
		metric.WithDescription("Total token revocation requests"),
	); err != nil {
		return nil, err
	}
	if m.PKCEFailuresTotal, err = meter.Int64Counter(
		"oauth.security.pkce_failures.total",
		metric.WithDescription("Total PKCE verification failures"),
	); err != nil {
		return nil, err
	}
	if m.CodeReuseDetectedTotal, err = meter.Int64Counter(
		"oauth.security.code_reuse.total",
		metric.WithDescription("Total authorization code reuse detections"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitExceededTotal, err = meter.Int64Counter(
		"oauth.security.rate_limit_exceeded.total",
		metric.WithDescription("Total requests rejected by rate limiting"),
	); err != nil {
		return nil, err
	}
	if m.ClientAuthFailuresTotal, err = meter.Int64Counter(
		"oauth.security.client_auth_failures.total",
		metric.WithDescription("Total failed client authentications"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterStorageGauges registers observable gauges fed by the given size
// callbacks. Stores call this once at setup with cheap (atomic) readers.
func (m *Metrics) RegisterStorageGauges(tokens, codes, devices func() int64) error {
	var err error
	if m.StorageSizeTokens, err = m.meter.Int64ObservableGauge(
		"oauth.storage.tokens",
		metric.WithDescription("Number of live tokens in storage"),
	); err != nil {
		return err
	}
	if m.StorageSizeCodes, err = m.meter.Int64ObservableGauge(
		"oauth.storage.codes",
		metric.WithDescription("Number of live authorization codes in storage"),
	); err != nil {
		return err
	}
	if m.StorageSizeDevices, err = m.meter.Int64ObservableGauge(
		"oauth.storage.devices",
		metric.WithDescription("Number of live device authorizations in storage"),
	); err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.StorageSizeTokens, tokens())
			o.ObserveInt64(m.StorageSizeCodes, codes())
			o.ObserveInt64(m.StorageSizeDevices, devices())
			return nil
		},
		m.StorageSizeTokens, m.StorageSizeCodes, m.StorageSizeDevices,
	)
	return err
}

// GrantTypeAttr returns the canonical grant_type metric attribute
func GrantTypeAttr(grantType string) attribute.KeyValue {
	return attribute.String("grant_type", grantType)
}

// OutcomeAttr returns the canonical outcome metric attribute
// ("success" or the OAuth error code).
func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}
