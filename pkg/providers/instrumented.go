package providers

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

const tracerName = "github.com/openfroyo/stagecraft/pkg/providers"

// CallObserver receives the duration and outcome of every provider call.
// telemetry.Metrics satisfies it.
type CallObserver interface {
	ObserveProviderCall(provider, operation string, d time.Duration, err error)
}

// instrumented wraps a CloudProvider with a span and a CallObserver
// observation per call.
type instrumented struct {
	id       string
	inner    engine.CloudProvider
	observer CallObserver
	tracer   trace.Tracer
}

// Instrument decorates provider so each call is traced and observed. A nil
// observer only traces.
func Instrument(id string, provider engine.CloudProvider, observer CallObserver) engine.CloudProvider {
	return &instrumented{
		id:       id,
		inner:    provider,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
	}
}

func (p *instrumented) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	started := time.Now()
	attrs = append(attrs,
		attribute.String("provider.name", p.id),
		attribute.String("operation", operation),
	)
	ctx, span := p.tracer.Start(ctx, "provider."+operation, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if code := engine.CodeOf(err); code != "" {
				span.SetAttributes(attribute.String("error.code", code))
			}
		}
		span.End()
		if p.observer != nil {
			p.observer.ObserveProviderCall(p.id, operation, time.Since(started), err)
		}
	}
}

func (p *instrumented) CheckAuth(ctx context.Context) (err error) {
	ctx, done := p.start(ctx, "check_auth")
	defer func() { done(err) }()
	return p.inner.CheckAuth(ctx)
}

func (p *instrumented) GetState(ctx context.Context, selectors []model.Identity) (states []model.ResourceState, err error) {
	ctx, done := p.start(ctx, "get_state", attribute.Int("selectors", len(selectors)))
	defer func() { done(err) }()
	return p.inner.GetState(ctx, selectors)
}

func (p *instrumented) Create(ctx context.Context, rc model.ResourceConfig) (state *model.ResourceState, err error) {
	ctx, done := p.start(ctx, "create", attribute.String("resource", rc.Identity().String()))
	defer func() { done(err) }()
	return p.inner.Create(ctx, rc)
}

func (p *instrumented) Update(ctx context.Context, rc model.ResourceConfig, diff []model.AttributeChange) (state *model.ResourceState, err error) {
	ctx, done := p.start(ctx, "update",
		attribute.String("resource", rc.Identity().String()),
		attribute.Int("changes", len(diff)),
	)
	defer func() { done(err) }()
	return p.inner.Update(ctx, rc, diff)
}

func (p *instrumented) Delete(ctx context.Context, id model.Identity) (err error) {
	ctx, done := p.start(ctx, "delete", attribute.String("resource", id.String()))
	defer func() { done(err) }()
	return p.inner.Delete(ctx, id)
}
