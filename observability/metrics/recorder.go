package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/infigaming-com/go-realtime/bridge"
	"github.com/infigaming-com/go-realtime/broker"
	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/registry"
	"github.com/infigaming-com/go-realtime/router"
)

// Recorder holds the realtime instruments and hands out component hooks that
// feed them. Attributes carry the channel scope, never the full channel, to
// keep cardinality bounded.
type Recorder struct {
	connections      metric.Int64UpDownCounter
	deliveries       metric.Int64Counter
	deliveryFailures metric.Int64Counter
	publishes        metric.Int64Counter
	publishFailures  metric.Int64Counter
	publishRetries   metric.Int64Counter
	streamOpens      metric.Int64Counter
	streamReconnects metric.Int64Counter
	exhausted        metric.Int64Counter
	decodeErrors     metric.Int64Counter
	dispatches       metric.Float64Histogram
	dropped          metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var errs []error
	int64Counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		errs = append(errs, err)
		return c
	}

	var err error
	r.connections, err = meter.Int64UpDownCounter("realtime.connections", metric.WithDescription("Open client connections"), metric.WithUnit("1"))
	errs = append(errs, err)
	r.deliveries = int64Counter("realtime.deliveries", "Envelopes fanned out to local listeners")
	r.deliveryFailures = int64Counter("realtime.delivery_failures", "Fan-out deliveries that failed")
	r.publishes = int64Counter("realtime.broker.publishes", "Successful broker publishes")
	r.publishFailures = int64Counter("realtime.broker.publish_failures", "Broker publishes that exhausted retries")
	r.publishRetries = int64Counter("realtime.broker.retries", "Broker call retries")
	r.streamOpens = int64Counter("realtime.broker.stream_opens", "Upstream streams opened")
	r.streamReconnects = int64Counter("realtime.bridge.reconnects", "Bridge subscription reconnect attempts")
	r.exhausted = int64Counter("realtime.bridge.exhausted", "Bridge subscriptions that ran out of reconnect attempts")
	r.decodeErrors = int64Counter("realtime.bridge.decode_errors", "Upstream payloads that failed to decode")
	r.dropped = int64Counter("realtime.router.dropped", "Events without a handler")
	r.dispatches, err = meter.Float64Histogram("realtime.router.dispatch_duration", metric.WithDescription("Router handler latency"), metric.WithUnit("ms"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// NewNoopRecorder returns a Recorder whose instruments discard everything.
func NewNoopRecorder() *Recorder {
	r, _ := NewRecorder(noop.NewMeterProvider().Meter("noop"))
	return r
}

func scopeAttr(channel string) attribute.KeyValue {
	return attribute.String("scope", string(event.Channel(channel).Scope()))
}

func (r *Recorder) BrokerHooks() broker.Hooks {
	return broker.Hooks{
		OnPublish: func(ctx context.Context, channel string, _ int64) {
			r.publishes.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
		OnPublishFail: func(ctx context.Context, channel string, _ error) {
			r.publishFailures.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
		OnRetry: func(ctx context.Context, channel string, _ int, _ string) {
			r.publishRetries.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
		OnStreamOpen: func(ctx context.Context, channel string) {
			r.streamOpens.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel), attribute.Bool("ok", true)))
		},
		OnStreamFail: func(ctx context.Context, channel string, _ error) {
			r.streamOpens.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel), attribute.Bool("ok", false)))
		},
	}
}

func (r *Recorder) BridgeHooks() bridge.Hooks {
	return bridge.Hooks{
		OnReconnect: func(ctx context.Context, channel string, _ int, _ time.Duration) {
			r.streamReconnects.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
		OnExhausted: func(ctx context.Context, channel string, _ error) {
			r.exhausted.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
		OnDecodeError: func(ctx context.Context, channel string, _ error) {
			r.decodeErrors.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
		OnDeliver: func(ctx context.Context, channel string, listeners int) {
			r.deliveries.Add(ctx, int64(listeners), metric.WithAttributes(scopeAttr(channel)))
		},
		OnDeliverFail: func(ctx context.Context, channel string, _ error) {
			r.deliveryFailures.Add(ctx, 1, metric.WithAttributes(scopeAttr(channel)))
		},
	}
}

func (r *Recorder) RegistryHooks() registry.Hooks {
	return registry.Hooks{
		OnRegister: func(conn *registry.Connection) {
			r.connections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(conn.Principal.Kind))))
		},
		OnUnregister: func(conn *registry.Connection) {
			r.connections.Add(context.Background(), -1, metric.WithAttributes(attribute.String("kind", string(conn.Principal.Kind))))
		},
	}
}

func (r *Recorder) RouterHooks() router.Hooks {
	return router.Hooks{
		OnDispatch: func(ctx context.Context, t event.Type, err error, elapsed time.Duration) {
			r.dispatches.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
				attribute.String("type", t.String()),
				attribute.Bool("ok", err == nil),
			))
		},
		OnDropped: func(ctx context.Context, t event.Type) {
			r.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String())))
		},
	}
}
