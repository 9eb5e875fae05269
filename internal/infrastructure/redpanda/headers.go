package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts record headers to an OpenTelemetry TextMapCarrier
type HeaderCarrier struct {
	record *kgo.Record
}

// NewHeaderCarrier wraps the headers of record
func NewHeaderCarrier(record *kgo.Record) HeaderCarrier {
	return HeaderCarrier{record: record}
}

var _ propagation.TextMapCarrier = HeaderCarrier{}

// Get returns the last value stored under key
func (c HeaderCarrier) Get(key string) string {
	for i := len(c.record.Headers) - 1; i >= 0; i-- {
		if c.record.Headers[i].Key == key {
			return string(c.record.Headers[i].Value)
		}
	}
	return ""
}

// Set replaces any value stored under key
func (c HeaderCarrier) Set(key, value string) {
	for i := range c.record.Headers {
		if c.record.Headers[i].Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// injectTraceHeaders writes the trace context of ctx into the record headers
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, NewHeaderCarrier(record))
}

// extractTraceContext returns ctx carrying the trace context found in the record headers
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(record))
}
