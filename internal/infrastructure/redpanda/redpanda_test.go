package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier(t *testing.T) {
	r := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "a", Value: []byte("1")}}}
	c := NewHeaderCarrier(r)

	c.Set("a", "2")
	c.Set("b", "3")
	if got := c.Get("a"); got != "2" {
		t.Errorf("Get(a) = %q, want 2", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q", got)
	}
	if len(r.Headers) != 2 || len(c.Keys()) != 2 {
		t.Errorf("headers = %+v", r.Headers)
	}
}

func TestTracePropagation(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	r := &kgo.Record{}
	injectTraceHeaders(ctx, r)
	if got := NewHeaderCarrier(r).Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Errorf("traceparent = %q", got)
	}

	out := trace.SpanContextFromContext(extractTraceContext(context.Background(), r))
	if out.TraceID() != traceID || out.SpanID() != spanID || !out.IsRemote() {
		t.Errorf("extracted = %+v", out)
	}
}

func TestCommitPlan(t *testing.T) {
	rec := func(topic string, partition int32, offset int64) *kgo.Record {
		return &kgo.Record{Topic: topic, Partition: partition, Offset: offset, LeaderEpoch: 4}
	}
	records := []*kgo.Record{
		rec("audit.requests", 0, 10),
		rec("audit.requests", 1, 20),
		rec("audit.requests", 0, 11),
		rec("audit.requests", 1, 21),
		rec("audit.requests", 0, 12),
	}
	settled := []bool{true, true, false, true, true}

	commit, rewind := commitPlan(records, settled)

	want := map[int64]bool{10: true, 20: true, 21: true}
	if len(commit) != len(want) {
		t.Fatalf("commit = %d records, want %d", len(commit), len(want))
	}
	for _, r := range commit {
		if !want[r.Offset] {
			t.Errorf("committed offset %d past an unsettled record", r.Offset)
		}
	}

	eo, ok := rewind["audit.requests"][0]
	if !ok || eo.Offset != 11 || eo.Epoch != 4 {
		t.Errorf("rewind = %+v, want partition 0 at offset 11", rewind)
	}
	if _, ok := rewind["audit.requests"][1]; ok {
		t.Error("fully settled partition must not be rewound")
	}
}

func TestCommitPlanAllSettled(t *testing.T) {
	records := []*kgo.Record{{Topic: "t", Offset: 1}, {Topic: "t", Offset: 2}}
	commit, rewind := commitPlan(records, []bool{true, true})
	if len(commit) != 2 || rewind != nil {
		t.Errorf("commit = %d, rewind = %v", len(commit), rewind)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(3)
	seen := map[string]bool{}
	for _, c := range configs {
		if c.ReplicationFactor != 3 || c.Partitions <= 0 {
			t.Errorf("%s: %+v", c.Name, c)
		}
		if c.Configs["retention.ms"] == nil {
			t.Errorf("%s has no retention", c.Name)
		}
		seen[c.Name] = true
	}
	for _, name := range []string{TopicAuditRequests, TopicAuditReports, TopicDeadLetter} {
		if !seen[name] {
			t.Errorf("missing topic %s", name)
		}
	}
}
