package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer makes an in-memory tracer provider the global one for the
// duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes slog.Default into a buffer at debug level.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestConnID(t *testing.T) {
	ctx := context.Background()
	if got := ConnID(ctx); got != "" {
		t.Errorf("ConnID(background) = %q, want empty", got)
	}
	if got := WithConnID(ctx, ""); got != ctx {
		t.Error("WithConnID with empty id should return ctx unchanged")
	}
	if got := ConnID(WithConnID(ctx, "c-42")); got != "c-42" {
		t.Errorf("ConnID = %q, want %q", got, "c-42")
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}
}

func TestStartSpan_TagsConnection(t *testing.T) {
	exp := installTracer(t)

	ctx := WithConnID(context.Background(), "c-7")
	_, span := StartSpan(ctx, "relay.turn")
	span.End()
	_, untagged := StartSpan(context.Background(), "plain")
	untagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "relay.turn" {
		t.Errorf("span name = %q, want relay.turn", spans[0].Name)
	}
	var tagged bool
	for _, a := range spans[0].Attributes {
		if a.Key == "conn_id" && a.Value.AsString() == "c-7" {
			tagged = true
		}
	}
	if !tagged {
		t.Errorf("span attributes %v missing conn_id=c-7", spans[0].Attributes)
	}
	for _, a := range spans[1].Attributes {
		if a.Key == "conn_id" {
			t.Errorf("untagged span carries conn_id %q", a.Value.AsString())
		}
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "span_id", "conn_id"},
		},
		{
			name: "connection only",
			ctx: func() (context.Context, func()) {
				return WithConnID(context.Background(), "c-1"), func() {}
			},
			want:    []string{"conn_id=c-1"},
			notWant: []string{"trace_id"},
		},
		{
			name: "connection and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithConnID(context.Background(), "c-2"), "op")
				return ctx, func() { span.End() }
			},
			want: []string{"conn_id=c-2", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, end := tt.ctx()
			defer end()

			Logger(ctx).Info("hello")

			out := buf.String()
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("log %q missing %q", out, s)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(out, s) {
					t.Errorf("log %q should not contain %q", out, s)
				}
			}
		})
	}
}

func TestLogger_FollowsDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx := WithConnID(context.Background(), "c-3")
	Logger(ctx).Info("suppressed")
	Logger(ctx).Warn("kept")

	if strings.Contains(buf.String(), "suppressed") {
		t.Errorf("info record passed a warn-level handler: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %s", buf.String())
	}
}
