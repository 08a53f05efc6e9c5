package litehalt

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{raw: "collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{raw: "collector:9999", want: otlpTarget{protocol: "grpc", endpoint: "collector:9999", insecure: true}},
		{raw: "grpcs://collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{raw: "http://collector", want: otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{raw: "https://collector:443/v1/traces/", want: otlpTarget{protocol: "http", endpoint: "collector:443", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.raw, tc.want, got)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := StartTelemetry(context.Background(), TelemetryConfig{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected nothing started, got %v, %v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := StartTelemetry(context.Background(), TelemetryConfig{ProfilingMetrics: true}, nil); err == nil {
		t.Fatal("expected profiling metrics without listener to fail")
	}
}

func TestStartTelemetryServesLeaseMetrics(t *testing.T) {
	tel, err := StartTelemetry(context.Background(), TelemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("start telemetry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})

	hc, db := newTestCoordinator(t, Config{})
	if err := hc.WithHalt(context.Background(), db, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("with halt: %v", err)
	}

	resp, err := http.Get("http://" + tel.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if text := string(body); !strings.Contains(text, "litehalt") || !strings.Contains(text, "lease") {
		t.Fatalf("expected lease metrics in scrape output:\n%s", body)
	}
}
