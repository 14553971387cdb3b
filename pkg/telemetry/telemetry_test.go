package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "json format", mutate: func(c *Config) { c.Logging.Format = "json" }},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{
			name: "jaeger is gone",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: true,
		},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "no namespace", mutate: func(c *Config) { c.Metrics.Namespace = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(LoggingConfig{Level: "info", Format: "auto"}, &buf, false)
	l.Info().Str("host", "pi-munich").Msg("converging host")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("auto off a terminal should log json, got %q", buf.String())
	}

	buf.Reset()
	l = newLogger(LoggingConfig{Level: "info", Format: "console"}, &buf, false)
	l.Info().Str("host", "pi-munich").Msg("converging host")
	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "host=pi-munich") {
		t.Errorf("console output expected, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("console output off a terminal must not be colored: %q", out)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf, false)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record passed a warn logger")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record was dropped")
	}
	if parseLogLevel("bogus") != zerolog.InfoLevel {
		t.Error("unknown levels should fall back to info")
	}
}

func TestNewLoggerFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "converge.log")
	l, closer, err := NewLogger(LoggingConfig{Level: "debug", Format: "auto", Output: p})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	l.Debug().Msg("to file")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "{") || !strings.Contains(string(b), "to file") {
		t.Errorf("file output should be json, got %q", b)
	}
}

func TestMetricsObserver(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}

	m.ResourceInstalled("pi-munich", "inadyn", "package", true, 2*time.Second, nil)
	m.ResourceInstalled("pi-munich", "git", "package", false, 10*time.Millisecond, nil)
	m.ResourceInstalled("pi-berlin", "inadyn", "package", false, time.Second, errors.New("apt failed"))
	m.RecordHostPass("pi-munich", 1, 3*time.Second, nil)
	m.RecordHostPass("pi-berlin", 0, time.Second, errors.New("apt failed"))

	checks := []struct {
		got  float64
		want float64
		desc string
	}{
		{testutil.ToFloat64(m.resourceInstalls.WithLabelValues("pi-munich", "package", "changed")), 1, "changed"},
		{testutil.ToFloat64(m.resourceInstalls.WithLabelValues("pi-munich", "package", "unchanged")), 1, "unchanged"},
		{testutil.ToFloat64(m.resourceInstalls.WithLabelValues("pi-berlin", "package", "failed")), 1, "failed"},
		{testutil.ToFloat64(m.hostPasses.WithLabelValues("pi-berlin", "failed")), 1, "failed pass"},
		{testutil.ToFloat64(m.hostChanged.WithLabelValues("pi-munich")), 1, "changed gauge"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.desc, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(m.resourceDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false, Textfile: filepath.Join(t.TempDir(), "x.prom")})
	if err != nil {
		t.Fatal(err)
	}
	m.ResourceInstalled("h", "n", "package", true, time.Second, nil)
	m.RecordHostPass("h", 1, time.Second, nil)
	m.RecordRunFinished(time.Now())
	if m.Gatherer() != nil {
		t.Error("disabled metrics should expose no gatherer")
	}
	if err := m.WriteTextfile(""); err != nil {
		t.Errorf("WriteTextfile() on disabled metrics = %v", err)
	}
	if _, err := os.Stat(m.config.Textfile); !os.IsNotExist(err) {
		t.Error("disabled metrics must not write a textfile")
	}
}

func TestMetricsWriteTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Textfile = filepath.Join(t.TempDir(), "converge.prom")
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.ResourceInstalled("pi-munich", "inadyn", "package", true, time.Second, nil)
	m.RecordRunFinished(time.Unix(1700000000, 0))

	if err := m.WriteTextfile(""); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	b, err := os.ReadFile(cfg.Textfile)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{
		`converge_resource_installs_total{host="pi-munich",kind="package",result="changed"} 1`,
		"converge_last_run_timestamp_seconds 1.7e+09",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	tr, err := newTracer(cfg, "converge", "test", &buf)
	if err != nil {
		t.Fatalf("newTracer() error = %v", err)
	}

	ctx, span := tr.StartRunSpan(context.Background(), "run-1", []string{"pi-munich"})
	if TraceID(ctx) == "" {
		t.Error("run span should carry a trace id")
	}
	RecordError(span, nil)
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "converge.run") {
		t.Errorf("exported spans missing the run span: %s", buf.String())
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "converge", "test")
	if err != nil {
		t.Fatal(err)
	}
	_, span := tr.StartRunSpan(context.Background(), "run-1", nil)
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on a disabled tracer = %v", err)
	}
}

func TestTracerUnknownExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin", SamplingRate: 1}, "converge", "test")
	if err == nil {
		t.Error("expected an error for an unknown exporter")
	}
}
