package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildHandlerFormats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "app.log")

	h, err := buildHandler("text", []string{path}, &slog.HandlerOptions{})
	if err != nil {
		t.Fatalf("build text handler: %v", err)
	}
	if _, ok := h.(*slog.TextHandler); !ok {
		t.Fatalf("expected text handler, got %T", h)
	}

	h, err = buildHandler("json", nil, &slog.HandlerOptions{})
	if err != nil {
		t.Fatalf("build json handler: %v", err)
	}
	if _, ok := h.(*slog.JSONHandler); !ok {
		t.Fatalf("expected json handler, got %T", h)
	}
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestAuditLoggerRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
	l, err := buildAuditLogger(AuditConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "audit", "audit.log")})
	if err != nil {
		t.Fatalf("build audit logger: %v", err)
	}
	l.Info("run finished", slog.String("run_id", "r1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestReplaceAndNamed(t *testing.T) {
	var buf bytes.Buffer
	restore := Replace(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer restore()

	Named("agent").Info("hello")
	Audit().Info("audited")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	var first map[string]any
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if first["component"] != "agent" {
		t.Fatalf("missing component attribute: %v", first)
	}

	Discard().Error("dropped")
}

func TestSetLevelAppliesToHandler(t *testing.T) {
	defer SetLevel("info")

	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))

	SetLevel("warn")
	l.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}

	SetLevel("debug")
	l.Debug("visible")
	if !bytes.Contains(buf.Bytes(), []byte("visible")) {
		t.Fatalf("debug record missing after SetLevel: %s", buf.String())
	}
}

func TestBaseAttrs(t *testing.T) {
	if attrs := baseAttrs(Config{}); len(attrs) != 0 {
		t.Fatalf("expected no base attributes, got %v", attrs)
	}
	attrs := baseAttrs(Config{Service: "taskpilotd", Version: "v1.2.0"})
	if len(attrs) != 2 {
		t.Fatalf("expected service and version attributes, got %v", attrs)
	}
}
