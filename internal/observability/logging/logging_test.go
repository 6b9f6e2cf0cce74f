package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf, Format: "json"})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("visible")
	if entry := decodeLine(t, &buf); entry["msg"] != "visible" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Writer: &buf, Format: "text"})
	logger.Info("hello", "key", "value")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "key=value") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf, Format: "json"}), "stream")
	logger.Info("started")
	if entry := decodeLine(t, &buf); entry["component"] != "stream" {
		t.Fatalf("missing component field: %v", entry)
	}
}

func TestContextCarriesRequestAndRoomIDs(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-1 ")
	ctx = ContextWithRoomID(ctx, "lobby")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-1" {
		t.Fatalf("request id = %q (ok=%v)", id, ok)
	}
	if id, ok := RoomIDFromContext(ctx); !ok || id != "lobby" {
		t.Fatalf("room id = %q (ok=%v)", id, ok)
	}

	// Empty values never overwrite the context.
	if _, ok := RequestIDFromContext(ContextWithRequestID(context.Background(), "  ")); ok {
		t.Fatalf("blank request id stored")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithRoomID(ctx, "lobby")
	WithContext(ctx, logger).Info("annotated")

	entry := decodeLine(t, &buf)
	if entry["request_id"] != "req-1" || entry["room_id"] != "lobby" {
		t.Fatalf("missing context fields: %v", entry)
	}
}

func TestRequestLoggerCapturesStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})

	handler := RequestLogger(RequestLoggerConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/check", nil))

	entry := decodeLine(t, &buf)
	if entry["msg"] != "request completed" || entry["path"] != "/stream/check" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["status"].(float64) != http.StatusNotFound {
		t.Fatalf("status = %v", entry["status"])
	}
	if _, ok := entry["remote_addr"]; !ok {
		t.Fatalf("remote_addr missing: %v", entry)
	}
}

func TestRequestLoggerAdditionalFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})

	middleware := RequestLogger(RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"query", r.URL.RawQuery}
		},
	})
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws?room=lobby", nil))

	entry := decodeLine(t, &buf)
	if entry["query"] != "room=lobby" {
		t.Fatalf("additional field missing: %v", entry)
	}
	if _, ok := entry["remote_addr"]; ok {
		t.Fatalf("remote_addr present despite DisableRemoteAddr: %v", entry)
	}
}

func TestStatusRecorderPreservesFlusher(t *testing.T) {
	recorder := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: recorder, status: http.StatusOK}
	var _ http.Flusher = sr
	var _ http.Hijacker = sr
	sr.Flush()
	if !recorder.Flushed {
		t.Fatalf("flush not forwarded")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	for _, raw := range []string{"", "info", "garbage", " INFO "} {
		if got := parseLevel(raw).Level(); got != slog.LevelInfo {
			t.Fatalf("parseLevel(%q) = %v", raw, got)
		}
	}
	if got := parseLevel("debug").Level(); got != slog.LevelDebug {
		t.Fatalf("debug level = %v", got)
	}
	if got := parseLevel("warning").Level(); got != slog.LevelWarn {
		t.Fatalf("warning level = %v", got)
	}
}
