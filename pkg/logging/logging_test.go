package logging

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompactHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCompactHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.Info("graph reconciled", "groupID", "g-1", "nodes", 4, "summary", "db down")

	line := buf.String()
	if !strings.HasPrefix(line, "[INFO]  ") {
		t.Errorf("line should start with level tag, got %q", line)
	}
	for _, want := range []string{"graph reconciled |", "groupID=g-1", "nodes=4", `summary="db down"`} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestCompactHandlerShortensIDs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCompactHandler(&buf, nil))

	log.Info("retired", "batchID", "0123456789abcdef")

	if !strings.Contains(buf.String(), "batchID=01234567") || strings.Contains(buf.String(), "89abcdef") {
		t.Errorf("batchID not shortened: %q", buf.String())
	}
}

func TestCompactHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCompactHandler(&buf, nil)).With("component", "session")

	log.Warn("connection lost")

	if !strings.Contains(buf.String(), "component=session") {
		t.Errorf("accumulated attrs missing: %q", buf.String())
	}
}

func TestCompactHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCompactHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		verbosity string
		count     int
		want      slog.Level
	}{
		{"", 0, slog.LevelInfo},
		{"", 1, slog.LevelDebug},
		{"", 3, LevelTrace},
		{"warn", 2, slog.LevelWarn},
		{"ERROR", 0, slog.LevelError},
		{"trace", 0, LevelTrace},
		{"bogus", 0, slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.verbosity, tt.count); got != tt.want {
			t.Errorf("ParseLevel(%q, %d) = %v, want %v", tt.verbosity, tt.count, got, tt.want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/graphs", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "fixed-id" {
		t.Errorf("handler saw request ID %q, want fixed-id", seen)
	}
	if rec.Header().Get("X-Request-ID") != "fixed-id" {
		t.Errorf("response header X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request ID")
	}
}

func TestGetRequestIDEmpty(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty ctx) = %q", got)
	}
}
