package audit

import (
	"bytes"
	"context"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/runs", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	if got := ClientIP(r); got != "10.0.0.7" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
	r.Header.Set("X-Real-IP", "10.0.0.8")
	if got := ClientIP(r); got != "10.0.0.8" {
		t.Fatalf("expected real ip, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "192.168.1.2, 10.0.0.1")
	if got := ClientIP(r); got != "192.168.1.2" {
		t.Fatalf("expected first forwarded ip, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "unknown, [2001:db8::1]:443")
	if got := ClientIP(r); got != "2001:db8::1" {
		t.Fatalf("expected malformed hop skipped, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "garbage")
	r.Header.Set("X-Real-IP", "::ffff:10.0.0.9")
	if got := ClientIP(r); got != "10.0.0.9" {
		t.Fatalf("expected unmapped real ip, got %q", got)
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/runs/run-1/activate", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	r.Header.Set("User-Agent", "painel/1.0")
	entry := FromRequest(r, Entry{Actor: "campo", Action: "run.activate", ResourceID: "run-1"}, map[string]any{"run_id": "run-1"})
	if entry.IP != "10.0.0.7" || entry.UserAgent != "painel/1.0" || entry.Actor != "campo" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if string(entry.Metadata) != `{"run_id":"run-1"}` {
		t.Fatalf("unexpected metadata %s", entry.Metadata)
	}
	if got := FromRequest(r, Entry{}, nil); got.Metadata != nil {
		t.Fatalf("expected no metadata, got %s", got.Metadata)
	}
}

func TestDigestAndLogLogger(t *testing.T) {
	if DigestJSON(nil) != "" {
		t.Fatalf("expected empty digest for empty metadata")
	}
	if len(DigestJSON([]byte(`{"a":1}`))) != 64 {
		t.Fatalf("expected sha256 hex digest")
	}
	if !strings.HasPrefix(NewID(), "audit-") {
		t.Fatalf("unexpected id prefix")
	}

	var buf bytes.Buffer
	l := NewLogLogger(log.New(&buf, "", 0))
	if err := l.Log(context.Background(), Entry{Action: "run.start", ResourceType: "run", ResourceID: "r1", Actor: "ana"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(buf.String(), "action=run.start resource=run/r1") {
		t.Fatalf("unexpected audit line %q", buf.String())
	}
}

func TestNewRepositoryNilDB(t *testing.T) {
	if NewRepository(nil) != nil {
		t.Fatalf("expected nil repository without db")
	}
	var r *Repository
	if err := r.Log(context.Background(), Entry{}); err == nil {
		t.Fatalf("expected nil db error")
	}
}

func TestEntryComplete(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	entry := Entry{Action: "probe.update", Metadata: []byte(`{"interval_sec":120}`)}.complete(at)
	if !strings.HasPrefix(entry.ID, "audit-") || entry.CreatedAt.Location() != time.UTC || !entry.CreatedAt.Equal(at) {
		t.Fatalf("unexpected completed entry %+v", entry)
	}
	if entry.PayloadDigest != DigestJSON(entry.Metadata) {
		t.Fatalf("expected metadata digest, got %q", entry.PayloadDigest)
	}
	kept := Entry{ID: "audit-fixo", PayloadDigest: "abc"}.complete(at)
	if kept.ID != "audit-fixo" || kept.PayloadDigest != "abc" {
		t.Fatalf("expected existing fields kept, got %+v", kept)
	}
}
